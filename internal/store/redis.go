package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
)

const routesKey = "gateway:routes"

// incrementIfExistsScript returns -1 when the counter is absent.
var incrementIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local v = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return v
`)

// deleteRouteScript removes a route only if it still points at ARGV[2].
var deleteRouteScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// RedisStore handles Redis operations shared across gateway nodes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// sequenceKey returns the key for a conversation's message ID counter.
func sequenceKey(conversationID int64) string {
	return fmt.Sprintf("conversation:%d:seq", conversationID)
}

// membersKey returns the key for a conversation's cached member set.
func membersKey(conversationID int64) string {
	return fmt.Sprintf("conversation:%d:members", conversationID)
}

func timed() func() {
	start := time.Now()
	return func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }
}

// IncrementIfExists bumps the conversation counter and refreshes its TTL.
// ok is false when the counter does not exist.
func (s *RedisStore) IncrementIfExists(ctx context.Context, conversationID int64, ttl time.Duration) (int64, bool, error) {
	defer timed()()

	v, err := incrementIfExistsScript.Run(ctx, s.client, []string{sequenceKey(conversationID)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, false, err
	}
	if v < 0 {
		return 0, false, nil
	}
	return v, true, nil
}

// SeedCounter sets the counter to value unless another writer got there first.
func (s *RedisStore) SeedCounter(ctx context.Context, conversationID, value int64, ttl time.Duration) (bool, error) {
	defer timed()()
	return s.client.SetNX(ctx, sequenceKey(conversationID), value, ttl).Result()
}

// CachedMembers returns the cached member set. ok is false on a miss.
func (s *RedisStore) CachedMembers(ctx context.Context, conversationID int64) ([]int64, bool, error) {
	defer timed()()

	raw, err := s.client.SMembers(ctx, membersKey(conversationID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, true, nil
}

// CacheMembers stores a member set with a TTL.
func (s *RedisStore) CacheMembers(ctx context.Context, conversationID int64, ids []int64, ttl time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	defer timed()()

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	key := membersKey(conversationID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetRoute records that userID is connected to addr.
func (s *RedisStore) SetRoute(ctx context.Context, userID int64, addr string) error {
	defer timed()()
	return s.client.HSet(ctx, routesKey, strconv.FormatInt(userID, 10), addr).Err()
}

// DeleteRoute removes the route for userID only if it still points at addr.
func (s *RedisStore) DeleteRoute(ctx context.Context, userID int64, addr string) (bool, error) {
	defer timed()()
	n, err := deleteRouteScript.Run(ctx, s.client, []string{routesKey}, strconv.FormatInt(userID, 10), addr).Int64()
	return n > 0, err
}

// Routes looks up the owning node of each user. Users without a route are
// absent from the result.
func (s *RedisStore) Routes(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	if len(userIDs) == 0 {
		return map[int64]string{}, nil
	}
	defer timed()()

	fields := make([]string, len(userIDs))
	for i, id := range userIDs {
		fields[i] = strconv.FormatInt(id, 10)
	}
	vals, err := s.client.HMGet(ctx, routesKey, fields...).Result()
	if err != nil {
		return nil, err
	}

	routes := make(map[int64]string, len(userIDs))
	for i, v := range vals {
		if addr, ok := v.(string); ok && addr != "" {
			routes[userIDs[i]] = addr
		}
	}
	return routes, nil
}

// StreamEntry is one message read from the event stream.
type StreamEntry struct {
	ID      string
	Message *models.ChatMessage
	Err     error // set when the payload could not be decoded
}

// PublishMessage appends msg to stream.
func (s *RedisStore) PublishMessage(ctx context.Context, stream string, msg *models.ChatMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"message": string(data)},
	}).Result()
}

// EnsureGroup creates the consumer group (and stream) if needed.
func (s *RedisStore) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ReadGroup reads up to count entries for consumer. start is "0" to re-read
// this consumer's pending entries or ">" for new ones.
func (s *RedisStore) ReadGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]StreamEntry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entries []StreamEntry
	for _, st := range res {
		for _, xm := range st.Messages {
			entry := StreamEntry{ID: xm.ID}
			raw, _ := xm.Values["message"].(string)
			var msg models.ChatMessage
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				entry.Err = fmt.Errorf("decode stream entry %s: %w", xm.ID, err)
			} else {
				entry.Message = &msg
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Ack acknowledges processed stream entries.
func (s *RedisStore) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, stream, group, ids...).Err()
}
