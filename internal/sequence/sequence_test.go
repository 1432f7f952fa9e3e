package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatgw/internal/lock"
	"github.com/eldtechnologies/chatgw/internal/store"
)

type fakeMax struct {
	mu    sync.Mutex
	max   map[int64]int64
	calls int
	err   error
}

func (f *fakeMax) MaxMessageID(_ context.Context, conversationID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.max[conversationID], nil
}

func newAllocator(t *testing.T, src MaxIDSource) (*Allocator, *miniredis.Miniredis, *lock.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 64})
	t.Cleanup(func() { rdb.Close() })

	locks := lock.NewClient(rdb, lock.Options{Lease: time.Second, PollInterval: 2 * time.Millisecond}, zerolog.Nop())
	a := NewAllocator(store.NewRedisStoreFromClient(rdb), src, locks, Options{LockWait: 5 * time.Second}, zerolog.Nop())
	return a, mr, locks
}

func TestFirstMessageGetsOne(t *testing.T) {
	a, _, _ := newAllocator(t, &fakeMax{})

	id, err := a.Next(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = a.Next(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestTwoConcurrentSendersNeverCollide(t *testing.T) {
	a, _, _ := newAllocator(t, &fakeMax{})

	ids := make([]int64, 2)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := a.Next(context.Background(), 42)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestConcurrentAllocationIsDistinctAndDense(t *testing.T) {
	src := &fakeMax{}
	a, _, _ := newAllocator(t, src)

	const n = 64
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := a.Next(context.Background(), 7)
			if assert.NoError(t, err) {
				results <- id
			}
		}()
	}
	wg.Wait()
	close(results)

	var got []int64
	for id := range results {
		got = append(got, id)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	require.Len(t, got, n)
	for i, id := range got {
		assert.Equal(t, int64(i+1), id)
	}
	assert.Equal(t, 1, src.calls, "only one allocator should read storage")
}

func TestSeedsFromStorageAfterExpiry(t *testing.T) {
	src := &fakeMax{max: map[int64]int64{42: 10}}
	a, mr, _ := newAllocator(t, src)
	ctx := context.Background()

	id, err := a.Next(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	mr.FastForward(DefaultCounterTTL)
	src.mu.Lock()
	src.max[42] = 11
	src.mu.Unlock()

	id, err = a.Next(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
}

func TestStorageErrorSurfaces(t *testing.T) {
	boom := errors.New("db down")
	a, _, _ := newAllocator(t, &fakeMax{err: boom})

	_, err := a.Next(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
}

func TestLockTimeoutSurfaces(t *testing.T) {
	a, _, locks := newAllocator(t, &fakeMax{})
	a.opts.LockWait = 20 * time.Millisecond
	ctx := context.Background()

	holder := locks.NewMutex("conversation:9")
	require.NoError(t, holder.Lock(ctx))
	defer holder.Unlock(ctx)

	_, err := a.Next(ctx, 9)
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
}
