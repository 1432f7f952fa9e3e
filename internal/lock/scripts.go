package lock

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Stored values have the form "<holder>:<depth>".

// acquireScript returns the new depth, or 0 when another holder owns the key.
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	redis.call('SET', KEYS[1], ARGV[1] .. ':1', 'PX', ARGV[2])
	return 1
end
local holder, depth = string.match(v, '^(.*):(%d+)$')
if holder == ARGV[1] then
	depth = tonumber(depth) + 1
	redis.call('SET', KEYS[1], holder .. ':' .. depth, 'PX', ARGV[2])
	return depth
end
return 0
`)

// releaseScript returns the remaining depth (0 means deleted), or a
// negative status: -1 absent, -2 malformed and deleted, -3 other holder.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return -1
end
local holder, depth = string.match(v, '^(.*):(%d+)$')
if not holder then
	redis.call('DEL', KEYS[1])
	return -2
end
if holder ~= ARGV[1] then
	return -3
end
depth = tonumber(depth) - 1
if depth <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
redis.call('SET', KEYS[1], holder .. ':' .. depth, 'PX', ARGV[2])
return depth
`)

// renewScript extends the lease only while ARGV[1] still holds the key.
var renewScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. ':' then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

const (
	releaseAbsent    = -1
	releaseMalformed = -2
	releaseForeign   = -3
)

// releaseStatus describes a negative releaseScript result.
func releaseStatus(code int64) string {
	switch code {
	case releaseAbsent:
		return "key absent"
	case releaseMalformed:
		return "malformed value removed"
	case releaseForeign:
		return "held by another holder"
	}
	return fmt.Sprintf("status %d", code)
}
