package service

import "github.com/redis/go-redis/v9"

// KEYS: queue, processing, delayed
// ARGV: now (unix ms), delivery key prefix
// Returns {handle, attempt}; attempt 0 means the delivery record is gone.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, h in ipairs(due) do
	redis.call('ZREM', KEYS[3], h)
	redis.call('LPUSH', KEYS[1], h)
end

local h = redis.call('RPOP', KEYS[1])
if not h then
	return false
end

local key = ARGV[2] .. h
if redis.call('HEXISTS', key, 'job_id') == 0 then
	return {h, 0}
end

local attempt = redis.call('HINCRBY', key, 'attempt', 1)
redis.call('HSET', key, 'started_at', ARGV[1])
redis.call('HDEL', key, 'orphaned_at')
redis.call('LPUSH', KEYS[2], h)
return {h, attempt}
`)

// KEYS: processing, delivery
// ARGV: handle, attempt
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'attempt') ~= ARGV[2] then
	return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: processing, delivery, delayed, failed
// ARGV: handle, attempt, last error, dead (0|1), score (unix ms), failure ttl (s)
var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'attempt') ~= ARGV[2] then
	return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], 'last_error', ARGV[3])
if ARGV[4] == '1' then
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
	redis.call('EXPIRE', KEYS[2], ARGV[6])
else
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
end
return 1
`)
