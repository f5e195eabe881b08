package bucket

import "github.com/go-redis/redis/v8"

// takeTokens refills by elapsed time and consumes atomically. Fractional
// values are returned as strings since Redis truncates Lua numbers.
var takeTokens = redis.NewScript(`
local key = KEYS[1]
local requested_tokens = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local now = redis.call('TIME')
local current_time = tonumber(now[1]) + tonumber(now[2]) / 1000000

local bucket_data = redis.call('HMGET', key, 'tokens', 'last_refill')
local current_tokens = tonumber(bucket_data[1]) or capacity
local last_refill = tonumber(bucket_data[2]) or current_time

local time_elapsed = math.max(0, current_time - last_refill)
local new_tokens = math.min(capacity, current_tokens + time_elapsed * refill_rate)

local allowed = 0
local retry_after = 0

if new_tokens >= requested_tokens then
    new_tokens = new_tokens - requested_tokens
    allowed = 1
else
    retry_after = (requested_tokens - new_tokens) / refill_rate
end

redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', current_time)
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(new_tokens), tostring(retry_after)}
`)

// slideWindow counts requests in the trailing window with one sorted set
// member per admitted token. Scores are milliseconds. member is unique per
// call so that requests within the same millisecond all count.
var slideWindow = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current_count = redis.call('ZCARD', key)

local allowed = 0
local retry_after = 0

if current_count + requested <= max_requests then
    for i = 1, requested do
        redis.call('ZADD', key, now, member .. ':' .. i)
    end
    allowed = 1
    current_count = current_count + requested
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if #oldest > 0 then
        retry_after = tonumber(oldest[2]) + (now - window_start) - now
        if retry_after < 0 then
            retry_after = 0
        end
    end
end

redis.call('EXPIRE', key, ttl)

return {allowed, current_count, retry_after}
`)
