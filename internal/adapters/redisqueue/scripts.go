package redisqueue

import "github.com/redis/go-redis/v9"

// Item keys are derived inside the scripts from the item prefix in ARGV. They
// share the queue hash tag, so they live in the same slot as the declared KEYS.

// KEYS: waiting, seq, signal
// ARGV: item prefix, id, queue, envelope, policy, now, backlog
var addScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', key) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', key,
  'id', ARGV[2], 'queue', ARGV[3], 'state', 'waiting',
  'envelope', ARGV[4], 'policy', ARGV[5],
  'attempts_made', 0, 'enqueued_at', ARGV[6])
redis.call('ZADD', KEYS[1], seq, ARGV[2])
redis.call('LPUSH', KEYS[3], '1')
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[7]) - 1)
return 1
`)

// KEYS: waiting, delayed, active, seq
// ARGV: item prefix, now, ttl ms, token
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], redis.call('INCR', KEYS[4]), id)
  redis.call('HSET', ARGV[1] .. id, 'state', 'waiting')
  redis.call('HDEL', ARGV[1] .. id, 'run_at')
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local key = ARGV[1] .. id
local expires = now + tonumber(ARGV[3])
redis.call('HSET', key, 'state', 'active', 'processed_at', now,
  'claim_expires_at', expires, 'claim_token', ARGV[4])
redis.call('HDEL', key, 'run_at')
redis.call('ZADD', KEYS[3], expires, id)
return redis.call('HGETALL', key)
`)

// trimFinished is shared by the complete and fail scripts.
// It keeps at most maxCount members of set, deleting the oldest items.
const trimFinished = `
local function trim(set, expiry, prefix, maxCount)
  if maxCount <= 0 then
    return
  end
  local excess = redis.call('ZCARD', set) - maxCount
  if excess <= 0 then
    return
  end
  local old = redis.call('ZRANGE', set, 0, excess - 1)
  for _, oid in ipairs(old) do
    redis.call('DEL', prefix .. oid)
    redis.call('ZREM', expiry, oid)
  end
  redis.call('ZREMRANGEBYRANK', set, 0, excess - 1)
end

local function claimed(key, token)
  return redis.call('HGET', key, 'state') == 'active' and redis.call('HGET', key, 'claim_token') == token
end
`

// KEYS: active, completed, expiry
// ARGV: item prefix, id, token, now, result, max age ms, max count
var completeScript = redis.NewScript(trimFinished + `
local key = ARGV[1] .. ARGV[2]
if not claimed(key, ARGV[3]) then
  return 0
end
local now = tonumber(ARGV[4])
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', key, 'state', 'completed', 'result', ARGV[5], 'finished_at', now)
redis.call('HDEL', key, 'claim_token', 'claim_expires_at')
redis.call('ZADD', KEYS[2], now, ARGV[2])
local maxAge = tonumber(ARGV[6])
if maxAge > 0 then
  redis.call('ZADD', KEYS[3], now + maxAge, ARGV[2])
end
trim(KEYS[2], KEYS[3], ARGV[1], tonumber(ARGV[7]))
return 1
`)

// KEYS: active, delayed, waiting, failed, expiry, seq, signal
// ARGV: item prefix, id, token, now, reason, final (0|1), delay ms, max age ms, max count, backlog
var failScript = redis.NewScript(trimFinished + `
local key = ARGV[1] .. ARGV[2]
if not claimed(key, ARGV[3]) then
  return 0
end
local now = tonumber(ARGV[4])
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HINCRBY', key, 'attempts_made', 1)
redis.call('HSET', key, 'failed_reason', ARGV[5])
redis.call('HDEL', key, 'claim_token', 'claim_expires_at')
if ARGV[6] == '1' then
  redis.call('HSET', key, 'state', 'failed', 'finished_at', now)
  redis.call('ZADD', KEYS[4], now, ARGV[2])
  local maxAge = tonumber(ARGV[8])
  if maxAge > 0 then
    redis.call('ZADD', KEYS[5], now + maxAge, ARGV[2])
  end
  trim(KEYS[4], KEYS[5], ARGV[1], tonumber(ARGV[9]))
  return 1
end
local delay = tonumber(ARGV[7])
if delay > 0 then
  local runAt = now + delay
  redis.call('HSET', key, 'state', 'delayed', 'run_at', runAt)
  redis.call('ZADD', KEYS[2], runAt, ARGV[2])
  return 1
end
redis.call('HSET', key, 'state', 'waiting')
redis.call('ZADD', KEYS[3], redis.call('INCR', KEYS[6]), ARGV[2])
redis.call('LPUSH', KEYS[7], '1')
redis.call('LTRIM', KEYS[7], 0, tonumber(ARGV[10]) - 1)
return 1
`)

// KEYS: waiting, delayed
// ARGV: item prefix, id
var removeScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
local state = redis.call('HGET', key, 'state')
if state == 'waiting' then
  redis.call('ZREM', KEYS[1], ARGV[2])
elseif state == 'delayed' then
  redis.call('ZREM', KEYS[2], ARGV[2])
else
  return 0
end
redis.call('DEL', key)
return 1
`)

// KEYS: active, waiting, seq, signal
// ARGV: item prefix, now, backlog
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', key, 'state', 'waiting')
  redis.call('HDEL', key, 'claim_token', 'claim_expires_at')
  redis.call('ZADD', KEYS[2], redis.call('INCR', KEYS[3]), id)
end
if #ids > 0 then
  redis.call('LPUSH', KEYS[4], '1')
  redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[3]) - 1)
end
return ids
`)

// KEYS: completed, failed, expiry
// ARGV: item prefix, now
var pruneScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[2])
local completed, failed = 0, 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[3], id)
  if redis.call('ZREM', KEYS[1], id) == 1 then
    completed = completed + 1
    redis.call('DEL', ARGV[1] .. id)
  elseif redis.call('ZREM', KEYS[2], id) == 1 then
    failed = failed + 1
    redis.call('DEL', ARGV[1] .. id)
  end
end
return {completed, failed}
`)
