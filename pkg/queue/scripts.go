package queue

import "github.com/redis/go-redis/v9"

// Scripts address job hashes as ARGV-built keys; the queue targets a single
// Redis node, not a cluster.

// KEYS: job, wait. ARGV: id, data, max_attempts, now_ms.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1],
  'data', ARGV[2],
  'attempts', 0,
  'max_attempts', ARGV[3],
  'created_at', ARGV[4],
  'state', 'waiting')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: job, active, leases. ARGV: id, now_ms, lease_until_ms, token.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('LREM', KEYS[2], 0, ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
  return false
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', 'active', 'token', ARGV[4], 'processed_at', ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: job, active, leases, completed. ARGV: id, token, now_ms, retain_ms, keep.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], 'data', 'token')
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('LPUSH', KEYS[4], ARGV[1])
redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[5]) - 1)
return 1
`)

// KEYS: job, active, leases, delayed, failed.
// ARGV: id, token, now_ms, retry_at_ms, error, park, retain_ms, keep.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return -1
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], 'token')
redis.call('HSET', KEYS[1], 'last_error', ARGV[5])
if ARGV[6] == '1' then
  redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[7])
  redis.call('LPUSH', KEYS[5], ARGV[1])
  redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[8]) - 1)
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'delayed')
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// KEYS: delayed, wait. ARGV: now_ms, job_prefix, batch.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', ARGV[2] .. id) == 1 then
    redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
    redis.call('LPUSH', KEYS[2], id)
  end
end
return #due
`)

// Active jobs without a lease (moved but never claimed) get one first, so a
// worker dying between pickup and claim is recovered too.
// KEYS: active, leases, wait. ARGV: now_ms, lease_ms, job_prefix.
var requeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  redis.call('ZADD', KEYS[2], 'NX', now + tonumber(ARGV[2]), id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LREM', KEYS[1], 0, id)
  if redis.call('EXISTS', ARGV[3] .. id) == 1 then
    redis.call('HDEL', ARGV[3] .. id, 'token')
    redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
    redis.call('RPUSH', KEYS[3], id)
  end
end
return #expired
`)
