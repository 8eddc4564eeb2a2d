package redisq

import "github.com/redis/go-redis/v9"

// Job state transitions run as Lua scripts so every move between the
// waiting list, the active set and the terminal sets is atomic. Workers
// identify their claim with a lock token; a script that finds a foreign
// token reports the attempt as lost instead of touching the job.

// claimLua pops the oldest waiting job and marks it active.
// KEYS: waiting list, active zset. ARGV: now_ms, job key prefix, lock token.
// Returns {id, attempts_made} or nil when the list is empty.
const claimLua = `
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local job = ARGV[2] .. id
local attempts = redis.call('HINCRBY', job, 'attempts_made', 1)
redis.call('HSET', job, 'state', 'active', 'processed_on', ARGV[1], 'lock', ARGV[3])
return {id, attempts}
`

// heartbeatLua refreshes the active score while the lock is still ours.
// KEYS: active zset. ARGV: id, now_ms, job key prefix, lock token.
const heartbeatLua = `
local job = ARGV[3] .. ARGV[1]
if redis.call('HGET', job, 'lock') ~= ARGV[4] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`

// completeLua finalizes a successful attempt.
// KEYS: active zset, completed zset. ARGV: id, now_ms, result, prefix, token.
const completeLua = `
local job = ARGV[4] .. ARGV[1]
if redis.call('HGET', job, 'lock') ~= ARGV[5] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', job, 'lock')
redis.call('HSET', job, 'state', 'completed', 'result', ARGV[3], 'progress', '100', 'finished_on', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`

// failLua records a failed attempt and either schedules a delayed retry
// (exponential backoff on the base delay) or parks the job as failed.
// KEYS: active zset, delayed zset, failed zset.
// ARGV: id, now_ms, reason, backoff base ms, prefix, token.
// Returns {'retried', delay_ms} | {'failed', 0} | {'lost', 0}.
const failLua = `
local job = ARGV[5] .. ARGV[1]
if redis.call('HGET', job, 'lock') ~= ARGV[6] then
  return {'lost', 0}
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', job, 'lock')
local attempts = tonumber(redis.call('HGET', job, 'attempts_made') or '0')
local max = tonumber(redis.call('HGET', job, 'max_attempts') or '1')
redis.call('HSET', job, 'failed_reason', ARGV[3])
if attempts < max then
  local delay = tonumber(ARGV[4]) * 2 ^ (attempts - 1)
  redis.call('HSET', job, 'state', 'waiting')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + delay, ARGV[1])
  return {'retried', delay}
end
redis.call('HSET', job, 'state', 'failed', 'finished_on', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return {'failed', 0}
`

// promoteLua moves due delayed jobs back onto the waiting list.
// KEYS: delayed zset, waiting list. ARGV: now_ms.
const promoteLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`

// reclaimLua requeues active jobs whose heartbeat is older than the
// cutoff; jobs past the stall budget fail with reason 'stalled'.
// KEYS: active zset, waiting list, failed zset.
// ARGV: cutoff_ms, max stalled count, now_ms, prefix.
// Returns {requeued, failed}.
const reclaimLua = `
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued = 0
local failed = 0
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[1], id)
  local job = ARGV[4] .. id
  redis.call('HDEL', job, 'lock')
  local count = redis.call('HINCRBY', job, 'stalled_count', 1)
  if count > tonumber(ARGV[2]) then
    redis.call('HSET', job, 'state', 'failed', 'failed_reason', 'stalled', 'finished_on', ARGV[3])
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    failed = failed + 1
  else
    redis.call('HSET', job, 'state', 'stalled')
    redis.call('LPUSH', KEYS[2], id)
    requeued = requeued + 1
  end
end
return {requeued, failed}
`

// trimLua deletes terminal jobs older than the cutoff and, when a max is
// given, everything beyond the newest max entries.
// KEYS: terminal zset. ARGV: cutoff_ms, max entries (0 = unbounded), prefix.
const trimLua = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
  redis.call('DEL', ARGV[3] .. id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local removed = #expired
local max = tonumber(ARGV[2])
if max > 0 then
  local n = redis.call('ZCARD', KEYS[1])
  if n > max then
    local extra = redis.call('ZRANGE', KEYS[1], 0, n - max - 1)
    for _, id in ipairs(extra) do
      redis.call('DEL', ARGV[3] .. id)
    end
    redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - max - 1)
    removed = removed + #extra
  end
end
return removed
`

var (
	claimScript     = redis.NewScript(claimLua)
	heartbeatScript = redis.NewScript(heartbeatLua)
	completeScript  = redis.NewScript(completeLua)
	failScript      = redis.NewScript(failLua)
	promoteScript   = redis.NewScript(promoteLua)
	reclaimScript   = redis.NewScript(reclaimLua)
	trimScript      = redis.NewScript(trimLua)
)
