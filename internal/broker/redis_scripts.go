package broker

import "github.com/redis/go-redis/v9"

// Every state change runs as one script so concurrent workers in other
// processes never observe a half-moved job.
//
// Key layout (P = key prefix):
//   P:job:<id>            hash with the job fields and state
//   P:queue:<name>        zset of ready ids scored by ready time (ms)
//   P:inprogress:<name>   zset of dequeued ids scored by lease deadline (ms)
//   P:failed:<name>       list of dead ids, newest first

// KEYS[1]=job ARGV: id queue handler payload enqueued_ms max_attempts timeout_ms ready_ms not_before_ms prefix
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'handler', ARGV[3], 'payload', ARGV[4],
  'enqueued_at', ARGV[5], 'attempts', 0, 'max_attempts', ARGV[6],
  'timeout_ms', ARGV[7], 'not_before', ARGV[9], 'state', 'ready')
redis.call('ZADD', ARGV[10] .. ':queue:' .. ARGV[2], ARGV[8], ARGV[1])
return 1
`)

// KEYS[1]=ready zset KEYS[2]=inprogress zset ARGV: now_ms visibility_ms prefix queue_timeout_ms
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], now, id)
  redis.call('HSET', ARGV[3] .. ':job:' .. id, 'state', 'ready')
end
for _ = 1, 10 do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. ':job:' .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'state', 'inflight')
    local timeout = tonumber(redis.call('HGET', key, 'timeout_ms')) or 0
    if timeout <= 0 then
      timeout = tonumber(ARGV[4]) or 0
    end
    redis.call('ZADD', KEYS[2], now + timeout + tonumber(ARGV[2]), id)
    return redis.call('HGETALL', key)
  end
end
return false
`)

// KEYS[1]=job ARGV: prefix id keep_seconds result finished_ms
var ackScript = redis.NewScript(`
local q = redis.call('HGET', KEYS[1], 'queue')
if not q then
  return 0
end
if redis.call('ZREM', ARGV[1] .. ':inprogress:' .. q, ARGV[2]) == 0 then
  return 0
end
local keep = tonumber(ARGV[3])
if keep > 0 then
  redis.call('HSET', KEYS[1], 'state', 'done', 'payload', '', 'result', ARGV[4], 'finished_at', ARGV[5])
  redis.call('EXPIRE', KEYS[1], keep)
else
  redis.call('DEL', KEYS[1])
end
return 1
`)

// KEYS[1]=job ARGV: prefix id ready_ms refund
var requeueScript = redis.NewScript(`
local q = redis.call('HGET', KEYS[1], 'queue')
if not q then
  return 0
end
if redis.call('ZREM', ARGV[1] .. ':inprogress:' .. q, ARGV[2]) == 0 then
  return 0
end
if ARGV[4] == '1' then
  local n = tonumber(redis.call('HGET', KEYS[1], 'attempts')) or 0
  if n > 0 then
    redis.call('HINCRBY', KEYS[1], 'attempts', -1)
  end
end
redis.call('HSET', KEYS[1], 'state', 'ready')
redis.call('ZADD', ARGV[1] .. ':queue:' .. q, ARGV[3], ARGV[2])
return 1
`)

// KEYS[1]=job ARGV: prefix id reason failed_ms ttl_seconds keep
var failScript = redis.NewScript(`
local q = redis.call('HGET', KEYS[1], 'queue')
if not q then
  return 0
end
if redis.call('ZREM', ARGV[1] .. ':inprogress:' .. q, ARGV[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'reason', ARGV[3], 'failed_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
local list = ARGV[1] .. ':failed:' .. q
redis.call('LPUSH', list, ARGV[2])
redis.call('LTRIM', list, 0, tonumber(ARGV[6]) - 1)
return 1
`)
