package data

import "github.com/redis/go-redis/v9"

// Every script takes the topic keys in the order returned by topicKeys:
// KEYS[1] stream, KEYS[2] leases (zset of "entryID|key" scored by expiry ms),
// KEYS[3] attempts (hash key -> attempt), KEYS[4] dead stream.

// reserveScript reclaims the oldest lapsed lease, dead-lettering entries whose
// attempts are spent, and otherwise reads the next new entry. It returns
// {entryID, attempt, fields} or nil.
//
// ARGV: group, consumer, now ms, lease ms, default max attempts, expiry reason.
var reserveScript = redis.NewScript(`
local function field(fields, name)
  for i = 1, #fields, 2 do
    if fields[i] == name then return fields[i + 1] end
  end
  return nil
end

local group, consumer = ARGV[1], ARGV[2]
local now = tonumber(ARGV[3])
local expiry = now + tonumber(ARGV[4])

while true do
  local lapsed = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 1)
  if #lapsed == 0 then break end
  local member = lapsed[1]
  redis.call('ZREM', KEYS[2], member)
  local sep = string.find(member, '|', 1, true)
  local id, key = string.sub(member, 1, sep - 1), string.sub(member, sep + 1)

  local claimed = redis.call('XCLAIM', KEYS[1], group, consumer, 0, id)
  local entry = claimed[1]
  if entry and entry[2] then
    local fields = entry[2]
    local attempts = tonumber(redis.call('HGET', KEYS[3], key) or '0')
    local maxAttempts = tonumber(field(fields, 'max_attempts') or ARGV[5])
    if attempts < maxAttempts then
      redis.call('ZADD', KEYS[2], expiry, member)
      local attempt = redis.call('HINCRBY', KEYS[3], key, 1)
      return {id, attempt, fields}
    end
    redis.call('XACK', KEYS[1], group, id)
    redis.call('XDEL', KEYS[1], id)
    redis.call('HDEL', KEYS[3], key)
    local dead = {}
    for i = 1, #fields do dead[i] = fields[i] end
    dead[#dead + 1] = 'reason'
    dead[#dead + 1] = ARGV[6]
    redis.call('XADD', KEYS[4], '*', unpack(dead))
  end
end

local read = redis.call('XREADGROUP', 'GROUP', group, consumer, 'COUNT', 1, 'STREAMS', KEYS[1], '>')
if not read then return nil end
local entry = read[1][2][1]
if not entry then return nil end
local id, fields = entry[1], entry[2]
redis.call('ZADD', KEYS[2], expiry, id .. '|' .. field(fields, 'key'))
local attempt = redis.call('HINCRBY', KEYS[3], field(fields, 'key'), 1)
return {id, attempt, fields}
`)

// ackScript deletes the entry if the caller still holds the lease.
//
// ARGV: group, entryID, key, attempt.
var ackScript = redis.NewScript(`
if tonumber(redis.call('HGET', KEYS[3], ARGV[3]) or '-1') ~= tonumber(ARGV[4]) then
  return 0
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[2] .. '|' .. ARGV[3])
redis.call('HDEL', KEYS[3], ARGV[3])
return 1
`)

// nackScript re-adds the message at the tail, or to the dead stream when
// ARGV[5] is "1", if the caller still holds the lease.
//
// ARGV: group, entryID, key, attempt, dead flag, field/value pairs...
var nackScript = redis.NewScript(`
if tonumber(redis.call('HGET', KEYS[3], ARGV[3]) or '-1') ~= tonumber(ARGV[4]) then
  return 0
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
redis.call('XDEL', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[2] .. '|' .. ARGV[3])
local fields = {}
for i = 6, #ARGV do fields[#fields + 1] = ARGV[i] end
if ARGV[5] == '1' then
  redis.call('HDEL', KEYS[3], ARGV[3])
  redis.call('XADD', KEYS[4], '*', unpack(fields))
else
  redis.call('XADD', KEYS[1], '*', unpack(fields))
end
return 1
`)

// extendScript moves the lease expiry if the caller still holds the lease.
//
// ARGV: entryID, key, attempt, new expiry ms.
var extendScript = redis.NewScript(`
if tonumber(redis.call('HGET', KEYS[3], ARGV[2]) or '-1') ~= tonumber(ARGV[3]) then
  return 0
end
local member = ARGV[1] .. '|' .. ARGV[2]
if not redis.call('ZSCORE', KEYS[2], member) then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[4], member)
return 1
`)
