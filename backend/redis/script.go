package redis

import goredis "github.com/redis/go-redis/v9"

// applySrc is the conditional apply. It runs atomically on the server.
//
//	KEYS[1] index sorted set
//	KEYS[2] record hash of the candidate id
//	ARGV[1] index value
//	ARGV[2] candidate id
//	ARGV[3] expected version (0 = create)
//	ARGV[4] msgpack map of proposed fields
//	ARGV[5] index field name
//
// Returns {code, matches, version, created}. code follows backend.Result;
// version and created are 0 unless the apply committed.
//
// The owner check compares the id found in the index with the id the caller
// carried. On every committing path that id is the candidate, so KEYS[2] is
// always the record being written.
const applySrc = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1])
local expected = tonumber(ARGV[3])
local existing = ids[1]
local version
if not existing then
  if expected ~= 0 then
    return {-1, 0, 0, 0}
  end
  version = 1
else
  if expected == 0 then
    return {-2, #ids, 0, 0}
  end
  if existing ~= ARGV[2] then
    return {-3, #ids, 0, 0}
  end
  local cur = tonumber(redis.call('HGET', KEYS[2], 'version') or '0')
  if cur ~= expected then
    return {0, #ids, 0, 0}
  end
  version = expected + 1
end

local fields = cmsgpack.unpack(ARGV[4])
local args = {}
for k, v in pairs(fields) do
  args[#args + 1] = k
  args[#args + 1] = tostring(v)
end
args[#args + 1] = 'version'
args[#args + 1] = tostring(version)
args[#args + 1] = ARGV[5]
args[#args + 1] = ARGV[1]

redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2], unpack(args))
if not existing then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  return {1, 0, version, 1}
end
return {1, #ids, version, 0}
`

var applyScript = goredis.NewScript(applySrc)
