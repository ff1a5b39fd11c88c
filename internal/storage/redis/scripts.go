package redis

import "github.com/redis/go-redis/v9"

const (
	// commitScript compares the session version, replaces the session hash,
	// maintains the open-session index and applies every ledger increment.
	// Returns 0 on version mismatch and 1 once everything is written.
	commitScript = `
local session_key = KEYS[1]     -- dutyclock:session:{principalID}
local open_set = KEYS[2]        -- dutyclock:sessions:open
local history_key = KEYS[3]     -- dutyclock:ledger:history:{principalID}
local days_key = KEYS[4]        -- dutyclock:ledger:days

local expected = tonumber(ARGV[1])
local principal_id = ARGV[2]

local current = tonumber(redis.call('HGET', session_key, 'version') or '0')
if current ~= expected then
  return 0
end

redis.call('HSET', session_key,
  'principal_id', principal_id,
  'session_id', ARGV[3],
  'started_at', ARGV[4],
  'checkpoint', ARGV[5],
  'today_key', ARGV[6],
  'today_total_seconds', ARGV[7],
  'last_login', ARGV[8],
  'last_logout_at', ARGV[9],
  'updated_at', ARGV[10],
  'version', expected + 1
)

-- Empty started_at means the session is closed
if ARGV[4] ~= '' then
  redis.call('SADD', open_set, principal_id)
else
  redis.call('SREM', open_set, principal_id)
end

local n = tonumber(ARGV[11])
for i = 0, n - 1 do
  local ledger_key = KEYS[5 + i * 2]   -- dutyclock:ledger:{day}:{principalID}
  local index_key = KEYS[6 + i * 2]    -- dutyclock:ledger:index:{day}
  local a = 12 + i * 4
  local day = ARGV[a]
  local seconds = tonumber(ARGV[a + 1])
  local score = tonumber(ARGV[a + 3])

  redis.call('HSETNX', ledger_key, 'principal_id', principal_id)
  redis.call('HSETNX', ledger_key, 'day', day)
  redis.call('HINCRBY', ledger_key, 'total_seconds', seconds)
  -- A zero increment only stamps a new entry
  if seconds == 0 then
    redis.call('HSETNX', ledger_key, 'last_updated_at', ARGV[a + 2])
  else
    redis.call('HSET', ledger_key, 'last_updated_at', ARGV[a + 2])
  end

  redis.call('SADD', index_key, principal_id)
  redis.call('ZADD', history_key, score, day)
  redis.call('ZADD', days_key, score, day)
end

return 1
`

	// deleteDayScript drops every ledger entry of one day together with its
	// index entries and returns the number of entries removed.
	deleteDayScript = `
local index_key = KEYS[1]       -- dutyclock:ledger:index:{day}
local days_key = KEYS[2]        -- dutyclock:ledger:days

local day = ARGV[1]
local prefix = ARGV[2]          -- dutyclock:ledger:

local members = redis.call('SMEMBERS', index_key)
local deleted = 0
for _, principal_id in ipairs(members) do
  deleted = deleted + redis.call('DEL', prefix .. day .. ':' .. principal_id)
  redis.call('ZREM', prefix .. 'history:' .. principal_id, day)
end

redis.call('DEL', index_key)
redis.call('ZREM', days_key, day)

return deleted
`
)

var (
	commitLua    = redis.NewScript(commitScript)
	deleteDayLua = redis.NewScript(deleteDayScript)
)
