// Copyright 2025 James Ross
package scripts

// The atomic job scripts (spec §4.1) plus the registry scripts that keep
// ConsumerRegistry's capacity check and its claim/HSET atomic with each
// other. Each keeps its own source text alongside its cached digest in the
// Registry (registry.go), rather than relying on digest alone — a script missing
// from the store (NOSCRIPT) can only be reloaded if the caller still has
// the source to re-upload.

const enqueueSource = `
local groupsKey = KEYS[1]
local groupListKey = KEYS[2]
local jobIdSeqKey = KEYS[3]
local payload = ARGV[1]
local groupName = ARGV[2]
local creationTime = ARGV[3]
local queueName = ARGV[4]

local jobId = redis.call('INCR', jobIdSeqKey)
local jobKey = 'qube:queue:job:' .. jobId

redis.call('HSET', jobKey,
	'status', 'pending',
	'progress', '0',
	'group', groupName,
	'data', payload,
	'creation_time', creationTime,
	'queue', queueName)

redis.call('RPUSH', groupListKey, jobId)
redis.call('SADD', groupsKey, groupListKey)

return jobId
`

// dequeueSource peeks the group list's head rather than popping it blind: a
// head job that isn't pending (already claimed by a racing dequeue, or in
// some other state) is left exactly where it is instead of being dropped.
const dequeueSource = `
local groupListKey = KEYS[1]

local jobId = redis.call('LINDEX', groupListKey, 0)
if not jobId then
	return nil
end

local jobKey = 'qube:queue:job:' .. jobId
local status = redis.call('HGET', jobKey, 'status')
if status ~= 'pending' then
	return nil
end

redis.call('LPOP', groupListKey)
redis.call('HSET', jobKey, 'status', 'active')
local payload = redis.call('HGET', jobKey, 'data')
local groupName = redis.call('HGET', jobKey, 'group')

return {jobId, payload, groupName}
`

const updateStatusSource = `
local jobKey = KEYS[1]
local newStatus = ARGV[1]

local current = redis.call('HGET', jobKey, 'status')
if not current then
	return 0
end

local allowed = false
if current == 'pending' and newStatus == 'active' then
	allowed = true
elseif current == 'active' and (newStatus == 'completed' or newStatus == 'failed') then
	allowed = true
end

if allowed then
	redis.call('HSET', jobKey, 'status', newStatus)
	return 1
end
return 0
`

const getStatusSource = `
local jobKey = KEYS[1]
local status = redis.call('HGET', jobKey, 'status')
if not status then
	return false
end
return status
`

// updateProgressSource is the job object's other mutator (spec §3): it
// overwrites the progress field with no status-transition bookkeeping,
// failing only if the job record itself is gone.
const updateProgressSource = `
local jobKey = KEYS[1]
local progress = ARGV[1]

if redis.call('EXISTS', jobKey) == 0 then
	return 0
end
redis.call('HSET', jobKey, 'progress', progress)
return 1
`

// claimGroupSlotSource makes "count current workers for this group" and
// "register as one more" atomic, so two nodes racing to add the Nth and
// (N+1)th worker for the same group cannot both succeed (I2).
const claimGroupSlotSource = `
local hashKey = KEYS[1]
local prefix = ARGV[1]
local field = ARGV[2]
local record = ARGV[3]
local maxConsumers = tonumber(ARGV[4])
local prefixLen = string.len(prefix)

local fields = redis.call('HKEYS', hashKey)
local count = 0
for _, k in ipairs(fields) do
	if string.sub(k, 1, prefixLen) == prefix then
		count = count + 1
	end
end

if count >= maxConsumers then
	return 0
end

return redis.call('HSETNX', hashKey, field, record)
`

// touchGroupConsumerSource refreshes a worker's own heartbeat and, in the
// same round trip, reports whether another node has asked it to stop
// cooperatively (spec §5's remote-stop path) — -1 if the field is gone
// (released or reaped out from under it), 1 if shouldStop is set, else 0.
const touchGroupConsumerSource = `
local hashKey = KEYS[1]
local field = ARGV[1]
local now = ARGV[2]

local raw = redis.call('HGET', hashKey, field)
if not raw then
	return -1
end

local rec = cjson.decode(raw)
rec.updatedAt = now
redis.call('HSET', hashKey, field, cjson.encode(rec))
if rec.shouldStop then
	return 1
end
return 0
`

// requestGroupConsumerStopSource sets shouldStop on a worker's record from
// any node — the cooperative remote-stop path in spec §5, distinct from the
// local inactivity timer.
const requestGroupConsumerStopSource = `
local hashKey = KEYS[1]
local field = ARGV[1]

local raw = redis.call('HGET', hashKey, field)
if not raw then
	return 0
end

local rec = cjson.decode(raw)
rec.shouldStop = true
redis.call('HSET', hashKey, field, cjson.encode(rec))
return 1
`
