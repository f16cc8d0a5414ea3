// Copyright 2025 James Ross
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/fazpi-ai/qube/internal/scripts"
	"github.com/redis/go-redis/v9"
)

// Record is the value stored per field in the activeGroupConsumers hash.
// UpdatedAt lets the reaper tell a live consumer from one whose owning node
// vanished without a graceful shutdown. ShouldStop is set remotely by any
// node to ask the owning worker to stop cooperatively, distinct from the
// worker's own local inactivity timer.
type Record struct {
	InstanceID string `json:"instanceId"`
	WorkerID   string `json:"workerId"`
	UpdatedAt  string `json:"updatedAt"`
	ShouldStop bool   `json:"shouldStop"`
}

// ConsumerRegistry wraps ops against the single activeGroupConsumers hash.
// Each field is one worker's slot within a (queue, group) pair; a group may
// have up to nConsumers fields claimed at once (I2/I3), enforced atomically
// by the claim_group_slot script so two nodes racing for the last slot can't
// both win.
type ConsumerRegistry struct {
	client  redis.Cmdable
	scripts *scripts.Registry
}

func New(client redis.Cmdable, sr *scripts.Registry) *ConsumerRegistry {
	return &ConsumerRegistry{client: client, scripts: sr}
}

// Claim attempts to atomically register workerID as one of queueName's
// groupName's consumers. Returns false without error if the group already
// has maxConsumers workers registered.
func (r *ConsumerRegistry) Claim(ctx context.Context, queueName, groupName, workerID, instanceID string, maxConsumers int) (bool, error) {
	rec := Record{InstanceID: instanceID, WorkerID: workerID, UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	b, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("registry: marshal record: %w", err)
	}
	field := queue.ConsumerField(queueName, groupName, workerID)
	prefix := queue.GroupConsumerPrefix(queueName, groupName)
	return r.scripts.ClaimGroupSlot(ctx, r.client, queue.ActiveConsumersKey, prefix, field, string(b), maxConsumers)
}

// Touch refreshes a worker's own heartbeat and, in the same round trip,
// reports whether another node has requested it stop cooperatively.
func (r *ConsumerRegistry) Touch(ctx context.Context, queueName, groupName, workerID string) (shouldStop bool, err error) {
	field := queue.ConsumerField(queueName, groupName, workerID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	shouldStop, _, err = r.scripts.TouchGroupConsumer(ctx, r.client, queue.ActiveConsumersKey, field, now)
	return shouldStop, err
}

// RequestStop asks workerID's owning node to stop serving groupName
// cooperatively; the owning worker notices on its next heartbeat.
func (r *ConsumerRegistry) RequestStop(ctx context.Context, queueName, groupName, workerID string) error {
	field := queue.ConsumerField(queueName, groupName, workerID)
	_, err := r.scripts.RequestGroupConsumerStop(ctx, r.client, queue.ActiveConsumersKey, field)
	return err
}

// Get returns the record claiming queueName/groupName/workerID, if any.
func (r *ConsumerRegistry) Get(ctx context.Context, queueName, groupName, workerID string) (Record, bool, error) {
	field := queue.ConsumerField(queueName, groupName, workerID)
	s, err := r.client.HGet(ctx, queue.ActiveConsumersKey, field).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return Record{}, false, fmt.Errorf("registry: unmarshal record: %w", err)
	}
	return rec, true, nil
}

// Release gives up workerID's slot, e.g. when a worker stops because its
// group list is empty or its inactivity timer fired.
func (r *ConsumerRegistry) Release(ctx context.Context, queueName, groupName, workerID string) error {
	field := queue.ConsumerField(queueName, groupName, workerID)
	return r.client.HDel(ctx, queue.ActiveConsumersKey, field).Err()
}

// CountForGroup reports how many workers are currently registered against a
// single (queue, group) pair, for enforcing the nConsumers cap locally.
func (r *ConsumerRegistry) CountForGroup(ctx context.Context, queueName, groupName string) (int, error) {
	keys, err := r.client.HKeys(ctx, queue.ActiveConsumersKey).Result()
	if err != nil {
		return 0, err
	}
	prefix := queue.GroupConsumerPrefix(queueName, groupName)
	count := 0
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			count++
		}
	}
	return count, nil
}

// CountForQueue reports how many consumer slots within queueName are
// currently claimed, across all of its groups.
func (r *ConsumerRegistry) CountForQueue(ctx context.Context, queueName string) (int, error) {
	keys, err := r.client.HKeys(ctx, queue.ActiveConsumersKey).Result()
	if err != nil {
		return 0, err
	}
	prefix := queue.QueueConsumerPrefix(queueName)
	count := 0
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			count++
		}
	}
	return count, nil
}

// AllRecords returns every field/record pair in the hash. The reaper uses
// this to scan for consumers whose owning node has gone quiet.
func (r *ConsumerRegistry) AllRecords(ctx context.Context) (map[string]Record, error) {
	all, err := r.client.HGetAll(ctx, queue.ActiveConsumersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(all))
	for field, s := range all {
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out[field] = rec
	}
	return out, nil
}

// DeleteField removes a raw hash field, used by the reaper once it decides a
// record is stale.
func (r *ConsumerRegistry) DeleteField(ctx context.Context, field string) error {
	return r.client.HDel(ctx, queue.ActiveConsumersKey, field).Err()
}

// TotalActiveConsumers counts every claimed worker slot across every queue.
func (r *ConsumerRegistry) TotalActiveConsumers(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, queue.ActiveConsumersKey).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
