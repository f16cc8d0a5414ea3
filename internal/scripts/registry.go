// Copyright 2025 James Ross
package scripts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fazpi-ai/qube/internal/obs"
	"github.com/redis/go-redis/v9"
)

// Name identifies one of the eight atomic scripts: the four job scripts of
// spec §4.1 plus update_progress and the three consumer-registry scripts.
type Name string

const (
	Enqueue                   Name = "enqueue"
	Dequeue                   Name = "dequeue"
	UpdateStatus              Name = "update_status"
	GetStatus                 Name = "get_status"
	UpdateProgress            Name = "update_progress"
	ClaimGroupSlot            Name = "claim_group_slot"
	TouchGroupConsumer        Name = "touch_group_consumer"
	RequestGroupConsumerStop  Name = "request_group_consumer_stop"
)

type entry struct {
	source string
	script *redis.Script
}

// Registry holds the eight scripts keyed by name, each with its source kept
// alongside the go-redis wrapper so a NOSCRIPT response can be repaired by
// re-uploading rather than failing outright.
type Registry struct {
	entries map[Name]*entry
}

// New builds a Registry with all eight scripts loaded into memory (not yet
// uploaded to the store — that happens lazily on first EVALSHA miss, same as
// redis.Script's own behavior).
func New() *Registry {
	return &Registry{
		entries: map[Name]*entry{
			Enqueue:                  {source: enqueueSource, script: redis.NewScript(enqueueSource)},
			Dequeue:                  {source: dequeueSource, script: redis.NewScript(dequeueSource)},
			UpdateStatus:             {source: updateStatusSource, script: redis.NewScript(updateStatusSource)},
			GetStatus:                {source: getStatusSource, script: redis.NewScript(getStatusSource)},
			UpdateProgress:           {source: updateProgressSource, script: redis.NewScript(updateProgressSource)},
			ClaimGroupSlot:           {source: claimGroupSlotSource, script: redis.NewScript(claimGroupSlotSource)},
			TouchGroupConsumer:       {source: touchGroupConsumerSource, script: redis.NewScript(touchGroupConsumerSource)},
			RequestGroupConsumerStop: {source: requestGroupConsumerStopSource, script: redis.NewScript(requestGroupConsumerStopSource)},
		},
	}
}

// Run executes the named script via EVALSHA, falling back to a one-shot
// reload-and-retry if the store has evicted it (NOSCRIPT). Any other error,
// or a second failure after reload, is returned to the caller unchanged.
func (r *Registry) Run(ctx context.Context, c redis.Scripter, name Name, keys []string, args ...interface{}) (interface{}, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("scripts: unknown script %q", name)
	}

	res, err := e.script.Run(ctx, c, keys, args...).Result()
	if err == nil || !isNoScript(err) {
		return res, err
	}

	obs.ScriptReloads.WithLabelValues(string(name)).Inc()
	if loadErr := e.script.Load(ctx, c).Err(); loadErr != nil {
		return nil, fmt.Errorf("scripts: reload %s: %w", name, loadErr)
	}
	return e.script.Run(ctx, c, keys, args...).Result()
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// EnqueueResult is the decoded reply from the enqueue script.
type EnqueueResult struct {
	JobID string
}

// EnqueueJob runs the enqueue script against groupsKey/groupListKey/jobIDSeqKey.
func (r *Registry) EnqueueJob(ctx context.Context, c redis.Scripter, groupsKey, groupListKey, jobIDSeqKey, payload, groupName, creationTime, queueName string) (EnqueueResult, error) {
	res, err := r.Run(ctx, c, Enqueue, []string{groupsKey, groupListKey, jobIDSeqKey}, payload, groupName, creationTime, queueName)
	if err != nil {
		return EnqueueResult{}, err
	}
	id, ok := res.(int64)
	if !ok {
		return EnqueueResult{}, fmt.Errorf("scripts: enqueue: unexpected reply type %T", res)
	}
	return EnqueueResult{JobID: strconv.FormatInt(id, 10)}, nil
}

// DequeueResult is the decoded reply from the dequeue script. Empty is true
// when the group list had nothing eligible to hand out.
type DequeueResult struct {
	Empty     bool
	JobID     string
	Payload   string
	GroupName string
}

// DequeueJob runs the dequeue script against a single group's list.
func (r *Registry) DequeueJob(ctx context.Context, c redis.Scripter, groupListKey string) (DequeueResult, error) {
	res, err := r.Run(ctx, c, Dequeue, []string{groupListKey})
	if errors.Is(err, redis.Nil) {
		return DequeueResult{Empty: true}, nil
	}
	if err != nil {
		return DequeueResult{}, err
	}
	if res == nil {
		return DequeueResult{Empty: true}, nil
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		return DequeueResult{}, errors.New("scripts: dequeue: unexpected reply shape")
	}
	jobID, _ := fields[0].(string)
	payload, _ := fields[1].(string)
	groupName, _ := fields[2].(string)
	return DequeueResult{JobID: jobID, Payload: payload, GroupName: groupName}, nil
}

// UpdateStatus runs the update_status script. ok is false when the requested
// transition was not permitted and the store was left unchanged (spec I4).
func (r *Registry) UpdateStatus(ctx context.Context, c redis.Scripter, jobKey, newStatus string) (bool, error) {
	res, err := r.Run(ctx, c, UpdateStatus, []string{jobKey}, newStatus)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("scripts: update_status: unexpected reply type %T", res)
	}
	return n == 1, nil
}

// GetStatus runs the get_status script. found is false when the job record
// does not exist.
func (r *Registry) GetStatus(ctx context.Context, c redis.Scripter, jobKey string) (status string, found bool, err error) {
	res, err := r.Run(ctx, c, GetStatus, []string{jobKey})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	s, ok := res.(string)
	if !ok {
		return "", false, nil
	}
	return s, true, nil
}

// SetProgress runs the update_progress script, the job object's other
// mutator alongside status. ok is false only when the job record is gone.
func (r *Registry) SetProgress(ctx context.Context, c redis.Scripter, jobKey string, progress int) (bool, error) {
	res, err := r.Run(ctx, c, UpdateProgress, []string{jobKey}, strconv.Itoa(progress))
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("scripts: update_progress: unexpected reply type %T", res)
	}
	return n == 1, nil
}

// ClaimGroupSlot runs claim_group_slot: atomically counts existing fields
// under prefix and, if below maxConsumers, HSETNX-registers field/record.
// claimed is false when the group is already at capacity.
func (r *Registry) ClaimGroupSlot(ctx context.Context, c redis.Scripter, hashKey, prefix, field, record string, maxConsumers int) (bool, error) {
	res, err := r.Run(ctx, c, ClaimGroupSlot, []string{hashKey}, prefix, field, record, maxConsumers)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("scripts: claim_group_slot: unexpected reply type %T", res)
	}
	return n == 1, nil
}

// TouchGroupConsumer runs touch_group_consumer: refreshes the field's
// updatedAt and reports whether it carries a pending cooperative-stop
// request. found is false if the field was released or reaped already.
func (r *Registry) TouchGroupConsumer(ctx context.Context, c redis.Scripter, hashKey, field, now string) (shouldStop, found bool, err error) {
	res, err := r.Run(ctx, c, TouchGroupConsumer, []string{hashKey}, field, now)
	if err != nil {
		return false, false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, false, fmt.Errorf("scripts: touch_group_consumer: unexpected reply type %T", res)
	}
	if n < 0 {
		return false, false, nil
	}
	return n == 1, true, nil
}

// RequestGroupConsumerStop runs request_group_consumer_stop, setting
// shouldStop on field from any node. ok is false if the field is gone.
func (r *Registry) RequestGroupConsumerStop(ctx context.Context, c redis.Scripter, hashKey, field string) (bool, error) {
	res, err := r.Run(ctx, c, RequestGroupConsumerStop, []string{hashKey}, field)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("scripts: request_group_consumer_stop: unexpected reply type %T", res)
	}
	return n == 1, nil
}
