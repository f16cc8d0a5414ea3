// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fazpi-ai/qube/internal/obs"
	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/fazpi-ai/qube/internal/registry"
	"github.com/fazpi-ai/qube/internal/scripts"
	"github.com/fazpi-ai/qube/internal/storeclient"
	"go.uber.org/zap"
)

// Handler processes one job. It may signal completion either by returning
// (the "throw" path — a non-nil error marks the job failed) or by calling
// done from any goroutine (the "callback" path). Whichever fires first
// wins; the other is discarded. This mirrors a queue client whose consumers
// may do either synchronous or asynchronous work per job.
type Handler func(ctx context.Context, job *JobHandle, done func(err error)) error

// JobHandle is the job object a Handler receives. It embeds the job's data
// and adds UpdateProgress, the job's other store mutator alongside its
// status transition, which the handler itself never touches directly.
type JobHandle struct {
	queue.Job
	w *worker
}

// UpdateProgress overwrites the job's progress field. It does not affect the
// job's status or completion outcome.
func (j *JobHandle) UpdateProgress(ctx context.Context, value int) error {
	return j.w.updateProgress(ctx, j.ID, value)
}

// worker runs the dequeue loop for exactly one (queue, group, workerId)
// slot. A group may have up to nConsumers such workers running at once,
// cluster-wide; GroupScheduler enforces that cap by claiming a slot in the
// consumer registry before starting one.
type worker struct {
	queueName  string
	groupName  string
	workerID   string
	instanceID string

	pool      *storeclient.Pool
	scripts   *scripts.Registry
	consumers *registry.ConsumerRegistry
	handler   Handler
	log       *zap.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	stopping int32 // atomic bool, set by the scheduler's inactivity timer or a remote stop request
	done     chan struct{}
}

func newWorker(queueName, groupName, workerID, instanceID string, pool *storeclient.Pool, sr *scripts.Registry, cr *registry.ConsumerRegistry, handler Handler, pollInterval, heartbeatInterval time.Duration, log *zap.Logger) *worker {
	return &worker{
		queueName:         queueName,
		groupName:         groupName,
		workerID:          workerID,
		instanceID:        instanceID,
		pool:              pool,
		scripts:           sr,
		consumers:         cr,
		handler:           handler,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		log:               log.With(obs.String("queue", queueName), obs.String("group", groupName), obs.String("worker_id", workerID)),
		done:              make(chan struct{}),
	}
}

// requestStop asks the worker to exit once its current iteration finishes.
func (w *worker) requestStop() {
	atomic.StoreInt32(&w.stopping, 1)
}

func (w *worker) isStopping() bool {
	return atomic.LoadInt32(&w.stopping) == 1
}

// run is the worker's main loop. onActivity is called after every
// successful dequeue so the owning scheduler can reset this worker's
// inactivity timer (I5). onExit runs exactly once, after deregistration,
// regardless of why the loop stopped.
func (w *worker) run(ctx context.Context, onActivity func(), onExit func()) {
	defer close(w.done)
	defer onExit()
	defer w.deregister()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(heartbeatCtx)

	groupListKey := queue.GroupListKey(w.queueName, w.groupName)

	for {
		if w.isStopping() {
			w.log.Debug("worker stopping")
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		dq, err := w.dequeue(ctx, groupListKey)
		if err != nil {
			w.log.Warn("dequeue failed", obs.Err(err))
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		if dq.Empty {
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		onActivity()
		obs.JobsDequeued.WithLabelValues(w.queueName, w.groupName).Inc()

		job := &JobHandle{Job: queue.Job{
			ID:        dq.JobID,
			Queue:     w.queueName,
			GroupName: dq.GroupName,
			Status:    queue.StatusActive,
			Data:      dq.Payload,
		}, w: w}

		start := time.Now()
		jobErr := w.processJob(ctx, job)
		obs.JobProcessingDuration.WithLabelValues(w.queueName).Observe(time.Since(start).Seconds())

		newStatus := queue.StatusCompleted
		if jobErr != nil {
			newStatus = queue.StatusFailed
			w.log.Warn("job failed", obs.String("job_id", job.ID), obs.Err(jobErr))
		}
		if err := w.finalize(ctx, job.ID, newStatus); err != nil {
			w.log.Error("failed to persist final job status", obs.String("job_id", job.ID), obs.Err(err))
		}
		if newStatus == queue.StatusCompleted {
			obs.JobsCompleted.WithLabelValues(w.queueName).Inc()
		} else {
			obs.JobsFailed.WithLabelValues(w.queueName).Inc()
		}
	}
}

func (w *worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.pollInterval):
		return true
	}
}

func (w *worker) dequeue(ctx context.Context, groupListKey string) (scripts.DequeueResult, error) {
	c, err := w.pool.Acquire(ctx)
	if err != nil {
		return scripts.DequeueResult{}, err
	}
	defer w.pool.Release(c)
	return w.scripts.DequeueJob(ctx, c.Client, groupListKey)
}

func (w *worker) finalize(ctx context.Context, jobID string, status queue.Status) error {
	c, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer w.pool.Release(c)
	_, err = w.scripts.UpdateStatus(ctx, c.Client, queue.JobKey(jobID), string(status))
	return err
}

// updateProgress backs JobHandle.UpdateProgress, run against the pool like
// every other store mutation a worker performs.
func (w *worker) updateProgress(ctx context.Context, jobID string, value int) error {
	c, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer w.pool.Release(c)
	_, err = w.scripts.SetProgress(ctx, c.Client, queue.JobKey(jobID), value)
	return err
}

// heartbeatLoop refreshes this worker's ownership record and, on the same
// round trip, checks for a cooperative remote-stop request made by another
// node against this worker's slot.
func (w *worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			shouldStop, err := w.consumers.Touch(ctx, w.queueName, w.groupName, w.workerID)
			if err != nil {
				w.log.Warn("heartbeat failed", obs.Err(err))
				continue
			}
			if shouldStop {
				w.log.Debug("worker stopping on cooperative remote stop request")
				w.requestStop()
			}
		}
	}
}

func (w *worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.consumers.Release(ctx, w.queueName, w.groupName, w.workerID); err != nil {
		w.log.Warn("failed to release group ownership", obs.Err(err))
	}
}

// processJob runs the handler and resolves the job's outcome from whichever
// of "return" or "done" fires first.
func (w *worker) processJob(ctx context.Context, job *JobHandle) error {
	var once sync.Once
	result := make(chan error, 1)
	finish := func(err error) {
		once.Do(func() { result <- err })
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				finish(fmt.Errorf("handler panicked: %v", r))
			}
		}()
		err := w.handler(ctx, job, finish)
		finish(err)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
