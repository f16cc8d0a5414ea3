// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fazpi-ai/qube/internal/config"
	"github.com/fazpi-ai/qube/internal/obs"
	"github.com/fazpi-ai/qube/internal/registry"
	"github.com/fazpi-ai/qube/internal/scripts"
	"github.com/fazpi-ai/qube/internal/storeclient"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func key(queueName, groupName string) string {
	return queueName + "\x1f" + groupName
}

func workerKey(gk, workerID string) string {
	return gk + "\x1f" + workerID
}

type handlerEntry struct {
	handler    Handler
	nConsumers int
}

type pendingAdmission struct {
	queueName string
	groupName string
}

// GroupScheduler owns the set of running group workers on this node. It
// starts a worker the first time a group sees work, honors both the
// per-group nConsumers cap (I2/I3) and the per-node concurrent-worker cap by
// queueing admissions as pending, and drains that pending set as capacity
// frees up.
type GroupScheduler struct {
	cfg        *config.Config
	pool       *storeclient.Pool
	scripts    *scripts.Registry
	consumers  *registry.ConsumerRegistry
	instanceID string
	log        *zap.Logger

	mu                    sync.Mutex
	handlers              map[string]handlerEntry
	workers               map[string]*worker
	groupWorkerCount      map[string]int
	pendingGroupConsumers map[string]pendingAdmission
	localTimers           map[string]*time.Timer
}

func New(cfg *config.Config, pool *storeclient.Pool, sr *scripts.Registry, cr *registry.ConsumerRegistry, log *zap.Logger) *GroupScheduler {
	return &GroupScheduler{
		cfg:                   cfg,
		pool:                  pool,
		scripts:               sr,
		consumers:             cr,
		instanceID:            uuid.NewString(),
		log:                   log,
		handlers:              make(map[string]handlerEntry),
		workers:               make(map[string]*worker),
		groupWorkerCount:      make(map[string]int),
		pendingGroupConsumers: make(map[string]pendingAdmission),
		localTimers:           make(map[string]*time.Timer),
	}
}

// InstanceID identifies this scheduler's node in the consumer registry.
func (s *GroupScheduler) InstanceID() string {
	return s.instanceID
}

// RegisterHandler binds a Handler to queueName, for both locally-triggered
// Add calls and pending admissions drained later. nConsumers is the maximum
// number of workers that may serve any one group of this queue concurrently,
// cluster-wide. Must be called before the first job on that queue can be
// consumed.
func (s *GroupScheduler) RegisterHandler(queueName string, nConsumers int, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[queueName] = handlerEntry{handler: handler, nConsumers: nConsumers}
}

func (s *GroupScheduler) handlerFor(queueName string) (handlerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[queueName]
	return h, ok
}

// Add admits a (queueName, groupName) pair for consumption. It is safe to
// call repeatedly for the same group — once the group already has
// nConsumers local workers, or this node is at its concurrent-worker cap,
// the admission is queued as pending instead of rejected.
func (s *GroupScheduler) Add(ctx context.Context, queueName, groupName string) error {
	entry, ok := s.handlerFor(queueName)
	if !ok {
		return fmt.Errorf("scheduler: no handler registered for queue %q", queueName)
	}

	gk := key(queueName, groupName)

	s.mu.Lock()
	if s.groupWorkerCount[gk] >= entry.nConsumers {
		if _, queued := s.pendingGroupConsumers[gk]; !queued {
			s.pendingGroupConsumers[gk] = pendingAdmission{queueName, groupName}
			obs.PendingAdmissions.WithLabelValues(queueName).Inc()
		}
		s.mu.Unlock()
		return nil
	}
	if len(s.workers) >= s.cfg.Scheduler.MaxConcurrentGroups {
		s.pendingGroupConsumers[gk] = pendingAdmission{queueName, groupName}
		obs.PendingAdmissions.WithLabelValues(queueName).Inc()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.startGroupConsumer(ctx, queueName, groupName, entry.handler, entry.nConsumers)
}

// startGroupConsumer claims a worker slot in the consumer registry and, on
// success, launches its worker goroutine. If the group is already at its
// nConsumers cap cluster-wide (another node, or another local goroutine that
// raced ahead), this is a graceful no-op.
func (s *GroupScheduler) startGroupConsumer(ctx context.Context, queueName, groupName string, handler Handler, nConsumers int) error {
	workerID := uuid.NewString()
	claimed, err := s.consumers.Claim(ctx, queueName, groupName, workerID, s.instanceID, nConsumers)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	gk := key(queueName, groupName)
	wk := workerKey(gk, workerID)
	w := newWorker(queueName, groupName, workerID, s.instanceID, s.pool, s.scripts, s.consumers, handler,
		s.cfg.Scheduler.PollInterval, s.cfg.Scheduler.InactivityTimeout, s.log)

	s.mu.Lock()
	s.workers[wk] = w
	s.groupWorkerCount[gk]++
	s.mu.Unlock()

	obs.ActiveConsumers.WithLabelValues(queueName, groupName).Inc()
	s.resetTimer(wk, w)

	go w.run(ctx,
		func() { s.resetTimer(wk, w) },
		func() { s.onWorkerExit(ctx, gk, wk, queueName, groupName) },
	)
	return nil
}

// onWorkerExit runs once a worker's loop returns for any reason. It clears
// bookkeeping for that worker and drains pending admissions, if any, now
// that a concurrent-worker slot is free.
func (s *GroupScheduler) onWorkerExit(ctx context.Context, gk, wk, queueName, groupName string) {
	s.clearTimer(wk)

	s.mu.Lock()
	delete(s.workers, wk)
	if s.groupWorkerCount[gk] > 0 {
		s.groupWorkerCount[gk]--
	}
	if s.groupWorkerCount[gk] == 0 {
		delete(s.groupWorkerCount, gk)
	}
	s.mu.Unlock()

	obs.ActiveConsumers.WithLabelValues(queueName, groupName).Dec()
	s.drainPending(ctx)
}

// drainPending starts up to PendingDrainBudget queued admissions per call.
// Invoked after every worker exit; also safe to call periodically as a
// backstop against a drain that was skipped because no slot was free yet.
func (s *GroupScheduler) drainPending(ctx context.Context) {
	s.mu.Lock()
	if len(s.pendingGroupConsumers) == 0 {
		s.mu.Unlock()
		return
	}
	budget := s.cfg.Scheduler.PendingDrainBudget
	batch := make([]pendingAdmission, 0, budget)
	for gk, p := range s.pendingGroupConsumers {
		if len(batch) >= budget || len(s.workers) >= s.cfg.Scheduler.MaxConcurrentGroups {
			break
		}
		delete(s.pendingGroupConsumers, gk)
		batch = append(batch, p)
	}
	s.mu.Unlock()

	for _, p := range batch {
		obs.PendingAdmissions.WithLabelValues(p.queueName).Dec()
		entry, ok := s.handlerFor(p.queueName)
		if !ok {
			continue
		}
		if err := s.startGroupConsumer(ctx, p.queueName, p.groupName, entry.handler, entry.nConsumers); err != nil {
			s.log.Warn("failed to drain pending group consumer", obs.String("queue", p.queueName), obs.String("group", p.groupName), obs.Err(err))
		}
	}
}

func (s *GroupScheduler) resetTimer(wk string, w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[wk]; !ok {
		return
	}
	if t, ok := s.localTimers[wk]; ok {
		t.Stop()
	}
	s.localTimers[wk] = time.AfterFunc(s.cfg.Scheduler.InactivityTimeout, func() {
		w.requestStop()
		s.mu.Lock()
		delete(s.localTimers, wk)
		s.mu.Unlock()
	})
}

func (s *GroupScheduler) clearTimer(wk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.localTimers[wk]; ok {
		t.Stop()
		delete(s.localTimers, wk)
	}
}

// RunningGroups reports the distinct groups this node currently serves (one
// entry per group, regardless of how many of its workers are local), for
// diagnostics and the admin HTTP surface.
func (s *GroupScheduler) RunningGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groupWorkerCount))
	for gk := range s.groupWorkerCount {
		out = append(out, gk)
	}
	return out
}
