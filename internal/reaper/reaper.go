// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"github.com/fazpi-ai/qube/internal/config"
	"github.com/fazpi-ai/qube/internal/obs"
	"github.com/fazpi-ai/qube/internal/registry"
	"go.uber.org/zap"
)

// Reaper scans activeGroupConsumers for records whose owning node has gone
// quiet — a graceful shutdown always releases ownership itself, so a record
// surviving past grace means that node crashed or was partitioned away.
// Releasing the field frees its slot against the group's nConsumers cap for
// a fresh claim by any live node.
type Reaper struct {
	cfg       *config.Config
	consumers *registry.ConsumerRegistry
	log       *zap.Logger
	grace     time.Duration
}

// New builds a Reaper. grace is 3x the scheduler's inactivity timeout, which
// is also each worker's heartbeat period, so a live worker refreshes its
// record several times within one grace window.
func New(cfg *config.Config, consumers *registry.ConsumerRegistry, log *zap.Logger) *Reaper {
	return &Reaper{
		cfg:       cfg,
		consumers: consumers,
		log:       log,
		grace:     3 * cfg.Scheduler.InactivityTimeout,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	records, err := r.consumers.AllRecords(ctx)
	if err != nil {
		r.log.Warn("reaper: scan error", obs.Err(err))
		return
	}

	now := time.Now().UTC()
	for field, rec := range records {
		updatedAt, err := time.Parse(time.RFC3339Nano, rec.UpdatedAt)
		if err != nil {
			r.log.Warn("reaper: unparsable heartbeat, skipping", obs.String("field", field), obs.Err(err))
			continue
		}
		if now.Sub(updatedAt) <= r.grace {
			continue
		}
		if err := r.consumers.DeleteField(ctx, field); err != nil {
			r.log.Warn("reaper: failed to release stale consumer", obs.String("field", field), obs.Err(err))
			continue
		}
		r.log.Warn("reaper: released stale group consumer",
			obs.String("field", field), obs.String("instance_id", rec.InstanceID), obs.String("worker_id", rec.WorkerID))
	}
}
