// Copyright 2025 James Ross
package qube

import (
	"context"
	"fmt"
	"time"

	"github.com/fazpi-ai/qube/internal/config"
	"github.com/fazpi-ai/qube/internal/notifier"
	"github.com/fazpi-ai/qube/internal/obs"
	"github.com/fazpi-ai/qube/internal/payloadcodec"
	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/fazpi-ai/qube/internal/registry"
	"github.com/fazpi-ai/qube/internal/schema"
	"github.com/fazpi-ai/qube/internal/scheduler"
	"github.com/fazpi-ai/qube/internal/scripts"
	"github.com/fazpi-ai/qube/internal/storeclient"
	"go.uber.org/zap"
)

// Client is the top-level programmatic surface: construct once per process,
// Init to start background consumption, Add to enqueue, Process to register
// a handler per queue, and Close on shutdown.
type Client struct {
	cfg *config.Config
	log *zap.Logger

	pool      *storeclient.Pool
	scripts   *scripts.Registry
	consumers *registry.ConsumerRegistry
	scheduler *scheduler.GroupScheduler
	notifier  *notifier.Notifier
	enforcer  *schema.Enforcer // nil when schema enforcement is disabled
	codec     *payloadcodec.Codec

	cancel context.CancelFunc
}

// Construct wires every collaborator from cfg but does not yet talk to the
// store — call Init to subscribe and start consuming.
func Construct(cfg *config.Config, log *zap.Logger) (*Client, error) {
	pool, err := storeclient.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("qube: build pool: %w", err)
	}

	sr := scripts.New()

	consumerConn := storeclient.NewDedicated(cfg)
	cr := registry.New(consumerConn, sr)

	var enforcer *schema.Enforcer
	if cfg.Schema.Enabled {
		enforcer, err = schema.New(cfg.Schema.Queues)
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("qube: build schema enforcer: %w", err)
		}
	}

	codec, err := payloadcodec.New(cfg.Payload.CompressionThresholdBytes)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("qube: build payload codec: %w", err)
	}

	sched := scheduler.New(cfg, pool, sr, cr, log)
	n := notifier.New(storeclient.NewDedicated(cfg), storeclient.NewDedicated(cfg), log)

	return &Client{
		cfg:       cfg,
		log:       log,
		pool:      pool,
		scripts:   sr,
		consumers: cr,
		scheduler: sched,
		notifier:  n,
		enforcer:  enforcer,
		codec:     codec,
	}, nil
}

// Init subscribes to the new-job channel and starts routing notifications
// from other nodes into this node's scheduler.
func (c *Client) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.notifier.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("qube: start notifier: %w", err)
	}
	go c.routeNotifications(ctx)
	return nil
}

func (c *Client) routeNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-c.notifier.Notifications():
			if err := c.scheduler.Add(ctx, note.QueueName, note.GroupName); err != nil {
				c.log.Warn("qube: failed to admit group from notification",
					obs.String("queue", note.QueueName), obs.String("group", note.GroupName), obs.Err(err))
			}
		}
	}
}

// Add enqueues a job's data under queueName/groupName, returning its ID.
func (c *Client) Add(ctx context.Context, queueName, groupName, data string) (string, error) {
	ctx, span := obs.StartEnqueueSpan(ctx, queueName, groupName)
	defer span.End()

	if c.enforcer != nil {
		if err := c.enforcer.Validate(queueName, data); err != nil {
			obs.RecordError(ctx, err)
			return "", err
		}
	}

	encoded := c.codec.Encode(data)

	sc, err := c.pool.Acquire(ctx)
	if err != nil {
		obs.RecordError(ctx, err)
		return "", fmt.Errorf("qube: acquire store client: %w", err)
	}
	defer c.pool.Release(sc)

	res, err := c.scripts.EnqueueJob(ctx, sc.Client,
		queue.GroupsSetKey(queueName), queue.GroupListKey(queueName, groupName), queue.JobIDSeqKey,
		encoded, groupName, time.Now().UTC().Format(time.RFC3339Nano), queueName)
	if err != nil {
		obs.RecordError(ctx, err)
		return "", fmt.Errorf("qube: enqueue: %w", err)
	}
	obs.JobsEnqueued.WithLabelValues(queueName).Inc()
	obs.SetSpanSuccess(ctx)

	if err := c.notifier.Publish(ctx, queue.NewJobNotification{QueueName: queueName, GroupName: groupName}); err != nil {
		c.log.Warn("qube: failed to publish new-job notification", obs.Err(err))
	}
	if err := c.scheduler.Add(ctx, queueName, groupName); err != nil {
		c.log.Debug("qube: local admission skipped", obs.Err(err))
	}

	return res.JobID, nil
}

// Process registers handler as the consumer for every group in queueName,
// with up to nConsumers workers serving any one group concurrently,
// cluster-wide. Must be called before any job on that queue can be locally
// consumed.
func (c *Client) Process(queueName string, nConsumers int, handler scheduler.Handler) {
	wrapped := func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		ctx, span := obs.StartProcessSpan(ctx, job.ID, job.Queue, job.GroupName)
		defer span.End()

		decoded, err := c.codec.Decode(job.Data)
		if err != nil {
			obs.RecordError(ctx, err)
			return err
		}
		job.Data = decoded

		err = handler(ctx, job, done)
		if err != nil {
			obs.RecordError(ctx, err)
		} else {
			obs.SetSpanSuccess(ctx)
		}
		return err
	}
	c.scheduler.RegisterHandler(queueName, nConsumers, wrapped)
}

// RequestGroupWorkerStop asks a specific worker to stop serving its group
// cooperatively, from any node — used by the admin HTTP surface's remote
// stop endpoint.
func (c *Client) RequestGroupWorkerStop(ctx context.Context, queueName, groupName, workerID string) error {
	return c.consumers.RequestStop(ctx, queueName, groupName, workerID)
}

// UpdateJobStatus applies a status transition, returning false if it was
// not a legal move per I4.
func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status queue.Status) (bool, error) {
	sc, err := c.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("qube: acquire store client: %w", err)
	}
	defer c.pool.Release(sc)
	return c.scripts.UpdateStatus(ctx, sc.Client, queue.JobKey(jobID), string(status))
}

// GetStatus returns a job's current status.
func (c *Client) GetStatus(ctx context.Context, jobID string) (queue.Status, bool, error) {
	sc, err := c.pool.Acquire(ctx)
	if err != nil {
		return "", false, fmt.Errorf("qube: acquire store client: %w", err)
	}
	defer c.pool.Release(sc)
	s, found, err := c.scripts.GetStatus(ctx, sc.Client, queue.JobKey(jobID))
	return queue.Status(s), found, err
}

// Scheduler exposes the running GroupScheduler for the admin HTTP surface.
func (c *Client) Scheduler() *scheduler.GroupScheduler {
	return c.scheduler
}

// Consumers exposes the consumer registry for the admin HTTP surface.
func (c *Client) Consumers() *registry.ConsumerRegistry {
	return c.consumers
}

// Close stops background consumption and releases every connection.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.codec.Close()
	if err := c.notifier.Close(); err != nil {
		c.log.Warn("qube: error closing notifier", obs.Err(err))
	}
	return c.pool.Close()
}
