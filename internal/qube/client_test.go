// Copyright 2025 James Ross
package qube

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fazpi-ai/qube/internal/config"
	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/fazpi-ai/qube/internal/scheduler"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()
	cfg.Pool.Min = 1
	cfg.Pool.Max = 8
	cfg.Scheduler.InactivityTimeout = 200 * time.Millisecond
	cfg.Scheduler.PollInterval = 5 * time.Millisecond

	c, err := Construct(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEndToEndEnqueueProcessUpdatesStatus(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Init(ctx))

	received := make(chan *scheduler.JobHandle, 1)
	c.Process("orders", 1, func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		require.NoError(t, job.UpdateProgress(ctx, 50))
		received <- job
		return nil
	})

	jobID, err := c.Add(ctx, "orders", "customer-1", `{"total":42}`)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	select {
	case job := <-received:
		require.Equal(t, `{"total":42}`, job.Data)
		require.Equal(t, "customer-1", job.GroupName)
	case <-time.After(2 * time.Second):
		t.Fatal("job was never delivered to handler")
	}

	require.Eventually(t, func() bool {
		status, found, err := c.GetStatus(ctx, jobID)
		return err == nil && found && status == queue.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestProcessAdmitsMultipleConcurrentWorkersPerGroup(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Init(ctx))

	block := make(chan struct{})
	received := make(chan *scheduler.JobHandle, 2)
	c.Process("orders", 2, func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		received <- job
		<-block
		return nil
	})

	_, err := c.Add(ctx, "orders", "customer-1", "p1")
	require.NoError(t, err)
	_, err = c.Add(ctx, "orders", "customer-1", "p2")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("both workers for the group were never started")
		}
	}
	close(block)
}

func TestRequestGroupWorkerStopIsPickedUpByWorker(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Init(ctx))

	c.Process("orders", 1, func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		return nil
	})

	_, err := c.Add(ctx, "orders", "customer-1", "p1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.Scheduler().RunningGroups()) == 1
	}, time.Second, 5*time.Millisecond)

	all, err := c.Consumers().AllRecords(ctx)
	require.NoError(t, err)
	var workerID string
	for field, rec := range all {
		_ = field
		workerID = rec.WorkerID
	}
	require.NotEmpty(t, workerID)

	require.NoError(t, c.RequestGroupWorkerStop(ctx, "orders", "customer-1", workerID))

	require.Eventually(t, func() bool {
		return len(c.Scheduler().RunningGroups()) == 0
	}, 2*time.Second, 10*time.Millisecond, "worker should stop once a remote stop request is observed")
}

func TestAddRejectsPayloadViolatingSchema(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	schemaPath := dir + "/orders.json"
	require.NoError(t, os.WriteFile(schemaPath, []byte(`{"type":"object","required":["total"]}`), 0o644))

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()
	cfg.Schema.Enabled = true
	cfg.Schema.Queues = map[string]string{"orders": schemaPath}

	c, err := Construct(cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Add(context.Background(), "orders", "g1", `{}`)
	require.Error(t, err)
}
