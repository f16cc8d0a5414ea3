// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fazpi-ai/qube/internal/config"
	"github.com/fazpi-ai/qube/internal/registry"
	"github.com/fazpi-ai/qube/internal/scripts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReaper(t *testing.T, grace time.Duration) (*Reaper, *registry.ConsumerRegistry) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Scheduler.InactivityTimeout = grace / 3

	cr := registry.New(c, scripts.New())
	return New(cfg, cr, zap.NewNop()), cr
}

func TestScanOnceReleasesStaleConsumer(t *testing.T) {
	r, cr := newTestReaper(t, 30*time.Millisecond)
	ctx := context.Background()

	ok, err := cr.Claim(ctx, "Q", "G", "w1", "inst-a", 1)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	r.scanOnce(ctx)

	_, found, err := cr.Get(ctx, "Q", "G", "w1")
	require.NoError(t, err)
	require.False(t, found, "a consumer past grace must be released")
}

func TestScanOnceLeavesFreshConsumerAlone(t *testing.T) {
	r, cr := newTestReaper(t, time.Second)
	ctx := context.Background()

	ok, err := cr.Claim(ctx, "Q", "G", "w1", "inst-a", 1)
	require.NoError(t, err)
	require.True(t, ok)

	r.scanOnce(ctx)

	_, found, err := cr.Get(ctx, "Q", "G", "w1")
	require.NoError(t, err)
	require.True(t, found, "a fresh consumer must not be reaped")
}
