// Copyright 2025 James Ross
package scripts

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	_, c := newTestClient(t)
	r := New()
	ctx := context.Background()

	for i, payload := range []string{"p1", "p2", "p3"} {
		_ = i
		_, err := r.EnqueueJob(ctx, c, "qube:q:groups", "qube:q:group:g1", "qube:q:jobid:seq", payload, "g1", "2026-01-01T00:00:00Z", "q")
		require.NoError(t, err)
	}

	first, err := r.DequeueJob(ctx, c, "qube:q:group:g1")
	require.NoError(t, err)
	require.False(t, first.Empty)
	require.Equal(t, "p1", first.Payload)

	second, err := r.DequeueJob(ctx, c, "qube:q:group:g1")
	require.NoError(t, err)
	require.Equal(t, "p2", second.Payload)

	third, err := r.DequeueJob(ctx, c, "qube:q:group:g1")
	require.NoError(t, err)
	require.Equal(t, "p3", third.Payload)

	empty, err := r.DequeueJob(ctx, c, "qube:q:group:g1")
	require.NoError(t, err)
	require.True(t, empty.Empty)
}

func TestEnqueueRoundTripsGroupNameAndData(t *testing.T) {
	_, c := newTestClient(t)
	r := New()
	ctx := context.Background()

	_, err := r.EnqueueJob(ctx, c, "qube:q:groups", "qube:q:group:orders", "qube:q:jobid:seq", `{"order":1}`, "orders", "2026-01-01T00:00:00Z", "q")
	require.NoError(t, err)

	got, err := r.DequeueJob(ctx, c, "qube:q:group:orders")
	require.NoError(t, err)
	require.Equal(t, "orders", got.GroupName)
	require.Equal(t, `{"order":1}`, got.Payload)
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	_, c := newTestClient(t)
	r := New()
	ctx := context.Background()

	enq, err := r.EnqueueJob(ctx, c, "qube:q:groups", "qube:q:group:g1", "qube:q:jobid:seq", "p1", "g1", "2026-01-01T00:00:00Z", "q")
	require.NoError(t, err)
	jobKey := "qube:queue:job:" + enq.JobID

	ok, err := r.UpdateStatus(ctx, c, jobKey, "completed")
	require.NoError(t, err)
	require.False(t, ok, "pending -> completed must be rejected")

	status, found, err := r.GetStatus(ctx, c, jobKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "pending", status)

	_, err = r.DequeueJob(ctx, c, "qube:q:group:g1")
	require.NoError(t, err)

	ok, err = r.UpdateStatus(ctx, c, jobKey, "completed")
	require.NoError(t, err)
	require.True(t, ok, "active -> completed must be permitted")

	status, found, err = r.GetStatus(ctx, c, jobKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "completed", status)
}

func TestGetStatusUnknownJob(t *testing.T) {
	_, c := newTestClient(t)
	r := New()
	ctx := context.Background()

	_, found, err := r.GetStatus(ctx, c, "qube:queue:job:9999")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRunRecoversFromNoScript(t *testing.T) {
	_, c := newTestClient(t)
	r := New()
	ctx := context.Background()

	// Prime the cache, then simulate the store forgetting every script
	// (e.g. after a restart) to exercise the NOSCRIPT reload path.
	_, err := r.EnqueueJob(ctx, c, "qube:q:groups", "qube:q:group:g1", "qube:q:jobid:seq", "p1", "g1", "2026-01-01T00:00:00Z", "q")
	require.NoError(t, err)

	require.NoError(t, c.ScriptFlush(ctx).Err())

	_, err = r.EnqueueJob(ctx, c, "qube:q:groups", "qube:q:group:g1", "qube:q:jobid:seq", "p2", "g1", "2026-01-01T00:00:00Z", "q")
	require.NoError(t, err, "enqueue should transparently reload and retry after NOSCRIPT")

	first, err := r.DequeueJob(ctx, c, "qube:q:group:g1")
	require.NoError(t, err)
	require.Equal(t, "p1", first.Payload)
}
