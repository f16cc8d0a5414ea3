// Copyright 2025 James Ross
package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPair(t *testing.T) (*miniredis.Miniredis, *redis.Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = pub.Close()
		_ = sub.Close()
	})
	return mr, pub, sub
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	_, pub, sub := newPair(t)
	n := New(pub, sub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))
	defer n.Close()

	select {
	case <-n.Ready():
	case <-time.After(time.Second):
		t.Fatal("notifier never became ready")
	}

	require.NoError(t, n.Publish(ctx, queue.NewJobNotification{QueueName: "Q", GroupName: "G"}))

	select {
	case got := <-n.Notifications():
		require.Equal(t, "Q", got.QueueName)
		require.Equal(t, "G", got.GroupName)
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestMalformedPayloadIsDroppedNotDelivered(t *testing.T) {
	_, pub, sub := newPair(t)
	n := New(pub, sub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))
	<-n.Ready()
	defer n.Close()

	require.NoError(t, pub.Publish(ctx, queue.NewJobChannel, "not-json").Err())
	require.NoError(t, n.Publish(ctx, queue.NewJobNotification{QueueName: "Q", GroupName: "G"}))

	select {
	case got := <-n.Notifications():
		require.Equal(t, "Q", got.QueueName, "malformed message must be skipped, not delivered")
	case <-time.After(time.Second):
		t.Fatal("valid notification never arrived after malformed one")
	}
}
