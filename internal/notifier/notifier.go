// Copyright 2025 James Ross
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fazpi-ai/qube/internal/obs"
	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier wires the QUEUE:NEWJOB pub/sub channel (spec §4.6). One dedicated
// subscriber connection feeds a buffered Go channel of decoded
// notifications; malformed payloads are logged and dropped rather than
// propagated, since a bad notification is only ever a missed wakeup. A group
// that already has a live worker on this node is still picked up by that
// worker's poll loop; any other group waits for a later notification or a
// local Add.
type Notifier struct {
	pub *redis.Client
	sub *redis.Client
	ps  *redis.PubSub
	log *zap.Logger

	out       chan queue.NewJobNotification
	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a Notifier. pub and sub should each come from
// storeclient.NewDedicated — pub/sub connections cannot issue ordinary
// commands once subscribed.
func New(pub, sub *redis.Client, log *zap.Logger) *Notifier {
	return &Notifier{
		pub:   pub,
		sub:   sub,
		log:   log,
		out:   make(chan queue.NewJobNotification, 64),
		ready: make(chan struct{}),
	}
}

// Start subscribes to the channel, blocking until the store confirms the
// subscription, then launches the background fan-in goroutine.
func (n *Notifier) Start(ctx context.Context) error {
	n.ps = n.sub.Subscribe(ctx, queue.NewJobChannel)
	if _, err := n.ps.Receive(ctx); err != nil {
		return fmt.Errorf("notifier: subscribe: %w", err)
	}
	n.readyOnce.Do(func() { close(n.ready) })
	go n.loop(ctx)
	return nil
}

// Ready is closed once the subscription is confirmed live.
func (n *Notifier) Ready() <-chan struct{} {
	return n.ready
}

// Notifications delivers decoded new-job events as they arrive.
func (n *Notifier) Notifications() <-chan queue.NewJobNotification {
	return n.out
}

func (n *Notifier) loop(ctx context.Context) {
	ch := n.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = n.ps.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var note queue.NewJobNotification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				n.log.Warn("notifier: dropping malformed notification", obs.Err(err))
				continue
			}
			select {
			case n.out <- note:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Publish broadcasts a new-job notification to every subscribed node.
func (n *Notifier) Publish(ctx context.Context, note queue.NewJobNotification) error {
	b, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("notifier: marshal notification: %w", err)
	}
	return n.pub.Publish(ctx, queue.NewJobChannel, b).Err()
}

// Close releases the subscription. Idempotent.
func (n *Notifier) Close() error {
	if n.ps == nil {
		return nil
	}
	if err := n.ps.Close(); err != nil && err != redis.ErrClosed {
		return err
	}
	return nil
}
