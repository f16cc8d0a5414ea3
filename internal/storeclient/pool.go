// Copyright 2025 James Ross
package storeclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fazpi-ai/qube/internal/config"
	"github.com/fazpi-ai/qube/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire once Close has run.
var ErrPoolClosed = errors.New("storeclient: pool closed")

// StoreClient is a single pooled connection to the store. Callers use it for
// ordinary commands and atomic script execution, then Release it.
type StoreClient struct {
	*redis.Client
	pool *Pool
}

// Pool is a bounded pool of StoreClient connections (spec §4.2). Acquire
// blocks until a connection is available or the context is cancelled;
// Release must be called on every code path. min connections are created
// eagerly at construction; the pool grows lazily up to max.
type Pool struct {
	cfg *config.Config
	log *zap.Logger

	mu      sync.Mutex
	idle    []*StoreClient
	created int
	closed  bool

	sem chan struct{} // one token per connection slot up to max
}

func New(cfg *config.Config, log *zap.Logger) (*Pool, error) {
	p := &Pool{
		cfg: cfg,
		log: log,
		sem: make(chan struct{}, cfg.Pool.Max),
	}
	for i := 0; i < cfg.Pool.Max; i++ {
		p.sem <- struct{}{}
	}
	for i := 0; i < cfg.Pool.Min; i++ {
		c, err := p.newClient()
		if err != nil {
			return nil, fmt.Errorf("storeclient: prime pool: %w", err)
		}
		p.idle = append(p.idle, c)
	}
	return p, nil
}

func (p *Pool) newClient() (*StoreClient, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:         p.cfg.Redis.Addr,
		Username:     p.cfg.Redis.Username,
		Password:     p.cfg.Redis.Password,
		DB:           p.cfg.Redis.DB,
		PoolSize:     1,
		DialTimeout:  p.cfg.Redis.DialTimeout,
		ReadTimeout:  p.cfg.Redis.ReadTimeout,
		WriteTimeout: p.cfg.Redis.WriteTimeout,
		MaxRetries:   p.cfg.Redis.MaxRetries,
	})
	p.created++
	return &StoreClient{Client: rc, pool: p}, nil
}

// Acquire blocks until a connection is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*StoreClient, error) {
	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem <- struct{}{}
		return nil, ErrPoolClosed
	}
	var c *StoreClient
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if c == nil {
		nc, err := p.newClient()
		if err != nil {
			p.sem <- struct{}{}
			return nil, err
		}
		c = nc
	}

	if !p.validate(ctx, c) {
		_ = c.Client.Close()
		nc, err := p.newClient()
		if err != nil {
			p.sem <- struct{}{}
			return nil, err
		}
		c = nc
	}

	obs.PoolInUse.Inc()
	return c, nil
}

// Release returns a connection to the pool. Safe to call exactly once per
// Acquire, on every code path including error paths.
func (p *Pool) Release(c *StoreClient) {
	if c == nil {
		return
	}
	obs.PoolInUse.Dec()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Client.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.sem <- struct{}{}
}

func (p *Pool) validate(ctx context.Context, c *StoreClient) bool {
	return c.Client.Ping(ctx).Err() == nil
}

// Close drains and closes every idle connection. In-flight holders observe
// their next store operation fail; the pool does not force-close handles
// still on loan.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.Client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
