// Copyright 2025 James Ross
package storeclient

import (
	"github.com/fazpi-ai/qube/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewDedicated returns a standalone *redis.Client that bypasses the bounded
// Pool entirely. Pub/sub connections enter a mode incompatible with general
// commands (spec §4.2), so the Notifier's subscriber and publisher each get
// one of these instead of borrowing from Pool.
func NewDedicated(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
}
