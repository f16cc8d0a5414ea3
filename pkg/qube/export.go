// Copyright 2025 James Ross

// Package qube re-exports the qube client API for external consumers.
package qube

import (
	qubeconfig "github.com/fazpi-ai/qube/internal/config"
	internal "github.com/fazpi-ai/qube/internal/qube"
	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/fazpi-ai/qube/internal/scheduler"
)

type (
	Client    = internal.Client
	Config    = qubeconfig.Config
	Job       = queue.Job
	Status    = queue.Status
	Handler   = scheduler.Handler
	JobHandle = scheduler.JobHandle
)

var (
	Construct  = internal.Construct
	LoadConfig = qubeconfig.Load
)

const (
	StatusPending   = queue.StatusPending
	StatusActive    = queue.StatusActive
	StatusCompleted = queue.StatusCompleted
	StatusFailed    = queue.StatusFailed
)
