// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qube_jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by queue",
	}, []string{"queue"})
	JobsDequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qube_jobs_dequeued_total",
		Help: "Total number of jobs dequeued, by queue and group",
	}, []string{"queue", "group"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qube_jobs_completed_total",
		Help: "Total number of successfully completed jobs, by queue",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qube_jobs_failed_total",
		Help: "Total number of failed jobs, by queue",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qube_job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	GroupDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qube_group_depth",
		Help: "Current length of a group's FIFO list",
	}, []string{"queue", "group"})
	ActiveConsumers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qube_active_consumers",
		Help: "Live group-consumer count, by queue and group",
	}, []string{"queue", "group"})
	PendingAdmissions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qube_pending_admissions",
		Help: "Group-consumer admissions waiting on quota, by queue",
	}, []string{"queue"})
	PoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qube_pool_in_use",
		Help: "StoreClient pool connections currently held",
	})
	ScriptReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qube_script_reloads_total",
		Help: "Count of NOSCRIPT-triggered script reloads, by script name",
	}, []string{"script"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsDequeued, JobsCompleted, JobsFailed,
		JobProcessingDuration, GroupDepth, ActiveConsumers,
		PendingAdmissions, PoolInUse, ScriptReloads,
	)
}
