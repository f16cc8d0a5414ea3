// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fazpi-ai/qube/internal/adminapi"
	"github.com/fazpi-ai/qube/internal/config"
	"github.com/fazpi-ai/qube/internal/obs"
	qubeinternal "github.com/fazpi-ai/qube/internal/qube"
	"github.com/fazpi-ai/qube/internal/reaper"
	"github.com/fazpi-ai/qube/internal/scheduler"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var demoQueue string
	var demoGroups int
	var demoRate float64
	var demoCount int
	var demoPayloadSize int
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|worker|admin|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&demoQueue, "queue", "demo", "Queue name for the demo producer/worker")
	fs.IntVar(&demoGroups, "groups", 4, "Number of demo groups to cycle through")
	fs.Float64Var(&demoRate, "rate", 50, "Demo producer enqueue rate, jobs/sec")
	fs.IntVar(&demoCount, "count", 1000, "Demo producer: number of jobs to enqueue, 0 = unbounded")
	fs.IntVar(&demoPayloadSize, "payload-size", 128, "Demo producer: payload size in bytes")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(obs.TracingConfig(cfg.Observability.Tracing))
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	client, err := qubeinternal.Construct(cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct client", obs.Err(err))
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("error closing client", obs.Err(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	metricsSrv := obs.StartMetricsServer(cfg.Observability.MetricsPort, func(c context.Context) error {
		return nil
	})
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	if err := client.Init(ctx); err != nil {
		logger.Fatal("failed to init client", obs.Err(err))
	}

	switch role {
	case "producer":
		runProducer(ctx, client, logger, demoQueue, demoGroups, demoRate, demoCount, demoPayloadSize)
	case "worker":
		registerDemoHandler(client, logger, demoQueue)
		runReaper(ctx, cfg, client, logger)
		<-ctx.Done()
	case "admin":
		runAdminServer(ctx, cfg, client, logger)
	case "all":
		registerDemoHandler(client, logger, demoQueue)
		runReaper(ctx, cfg, client, logger)
		go runAdminServer(ctx, cfg, client, logger)
		runProducer(ctx, client, logger, demoQueue, demoGroups, demoRate, demoCount, demoPayloadSize)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// runProducer enqueues demo payloads across a fixed set of groups, throttled
// by a token-bucket limiter so a misconfigured --rate cannot overwhelm the
// store during a demo run.
func runProducer(ctx context.Context, client *qubeinternal.Client, logger *zap.Logger, queueName string, groups int, ratePerSec float64, count, payloadSize int) {
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	for i := 0; count == 0 || i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return // ctx cancelled
		}
		groupName := fmt.Sprintf("group-%d", i%groups)
		jobID, err := client.Add(ctx, queueName, groupName, string(payload))
		if err != nil {
			logger.Warn("demo producer: enqueue failed", obs.Err(err))
			continue
		}
		logger.Debug("demo producer: enqueued", obs.String("job_id", jobID), obs.String("group", groupName))
	}
}

// registerDemoHandler simulates job processing: it logs the job and marks
// success immediately. A real integration calls client.Process with its own
// business logic instead of this stand-in.
func registerDemoHandler(client *qubeinternal.Client, logger *zap.Logger, queueName string) {
	client.Process(queueName, 1, func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		logger.Debug("demo worker: processed job", obs.String("job_id", job.ID), obs.String("group", job.GroupName))
		return nil
	})
}

func runReaper(ctx context.Context, cfg *config.Config, client *qubeinternal.Client, logger *zap.Logger) {
	rep := reaper.New(cfg, client.Consumers(), logger)
	go rep.Run(ctx)
}

func runAdminServer(ctx context.Context, cfg *config.Config, client *qubeinternal.Client, logger *zap.Logger) {
	router := mux.NewRouter()
	adminapi.New(client, logger).RegisterRoutes(router)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.AdminPort), Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("admin server listening", obs.Int("port", cfg.Observability.AdminPort))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("admin server error", obs.Err(err))
	}
}
