// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fazpi-ai/qube/internal/config"
	internalqube "github.com/fazpi-ai/qube/internal/qube"
	"github.com/fazpi-ai/qube/internal/scheduler"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *internalqube.Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()
	cfg.Pool.Min = 1
	cfg.Pool.Max = 4
	cfg.Scheduler.InactivityTimeout = 200 * time.Millisecond
	cfg.Scheduler.PollInterval = 5 * time.Millisecond

	client, err := internalqube.Construct(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Init(context.Background()))

	router := mux.NewRouter()
	New(client, zap.NewNop()).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, client
}

func TestHealthzReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetJobReturnsStatusAfterEnqueue(t *testing.T) {
	srv, client := newTestServer(t)

	client.Process("orders", 1, func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		return nil
	})

	jobID, err := client.Add(context.Background(), "orders", "g1", `{"ok":true}`)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, jobID, body["id"])
}

func TestGetJobUnknownIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListGroupsReturnsOwnedGroup(t *testing.T) {
	srv, client := newTestServer(t)

	received := make(chan struct{}, 1)
	client.Process("orders", 1, func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		received <- struct{}{}
		return nil
	})

	_, err := client.Add(context.Background(), "orders", "customer-9", `{"ok":true}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/v1/queues/orders/groups")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var groups []groupStatus
		if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
			return false
		}
		for _, g := range groups {
			if g.GroupName == "customer-9" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRequestWorkerStopStopsTheGroupWorker(t *testing.T) {
	srv, client := newTestServer(t)

	client.Process("orders", 1, func(ctx context.Context, job *scheduler.JobHandle, done func(error)) error {
		return nil
	})

	_, err := client.Add(context.Background(), "orders", "customer-5", `{"ok":true}`)
	require.NoError(t, err)

	var workerID string
	require.Eventually(t, func() bool {
		all, err := client.Consumers().AllRecords(context.Background())
		if err != nil {
			return false
		}
		for _, rec := range all {
			if rec.WorkerID != "" {
				workerID = rec.WorkerID
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/v1/queues/orders/groups/customer-5/workers/"+workerID+"/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(client.Scheduler().RunningGroups()) == 0
	}, 2*time.Second, 10*time.Millisecond, "worker should stop once the remote stop request is observed")
}
