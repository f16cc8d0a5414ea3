// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	internalqube "github.com/fazpi-ai/qube/internal/qube"
	"github.com/fazpi-ai/qube/internal/queue"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler serves an admin surface over a running Client: group ownership per
// queue, individual job status, and a cooperative stop request for one
// worker. The stop request, which sets shouldStop on that worker's consumer
// record, is its only write; it offers no purge or requeue operations.
type Handler struct {
	client *internalqube.Client
	log    *zap.Logger
}

func New(client *internalqube.Client, log *zap.Logger) *Handler {
	return &Handler{client: client, log: log}
}

// RegisterRoutes mounts the admin API under router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/queues/{queue}/groups", h.listGroups).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}/groups/{group}/workers/{workerId}/stop", h.requestWorkerStop).Methods(http.MethodPost)
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
}

type groupStatus struct {
	GroupName  string `json:"groupName"`
	InstanceID string `json:"instanceId"`
	WorkerID   string `json:"workerId"`
	UpdatedAt  string `json:"updatedAt"`
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	queueName := mux.Vars(r)["queue"]

	all, err := h.client.Consumers().AllRecords(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list groups", err)
		return
	}

	prefix := queue.QueueConsumerPrefix(queueName)
	groups := make([]groupStatus, 0)
	for field, rec := range all {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		remainder := strings.TrimPrefix(field, prefix)
		groupName := strings.TrimSuffix(remainder, ":"+rec.WorkerID)
		groups = append(groups, groupStatus{
			GroupName:  groupName,
			InstanceID: rec.InstanceID,
			WorkerID:   rec.WorkerID,
			UpdatedAt:  rec.UpdatedAt,
		})
	}
	h.writeJSON(w, groups)
}

func (h *Handler) requestWorkerStop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.client.RequestGroupWorkerStop(r.Context(), vars["queue"], vars["group"], vars["workerId"]); err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to request worker stop", err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "stop requested"})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	status, found, err := h.client.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to get job status", err)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	h.writeJSON(w, map[string]string{"id": id, "status": string(status)})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	h.log.Error(message, zap.Error(err), zap.Int("status", status))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
	if err != nil {
		body["detail"] = err.Error()
	}
	_ = json.NewEncoder(w).Encode(body)
}
