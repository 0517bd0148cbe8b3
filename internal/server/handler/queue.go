package handler

import (
	"log/slog"
	"net/http"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/queue"
)

// QueueHandler exposes redemption queue state and operator controls.
type QueueHandler struct {
	queue  *queue.Queue
	logger *slog.Logger
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(q *queue.Queue, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{queue: q, logger: logger}
}

// GetState returns the current queue snapshot.
// GET /api/queue
func (h *QueueHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.State())
}

// Pause stops queue processing.
// POST /api/queue/pause
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume restarts queue processing.
// POST /api/queue/resume
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type enqueueRequest struct {
	Channel      string `json:"channel"`
	RedeemerID   string `json:"redeemer_id"`
	PackTemplate string `json:"pack_template"`
}

// Enqueue appends a redemption job manually. Operator path; normal traffic
// arrives through the Twitch webhook.
// POST /api/queue/jobs
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil ||
		req.Channel == "" || req.RedeemerID == "" || req.PackTemplate == "" {
		writeError(w, http.StatusBadRequest, "channel, redeemer_id, and pack_template are required")
		return
	}

	job := h.queue.Enqueue(r.Context(), req.Channel, req.RedeemerID, req.PackTemplate)
	writeJSON(w, http.StatusAccepted, job)
}

// RequeueDead moves a dead-lettered job back to its channel's queue.
// POST /api/queue/dead/{id}/requeue
func (h *QueueHandler) RequeueDead(w http.ResponseWriter, r *http.Request) {
	if !h.queue.RequeueDead(r.Context(), r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
