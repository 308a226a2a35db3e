// Package api provides HTTP handlers for the qbroker server REST API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	broker  *qbroker.Broker
	logger  qbroker.Logger
	version string
}

// NewHandler creates a new API handler.
func NewHandler(broker *qbroker.Broker, logger qbroker.Logger, version string) *Handler {
	return &Handler{
		broker:  broker,
		logger:  logger,
		version: version,
	}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/publish", h.HandlePublish)
	mux.HandleFunc("/api/v1/stats", h.HandleStats)
	mux.HandleFunc("/api/v1/dead-letters", h.HandleDeadLetters)
	mux.HandleFunc("/api/v1/dead-letters/requeue", h.HandleRequeue)
	mux.HandleFunc("/api/v1/purge", h.HandlePurge)
	mux.HandleFunc("/api/v1/health", h.HandleHealth)
}

// PublishRequest represents a publish message request.
// Exactly one of Queue, Queues or Topic selects the targets.
type PublishRequest struct {
	Queue      string        `json:"queue,omitempty"`
	Queues     []string      `json:"queues,omitempty"`
	Topic      string        `json:"topic,omitempty"`
	Payload    model.Payload `json:"payload"`
	Priority   int           `json:"priority,omitempty"`
	DelayMs    int64         `json:"delayMs,omitempty"`
	MaxRetries *int          `json:"maxRetries,omitempty"`
}

// PublishResponse lists the IDs of the published messages.
type PublishResponse struct {
	MessageIDs []string `json:"messageIds"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandlePublish handles POST /api/v1/publish
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	targets := 0
	for _, set := range []bool{req.Queue != "", len(req.Queues) > 0, req.Topic != ""} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		h.respondError(w, http.StatusBadRequest, "exactly one of queue, queues or topic is required", qbroker.ErrCodeValidation)
		return
	}

	opts := qbroker.PublishOptions{
		Delay:      time.Duration(req.DelayMs) * time.Millisecond,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}

	var (
		ids []string
		err error
	)
	switch {
	case req.Queue != "":
		var id string
		id, err = h.broker.Publish(r.Context(), req.Queue, req.Payload, opts)
		if err == nil {
			ids = []string{id}
		}
	case len(req.Queues) > 0:
		ids, err = h.broker.Fanout(r.Context(), req.Queues, req.Payload, opts)
	default:
		ids, err = h.broker.PublishTopic(r.Context(), req.Topic, req.Payload, opts)
	}
	if err != nil {
		h.respondBrokerError(w, "Failed to publish message", err)
		return
	}

	h.respondSuccess(w, http.StatusCreated, PublishResponse{MessageIDs: ids}, "Message published successfully")
}

// HandleStats handles GET /api/v1/stats[?queue=name]
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	if name := r.URL.Query().Get("queue"); name != "" {
		stats, ok := h.broker.Stats(name)
		if !ok {
			h.respondBrokerError(w, "Failed to get stats", fmt.Errorf("queue %s: %w", name, qbroker.ErrNoData))
			return
		}
		h.respondSuccess(w, http.StatusOK, stats, "")
		return
	}

	h.respondSuccess(w, http.StatusOK, h.broker.StatsAll(), "")
}

// HandleDeadLetters handles GET /api/v1/dead-letters[?queue=name]
func (h *Handler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	if name := r.URL.Query().Get("queue"); name != "" {
		messages := h.broker.DeadLetterMessages(name)
		if messages == nil {
			messages = []model.Message{}
		}
		h.respondSuccess(w, http.StatusOK, messages, "")
		return
	}

	h.respondSuccess(w, http.StatusOK, h.broker.AllDeadLetterMessages(), "")
}

// HandleRequeue handles POST /api/v1/dead-letters/requeue?queue=name
func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	name := r.URL.Query().Get("queue")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "queue is required", qbroker.ErrCodeValidation)
		return
	}

	n, err := h.broker.RequeueDeadLetters(r.Context(), name)
	if err != nil {
		h.respondBrokerError(w, "Failed to requeue dead letters", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, map[string]int{"requeued": n}, "")
}

// HandlePurge handles POST /api/v1/purge[?queue=name]
func (h *Handler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var names []string
	if name := r.URL.Query().Get("queue"); name != "" {
		names = append(names, name)
	}
	n := h.broker.PurgeCompleted(r.Context(), names...)
	h.respondSuccess(w, http.StatusOK, map[string]int{"purged": n}, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"queues":    len(h.broker.QueueNames()),
	}

	h.respondSuccess(w, http.StatusOK, health, "")
}

// respondBrokerError maps a broker error to a status code.
func (h *Handler) respondBrokerError(w http.ResponseWriter, message string, err error) {
	var brokerErr *qbroker.Error
	if !errors.As(err, &brokerErr) {
		h.logger.Errorf("%s: %v", message, err)
		h.respondError(w, http.StatusInternalServerError, message, "")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case qbroker.IsValidation(err):
		status = http.StatusBadRequest
	case qbroker.IsNoData(err):
		status = http.StatusNotFound
	case qbroker.IsClosed(err):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Errorf("%s: %v", message, err)
	}
	h.respondError(w, status, err.Error(), brokerErr.Code)
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}
