package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wadigest/wadigest/internal/models"
	"github.com/wadigest/wadigest/internal/scheduler"
)

// sendRequest is the body of POST /send.
type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// digestRequest is the body of the POST /digests endpoints.
type digestRequest struct {
	GroupID string `json:"group_id"`
}

// gatewayErrorStatus maps a gateway failure onto an HTTP status.
func gatewayErrorStatus(err error) int {
	switch models.ClassOf(err) {
	case models.ClassValidation:
		return http.StatusBadRequest
	case models.ClassAuthorization, models.ClassThrottling:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// healthHandler reports process health plus the gateway session view the
// ingest worker maintains. Monitoring probes hit this without auth, so it
// never reaches out to the remote API itself.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"queue_depth": s.gateway.QueueDepth(),
		"breaker":     s.gateway.BreakerState(),
	}
	statusCode := http.StatusOK

	status, err := s.store.LatestStatus()
	switch {
	case err != nil:
		slog.Warn("Server.healthHandler: failed to read gateway status", "error", err)
		health["status"] = "degraded"
		health["error"] = "Failed to read gateway status"
		statusCode = http.StatusServiceUnavailable
	case status != nil:
		health["instance_state"] = status.State
		health["state_checked_at"] = status.CheckedAt.UTC().Format(time.RFC3339)
		if !status.State.Authorized() {
			health["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	writeJSONResponse(w, statusCode, health)
}

// groupsHandler lists the WhatsApp groups the account belongs to.
func (s *Server) groupsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.groupsHandler: processing groups request", "method", r.Method, "path", r.URL.Path)

	groups, err := s.gateway.ListGroups(r.Context())
	if err != nil {
		slog.Error("Server.groupsHandler: failed to list groups", "error", err)
		writeJSONResponse(w, gatewayErrorStatus(err), models.Error("Failed to list groups"))
		return
	}
	slog.Debug("Server.groupsHandler: groups fetched", "count", len(groups))
	writeJSONResponse(w, http.StatusOK, models.Success(groups))
}

// listSchedulesHandler returns every stored schedule config.
func (s *Server) listSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listSchedulesHandler: processing list request", "method", r.Method, "path", r.URL.Path)

	configs, err := s.store.ListGroupConfigs()
	if err != nil {
		slog.Error("Server.listSchedulesHandler: failed to list schedules", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list schedules"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(configs))
}

// createScheduleHandler stores a schedule config and syncs its enrollment.
func (s *Server) createScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createScheduleHandler: processing create request", "method", r.Method, "path", r.URL.Path)

	var cfg models.GroupConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		slog.Warn("Server.createScheduleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Warn("Server.createScheduleHandler: validation failed", "error", err, "group", cfg.GroupID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.store.UpsertGroupConfig(cfg); err != nil {
		slog.Error("Server.createScheduleHandler: failed to store schedule", "error", err, "group", cfg.GroupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store schedule"))
		return
	}

	// Enrollment mirrors the stored enabled flag.
	if cfg.Enabled {
		if err := s.scheduler.Enroll(cfg); err != nil {
			slog.Error("Server.createScheduleHandler: failed to enroll schedule", "error", err, "group", cfg.GroupID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enroll schedule"))
			return
		}
	} else if err := s.scheduler.Unenroll(cfg.GroupID); err != nil {
		slog.Error("Server.createScheduleHandler: failed to unenroll schedule", "error", err, "group", cfg.GroupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to unenroll schedule"))
		return
	}

	slog.Info("Server.createScheduleHandler: schedule saved", "group", cfg.GroupID, "enabled", cfg.Enabled)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Schedule saved", cfg))
}

// deleteScheduleHandler removes a schedule config and its enrollment.
// Deleting an absent schedule succeeds, so the operation is idempotent.
func (s *Server) deleteScheduleHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	slog.Debug("Server.deleteScheduleHandler: processing delete request", "group", groupID)

	if err := s.store.DeleteGroupConfig(groupID); err != nil {
		slog.Error("Server.deleteScheduleHandler: failed to delete schedule", "error", err, "group", groupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete schedule"))
		return
	}
	if err := s.scheduler.Unenroll(groupID); err != nil {
		slog.Error("Server.deleteScheduleHandler: failed to unenroll schedule", "error", err, "group", groupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to unenroll schedule"))
		return
	}

	slog.Info("Server.deleteScheduleHandler: schedule deleted", "group", groupID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule deleted", nil))
}

// scheduleStatusHandler returns the scheduler's task view for one group.
func (s *Server) scheduleStatusHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	slog.Debug("Server.scheduleStatusHandler: processing status request", "group", groupID)

	status, err := s.scheduler.TaskStatus(groupID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotEnrolled) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Group is not enrolled"))
			return
		}
		slog.Error("Server.scheduleStatusHandler: failed to read status", "error", err, "group", groupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read schedule status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// sendHandler sends one message through the gateway queue.
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendHandler: processing send request", "method", r.Method, "path", r.URL.Path)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: to"))
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	id, err := s.gateway.SendMessage(r.Context(), req.To, req.Body)
	if err != nil {
		status := gatewayErrorStatus(err)
		if status == http.StatusBadRequest {
			slog.Warn("Server.sendHandler: send rejected", "error", err, "to", req.To)
			writeJSONResponse(w, status, models.Error(err.Error()))
			return
		}
		slog.Error("Server.sendHandler: failed to send message", "error", err, "to", req.To)
		writeJSONResponse(w, status, models.Error("Failed to send message"))
		return
	}

	slog.Info("Server.sendHandler: message sent successfully", "to", req.To, "message_id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", map[string]any{"message_id": id}))
}

// previewDigestHandler produces digest text for a group without saving or
// delivering anything.
func (s *Server) previewDigestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.previewDigestHandler: processing preview request", "method", r.Method, "path", r.URL.Path)

	var req digestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.previewDigestHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.GroupID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: group_id"))
		return
	}

	text, count, err := s.scheduler.Preview(r.Context(), req.GroupID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotEnrolled) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Group is not enrolled"))
			return
		}
		slog.Error("Server.previewDigestHandler: failed to produce preview", "error", err, "group", req.GroupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to produce preview"))
		return
	}

	slog.Debug("Server.previewDigestHandler: preview produced", "group", req.GroupID, "messages", count)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"group_id":      req.GroupID,
		"body":          text,
		"message_count": count,
	}))
}

// runDigestHandler fires a group's delivery immediately.
func (s *Server) runDigestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.runDigestHandler: processing run request", "method", r.Method, "path", r.URL.Path)

	var req digestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.runDigestHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.GroupID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: group_id"))
		return
	}

	if err := s.scheduler.RunNow(req.GroupID); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNotEnrolled):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Group is not enrolled"))
		case errors.Is(err, scheduler.ErrDeliveryInFlight):
			writeJSONResponse(w, http.StatusConflict, models.Error("Delivery already in flight"))
		default:
			slog.Error("Server.runDigestHandler: failed to start delivery", "error", err, "group", req.GroupID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start delivery"))
		}
		return
	}

	slog.Info("Server.runDigestHandler: delivery started", "group", req.GroupID)
	writeJSONResponse(w, http.StatusAccepted, models.Scheduled("Digest delivery started"))
}

// latestDigestHandler returns a group's most recent digest.
func (s *Server) latestDigestHandler(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	slog.Debug("Server.latestDigestHandler: processing latest request", "group", group)

	if group == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: group"))
		return
	}

	summary, err := s.store.LatestSummary(group)
	if err != nil {
		slog.Error("Server.latestDigestHandler: failed to read summary", "error", err, "group", group)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read digest"))
		return
	}
	if summary == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No digest recorded for group"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}
