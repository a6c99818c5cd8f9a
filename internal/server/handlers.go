package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/officesync/office-sync/internal/pkg/errors"
	"github.com/officesync/office-sync/internal/pkg/security"
	syncsvc "github.com/officesync/office-sync/internal/sync"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// handleHealth reports liveness plus the monitor's health verdict.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.BuildReport()

	status := http.StatusOK
	state := "ok"
	if !report.Healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":      state,
		"connections": report.Connections,
		"open_alerts": len(report.OpenAlerts),
	})
}

// handleReport returns the full health summary.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.WriteError(w, errors.ValidationError("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.BuildReport())
}

// handleAlerts lists open alerts, or all retained ones with ?all=true.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.WriteError(w, errors.ValidationError("method not allowed"))
		return
	}

	alerts := s.monitor.Alerts().Open()
	if r.URL.Query().Get("all") == "true" {
		alerts = s.monitor.Alerts().All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// handleHistory returns data points for one metric series.
// GET /api/metrics/history?name=cpu_percent&since=2026-01-02T15:04:05Z
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.WriteError(w, errors.ValidationError("method not allowed"))
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		errors.WriteError(w, errors.ValidationError("name parameter is required"))
		return
	}

	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errors.WriteError(w, errors.ValidationError("since must be RFC3339"))
			return
		}
		since = parsed
	}

	points, ok := s.monitor.History(name, since)
	if !ok {
		errors.WriteError(w, errors.NotFoundError("metric series"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":   name,
		"series": s.monitor.SeriesNames(),
		"points": points,
	})
}

// handleConnections summarizes the registry.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.WriteError(w, errors.ValidationError("method not allowed"))
		return
	}

	conns := s.registry.Connections()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

type publishRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	ActorID string          `json:"actor_id"`
	ScopeID string          `json:"scope_id"`
	Source  string          `json:"source"`
}

// handlePublishEvent lets the backend announce a data change for
// fan-out to subscribers.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.WriteError(w, errors.ValidationError("method not allowed"))
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, errors.ValidationError("invalid JSON body"))
		return
	}
	if err := security.ValidateEventType(req.Type); err != nil {
		errors.WriteError(w, errors.ValidationError(err.Error()))
		return
	}

	if err := s.sync.Publish(r.Context(), req.Type, req.Payload, syncsvc.Origin{
		ActorID: req.ActorID,
		ScopeID: req.ScopeID,
		Source:  req.Source,
	}); err != nil {
		errors.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "published"})
}
