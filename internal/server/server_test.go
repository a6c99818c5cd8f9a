package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	s, err := New(*cfg, logger.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestAlertsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Alerts []any `json:"alerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body.Alerts) != 0 {
		t.Errorf("got %d alerts on a fresh server, want 0", len(body.Alerts))
	}
}

func TestHistoryEndpoint(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing name", "/api/metrics/history", http.StatusBadRequest},
		{"unknown series", "/api/metrics/history?name=bogus", http.StatusNotFound},
		{"valid series", "/api/metrics/history?name=cpu_percent", http.StatusOK},
		{"bad since", "/api/metrics/history?name=cpu_percent&since=yesterday", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			rec := httptest.NewRecorder()
			s.routes().ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("count = %d, want 0", body.Count)
	}
}

func TestPublishEventEndpoint(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"valid", http.MethodPost, `{"type":"desk.updated","actor_id":"u1"}`, http.StatusAccepted},
		{"missing type", http.MethodPost, `{"actor_id":"u1"}`, http.StatusBadRequest},
		{"bad JSON", http.MethodPost, `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/events", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.routes().ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"10.0.0.1:52031", "10.0.0.1"},
		{"[::1]:8080", "::1"},
		{"not-an-addr", "not-an-addr"},
	}

	for _, tt := range tests {
		if got := clientAddr(tt.input); got != tt.want {
			t.Errorf("clientAddr(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
