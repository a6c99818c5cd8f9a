package monitor

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertType is the closed set of conditions the monitor raises alerts
// for.
type AlertType string

const (
	AlertHighCPU          AlertType = "high-cpu"
	AlertHighMemory       AlertType = "high-memory"
	AlertPoolOccupancy    AlertType = "pool-occupancy"
	AlertHighLatency      AlertType = "high-latency"
	AlertDatabaseError    AlertType = "database-error"
	AlertCacheUnreachable AlertType = "cache-unreachable"
)

// Alert is one threshold breach. At most one unresolved alert exists
// per type; a repeat breach updates the open alert in place.
type Alert struct {
	ID         string         `json:"id"`
	Type       AlertType      `json:"type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AlertSet owns the alert table. Resolved alerts are pruned once they
// age past the retention window.
type AlertSet struct {
	mu        sync.Mutex
	open      map[AlertType]*Alert
	resolved  []*Alert
	retention time.Duration
}

// NewAlertSet creates an alert set with the given retention for
// resolved alerts.
func NewAlertSet(retention time.Duration) *AlertSet {
	if retention <= 0 {
		retention = time.Hour
	}
	return &AlertSet{
		open:      make(map[AlertType]*Alert),
		retention: retention,
	}
}

// Raise creates an alert for the type, or updates the open one in
// place. It returns the alert and whether it was newly created.
func (s *AlertSet) Raise(alertType AlertType, severity Severity, message string, metadata map[string]any) (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.open[alertType]; ok {
		existing.Severity = severity
		existing.Message = message
		existing.Metadata = metadata
		existing.Timestamp = time.Now()
		return *existing, false
	}

	alert := &Alert{
		ID:        generateAlertID(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	s.open[alertType] = alert
	return *alert, true
}

// Resolve closes the open alert for a type, if any.
func (s *AlertSet) Resolve(alertType AlertType) (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.open[alertType]
	if !ok {
		return Alert{}, false
	}

	alert.Resolved = true
	alert.ResolvedAt = time.Now()
	delete(s.open, alertType)
	s.resolved = append(s.resolved, alert)
	s.prune()
	return *alert, true
}

// Active reports whether an unresolved alert exists for a type.
func (s *AlertSet) Active(alertType AlertType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[alertType]
	return ok
}

// Open returns all unresolved alerts.
func (s *AlertSet) Open() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Alert, 0, len(s.open))
	for _, alert := range s.open {
		out = append(out, *alert)
	}
	return out
}

// All returns unresolved alerts plus resolved ones still inside the
// retention window.
func (s *AlertSet) All() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()
	out := make([]Alert, 0, len(s.open)+len(s.resolved))
	for _, alert := range s.open {
		out = append(out, *alert)
	}
	for _, alert := range s.resolved {
		out = append(out, *alert)
	}
	return out
}

// prune drops resolved alerts past retention. Must be called with the
// lock held.
func (s *AlertSet) prune() {
	cutoff := time.Now().Add(-s.retention)
	kept := s.resolved[:0]
	for _, alert := range s.resolved {
		if alert.ResolvedAt.After(cutoff) {
			kept = append(kept, alert)
		}
	}
	s.resolved = kept
}

func generateAlertID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "alr_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return "alr_" + hex.EncodeToString(b)
}
