package recovery

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Resource-level failure kind. Connection-level kinds come in on the
// failure event itself (connection-lost, authentication-failed, timeout,
// protocol-error, resource-exhausted).
const FailureDatabaseError = "database-error"

// FailureRecord tracks one detected fault through its retry sequence.
type FailureRecord struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Retries      int       `json:"retries"`
	Resolved     bool      `json:"resolved"`
	Failed       bool      `json:"failed"` // permanently failed after exhausting the budget
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`
}

func newRecord(kind, connID, detail string) *FailureRecord {
	return &FailureRecord{
		ID:           generateID(),
		Kind:         kind,
		ConnectionID: connID,
		Detail:       detail,
		Timestamp:    time.Now(),
	}
}

func (r *FailureRecord) resolve() {
	r.Resolved = true
	r.ResolvedAt = time.Now()
}

func generateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "flr_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return "flr_" + hex.EncodeToString(b)
}
