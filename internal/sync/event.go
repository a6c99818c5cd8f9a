// Package sync turns backend data mutations into filtered, per-subscriber
// delivery through the connection registry, using the event bus for
// cross-process fan-out.
package sync

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Domain events carried on the sync topic.
const (
	EventDepartmentCreated = "department.created"
	EventDepartmentUpdated = "department.updated"
	EventDepartmentDeleted = "department.deleted"
	EventDeskCreated       = "desk.created"
	EventDeskUpdated       = "desk.updated"
	EventDeskDeleted       = "desk.deleted"
	EventEmployeeCreated   = "employee.created"
	EventEmployeeUpdated   = "employee.updated"
	EventEmployeeDeleted   = "employee.deleted"
)

// SyncEvent is one published data-change notification. The payload is
// opaque to this subsystem.
type SyncEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	ScopeID   string          `json:"scope_id,omitempty"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Domain is the closed set of event families used for permission
// mapping. Adding a family means adding a case here and a permission
// row below.
type Domain int

const (
	DomainUnknown Domain = iota
	DomainDepartment
	DomainDesk
	DomainEmployee
)

// parseDomain classifies an event type by its family token, the part
// before the first "." or ":".
func parseDomain(eventType string) Domain {
	token := eventType
	if i := strings.IndexAny(eventType, ".:"); i >= 0 {
		token = eventType[:i]
	}

	switch token {
	case "department", "dept":
		return DomainDepartment
	case "desk":
		return DomainDesk
	case "employee":
		return DomainEmployee
	default:
		return DomainUnknown
	}
}

// requiredPermissions maps each domain to the permissions that allow
// receiving its events. A subscriber needs at least one. Unknown
// domains carry no permission requirement.
var requiredPermissions = map[Domain][]string{
	DomainDepartment: {"departments.read", "departments.manage"},
	DomainDesk:       {"desks.read", "desks.manage"},
	DomainEmployee:   {"employees.read", "employees.manage"},
}

// permitted reports whether the permission set covers the event type.
func permitted(perms map[string]bool, eventType string) bool {
	required := requiredPermissions[parseDomain(eventType)]
	if len(required) == 0 {
		return true
	}
	for _, p := range required {
		if perms[p] {
			return true
		}
	}
	return false
}

func generateEventID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "syn_" + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return "syn_" + hex.EncodeToString(b)
}
