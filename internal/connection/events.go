package connection

// Failure kinds carried on connection.failed events. The recovery engine
// keys its retry policy off these.
const (
	FailureConnectionLost    = "connection-lost"
	FailureAuthFailed        = "authentication-failed"
	FailureTimeout           = "timeout"
	FailureProtocolError     = "protocol-error"
	FailureResourceExhausted = "resource-exhausted"
)

// OpenedPayload is the payload for connection.opened events.
type OpenedPayload struct {
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
	UserID       string `json:"user_id,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ClosedPayload is the payload for connection.closed events.
type ClosedPayload struct {
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
	Reason       string `json:"reason"`
	Timestamp    int64  `json:"timestamp"`
}

// FailedPayload is the payload for connection.failed events.
type FailedPayload struct {
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
	Kind         string `json:"kind"`
	Detail       string `json:"detail,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// BusinessPayload is the opaque payload handed to the business layer for
// unrecognized message types.
type BusinessPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
	Type         string `json:"type"`
	Data         []byte `json:"data,omitempty"`
}
