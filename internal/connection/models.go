// Package connection provides the connection registry: admission control,
// liveness supervision, and message delivery for long-lived client sessions.
package connection

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// State is a connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Peer is the transport handle for one connected client. Implementations
// must deliver Send calls in order and be safe for concurrent use.
type Peer interface {
	// Send writes a frame to the peer.
	Send(payload []byte) error

	// Ping writes a low-level liveness probe.
	Ping() error

	// Close tears the transport down.
	Close() error
}

// Metadata carries optional admission attributes.
type Metadata struct {
	UserAgent string
	UserID    string
}

// Connection represents one accepted transport session. It is owned
// exclusively by the Registry; all mutation goes through Registry methods.
type Connection struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	UserAgent    string    `json:"user_agent,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
	State        State     `json:"state"`

	subscriptions map[string]bool
	peer          Peer
}

// Touch updates the last-activity timestamp and message counter.
func (c *Connection) Touch() {
	c.LastActivity = time.Now()
	c.MessageCount++
}

// Subscribed reports whether the connection subscribed to a channel.
func (c *Connection) Subscribed(channel string) bool {
	return c.subscriptions[channel]
}

// Channels returns a copy of the subscription set.
func (c *Connection) Channels() []string {
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// MessageKind is the closed set of inbound control message kinds. Anything
// not recognized is a business message forwarded opaquely.
type MessageKind int

const (
	KindHeartbeat MessageKind = iota
	KindSubscribe
	KindUnsubscribe
	KindBusiness
)

// ParseMessageKind maps a wire type string onto the closed kind set.
func ParseMessageKind(s string) MessageKind {
	switch s {
	case "heartbeat":
		return KindHeartbeat
	case "subscribe":
		return KindSubscribe
	case "unsubscribe":
		return KindUnsubscribe
	default:
		return KindBusiness
	}
}

// InboundMessage is the wire shape of a client frame.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ChannelData is the payload of subscribe/unsubscribe messages.
type ChannelData struct {
	Channel string `json:"channel"`
}

// Envelope wraps an outbound payload with a generated message id and an
// ISO-8601 timestamp, flattened into the payload object.
func Envelope(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}

	flat["messageId"] = generateID("msg")
	flat["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return json.Marshal(flat)
}

// generateID returns a random id with the given prefix.
func generateID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fall back to a timestamp-derived id; rand.Read failing means the
		// process is in much deeper trouble than a weak id.
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}
