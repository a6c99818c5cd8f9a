// Package bus provides event bus implementations for cross-process fan-out.
package bus

import (
	"context"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "connection.failed", "record.updated").
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created.
	Timestamp int64 `json:"timestamp"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// Topics for different event types.
const (
	// Connection lifecycle topics, published by the registry.
	TopicConnectionOpened = "connection.opened"
	TopicConnectionClosed = "connection.closed"
	TopicConnectionFailed = "connection.failed"

	// Sync service topic carrying data-change events across processes.
	TopicSyncEvents = "sync.events"

	// Opaque client messages handed off to the business layer.
	TopicBusinessInbound = "business.inbound"

	// Recovery engine topics.
	TopicResourceDown      = "resource.down"
	TopicResourceRecovered = "resource.recovered"
	TopicRecoveryExhausted = "recovery.exhausted"
)
