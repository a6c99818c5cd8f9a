package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/errors"
	"github.com/officesync/office-sync/internal/pkg/logger"
	"github.com/officesync/office-sync/internal/pkg/security"
)

// Registry owns the set of live connections. All lifecycle mutation and
// message delivery goes through it; no other component removes connections.
type Registry struct {
	cfg config.RegistryConfig
	bus bus.Bus
	log *logger.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
	byAddress   map[string]int
	byUser      map[string]string // user id -> connection id

	// Per-address admission throttling
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewRegistry creates a connection registry.
func NewRegistry(cfg config.RegistryConfig, eventBus bus.Bus, log *logger.Logger) *Registry {
	return &Registry{
		cfg:         cfg,
		bus:         eventBus,
		log:         log.WithComponent("registry"),
		connections: make(map[string]*Connection),
		byAddress:   make(map[string]int),
		byUser:      make(map[string]string),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Admit accepts a new connection if capacity allows. A successful admission
// leaves the connection CONNECTED and sends an opened acknowledgment to the
// peer. Admitting a second connection for the same authenticated user
// replaces the first.
func (r *Registry) Admit(ctx context.Context, remoteAddr string, meta Metadata, peer Peer) (*Connection, error) {
	if peer == nil {
		return nil, errors.ValidationError("peer cannot be nil")
	}

	if !r.allowAddress(remoteAddr) {
		return nil, errors.New(errors.CodeRateLimited, "admission rate exceeded for address")
	}

	// Same logical identity replaces the earlier session.
	if meta.UserID != "" {
		r.mu.RLock()
		prevID, exists := r.byUser[meta.UserID]
		r.mu.RUnlock()
		if exists {
			r.log.Info("Replacing existing connection for user",
				"user_id", meta.UserID, "previous", prevID)
			r.Remove(ctx, prevID, "replaced by newer session")
		}
	}

	r.mu.Lock()
	if len(r.connections) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return nil, errors.CapacityError("server connection limit reached")
	}
	if r.byAddress[remoteAddr] >= r.cfg.MaxPerAddress {
		r.mu.Unlock()
		return nil, errors.CapacityError("per-address connection limit reached")
	}

	now := time.Now()
	conn := &Connection{
		ID:            generateID("conn"),
		RemoteAddr:    remoteAddr,
		UserAgent:     meta.UserAgent,
		UserID:        meta.UserID,
		CreatedAt:     now,
		LastActivity:  now,
		State:         StateConnected,
		subscriptions: make(map[string]bool),
		peer:          peer,
	}

	r.connections[conn.ID] = conn
	r.byAddress[remoteAddr]++
	if meta.UserID != "" {
		r.byUser[meta.UserID] = conn.ID
	}
	r.mu.Unlock()

	r.log.Info("Connection admitted",
		"connection_id", conn.ID,
		"remote_addr", remoteAddr,
		"user_id", meta.UserID,
	)

	// Opened acknowledgment. A peer that is already gone gets removed on
	// the spot.
	if !r.sendTo(ctx, conn, map[string]any{
		"type":         "connection_ack",
		"connectionId": conn.ID,
	}) {
		return nil, errors.ConnectionLostError(conn.ID, nil)
	}

	r.publish(ctx, bus.TopicConnectionOpened, OpenedPayload{
		ConnectionID: conn.ID,
		RemoteAddr:   remoteAddr,
		UserID:       meta.UserID,
		Timestamp:    now.Unix(),
	})

	return conn, nil
}

// Dispatch handles one raw inbound frame for a connection. Malformed input
// yields an error reply to that connection only; registry state is
// untouched apart from the activity timestamp.
func (r *Registry) Dispatch(ctx context.Context, connID string, raw []byte) {
	r.mu.Lock()
	conn, exists := r.connections[connID]
	if !exists || conn.State != StateConnected {
		r.mu.Unlock()
		return
	}
	conn.Touch()
	r.mu.Unlock()

	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		r.sendTo(ctx, conn, map[string]any{
			"type":  "error",
			"error": errors.ProtocolError("malformed message").Message,
			"code":  errors.CodeProtocolError,
		})
		return
	}

	switch ParseMessageKind(msg.Type) {
	case KindHeartbeat:
		r.sendTo(ctx, conn, map[string]any{"type": "heartbeat_ack"})

	case KindSubscribe:
		r.handleSubscription(ctx, conn, msg.Data, true)

	case KindUnsubscribe:
		r.handleSubscription(ctx, conn, msg.Data, false)

	case KindBusiness:
		r.publish(ctx, bus.TopicBusinessInbound, BusinessPayload{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			Type:         msg.Type,
			Data:         msg.Data,
		})
	}
}

func (r *Registry) handleSubscription(ctx context.Context, conn *Connection, data json.RawMessage, subscribe bool) {
	var cd ChannelData
	if err := json.Unmarshal(data, &cd); err != nil || cd.Channel == "" {
		r.sendTo(ctx, conn, map[string]any{
			"type":  "error",
			"error": "subscribe requires a channel name",
			"code":  errors.CodeProtocolError,
		})
		return
	}
	if err := security.ValidateChannel(cd.Channel); err != nil {
		r.sendTo(ctx, conn, map[string]any{
			"type":  "error",
			"error": err.Error(),
			"code":  errors.CodeProtocolError,
		})
		return
	}

	r.mu.Lock()
	if subscribe {
		conn.subscriptions[cd.Channel] = true
	} else {
		delete(conn.subscriptions, cd.Channel)
	}
	r.mu.Unlock()

	ack := "subscription_ack"
	if !subscribe {
		ack = "unsubscription_ack"
	}
	r.sendTo(ctx, conn, map[string]any{
		"type":    ack,
		"channel": cd.Channel,
	})
}

// Send delivers one message to a connection, enveloped. A failed send
// removes the connection and returns false; callers must not retry.
func (r *Registry) Send(ctx context.Context, connID string, payload any) bool {
	r.mu.RLock()
	conn, exists := r.connections[connID]
	r.mu.RUnlock()

	if !exists || conn.State != StateConnected {
		return false
	}
	return r.sendTo(ctx, conn, payload)
}

// sendTo envelopes and writes a payload. On transport failure the
// connection transitions to ERROR and is removed.
func (r *Registry) sendTo(ctx context.Context, conn *Connection, payload any) bool {
	data, err := Envelope(payload)
	if err != nil {
		r.log.Error("Failed to envelope payload", "error", err)
		return false
	}

	if err := conn.peer.Send(data); err != nil {
		r.mu.Lock()
		conn.State = StateError
		r.mu.Unlock()

		r.publish(ctx, bus.TopicConnectionFailed, FailedPayload{
			ConnectionID: conn.ID,
			RemoteAddr:   conn.RemoteAddr,
			Kind:         FailureConnectionLost,
			Detail:       err.Error(),
			Timestamp:    time.Now().Unix(),
		})
		r.Remove(ctx, conn.ID, "send failed")
		return false
	}
	return true
}

// Broadcast delivers a message to every CONNECTED connection matching the
// predicate (nil matches all) and returns the number of successful
// deliveries.
func (r *Registry) Broadcast(ctx context.Context, payload any, predicate func(*Connection) bool) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.State != StateConnected {
			continue
		}
		if predicate == nil || predicate(conn) {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if r.sendTo(ctx, conn, payload) {
			delivered++
		}
	}
	return delivered
}

// BroadcastToChannel delivers to every connection subscribed to a channel.
func (r *Registry) BroadcastToChannel(ctx context.Context, channel string, payload any) int {
	return r.Broadcast(ctx, payload, func(c *Connection) bool {
		return c.Subscribed(channel)
	})
}

// Disconnect performs a graceful close: the peer is notified before the
// transport is released.
func (r *Registry) Disconnect(ctx context.Context, connID string, reason string) {
	r.mu.Lock()
	conn, exists := r.connections[connID]
	if !exists {
		r.mu.Unlock()
		return
	}
	conn.State = StateDisconnecting
	r.mu.Unlock()

	// Best-effort close notification; the removal below handles a dead peer.
	data, err := Envelope(map[string]any{"type": "disconnect", "reason": reason})
	if err == nil {
		_ = conn.peer.Send(data)
	}

	r.Remove(ctx, connID, reason)
}

// Remove tears a connection down. It is idempotent: removing an unknown or
// already-removed id is a no-op.
func (r *Registry) Remove(ctx context.Context, connID string, reason string) {
	r.mu.Lock()
	conn, exists := r.connections[connID]
	if !exists {
		r.mu.Unlock()
		return
	}

	delete(r.connections, connID)
	if r.byAddress[conn.RemoteAddr] > 0 {
		r.byAddress[conn.RemoteAddr]--
		if r.byAddress[conn.RemoteAddr] == 0 {
			delete(r.byAddress, conn.RemoteAddr)
		}
	}
	if conn.UserID != "" && r.byUser[conn.UserID] == connID {
		delete(r.byUser, conn.UserID)
	}
	conn.subscriptions = make(map[string]bool)
	if conn.State != StateError {
		conn.State = StateDisconnected
	}
	r.mu.Unlock()

	_ = conn.peer.Close()

	r.log.Info("Connection removed", "connection_id", connID, "reason", reason)

	r.publish(ctx, bus.TopicConnectionClosed, ClosedPayload{
		ConnectionID: connID,
		RemoteAddr:   conn.RemoteAddr,
		Reason:       reason,
		Timestamp:    time.Now().Unix(),
	})
}

// Get returns a copy of a connection's public fields.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	if !exists {
		return nil, false
	}
	connCopy := *conn
	connCopy.peer = nil
	connCopy.subscriptions = nil
	return &connCopy, true
}

// Connections returns a snapshot of every tracked connection, without
// peer handles.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		c := *conn
		c.peer = nil
		c.subscriptions = nil
		out = append(out, c)
	}
	return out
}

// IsLive reports whether a connection exists and is CONNECTED.
func (r *Registry) IsLive(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	return exists && conn.State == StateConnected
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CountByAddress returns the number of connections from one address.
func (r *Registry) CountByAddress(addr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddress[addr]
}

// allowAddress applies the per-address admission token bucket.
func (r *Registry) allowAddress(addr string) bool {
	if r.cfg.AdmitRatePerSec <= 0 {
		return true
	}

	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()

	limiter, exists := r.limiters[addr]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.AdmitRatePerSec), r.cfg.AdmitBurst)
		r.limiters[addr] = limiter
	}
	return limiter.Allow()
}

func (r *Registry) publish(ctx context.Context, topic string, payload any) {
	if r.bus == nil {
		return
	}
	event := bus.Event{
		ID:        generateID("evt"),
		Type:      topic,
		Source:    "connection-registry",
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	if err := r.bus.Publish(ctx, topic, event); err != nil {
		r.log.Warn("Failed to publish registry event", "topic", topic, "error", err)
	}
}
