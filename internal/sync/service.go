package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/officesync/office-sync/internal/auth"
	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/cache"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/connection"
	"github.com/officesync/office-sync/internal/pkg/logger"
	"github.com/officesync/office-sync/internal/store"
)

// Broadcaster is the registry surface the service delivers through.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload any, predicate func(*connection.Connection) bool) int
}

// Origin describes who published an event and for which scope.
type Origin struct {
	ActorID string
	ScopeID string
	Source  string
}

// Subscription is the per-connection authorization snapshot. Permissions
// and scope are resolved once when the record is created and are not
// re-resolved per event; a permission revoked mid-session stays
// effective until the connection reconnects or is refreshed.
type Subscription struct {
	ConnectionID string
	UserID       string
	Permissions  map[string]bool
	Scope        string
	CreatedAt    time.Time
}

// Service fans published SyncEvents out to subscribed connections after
// per-subscriber authorization filtering.
type Service struct {
	cfg      config.SyncConfig
	eventBus bus.Bus
	registry Broadcaster
	auth     auth.Authorizer
	pool     store.Pool
	mirror   cache.Cache
	log      *logger.Logger

	mu   stdsync.RWMutex
	subs map[string]*Subscription
}

// NewService creates a sync service. pool and mirror may be nil; without
// a pool, audit writes are skipped, and without a mirror no cache
// side-channel copy is pushed.
func NewService(cfg config.SyncConfig, eventBus bus.Bus, registry Broadcaster, authorizer auth.Authorizer, pool store.Pool, mirror cache.Cache, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		eventBus: eventBus,
		registry: registry,
		auth:     authorizer,
		pool:     pool,
		mirror:   mirror,
		log:      log.WithComponent("sync-service"),
		subs:     make(map[string]*Subscription),
	}
}

// Start wires the service to the bus: the sync topic for fan-out, and
// the connection lifecycle topics for subscription bookkeeping.
func (s *Service) Start(ctx context.Context) error {
	if err := s.eventBus.Subscribe(ctx, s.cfg.Topic, func(ctx context.Context, event bus.Event) error {
		s.HandleExternalEvent(ctx, event)
		return nil
	}); err != nil {
		return err
	}

	if err := s.eventBus.Subscribe(ctx, bus.TopicConnectionOpened, func(ctx context.Context, event bus.Event) error {
		if p, ok := decodeOpened(event); ok {
			if err := s.AddSubscription(ctx, p.ConnectionID, p.UserID); err != nil {
				s.log.Warn("Failed to build subscription record",
					"connection_id", p.ConnectionID, "error", err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return s.eventBus.Subscribe(ctx, bus.TopicConnectionClosed, func(ctx context.Context, event bus.Event) error {
		if p, ok := decodeClosed(event); ok {
			s.RemoveSubscription(p.ConnectionID)
		}
		return nil
	})
}

// AddSubscription resolves the user's permissions and scope once and
// records them against the connection. Anonymous connections get an
// empty permission set.
func (s *Service) AddSubscription(ctx context.Context, connID, userID string) error {
	sub := &Subscription{
		ConnectionID: connID,
		UserID:       userID,
		Permissions:  map[string]bool{},
		CreatedAt:    time.Now(),
	}

	if userID != "" {
		perms, err := s.auth.GetPermissions(ctx, userID)
		if err != nil {
			return err
		}
		scope, err := s.auth.GetScope(ctx, userID)
		if err != nil {
			return err
		}
		sub.Permissions = perms
		sub.Scope = scope
	}

	s.mu.Lock()
	s.subs[connID] = sub
	s.mu.Unlock()

	s.log.Debug("Subscription record created",
		"connection_id", connID, "user_id", userID, "scope", sub.Scope)
	return nil
}

// UpdateSubscription re-resolves the authorization snapshot for a
// connection. Callers use this to pick up permission changes without a
// reconnect.
func (s *Service) UpdateSubscription(ctx context.Context, connID string) error {
	s.mu.RLock()
	sub, ok := s.subs[connID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.AddSubscription(ctx, connID, sub.UserID)
}

// RemoveSubscription drops the record for a connection. Safe to call
// for unknown ids.
func (s *Service) RemoveSubscription(connID string) {
	s.mu.Lock()
	delete(s.subs, connID)
	s.mu.Unlock()
}

// GetSubscription returns a copy of the record for a connection.
func (s *Service) GetSubscription(connID string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[connID]
	if !ok {
		return Subscription{}, false
	}
	out := *sub
	out.Permissions = make(map[string]bool, len(sub.Permissions))
	for p := range sub.Permissions {
		out.Permissions[p] = true
	}
	return out, true
}

// Publish announces a data change on the sync topic. It does not
// deliver directly; delivery happens when the subscribe side (this
// process or a peer) receives the event back.
func (s *Service) Publish(ctx context.Context, eventType string, payload json.RawMessage, origin Origin) error {
	ev := SyncEvent{
		ID:        generateEventID(),
		Type:      eventType,
		Payload:   payload,
		ActorID:   origin.ActorID,
		ScopeID:   origin.ScopeID,
		Source:    origin.Source,
		Timestamp: time.Now(),
	}

	event := bus.Event{
		ID:        ev.ID,
		Type:      eventType,
		Source:    "sync-service",
		Timestamp: ev.Timestamp.Unix(),
		Payload:   ev,
	}

	if err := s.eventBus.Publish(ctx, s.cfg.Topic, event); err != nil {
		return err
	}

	if s.mirror != nil {
		if data, err := json.Marshal(ev); err == nil {
			if err := s.mirror.PublishEvent(ctx, s.cfg.Topic, data); err != nil {
				s.log.Warn("Cache mirror publish failed", "error", err)
			}
		}
	}
	return nil
}

// HandleExternalEvent fans one received SyncEvent out to every
// connection that subscribed to its type, holds a permission mapped to
// it, and matches its scope. The dispatch is audited fire-and-forget.
func (s *Service) HandleExternalEvent(ctx context.Context, event bus.Event) {
	ev, ok := decodeSyncEvent(event)
	if !ok {
		s.log.Warn("Dropping undecodable sync event", "event_id", event.ID)
		return
	}

	delivered := s.registry.Broadcast(ctx, map[string]any{
		"type":    ev.Type,
		"data":    ev.Payload,
		"scopeId": ev.ScopeID,
	}, func(conn *connection.Connection) bool {
		return s.matches(conn, ev)
	})

	s.log.Debug("Sync event fanned out",
		"event_id", ev.ID, "type", ev.Type, "delivered", delivered)

	s.audit(ev, delivered)
}

// matches applies the three delivery conditions: subscribed to the
// type, permitted for its domain, and scope-compatible.
func (s *Service) matches(conn *connection.Connection, ev SyncEvent) bool {
	if !conn.Subscribed(ev.Type) {
		return false
	}

	s.mu.RLock()
	sub, ok := s.subs[conn.ID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	if !permitted(sub.Permissions, ev.Type) {
		return false
	}

	if ev.ScopeID != "" && sub.Scope != "" && sub.Scope != ev.ScopeID {
		return false
	}
	return true
}

// audit records the dispatch in the store without blocking delivery.
func (s *Service) audit(ev SyncEvent, delivered int) {
	if s.pool == nil {
		return
	}

	timeout := s.cfg.AuditTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := s.pool.Exec(ctx,
			`INSERT INTO sync_audit (event_id, event_type, actor_id, scope_id, delivered, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.Type, ev.ActorID, ev.ScopeID, delivered, time.Now())
		if err != nil {
			s.log.Warn("Audit write failed", "event_id", ev.ID, "error", err)
		}
	}()
}

func decodeSyncEvent(event bus.Event) (SyncEvent, bool) {
	switch p := event.Payload.(type) {
	case SyncEvent:
		return p, true
	case *SyncEvent:
		return *p, true
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return SyncEvent{}, false
	}
	var ev SyncEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		return SyncEvent{}, false
	}
	return ev, true
}

func decodeOpened(event bus.Event) (connection.OpenedPayload, bool) {
	switch p := event.Payload.(type) {
	case connection.OpenedPayload:
		return p, true
	case *connection.OpenedPayload:
		return *p, true
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return connection.OpenedPayload{}, false
	}
	var p connection.OpenedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConnectionID == "" {
		return connection.OpenedPayload{}, false
	}
	return p, true
}

func decodeClosed(event bus.Event) (connection.ClosedPayload, bool) {
	switch p := event.Payload.(type) {
	case connection.ClosedPayload:
		return p, true
	case *connection.ClosedPayload:
		return *p, true
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return connection.ClosedPayload{}, false
	}
	var p connection.ClosedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConnectionID == "" {
		return connection.ClosedPayload{}, false
	}
	return p, true
}
