package recovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/connection"
	"github.com/officesync/office-sync/internal/pkg/logger"
)

// ConnectionChecker answers whether a connection recovered out-of-band.
// The registry satisfies this.
type ConnectionChecker interface {
	IsLive(connID string) bool
}

// ExhaustedPayload is published when a failure record runs out of
// retries and its breaker is armed.
type ExhaustedPayload struct {
	RecordID     string `json:"record_id"`
	ConnectionID string `json:"connection_id"`
	Kind         string `json:"kind"`
	Retries      int    `json:"retries"`
	Timestamp    int64  `json:"timestamp"`
}

// Engine schedules bounded recovery sequences for failed connections.
// One active FailureRecord exists per connection at a time; exhausting
// the retry budget arms a per-connection breaker that rejects new
// failure reports until the cool-down elapses.
type Engine struct {
	cfg      config.RecoveryConfig
	bus      bus.Bus
	conns    ConnectionChecker
	log      *logger.Logger
	policy   *Policy
	breakers *BreakerSet

	mu      sync.Mutex
	active  map[string]*FailureRecord
	history []*FailureRecord
}

// NewEngine creates a recovery engine. Start must be called before it
// reacts to failures.
func NewEngine(cfg config.RecoveryConfig, eventBus bus.Bus, conns ConnectionChecker, log *logger.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		bus:      eventBus,
		conns:    conns,
		log:      log.WithComponent("recovery-engine"),
		policy:   NewPolicy(cfg),
		breakers: NewBreakerSet(cfg.BreakerCooldown),
		active:   make(map[string]*FailureRecord),
	}
}

// Start subscribes the engine to connection failure events.
func (e *Engine) Start(ctx context.Context) error {
	return e.bus.Subscribe(ctx, bus.TopicConnectionFailed, func(ctx context.Context, event bus.Event) error {
		payload, ok := decodeFailure(event)
		if !ok {
			e.log.Warn("Dropping undecodable failure event", "event_id", event.ID)
			return nil
		}
		e.HandleFailure(ctx, payload.Kind, payload.ConnectionID, payload.Detail)
		return nil
	})
}

// HandleFailure opens a recovery sequence for a connection failure.
// Reports for a connection whose breaker is armed, or that is already
// under recovery, are dropped.
func (e *Engine) HandleFailure(ctx context.Context, kind, connID, detail string) {
	if e.breakers.Active(connID) {
		e.log.Debug("Breaker active, rejecting failure report", "connection_id", connID, "kind", kind)
		return
	}

	e.mu.Lock()
	if _, busy := e.active[connID]; busy {
		e.mu.Unlock()
		return
	}
	rec := newRecord(kind, connID, detail)
	e.active[connID] = rec
	e.history = append(e.history, rec)
	e.mu.Unlock()

	e.log.Info("Recovery sequence opened",
		"record_id", rec.ID, "connection_id", connID, "kind", kind)

	go e.runRecovery(ctx, rec)
}

func (e *Engine) runRecovery(ctx context.Context, rec *FailureRecord) {
	for {
		delay := e.policy.Delay(rec.Retries)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		} else if ctx.Err() != nil {
			return
		}

		if e.conns.IsLive(rec.ConnectionID) {
			e.mu.Lock()
			rec.resolve()
			delete(e.active, rec.ConnectionID)
			e.mu.Unlock()
			e.log.Info("Connection recovered out-of-band",
				"record_id", rec.ID, "connection_id", rec.ConnectionID, "retries", rec.Retries)
			return
		}

		e.mu.Lock()
		rec.Retries++
		exhausted := rec.Retries >= e.cfg.MaxConnectionTries
		if exhausted {
			rec.Failed = true
			delete(e.active, rec.ConnectionID)
		}
		e.mu.Unlock()

		if exhausted {
			e.breakers.Trip(rec.ConnectionID)
			e.log.Warn("Recovery budget exhausted, breaker armed",
				"record_id", rec.ID, "connection_id", rec.ConnectionID, "retries", rec.Retries)
			e.publish(ctx, bus.TopicRecoveryExhausted, ExhaustedPayload{
				RecordID:     rec.ID,
				ConnectionID: rec.ConnectionID,
				Kind:         rec.Kind,
				Retries:      rec.Retries,
				Timestamp:    time.Now().Unix(),
			})
			return
		}

		e.log.Debug("Recovery attempt failed",
			"record_id", rec.ID, "connection_id", rec.ConnectionID, "retries", rec.Retries)
	}
}

// BreakerActive reports whether the breaker for a connection is armed.
// Read-only signal for other components.
func (e *Engine) BreakerActive(connID string) bool {
	return e.breakers.Active(connID)
}

// ActiveCount returns the number of in-flight recovery sequences.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Records returns a snapshot of all failure records, newest last.
func (e *Engine) Records() []FailureRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]FailureRecord, 0, len(e.history))
	for _, rec := range e.history {
		out = append(out, *rec)
	}
	return out
}

func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	event := bus.Event{
		ID:        generateID(),
		Type:      topic,
		Source:    "recovery-engine",
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	if err := e.bus.Publish(ctx, topic, event); err != nil {
		e.log.Warn("Failed to publish recovery event", "topic", topic, "error", err)
	}
}

// decodeFailure extracts a failure payload from a bus event, whether
// delivered in-process (typed) or over the wire (JSON).
func decodeFailure(event bus.Event) (connection.FailedPayload, bool) {
	switch p := event.Payload.(type) {
	case connection.FailedPayload:
		return p, true
	case *connection.FailedPayload:
		return *p, true
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return connection.FailedPayload{}, false
	}
	var p connection.FailedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConnectionID == "" {
		return connection.FailedPayload{}, false
	}
	return p, true
}
