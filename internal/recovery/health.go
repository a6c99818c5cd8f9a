package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/logger"
)

// Pinger is a liveness probe over a shared dependency. The store pool
// and the cache both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResourcePayload is published when the shared resources go down or
// come back.
type ResourcePayload struct {
	Resource  string `json:"resource"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	Failures  int    `json:"failures"`
	Timestamp int64  `json:"timestamp"`
}

// Breaker target for the shared resource pair.
const resourceTarget = "shared-resource"

// HealthChecker pings the relational store and the cache on a fixed
// interval. Consecutive failures past the threshold trip the resource
// breaker and surface a single down event; a recovery loop with the
// configured backoff keeps probing below threshold until both
// dependencies answer again.
type HealthChecker struct {
	cfg      config.RecoveryConfig
	store    Pinger
	cache    Pinger
	eventBus bus.Bus
	log      *logger.Logger
	policy   *Policy
	breakers *BreakerSet

	mu          sync.Mutex
	consecutive int
	down        bool
	recovering  bool
	record      *FailureRecord
}

// NewHealthChecker creates a checker over the two shared dependencies.
// The cache pinger may be nil when no cache is configured.
func NewHealthChecker(cfg config.RecoveryConfig, store, cache Pinger, eventBus bus.Bus, log *logger.Logger) *HealthChecker {
	return &HealthChecker{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		eventBus: eventBus,
		log:      log.WithComponent("health-checker"),
		policy:   NewPolicy(cfg),
		breakers: NewBreakerSet(cfg.BreakerCooldown),
	}
}

// Run probes on the configured interval until the context ends.
func (h *HealthChecker) Run(ctx context.Context) {
	interval := h.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check runs one probe cycle and updates the failure counter.
func (h *HealthChecker) Check(ctx context.Context) {
	if resource, err := h.probe(ctx); err != nil {
		h.onFailure(ctx, resource, err)
	} else {
		h.onSuccess(ctx)
	}
}

// Healthy reports whether the shared resources answered the most
// recent probe and the breaker is disarmed.
func (h *HealthChecker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive == 0 && !h.down
}

// BreakerActive reports whether the resource breaker is armed.
func (h *HealthChecker) BreakerActive() bool {
	return h.breakers.Active(resourceTarget)
}

// probe pings both dependencies, returning the name of the first one
// that fails.
func (h *HealthChecker) probe(ctx context.Context) (string, error) {
	timeout := h.cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.store.Ping(pingCtx); err != nil {
		return "store", err
	}
	if h.cache != nil {
		if err := h.cache.Ping(pingCtx); err != nil {
			return "cache", err
		}
	}
	return "", nil
}

func (h *HealthChecker) onFailure(ctx context.Context, resource string, err error) {
	threshold := h.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	h.mu.Lock()
	h.consecutive++
	failures := h.consecutive
	if h.record == nil || h.record.Resolved {
		h.record = newRecord(FailureDatabaseError, "", err.Error())
	}
	h.record.Retries = failures
	startRecovery := failures < threshold && !h.recovering
	if startRecovery {
		h.recovering = true
	}
	trip := failures >= threshold && !h.down
	if trip {
		h.down = true
		h.record.Failed = true
	}
	h.mu.Unlock()

	h.log.Warn("Resource probe failed",
		"resource", resource, "consecutive", failures, "error", err)

	if trip && !h.breakers.Active(resourceTarget) {
		h.breakers.Trip(resourceTarget)
		h.publish(ctx, bus.TopicResourceDown, ResourcePayload{
			Resource:  resource,
			Kind:      FailureDatabaseError,
			Detail:    err.Error(),
			Failures:  failures,
			Timestamp: time.Now().Unix(),
		})
	}

	if startRecovery {
		go h.recoverLoop(ctx)
	}
}

func (h *HealthChecker) onSuccess(ctx context.Context) {
	h.mu.Lock()
	wasDown := h.down || h.consecutive > 0
	h.consecutive = 0
	h.down = false
	if h.record != nil && !h.record.Resolved {
		h.record.resolve()
	}
	h.mu.Unlock()

	if wasDown {
		h.breakers.Reset(resourceTarget)
		h.log.Info("Shared resources recovered")
		h.publish(ctx, bus.TopicResourceRecovered, ResourcePayload{
			Resource:  "shared-resource",
			Timestamp: time.Now().Unix(),
		})
	}
}

// recoverLoop retries below the trip threshold with the configured
// backoff, up to the resource retry budget. The breaker being armed
// stops it.
func (h *HealthChecker) recoverLoop(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.recovering = false
		h.mu.Unlock()
	}()

	maxTries := h.cfg.MaxResourceTries
	if maxTries <= 0 {
		maxTries = 10
	}

	for attempt := 0; attempt < maxTries; attempt++ {
		delay := h.policy.Delay(attempt)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		} else if ctx.Err() != nil {
			return
		}

		if h.breakers.Active(resourceTarget) {
			return
		}

		if _, err := h.probe(ctx); err == nil {
			h.onSuccess(ctx)
			return
		}
		h.log.Debug("Resource recovery attempt failed", "attempt", attempt+1)
	}
}

func (h *HealthChecker) publish(ctx context.Context, topic string, payload any) {
	event := bus.Event{
		ID:        generateID(),
		Type:      topic,
		Source:    "health-checker",
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	if err := h.eventBus.Publish(ctx, topic, event); err != nil {
		h.log.Warn("Failed to publish resource event", "topic", topic, "error", err)
	}
}
