package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/logger"
	"github.com/officesync/office-sync/internal/store"
)

// Channels the monitor rebroadcasts its findings on. Connections
// subscribe to them like any other channel.
const (
	ChannelMetrics = "system_metrics"
	ChannelAlerts  = "system_alerts"
)

// Broadcaster is the registry surface the monitor publishes through.
type Broadcaster interface {
	Count() int
	BroadcastToChannel(ctx context.Context, channel string, payload any) int
}

// StatsPool exposes pool occupancy and a timed liveness probe.
type StatsPool interface {
	Ping(ctx context.Context) error
	Stats() store.PoolStats
}

// CachePinger probes the external cache.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// RecoveryState is the read-only breaker signal owned by the recovery
// engine.
type RecoveryState interface {
	Healthy() bool
	BreakerActive() bool
}

// Snapshot is one assembled metrics sample.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	Connections    int       `json:"connections"`
	PoolOccupancy  float64   `json:"pool_occupancy"`
	StoreLatencyMs float64   `json:"store_latency_ms"`
	StoreReachable bool      `json:"store_reachable"`
	CacheReachable bool      `json:"cache_reachable"`
	BreakerTripped bool      `json:"breaker_tripped"`
}

// Monitor samples host and component health on a fixed interval,
// evaluates thresholds into alerts, and rebroadcasts both through the
// registry.
type Monitor struct {
	cfg      config.MonitorConfig
	registry Broadcaster
	pool     StatsPool
	cache    CachePinger
	recovery RecoveryState
	eventBus bus.Bus
	log      *logger.Logger

	history *HistorySet
	alerts  *AlertSet

	// Overridable samplers. Production uses gopsutil.
	cpuPercent func(ctx context.Context) (float64, error)
	memPercent func(ctx context.Context) (float64, error)
}

// New creates a monitor. pool, cache, and recovery may be nil; their
// samples are skipped. storage may be nil for in-memory history only.
func New(cfg config.MonitorConfig, registry Broadcaster, pool StatsPool, cachePinger CachePinger, recoveryState RecoveryState, eventBus bus.Bus, storage *RedisStorage, log *logger.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		registry:   registry,
		pool:       pool,
		cache:      cachePinger,
		recovery:   recoveryState,
		eventBus:   eventBus,
		log:        log.WithComponent("system-monitor"),
		history:    NewHistorySet(cfg.Retention, storage),
		alerts:     NewAlertSet(cfg.AlertRetention),
		cpuPercent: sampleCPU,
		memPercent: sampleMemory,
	}
}

// Start subscribes the monitor to resource events from the recovery
// engine, so breaker trips surface as critical alerts immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if m.eventBus == nil {
		return nil
	}

	if err := m.eventBus.Subscribe(ctx, bus.TopicResourceDown, func(ctx context.Context, event bus.Event) error {
		m.raise(ctx, AlertDatabaseError, SeverityCritical,
			"shared resource unreachable, breaker tripped", map[string]any{"event_id": event.ID})
		return nil
	}); err != nil {
		return err
	}

	return m.eventBus.Subscribe(ctx, bus.TopicResourceRecovered, func(ctx context.Context, event bus.Event) error {
		m.resolve(ctx, AlertDatabaseError)
		return nil
	})
}

// Run samples on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Interval
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
			m.Sample(ctx)
		}
	}
}

// Sample gathers one snapshot, records history, evaluates thresholds,
// and broadcasts the result.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		Timestamp:      time.Now(),
		StoreReachable: true,
		CacheReachable: true,
	}

	if v, err := m.cpuPercent(ctx); err == nil {
		snap.CPUPercent = v
		m.history.CPU.Record(v)
	} else {
		m.log.Warn("CPU sample failed", "error", err)
	}

	if v, err := m.memPercent(ctx); err == nil {
		snap.MemoryPercent = v
		m.history.Memory.Record(v)
	} else {
		m.log.Warn("Memory sample failed", "error", err)
	}

	if m.registry != nil {
		snap.Connections = m.registry.Count()
		m.history.Connections.Record(float64(snap.Connections))
	}

	if m.pool != nil {
		snap.PoolOccupancy = m.pool.Stats().Occupancy()
		m.history.PoolUsage.Record(snap.PoolOccupancy)

		start := time.Now()
		if err := m.pool.Ping(ctx); err != nil {
			snap.StoreReachable = false
		} else {
			snap.StoreLatencyMs = float64(time.Since(start).Microseconds()) / 1000
			m.history.Latency.Record(snap.StoreLatencyMs)
		}
	}

	if m.cache != nil {
		snap.CacheReachable = m.cache.Ping(ctx) == nil
	}

	if m.recovery != nil {
		snap.BreakerTripped = m.recovery.BreakerActive()
	}

	m.evaluate(ctx, snap)
	m.broadcastSnapshot(ctx, snap)
	return snap
}

// evaluate compares the snapshot against the configured thresholds,
// raising and resolving alerts as conditions appear and clear.
func (m *Monitor) evaluate(ctx context.Context, snap Snapshot) {
	m.threshold(ctx, AlertHighCPU, SeverityWarning,
		m.cfg.CPUThreshold > 0 && snap.CPUPercent > m.cfg.CPUThreshold,
		fmt.Sprintf("CPU at %.1f%% exceeds %.0f%%", snap.CPUPercent, m.cfg.CPUThreshold),
		map[string]any{"cpu_percent": snap.CPUPercent})

	m.threshold(ctx, AlertHighMemory, SeverityWarning,
		m.cfg.MemoryThreshold > 0 && snap.MemoryPercent > m.cfg.MemoryThreshold,
		fmt.Sprintf("memory at %.1f%% exceeds %.0f%%", snap.MemoryPercent, m.cfg.MemoryThreshold),
		map[string]any{"memory_percent": snap.MemoryPercent})

	m.threshold(ctx, AlertPoolOccupancy, SeverityError,
		m.cfg.PoolThreshold > 0 && snap.PoolOccupancy > m.cfg.PoolThreshold,
		fmt.Sprintf("store pool at %.1f%% exceeds %.0f%%", snap.PoolOccupancy, m.cfg.PoolThreshold),
		map[string]any{"pool_occupancy": snap.PoolOccupancy})

	latencyLimit := float64(m.cfg.LatencyThreshold.Milliseconds())
	m.threshold(ctx, AlertHighLatency, SeverityWarning,
		latencyLimit > 0 && snap.StoreReachable && snap.StoreLatencyMs > latencyLimit,
		fmt.Sprintf("store latency %.1fms exceeds %.0fms", snap.StoreLatencyMs, latencyLimit),
		map[string]any{"store_latency_ms": snap.StoreLatencyMs})

	m.threshold(ctx, AlertCacheUnreachable, SeverityError,
		m.cache != nil && !snap.CacheReachable,
		"cache unreachable", nil)
}

// threshold raises or resolves one alert type based on whether its
// condition holds.
func (m *Monitor) threshold(ctx context.Context, alertType AlertType, severity Severity, breached bool, message string, metadata map[string]any) {
	if breached {
		m.raise(ctx, alertType, severity, message, metadata)
	} else {
		m.resolve(ctx, alertType)
	}
}

func (m *Monitor) raise(ctx context.Context, alertType AlertType, severity Severity, message string, metadata map[string]any) {
	alert, created := m.alerts.Raise(alertType, severity, message, metadata)
	if created {
		m.log.Warn("Alert raised", "alert_type", alertType, "severity", severity, "message", message)
		m.broadcastAlert(ctx, alert)
	}
}

func (m *Monitor) resolve(ctx context.Context, alertType AlertType) {
	if alert, ok := m.alerts.Resolve(alertType); ok {
		m.log.Info("Alert resolved", "alert_type", alertType)
		m.broadcastAlert(ctx, alert)
	}
}

func (m *Monitor) broadcastSnapshot(ctx context.Context, snap Snapshot) {
	if m.registry == nil {
		return
	}
	m.registry.BroadcastToChannel(ctx, ChannelMetrics, map[string]any{
		"type":    "metrics_snapshot",
		"metrics": snap,
	})
}

func (m *Monitor) broadcastAlert(ctx context.Context, alert Alert) {
	if m.registry == nil {
		return
	}
	m.registry.BroadcastToChannel(ctx, ChannelAlerts, map[string]any{
		"type":  "system_alert",
		"alert": alert,
	})
}

// Alerts exposes the alert table for the HTTP surface.
func (m *Monitor) Alerts() *AlertSet {
	return m.alerts
}

// History returns data points for a named series since the given time.
func (m *Monitor) History(name string, since time.Time) ([]DataPoint, bool) {
	series, ok := m.history.Series(name)
	if !ok {
		return nil, false
	}
	return series.Since(since), true
}

// SeriesNames lists the available history series.
func (m *Monitor) SeriesNames() []string {
	return m.history.Names()
}

// Report summarizes current health for on-demand queries.
type Report struct {
	Timestamp   time.Time            `json:"timestamp"`
	Healthy     bool                 `json:"healthy"`
	Connections int                  `json:"connections"`
	OpenAlerts  []Alert              `json:"open_alerts"`
	Latest      map[string]DataPoint `json:"latest"`
}

// BuildReport assembles a health summary from the latest samples and
// the open alert set.
func (m *Monitor) BuildReport() Report {
	report := Report{
		Timestamp:  time.Now(),
		Healthy:    true,
		OpenAlerts: m.alerts.Open(),
		Latest:     make(map[string]DataPoint),
	}

	if m.registry != nil {
		report.Connections = m.registry.Count()
	}
	for _, name := range m.history.Names() {
		if series, ok := m.history.Series(name); ok {
			if dp, ok := series.Latest(); ok {
				report.Latest[name] = dp
			}
		}
	}
	for _, alert := range report.OpenAlerts {
		if alert.Severity == SeverityError || alert.Severity == SeverityCritical {
			report.Healthy = false
		}
	}
	if m.recovery != nil && !m.recovery.Healthy() {
		report.Healthy = false
	}
	return report
}

func sampleCPU(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func sampleMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
