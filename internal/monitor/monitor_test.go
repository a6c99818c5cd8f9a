package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/logger"
	"github.com/officesync/office-sync/internal/store"
)

type fakeRegistry struct {
	mu       sync.Mutex
	count    int
	messages map[string][]any
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{messages: make(map[string][]any)}
}

func (f *fakeRegistry) Count() int { return f.count }

func (f *fakeRegistry) BroadcastToChannel(ctx context.Context, channel string, payload any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[channel] = append(f.messages[channel], payload)
	return 1
}

func (f *fakeRegistry) sent(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[channel])
}

type fakePool struct {
	failPing  bool
	pingDelay time.Duration
	stats     store.PoolStats
}

func (f *fakePool) Ping(ctx context.Context) error {
	if f.pingDelay > 0 {
		time.Sleep(f.pingDelay)
	}
	if f.failPing {
		return fmt.Errorf("store down")
	}
	return nil
}

func (f *fakePool) Stats() store.PoolStats { return f.stats }

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:         30 * time.Second,
		Retention:        24 * time.Hour,
		CPUThreshold:     85,
		MemoryThreshold:  90,
		PoolThreshold:    80,
		LatencyThreshold: time.Second,
		AlertRetention:   time.Hour,
	}
}

// newTestMonitor builds a monitor with deterministic samplers.
func newTestMonitor(registry *fakeRegistry, pool StatsPool, eventBus bus.Bus) *Monitor {
	m := New(testMonitorConfig(), registry, pool, nil, nil, eventBus, nil, logger.Default())
	m.cpuPercent = func(ctx context.Context) (float64, error) { return 10, nil }
	m.memPercent = func(ctx context.Context) (float64, error) { return 20, nil }
	return m
}

func TestSampleBroadcastsSnapshot(t *testing.T) {
	registry := newFakeRegistry()
	registry.count = 7

	m := newTestMonitor(registry, &fakePool{stats: store.PoolStats{InUse: 2, MaxOpen: 20}}, nil)
	snap := m.Sample(context.Background())

	if snap.CPUPercent != 10 || snap.MemoryPercent != 20 {
		t.Errorf("unexpected host sample: %+v", snap)
	}
	if snap.Connections != 7 {
		t.Errorf("connections = %d, want 7", snap.Connections)
	}
	if snap.PoolOccupancy != 10 {
		t.Errorf("pool occupancy = %v, want 10", snap.PoolOccupancy)
	}
	if !snap.StoreReachable {
		t.Error("store marked unreachable")
	}
	if registry.sent(ChannelMetrics) != 1 {
		t.Errorf("snapshot broadcasts = %d, want 1", registry.sent(ChannelMetrics))
	}
	if registry.sent(ChannelAlerts) != 0 {
		t.Errorf("alert broadcasts = %d, want 0", registry.sent(ChannelAlerts))
	}
}

func TestThresholdAlertLifecycle(t *testing.T) {
	registry := newFakeRegistry()
	m := newTestMonitor(registry, nil, nil)
	m.cpuPercent = func(ctx context.Context) (float64, error) { return 95, nil }

	m.Sample(context.Background())
	if !m.Alerts().Active(AlertHighCPU) {
		t.Fatal("no high-cpu alert after breach")
	}
	if registry.sent(ChannelAlerts) != 1 {
		t.Errorf("alert broadcasts = %d, want 1", registry.sent(ChannelAlerts))
	}

	// Continued breach does not duplicate or rebroadcast.
	m.Sample(context.Background())
	if got := len(m.Alerts().Open()); got != 1 {
		t.Errorf("open alerts = %d, want 1", got)
	}
	if registry.sent(ChannelAlerts) != 1 {
		t.Errorf("alert broadcasts after repeat = %d, want 1", registry.sent(ChannelAlerts))
	}

	// Condition clearing resolves and broadcasts the transition.
	m.cpuPercent = func(ctx context.Context) (float64, error) { return 10, nil }
	m.Sample(context.Background())
	if m.Alerts().Active(AlertHighCPU) {
		t.Error("alert still active after condition cleared")
	}
	if registry.sent(ChannelAlerts) != 2 {
		t.Errorf("alert broadcasts after resolve = %d, want 2", registry.sent(ChannelAlerts))
	}
}

func TestPoolOccupancyAlert(t *testing.T) {
	registry := newFakeRegistry()
	m := newTestMonitor(registry, &fakePool{stats: store.PoolStats{InUse: 18, MaxOpen: 20}}, nil)

	m.Sample(context.Background())
	if !m.Alerts().Active(AlertPoolOccupancy) {
		t.Error("no pool-occupancy alert at 90%")
	}
}

func TestResourceDownAlertOnce(t *testing.T) {
	b := bus.NewMemoryBus()
	registry := newFakeRegistry()
	m := newTestMonitor(registry, nil, b)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	publishResource := func(topic string) {
		if err := b.Publish(context.Background(), topic, bus.Event{ID: "evt", Type: topic}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	publishResource(bus.TopicResourceDown)
	waitFor(t, func() bool { return m.Alerts().Active(AlertDatabaseError) }, "no database-error alert")

	// Repeated down events do not duplicate the alert.
	publishResource(bus.TopicResourceDown)
	publishResource(bus.TopicResourceDown)
	time.Sleep(20 * time.Millisecond)
	if got := len(m.Alerts().Open()); got != 1 {
		t.Errorf("open alerts = %d, want 1", got)
	}

	publishResource(bus.TopicResourceRecovered)
	waitFor(t, func() bool { return !m.Alerts().Active(AlertDatabaseError) }, "alert never resolved")
}

func TestBuildReport(t *testing.T) {
	registry := newFakeRegistry()
	registry.count = 3
	m := newTestMonitor(registry, nil, nil)

	m.Sample(context.Background())
	report := m.BuildReport()

	if !report.Healthy {
		t.Error("report unhealthy with no alerts")
	}
	if report.Connections != 3 {
		t.Errorf("connections = %d, want 3", report.Connections)
	}
	if _, ok := report.Latest["cpu_percent"]; !ok {
		t.Error("report missing cpu_percent sample")
	}

	// A critical alert flips the health flag.
	m.alerts.Raise(AlertDatabaseError, SeverityCritical, "store down", nil)
	if m.BuildReport().Healthy {
		t.Error("report healthy with a critical alert open")
	}
}

func TestHistorySince(t *testing.T) {
	registry := newFakeRegistry()
	m := newTestMonitor(registry, nil, nil)

	m.Sample(context.Background())
	m.Sample(context.Background())

	points, ok := m.History("cpu_percent", time.Now().Add(-time.Minute))
	if !ok {
		t.Fatal("cpu_percent series missing")
	}
	if len(points) == 0 {
		t.Error("no data points recorded")
	}

	if _, ok := m.History("bogus", time.Time{}); ok {
		t.Error("unknown series reported as present")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
