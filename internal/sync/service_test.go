package sync

import (
	"context"
	"database/sql"
	stdsync "sync"
	"testing"
	"time"

	"github.com/officesync/office-sync/internal/auth"
	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/connection"
	"github.com/officesync/office-sync/internal/pkg/logger"
	"github.com/officesync/office-sync/internal/store"
)

type stubPeer struct {
	mu     stdsync.Mutex
	frames [][]byte
}

func (p *stubPeer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame := make([]byte, len(payload))
	copy(frame, payload)
	p.frames = append(p.frames, frame)
	return nil
}

func (p *stubPeer) Ping() error  { return nil }
func (p *stubPeer) Close() error { return nil }

func (p *stubPeer) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type recordingPool struct {
	mu    stdsync.Mutex
	execs []string
	args  [][]any
}

func (r *recordingPool) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, nil
}

func (r *recordingPool) Exec(ctx context.Context, query string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, query)
	r.args = append(r.args, args)
	return nil
}

func (r *recordingPool) Ping(ctx context.Context) error { return nil }
func (r *recordingPool) Stats() store.PoolStats         { return store.PoolStats{} }
func (r *recordingPool) Close() error                   { return nil }

func (r *recordingPool) execCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.execs)
}

func newTestStack(t *testing.T) (*connection.Registry, *Service, *auth.StaticAuthorizer, *bus.MemoryBus) {
	t.Helper()

	b := bus.NewMemoryBus()
	registry := connection.NewRegistry(config.RegistryConfig{
		MaxConnections:    100,
		MaxPerAddress:     100,
		InactivityTimeout: 5 * time.Minute,
	}, b, logger.Default())

	authorizer := auth.NewStaticAuthorizer()
	svc := NewService(config.SyncConfig{Topic: "sync.events", AuditTimeout: time.Second},
		b, registry, authorizer, nil, nil, logger.Default())

	return registry, svc, authorizer, b
}

// subscribeConn admits a connection, subscribes it to a channel, and
// registers its authorization snapshot with the service.
func subscribeConn(t *testing.T, registry *connection.Registry, svc *Service, userID, channel string) (*connection.Connection, *stubPeer) {
	t.Helper()

	peer := &stubPeer{}
	conn, err := registry.Admit(context.Background(), "10.0.0.1:1", connection.Metadata{UserID: userID}, peer)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if channel != "" {
		registry.Dispatch(context.Background(), conn.ID,
			[]byte(`{"type":"subscribe","data":{"channel":"`+channel+`"}}`))
	}
	if err := svc.AddSubscription(context.Background(), conn.ID, userID); err != nil {
		t.Fatalf("AddSubscription() error = %v", err)
	}
	return conn, peer
}

func TestParseDomain(t *testing.T) {
	tests := []struct {
		eventType string
		want      Domain
	}{
		{EventDepartmentUpdated, DomainDepartment},
		{"dept:5", DomainDepartment},
		{EventDeskCreated, DomainDesk},
		{EventEmployeeDeleted, DomainEmployee},
		{"weather.changed", DomainUnknown},
		{"", DomainUnknown},
	}

	for _, tt := range tests {
		if got := parseDomain(tt.eventType); got != tt.want {
			t.Errorf("parseDomain(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestPermitted(t *testing.T) {
	perms := map[string]bool{"departments.read": true}

	if !permitted(perms, EventDepartmentCreated) {
		t.Error("departments.read should cover department events")
	}
	if permitted(perms, EventDeskCreated) {
		t.Error("departments.read should not cover desk events")
	}
	// Unknown domains need no permission.
	if !permitted(map[string]bool{}, "weather.changed") {
		t.Error("unknown domain should not require a permission")
	}
}

func TestFilteringMatrix(t *testing.T) {
	tests := []struct {
		name       string
		channel    string
		grant      []string
		userScope  string
		eventType  string
		eventScope string
		want       int
	}{
		{
			name:      "subscribed and permitted",
			channel:   EventDeskUpdated,
			grant:     []string{"desks.read"},
			eventType: EventDeskUpdated,
			want:      1,
		},
		{
			name:      "not subscribed",
			channel:   EventDeskCreated,
			grant:     []string{"desks.read"},
			eventType: EventDeskUpdated,
			want:      0,
		},
		{
			name:      "missing permission",
			channel:   EventDeskUpdated,
			grant:     []string{"employees.read"},
			eventType: EventDeskUpdated,
			want:      0,
		},
		{
			name:       "scope match",
			channel:    EventDeskUpdated,
			grant:      []string{"desks.read"},
			userScope:  "5",
			eventType:  EventDeskUpdated,
			eventScope: "5",
			want:       1,
		},
		{
			name:       "scope mismatch",
			channel:    EventDeskUpdated,
			grant:      []string{"desks.read"},
			userScope:  "7",
			eventType:  EventDeskUpdated,
			eventScope: "5",
			want:       0,
		},
		{
			name:       "unrestricted subscriber receives scoped event",
			channel:    EventDeskUpdated,
			grant:      []string{"desks.read"},
			eventType:  EventDeskUpdated,
			eventScope: "5",
			want:       1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, svc, authorizer, _ := newTestStack(t)
			authorizer.Grant("u1", tt.grant...)
			if tt.userScope != "" {
				authorizer.SetScope("u1", tt.userScope)
			}

			_, peer := subscribeConn(t, registry, svc, "u1", tt.channel)
			before := peer.frameCount()

			svc.HandleExternalEvent(context.Background(), bus.Event{
				Payload: SyncEvent{
					ID:      "syn_1",
					Type:    tt.eventType,
					ScopeID: tt.eventScope,
				},
			})

			if got := peer.frameCount() - before; got != tt.want {
				t.Errorf("delivered %d frames, want %d", got, tt.want)
			}
		})
	}
}

func TestEndToEndChannelDelivery(t *testing.T) {
	registry, svc, authorizer, _ := newTestStack(t)
	authorizer.Grant("u1", "departments.read")

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	peer := &stubPeer{}
	conn, err := registry.Admit(context.Background(), "10.0.0.1:1", connection.Metadata{UserID: "u1"}, peer)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	// The opened event builds the subscription record asynchronously.
	waitFor(t, func() bool {
		_, ok := svc.GetSubscription(conn.ID)
		return ok
	}, "subscription record never created")

	registry.Dispatch(context.Background(), conn.ID,
		[]byte(`{"type":"subscribe","data":{"channel":"dept:5"}}`))

	acks := peer.frameCount() // connection_ack + subscription_ack
	if acks != 2 {
		t.Fatalf("got %d frames before publish, want 2", acks)
	}

	if err := svc.Publish(context.Background(), "dept:5", nil, Origin{ActorID: "u2", Source: "api"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, func() bool { return peer.frameCount() == acks+1 }, "event never delivered")
}

func TestSubscriptionLifecycle(t *testing.T) {
	registry, svc, authorizer, _ := newTestStack(t)
	authorizer.Grant("u1", "desks.read")

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	peer := &stubPeer{}
	conn, _ := registry.Admit(context.Background(), "10.0.0.1:1", connection.Metadata{UserID: "u1"}, peer)

	waitFor(t, func() bool {
		sub, ok := svc.GetSubscription(conn.ID)
		return ok && sub.Permissions["desks.read"]
	}, "snapshot never resolved")

	// Snapshot is fixed at creation; later grants are invisible.
	authorizer.Grant("u1", "departments.read")
	sub, _ := svc.GetSubscription(conn.ID)
	if sub.Permissions["departments.read"] {
		t.Error("snapshot picked up a later grant without refresh")
	}

	if err := svc.UpdateSubscription(context.Background(), conn.ID); err != nil {
		t.Fatalf("UpdateSubscription() error = %v", err)
	}
	sub, _ = svc.GetSubscription(conn.ID)
	if !sub.Permissions["departments.read"] {
		t.Error("refresh did not pick up the new grant")
	}

	registry.Remove(context.Background(), conn.ID, "test")
	waitFor(t, func() bool {
		_, ok := svc.GetSubscription(conn.ID)
		return !ok
	}, "record not dropped on close")
}

func TestAuditWrite(t *testing.T) {
	registry, _, authorizer, b := newTestStack(t)
	authorizer.Grant("u1", "desks.read")

	pool := &recordingPool{}
	svc := NewService(config.SyncConfig{Topic: "sync.events", AuditTimeout: time.Second},
		b, registry, authorizer, pool, nil, logger.Default())

	_, _ = subscribeConn(t, registry, svc, "u1", EventDeskUpdated)

	svc.HandleExternalEvent(context.Background(), bus.Event{
		Payload: SyncEvent{ID: "syn_1", Type: EventDeskUpdated, ActorID: "u9"},
	})

	waitFor(t, func() bool { return pool.execCount() == 1 }, "audit write never ran")
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
