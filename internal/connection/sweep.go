package connection

import (
	"context"
	"time"

	"github.com/officesync/office-sync/internal/bus"
)

// StartSweeper runs the periodic health sweep until the context is
// cancelled. This loop is the only place the registry proactively removes
// silent connections.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			r.log.Info("Health sweep stopped")
			return
		}
	}
}

// Sweep runs one supervision pass: connections past the inactivity
// threshold are removed without notification (presumed dead), and every
// remaining CONNECTED connection gets a liveness probe. A probe that
// cannot be sent also removes the connection.
func (r *Registry) Sweep(ctx context.Context) {
	now := time.Now()

	r.mu.RLock()
	stale := make([]string, 0)
	probes := make([]*Connection, 0, len(r.connections))
	for id, conn := range r.connections {
		if now.Sub(conn.LastActivity) > r.cfg.InactivityTimeout {
			stale = append(stale, id)
			continue
		}
		if conn.State == StateConnected {
			probes = append(probes, conn)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		// Silent eviction: no error is sent to the peer.
		r.Remove(ctx, id, "inactivity timeout")
	}

	for _, conn := range probes {
		if err := conn.peer.Ping(); err != nil {
			r.publish(ctx, bus.TopicConnectionFailed, FailedPayload{
				ConnectionID: conn.ID,
				RemoteAddr:   conn.RemoteAddr,
				Kind:         FailureConnectionLost,
				Detail:       "liveness probe failed",
				Timestamp:    now.Unix(),
			})
			r.Remove(ctx, conn.ID, "liveness probe failed")
		}
	}

	if len(stale) > 0 {
		r.log.Info("Health sweep evicted inactive connections", "evicted", len(stale))
	}
}
