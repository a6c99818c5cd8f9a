package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/officesync/office-sync/internal/connection"
	pkgcontext "github.com/officesync/office-sync/internal/pkg/context"
	"github.com/officesync/office-sync/internal/pkg/errors"
	"github.com/officesync/office-sync/internal/pkg/security"
)

const (
	// Outbound queue per connection. A peer that falls this far behind
	// is treated as dead.
	sendQueueSize = 256

	writeWait = 5 * time.Second
)

// wsPeer adapts a websocket connection to the registry's Peer
// interface. All writes go through a single pump goroutine, so
// messages reach the wire in send-call order.
type wsPeer struct {
	conn   net.Conn
	sendCh chan wsFrame

	closeOnce sync.Once
	done      chan struct{}
}

type wsFrame struct {
	op   ws.OpCode
	data []byte
}

func newWSPeer(conn net.Conn) *wsPeer {
	return &wsPeer{
		conn:   conn,
		sendCh: make(chan wsFrame, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Send queues one text frame. A dead or saturated peer yields an
// error, which the registry turns into removal.
func (p *wsPeer) Send(payload []byte) error {
	return p.enqueue(wsFrame{op: ws.OpText, data: payload})
}

// Ping queues a low-level liveness probe.
func (p *wsPeer) Ping() error {
	return p.enqueue(wsFrame{op: ws.OpPing})
}

func (p *wsPeer) enqueue(frame wsFrame) error {
	select {
	case <-p.done:
		return errors.ConnectionLostError("", nil)
	default:
	}

	select {
	case p.sendCh <- frame:
		return nil
	case <-p.done:
		return errors.ConnectionLostError("", nil)
	default:
		// Queue full: the peer is not draining.
		return errors.New(errors.CodeResourceExhausted, "send queue full")
	}
}

// Close tears the transport down. Idempotent.
func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
	return nil
}

// writePump drains the send queue onto the wire. A write failure kills
// the transport; the registry notices on the next send or probe.
func (p *wsPeer) writePump() {
	for {
		select {
		case frame := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(p.conn, frame.op, frame.data); err != nil {
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// handleWebsocket upgrades the request and admits the connection.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if err := security.ValidateUserID(userID); err != nil {
		s.log.Warn("Rejected websocket handshake",
			"remote_addr", r.RemoteAddr,
			"user_id", security.SanitizeForLog(userID),
			"error", err)
		errors.WriteError(w, errors.ValidationError(err.Error()))
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	peer := newWSPeer(conn)
	go peer.writePump()

	admitCtx := pkgcontext.WithUserID(context.Background(), userID)
	if timeout := s.cfg.Registry.AdmissionTimeout; timeout > 0 {
		var cancel context.CancelFunc
		admitCtx, cancel = context.WithTimeout(admitCtx, timeout)
		defer cancel()
	}

	entry, err := s.registry.Admit(admitCtx, clientAddr(r.RemoteAddr), connection.Metadata{
		UserAgent: r.UserAgent(),
		UserID:    userID,
	}, peer)
	if err != nil {
		s.log.Info("Admission rejected", "remote_addr", r.RemoteAddr, "error", err)
		peer.Close()
		return
	}

	go s.readPump(entry.ID, conn, peer)
}

// readPump feeds inbound frames to the registry until the peer goes
// away.
func (s *Server) readPump(connID string, conn net.Conn, peer *wsPeer) {
	ctx := pkgcontext.WithConnectionID(context.Background(), connID)
	defer func() {
		peer.Close()
		s.registry.Remove(ctx, connID, "peer closed")
	}()

	for {
		select {
		case <-peer.done:
			return
		default:
		}

		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		s.registry.Dispatch(ctx, connID, msg)
	}
}

// clientAddr strips the port so per-address ceilings count by host.
func clientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
