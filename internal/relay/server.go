package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ljhlovehui/rustdesk-server/internal/keyauth"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

const handshakeTimeout = 10 * time.Second

// Server accepts relay legs over raw TCP and websocket. The first frame
// on every connection must be a relayClaim carrying the shared secret;
// everything after a granted claim is opaque session bytes.
type Server struct {
	log     *slog.Logger
	alloc   *Allocator
	keys    *keyauth.Validator
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, alloc *Allocator, keys *keyauth.Validator, m *metrics.Metrics) *Server {
	return &Server{
		log:     log,
		alloc:   alloc,
		keys:    keys,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device clients are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeTCP runs the accept loop until ctx is cancelled or the listener
// fails.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleTCP(conn)
	}
}

func (s *Server) handleTCP(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		s.metrics.Inc(metrics.MalformedDropped)
		_ = conn.Close()
		return
	}
	claim, err := s.checkClaim(msg, conn.RemoteAddr().String())
	if err != nil {
		_ = protocol.WriteFrame(conn, errorMessage(msg.CorrID, err))
		_ = conn.Close()
		return
	}

	sess, active, err := s.alloc.Claim(claim.Token, claim.ID, conn)
	if err != nil {
		_ = protocol.WriteFrame(conn, errorMessage(msg.CorrID, err))
		_ = conn.Close()
		return
	}
	if err := protocol.WriteFrame(conn, protocol.Message{
		Type:     protocol.KindClaimAck,
		CorrID:   msg.CorrID,
		ClaimAck: &protocol.Ack{Result: "ok"},
	}); err != nil {
		sess.Close()
		return
	}
	// The leg now belongs to the session; the pump manages deadlines.
	_ = conn.SetReadDeadline(time.Time{})
	if active {
		sess.run()
	}
}

// WSHandler serves the websocket flavor of the claim handshake. The first
// text message is the relayClaim envelope; subsequent binary messages are
// the session stream.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.metrics.Inc(metrics.MalformedDropped)
			_ = conn.Close()
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			s.metrics.Inc(metrics.MalformedDropped)
			_ = conn.Close()
			return
		}
		claim, err := s.checkClaim(msg, r.RemoteAddr)
		if err != nil {
			s.writeWSError(conn, msg.CorrID, err)
			_ = conn.Close()
			return
		}

		leg := NewWSLeg(conn)
		sess, active, err := s.alloc.Claim(claim.Token, claim.ID, leg)
		if err != nil {
			s.writeWSError(conn, msg.CorrID, err)
			_ = conn.Close()
			return
		}
		ack, _ := protocol.Encode(protocol.Message{
			Type:     protocol.KindClaimAck,
			CorrID:   msg.CorrID,
			ClaimAck: &protocol.Ack{Result: "ok"},
		})
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			sess.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		if active {
			sess.run()
		}
	})
}

func (s *Server) checkClaim(msg protocol.Message, remote string) (*protocol.RelayClaim, error) {
	if msg.Type != protocol.KindRelayClaim || msg.RelayClaim == nil {
		s.metrics.Inc(metrics.MalformedDropped)
		return nil, protocol.ErrMalformed
	}
	if err := s.keys.Verify(msg.Secret); err != nil {
		s.metrics.Inc(metrics.AuthRejected)
		s.log.Warn("relay claim with bad key", "remote", remote)
		return nil, err
	}
	return msg.RelayClaim, nil
}

func (s *Server) writeWSError(conn *websocket.Conn, corrID string, err error) {
	data, encErr := protocol.Encode(errorMessage(corrID, err))
	if encErr != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func errorMessage(corrID string, err error) protocol.Message {
	code := "internal"
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		code = "malformed"
	case errors.Is(err, keyauth.ErrInvalidKey):
		code = "auth"
	case errors.Is(err, ErrUnknownToken):
		code = "unknown_token"
	case errors.Is(err, ErrClaimExpired):
		code = "claim_expired"
	case errors.Is(err, ErrAlreadyClaimed):
		code = "already_claimed"
	case errors.Is(err, ErrTooManySessions):
		code = "too_many_sessions"
	}
	return protocol.Message{
		Type:   protocol.KindError,
		CorrID: corrID,
		Err:    &protocol.ErrorBody{Code: code, Message: err.Error()},
	}
}
