package rendezvous

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

// tcpSender serializes frame writes from the handler goroutine and any
// concurrent punch deliveries.
type tcpSender struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *tcpSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.WriteFrame(s.conn, msg)
}

// ServeTCP accepts framed signaling connections until ctx is cancelled.
func (h *Handler) ServeTCP(ctx context.Context, ln net.Listener) error {
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
		go h.serveTCPConn(ctx, conn)
	}
}

func (h *Handler) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	sender := &tcpSender{conn: conn}
	remote := conn.RemoteAddr().String()

	// Devices this connection registered; marked offline when it drops.
	seen := map[string]struct{}{}
	defer func() {
		for id := range seen {
			h.Detach(id, sender)
		}
	}()

	for {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.Drop(remote, err)
			}
			return
		}
		h.trackIdentity(msg, seen)
		// Handle off the read loop, like the UDP path. A connect blocks in
		// the punch window, and the requester's own probe ack arrives on
		// this same connection.
		go func() {
			if reply := h.Handle(ctx, msg, remote, "tcp", sender); reply != nil {
				_ = sender.Send(*reply)
			}
		}()
	}
}

func (h *Handler) trackIdentity(msg protocol.Message, seen map[string]struct{}) {
	switch msg.Type {
	case protocol.KindRegister:
		if msg.Register.ID != "" {
			seen[msg.Register.ID] = struct{}{}
		}
	case protocol.KindKeepAlive:
		seen[msg.KeepAlive.ID] = struct{}{}
	}
}
