package rendezvous

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHandler upgrades signaling websockets, one text frame per message.
func (h *Handler) WSHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go h.serveWSConn(ctx, conn, r.RemoteAddr)
	})
}

func (h *Handler) serveWSConn(ctx context.Context, conn *websocket.Conn, remote string) {
	defer func() { _ = conn.Close() }()
	sender := &wsSender{conn: conn}

	seen := map[string]struct{}{}
	defer func() {
		for id := range seen {
			h.Detach(id, sender)
		}
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			h.Drop(remote, protocol.ErrMalformed)
			continue
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			h.Drop(remote, err)
			continue
		}
		h.trackIdentity(msg, seen)
		// Same as the TCP loop: never block the reader on a connect that
		// is waiting for this connection's own probe ack.
		go func() {
			if reply := h.Handle(ctx, msg, remote, "ws", sender); reply != nil {
				_ = sender.Send(*reply)
			}
		}()
	}
}
