package rendezvous

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

func dialSignaling(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func registerOverTCP(t *testing.T, conn net.Conn, id string) {
	t.Helper()
	if err := protocol.WriteFrame(conn, registerMsg(id, "open", testSecret)); err != nil {
		t.Fatalf("write register: %v", err)
	}
	reply, err := protocol.ReadFrame(conn)
	if err != nil || reply.RegisterAck == nil || reply.RegisterAck.Result != "ok" {
		t.Fatalf("register %s: reply=%+v err=%v", id, reply, err)
	}
}

func TestServeTCP_RequesterProbeAckResolvesDirect(t *testing.T) {
	e := newTestEnv(t, Config{PunchWindow: 2 * time.Second}, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.h.ServeTCP(ctx, ln) }()

	alice := dialSignaling(t, ln.Addr().String())
	bob := dialSignaling(t, ln.Addr().String())
	registerOverTCP(t, alice, "alice9")
	registerOverTCP(t, bob, "bob777")

	if err := protocol.WriteFrame(alice, connectMsg("alice9", "bob777", testSecret, "")); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	// The punch instruction arrives on the requester's own connection
	// while its connect is still in flight there; acking it must resolve
	// the request as direct.
	for {
		msg, err := protocol.ReadFrame(alice)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg.Type {
		case protocol.KindPunch:
			ack := protocol.Message{
				Type:     protocol.KindProbeAck,
				CorrID:   msg.CorrID,
				ProbeAck: &protocol.ProbeAck{ID: "alice9"},
			}
			if err := protocol.WriteFrame(alice, ack); err != nil {
				t.Fatalf("write probe ack: %v", err)
			}
		case protocol.KindConnectResult:
			if msg.ConnectResult.State != "direct" {
				t.Fatalf("state = %q, want direct", msg.ConnectResult.State)
			}
			return
		default:
			t.Fatalf("unexpected message %q", msg.Type)
		}
	}
}
