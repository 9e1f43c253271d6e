package natcheck

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

func TestParseNATType(t *testing.T) {
	if nt, err := ParseNATType("symmetric"); err != nil || nt != NATSymmetric {
		t.Fatalf("ParseNATType(symmetric) = %v, %v", nt, err)
	}
	if nt, err := ParseNATType(""); err != nil || nt != NATUnknown {
		t.Fatalf("ParseNATType(\"\") = %v, %v", nt, err)
	}
	if _, err := ParseNATType("weird"); err == nil {
		t.Fatalf("expected error for unknown classification")
	}
}

func TestTraversalLikely(t *testing.T) {
	if TraversalLikely(NATSymmetric, NATOpen) {
		t.Fatalf("symmetric requester must skip traversal")
	}
	if TraversalLikely(NATOpen, NATSymmetric) {
		t.Fatalf("symmetric target must skip traversal")
	}
	if !TraversalLikely(NATOpen, NATRestrictedCone) {
		t.Fatalf("cone/open pair should attempt traversal")
	}
}

func TestClassify(t *testing.T) {
	if got := Classify([]string{"1.1.1.1:10"}); got != NATUnknown {
		t.Fatalf("single mapping should be unknown, got %v", got)
	}
	if got := Classify([]string{"1.1.1.1:10", "1.1.1.1:11"}); got != NATSymmetric {
		t.Fatalf("differing mappings should be symmetric, got %v", got)
	}
	if got := Classify([]string{"1.1.1.1:10", "1.1.1.1:10"}); got != NATRestrictedCone {
		t.Fatalf("stable mapping should be cone, got %v", got)
	}
}

func TestResponder_BindingRequest(t *testing.T) {
	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := NewResponder(serverConn, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx)
	}()

	client, err := net.Dial("udp4", serverConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// Garbage first: must be ignored, not crash the responder.
	if _, err := client.Write([]byte("not stun at all")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := client.Write(req.Raw); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != stun.BindingSuccess {
		t.Fatalf("response type = %v, want binding success", resp.Type)
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		t.Fatalf("no xor-mapped address: %v", err)
	}
	local := client.LocalAddr().(*net.UDPAddr)
	if mapped.Port != local.Port {
		t.Fatalf("mapped port = %d, want %d", mapped.Port, local.Port)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("responder did not stop after cancel")
	}
}
