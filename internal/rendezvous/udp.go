package rendezvous

import (
	"context"
	"net"
	"sync"

	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

const maxDatagram = 64 * 1024

// udpSender replies to the address a datagram came from. Registered UDP
// devices are reachable at their last observed mapping for as long as
// the NAT keeps it open; keep-alives refresh it.
type udpSender struct {
	mu   sync.Mutex
	pc   net.PacketConn
	addr net.Addr
}

func (s *udpSender) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.pc.WriteTo(data, s.addr)
	return err
}

// ServeUDP reads one signaling message per datagram until ctx is
// cancelled. Each datagram is handled on its own goroutine; a connect
// negotiation must not stall unrelated traffic.
func (h *Handler) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go h.handleDatagram(ctx, pc, addr, data)
	}
}

func (h *Handler) handleDatagram(ctx context.Context, pc net.PacketConn, addr net.Addr, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		h.Drop(addr.String(), err)
		return
	}
	sender := &udpSender{pc: pc, addr: addr}
	reply := h.Handle(ctx, msg, addr.String(), "udp", sender)
	if reply != nil {
		if err := sender.Send(*reply); err != nil {
			h.log.Debug("udp reply failed", "remote", addr.String(), "err", err)
		}
	}
}
