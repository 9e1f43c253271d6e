// Package traversal coordinates simultaneous UDP hole punching between
// two registered devices. The server never touches the probe traffic; it
// only tells both sides where to aim and waits for one of them to report
// a successful probe.
package traversal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

const DefaultWindow = 3 * time.Second

// Peer is one side of a punch attempt.
type Peer struct {
	ID       string
	Observed string   // public mapping as seen by the signaling server
	Locals   []string // self-reported local addresses
	NATType  natcheck.NATType
}

// Candidates orders a peer's probe targets most NAT-friendly first: the
// server-observed public mapping, then any self-reported locals.
func (p Peer) Candidates() []protocol.Candidate {
	out := make([]protocol.Candidate, 0, 1+len(p.Locals))
	if p.Observed != "" {
		out = append(out, protocol.Candidate{Addr: p.Observed, Source: "observed"})
	}
	for _, addr := range p.Locals {
		if addr == "" || addr == p.Observed {
			continue
		}
		out = append(out, protocol.Candidate{Addr: addr, Source: "local"})
	}
	return out
}

// SendFunc delivers a signaling message to a registered device over
// whatever transport it registered on.
type SendFunc func(deviceID string, msg protocol.Message) error

// Negotiator runs punch attempts and routes probe acks back to the
// attempt that is waiting on them, keyed by correlation id.
type Negotiator struct {
	log    *slog.Logger
	window time.Duration

	mu      sync.Mutex
	waiters map[string]chan string
}

func NewNegotiator(log *slog.Logger, window time.Duration) *Negotiator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Negotiator{
		log:     log,
		window:  window,
		waiters: make(map[string]chan string),
	}
}

// Attempt instructs both peers to probe each other at the same time and
// waits for the first probe ack. It returns true when either side
// confirmed a direct path within the window, false on timeout or
// context expiry. The ctx deadline wins if it is tighter than the
// window; an attempt never outlives its request.
func (n *Negotiator) Attempt(ctx context.Context, corrID string, a, b Peer, send SendFunc) bool {
	if !natcheck.TraversalLikely(a.NATType, b.NATType) {
		return false
	}

	ack := make(chan string, 2)
	n.mu.Lock()
	n.waiters[corrID] = ack
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.waiters, corrID)
		n.mu.Unlock()
	}()

	toA := protocol.Message{
		Type:   protocol.KindPunch,
		CorrID: corrID,
		Punch:  &protocol.Punch{Peer: b.ID, Candidates: b.Candidates()},
	}
	toB := protocol.Message{
		Type:   protocol.KindPunch,
		CorrID: corrID,
		Punch:  &protocol.Punch{Peer: a.ID, Candidates: a.Candidates()},
	}
	// Both instructions go out back to back so the NAT mappings open
	// together. If either peer is unreachable the attempt cannot work.
	if err := send(a.ID, toA); err != nil {
		n.log.Debug("punch send failed", "device", a.ID, "err", err)
		return false
	}
	if err := send(b.ID, toB); err != nil {
		n.log.Debug("punch send failed", "device", b.ID, "err", err)
		return false
	}

	timer := time.NewTimer(n.window)
	defer timer.Stop()
	select {
	case from := <-ack:
		n.log.Debug("direct path confirmed", "corrId", corrID, "by", from)
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// HandleProbeAck routes an inbound probe ack to its waiting attempt.
// Acks for finished or unknown attempts are reported false and dropped.
func (n *Negotiator) HandleProbeAck(corrID, deviceID string) bool {
	n.mu.Lock()
	ack, ok := n.waiters[corrID]
	n.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ack <- deviceID:
	default:
	}
	return true
}
