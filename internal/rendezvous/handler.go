// Package rendezvous implements the signaling surface: device
// registration and keep-alive, connect negotiation between two
// registered devices, and handoff to the relay when a direct path is
// not possible.
package rendezvous

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/audit"
	"github.com/ljhlovehui/rustdesk-server/internal/identity"
	"github.com/ljhlovehui/rustdesk-server/internal/keyauth"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
	"github.com/ljhlovehui/rustdesk-server/internal/ratelimit"
	"github.com/ljhlovehui/rustdesk-server/internal/registry"
	"github.com/ljhlovehui/rustdesk-server/internal/relay"
	"github.com/ljhlovehui/rustdesk-server/internal/traversal"
	"github.com/ljhlovehui/rustdesk-server/internal/userauth"
)

type Config struct {
	// AlwaysRelay skips direct negotiation for every pair.
	AlwaysRelay bool
	// ConnectTimeout bounds a whole connect request, punch included.
	ConnectTimeout time.Duration
	// PunchWindow bounds the probe-ack wait inside a connect request.
	PunchWindow time.Duration
	// RegisterBurst and RegisterRate shape the per-IP registration bucket.
	RegisterBurst int64
	RegisterRate  int64
	MaxTrackedIPs int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PunchWindow <= 0 {
		c.PunchWindow = traversal.DefaultWindow
	}
	if c.RegisterBurst <= 0 {
		c.RegisterBurst = 10
	}
	if c.RegisterRate <= 0 {
		c.RegisterRate = 2
	}
	if c.MaxTrackedIPs <= 0 {
		c.MaxTrackedIPs = 65536
	}
	return c
}

// Sender delivers one signaling message to a connected client. Each
// transport loop supplies its own implementation.
type Sender interface {
	Send(msg protocol.Message) error
}

// Handler is the transport-independent signaling core. Transport loops
// parse frames and call Handle; replies to the calling client come back
// as the return value, while messages to third parties (punch
// instructions) go through the live connection table.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	keys     *keyauth.Validator
	users    *userauth.Verifier
	reg      *registry.Registry
	neg      *traversal.Negotiator
	alloc    *relay.Allocator
	metrics  *metrics.Metrics
	sink     audit.Sink
	ipGuard  *ratelimit.IPGuard
	suppress *ratelimit.LogSuppressor
	clock    ratelimit.Clock

	mu    sync.Mutex
	conns map[string]Sender
}

func NewHandler(
	log *slog.Logger,
	cfg Config,
	keys *keyauth.Validator,
	users *userauth.Verifier,
	reg *registry.Registry,
	neg *traversal.Negotiator,
	alloc *relay.Allocator,
	m *metrics.Metrics,
	sink audit.Sink,
	clock ratelimit.Clock,
) *Handler {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.New()
	}
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		keys:     keys,
		users:    users,
		reg:      reg,
		neg:      neg,
		alloc:    alloc,
		metrics:  m,
		sink:     sink,
		ipGuard:  ratelimit.NewIPGuard(clock, cfg.MaxTrackedIPs, cfg.RegisterBurst, cfg.RegisterRate),
		suppress: ratelimit.NewLogSuppressor(clock, 1),
		clock:    clock,
	}
}

// Drop accounts for a frame the transport could not parse. The log line
// is rate limited so a flood of garbage cannot drown the logs.
func (h *Handler) Drop(remote string, err error) {
	h.metrics.Inc(metrics.MalformedDropped)
	if h.suppress.Allow() {
		h.log.Warn("dropping malformed message", "remote", remote, "err", err, "suppressed", h.suppress.Suppressed())
	}
}

// Handle dispatches one parsed message. The returned message, when non
// nil, is the direct reply for the calling client.
func (h *Handler) Handle(ctx context.Context, msg protocol.Message, remote string, transport string, from Sender) *protocol.Message {
	switch msg.Type {
	case protocol.KindRegister:
		return h.handleRegister(msg, remote, transport, from)
	case protocol.KindKeepAlive:
		return h.handleKeepAlive(msg, remote, transport, from)
	case protocol.KindConnect:
		return h.handleConnect(ctx, msg, remote)
	case protocol.KindProbeAck:
		h.neg.HandleProbeAck(msg.CorrID, msg.ProbeAck.ID)
		return nil
	default:
		// Server-to-client kinds and relay claims do not belong on the
		// signaling port.
		h.Drop(remote, fmt.Errorf("%w: unexpected kind %q", protocol.ErrMalformed, msg.Type))
		return nil
	}
}

func (h *Handler) handleRegister(msg protocol.Message, remote, transport string, from Sender) *protocol.Message {
	reg := msg.Register

	ip := hostOnly(remote)
	if !h.ipGuard.Allow(ip) {
		h.metrics.Inc(metrics.RegisterRateLimited)
		return registerReply(msg.CorrID, "rate_limited", "")
	}

	if err := h.keys.Verify(msg.Secret); err != nil {
		h.metrics.Inc(metrics.AuthRejected)
		rec := audit.NewRecord(audit.ActionRegister, audit.OutcomeAuthError)
		rec.Device = reg.ID
		rec.SourceAddr = remote
		rec.Detail = "bad registration key"
		h.sink.Append(rec)
		return registerReply(msg.CorrID, "auth_error", "")
	}

	id := reg.ID
	if id == "" && len(reg.PK) > 0 {
		fp, err := identity.Fingerprint(reg.PK)
		if err != nil {
			h.metrics.Inc(metrics.RegisterRejected)
			return registerReply(msg.CorrID, "bad_pk", "")
		}
		id = fp
	}
	if err := identity.ValidateID(id); err != nil {
		h.metrics.Inc(metrics.RegisterRejected)
		return registerReply(msg.CorrID, "bad_id", "")
	}

	// A registered public key pins the identity. Someone else showing up
	// with the same id and a different key is rejected, not overwritten.
	if prev, err := h.reg.Lookup(id); err == nil && len(prev.PK) > 0 && len(reg.PK) > 0 && !bytes.Equal(prev.PK, reg.PK) {
		h.metrics.Inc(metrics.RegisterRejected)
		rec := audit.NewRecord(audit.ActionRegister, audit.OutcomeAuthError)
		rec.Device = id
		rec.SourceAddr = remote
		rec.Detail = "public key mismatch"
		h.sink.Append(rec)
		return registerReply(msg.CorrID, "pk_mismatch", "")
	}

	natType, err := natcheck.ParseNATType(reg.NATType)
	if err != nil {
		natType = natcheck.NATUnknown
	}

	h.reg.Register(registry.Device{
		ID:        id,
		PK:        reg.PK,
		Addr:      remote,
		Transport: transport,
		NATType:   natType,
	}, h.clock.Now())
	h.attach(id, from)

	h.metrics.Inc(metrics.RegisterOK)
	rec := audit.NewRecord(audit.ActionRegister, audit.OutcomeOK)
	rec.Device = id
	rec.SourceAddr = remote
	h.sink.Append(rec)

	// Advertise the signing identity so clients can verify relay grants.
	return registerReply(msg.CorrID, "ok", h.keys.PublicKey())
}

func (h *Handler) handleKeepAlive(msg protocol.Message, remote, transport string, from Sender) *protocol.Message {
	ka := msg.KeepAlive
	err := h.reg.KeepAlive(ka.ID, remote, transport, ka.TS, h.clock.Now())
	if err != nil {
		h.metrics.Inc(metrics.KeepAliveUnknown)
		// Unknown device: tell it to register again.
		return ackReply(protocol.KindKeepAliveAck, msg.CorrID, "not_found")
	}
	h.attach(ka.ID, from)
	h.metrics.Inc(metrics.KeepAliveOK)
	return ackReply(protocol.KindKeepAliveAck, msg.CorrID, "ok")
}

// attach records the live transport for a device so punch instructions
// can reach it later.
func (h *Handler) attach(id string, from Sender) {
	if from == nil {
		return
	}
	h.mu.Lock()
	if h.conns == nil {
		h.conns = make(map[string]Sender)
	}
	h.conns[id] = from
	h.mu.Unlock()
}

// Detach drops the live transport for a device and marks it offline.
// Transport loops call it when a TCP or websocket connection closes.
func (h *Handler) Detach(id string, from Sender) {
	h.mu.Lock()
	if cur, ok := h.conns[id]; ok && cur == from {
		delete(h.conns, id)
	} else {
		// The device reconnected elsewhere; leave the new path alone.
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.reg.MarkOffline(id)
}

func (h *Handler) userAllowed(claims userauth.Claims, dev registry.Device) bool {
	return userauth.Authorize(claims, dev.Owner, dev.Groups)
}

func (h *Handler) sendTo(id string, msg protocol.Message) error {
	h.mu.Lock()
	s, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no live connection for %s", registry.ErrNotFound, id)
	}
	return s.Send(msg)
}

func registerReply(corrID, result, pk string) *protocol.Message {
	return &protocol.Message{
		Type:        protocol.KindRegisterAck,
		CorrID:      corrID,
		RegisterAck: &protocol.RegisterAck{Result: result, PK: pk},
	}
}

func ackReply(kind protocol.Kind, corrID, result string) *protocol.Message {
	msg := &protocol.Message{Type: kind, CorrID: corrID}
	switch kind {
	case protocol.KindKeepAliveAck:
		msg.KeepAliveAck = &protocol.Ack{Result: result}
	case protocol.KindClaimAck:
		msg.ClaimAck = &protocol.Ack{Result: result}
	}
	return msg
}

func hostOnly(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

var errNoUserAccess = errors.New("user not authorized for target device")
