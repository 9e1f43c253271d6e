package relay

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/audit"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/ratelimit"
)

// Grant is what the rendezvous handler forwards to both peers after Issue.
type Grant struct {
	Token    string
	Endpoint string
	TTL      time.Duration
}

// Allocator owns the RelaySession lifecycle: token mint, claim handshake,
// TTL expiry and teardown. Cross-session coordination happens only through
// the per-token claim check; the allocator map itself is touched briefly on
// issue, close and lookup.
type Allocator struct {
	log     *slog.Logger
	cfg     Config
	metrics *metrics.Metrics
	clock   ratelimit.Clock
	sink    audit.Sink

	rotation atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewAllocator(cfg Config, log *slog.Logger, m *metrics.Metrics, sink audit.Sink, clock ratelimit.Clock) *Allocator {
	if m == nil {
		m = metrics.New()
	}
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Allocator{
		log:      log,
		cfg:      cfg.WithDefaults(),
		metrics:  m,
		clock:    clock,
		sink:     sink,
		sessions: make(map[string]*Session),
	}
}

// Issue mints a single-use token binding the pair to one relay endpoint.
func (a *Allocator) Issue(requester, target string) (Grant, error) {
	token, err := newToken()
	if err != nil {
		return Grant{}, err
	}

	now := a.clock.Now()
	sess := &Session{
		token:     token,
		requester: requester,
		target:    target,
		endpoint:  a.nextEndpoint(),
		createdAt: now,
		deadline:  now.Add(a.cfg.ClaimTTL),
		cfg:       a.cfg,
		metrics:   a.metrics,
		sink:      a.sink,
		onClose:   a.forget,
		legs:      make(map[string]Leg, 2),
	}

	a.mu.Lock()
	if len(a.sessions) >= a.cfg.MaxSessions {
		a.mu.Unlock()
		a.metrics.Inc(metrics.TooManySessions)
		return Grant{}, ErrTooManySessions
	}
	if _, dup := a.sessions[token]; dup {
		// 16 bytes of entropy; collisions are theoretical. Refuse rather
		// than loop.
		a.mu.Unlock()
		return Grant{}, errors.New("token collision")
	}
	a.sessions[token] = sess
	a.mu.Unlock()

	sess.mu.Lock()
	sess.timer = time.AfterFunc(a.cfg.ClaimTTL, func() { a.expire(sess) })
	sess.mu.Unlock()
	a.metrics.Inc(metrics.RelayTokenIssued)
	a.log.Debug("relay token issued", "requester", requester, "target", target, "endpoint", sess.endpoint)

	return Grant{Token: token, Endpoint: sess.endpoint, TTL: a.cfg.ClaimTTL}, nil
}

// Claim records one side's claim and attaches its leg. When the second
// side claims, the returned active flag is true exactly once and the
// caller starts the forwarder.
func (a *Allocator) Claim(token, deviceID string, leg Leg) (*Session, bool, error) {
	a.mu.Lock()
	sess, ok := a.sessions[token]
	a.mu.Unlock()
	if !ok {
		return nil, false, ErrUnknownToken
	}

	active, err := sess.claim(deviceID, leg, a.clock.Now())
	if err != nil {
		if errors.Is(err, ErrClaimExpired) {
			a.metrics.Inc(metrics.RelayClaimExpired)
		}
		return nil, false, err
	}
	if active {
		a.metrics.Inc(metrics.RelayActive)
	}
	return sess, active, nil
}

// Revoke destroys an unclaimed or half-claimed token (direct-path win).
// Active sessions are left alone.
func (a *Allocator) Revoke(token string) {
	a.mu.Lock()
	sess, ok := a.sessions[token]
	a.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	claimable := sess.state == StateIssued || sess.state == StateClaimed
	sess.mu.Unlock()
	if !claimable {
		return
	}
	a.metrics.Inc(metrics.RelayTokenRevoked)
	sess.close(audit.OutcomeOK, "revoked, direct path won", false)
}

func (a *Allocator) expire(sess *Session) {
	now := a.clock.Now()

	sess.mu.Lock()
	if sess.state == StateActive || sess.state == StateClosed {
		sess.mu.Unlock()
		return
	}
	if now.Before(sess.deadline) {
		// The wall timer can run ahead of the injected clock; the clock
		// owns the deadline, so re-arm for the remainder it reports.
		sess.timer = time.AfterFunc(sess.deadline.Sub(now), func() { a.expire(sess) })
		sess.mu.Unlock()
		return
	}
	claims := len(sess.legs)
	sess.mu.Unlock()
	a.metrics.Inc(metrics.RelayClaimExpired)
	if claims == 1 {
		// One side showed up and waited; that is a failed session, audited
		// as such. A wholly unclaimed token just evaporates.
		sess.close(audit.OutcomeFailed, "claim ttl expired with one side claimed", true)
		return
	}
	sess.close(audit.OutcomeOK, "claim ttl expired unclaimed", false)
}

func (a *Allocator) forget(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

func (a *Allocator) nextEndpoint() string {
	if len(a.cfg.Endpoints) == 0 {
		return ""
	}
	n := a.rotation.Add(1)
	return a.cfg.Endpoints[int(n-1)%len(a.cfg.Endpoints)]
}

// ActiveCount reports sessions currently in the Active state.
func (a *Allocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, sess := range a.sessions {
		if sess.State() == StateActive {
			n++
		}
	}
	return n
}

// CloseAll tears down every session (shutdown path).
func (a *Allocator) CloseAll() {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, sess := range a.sessions {
		sessions = append(sessions, sess)
	}
	a.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
