package relay

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/audit"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
)

type State int

const (
	StateIssued State = iota
	StateClaimed
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateClaimed:
		return "claimed"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Leg is one side of a relay session: a TCP connection or a WebSocket
// stream adapter.
type Leg interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Session is the lifecycle of one relay token. Claim state is guarded by
// the session's own lock; once Active the two pump goroutines exclusively
// own their direction and no further locking is needed on the data path.
type Session struct {
	token     string
	requester string
	target    string
	endpoint  string
	createdAt time.Time
	deadline  time.Time

	cfg     Config
	metrics *metrics.Metrics
	sink    audit.Sink
	onClose func(token string)

	// up is requester->target, down is target->requester. Only the pump
	// goroutines write these; they are frozen once the session closes.
	up   atomic.Uint64
	down atomic.Uint64

	// lastActive is the unix-nano time of the most recent read on either
	// leg. The idle watchdog closes the session only when both directions
	// have been quiet for IdleTimeout.
	lastActive atomic.Int64

	mu      sync.Mutex
	state   State
	legs    map[string]Leg
	timer   *time.Timer
	outcome string
}

func (s *Session) Token() string     { return s.token }
func (s *Session) Requester() string { return s.requester }
func (s *Session) Target() string    { return s.target }
func (s *Session) Endpoint() string  { return s.endpoint }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bytes returns the per-direction counters (requester->target, then
// target->requester). Monotonically non-decreasing; frozen after close.
func (s *Session) Bytes() (up, down uint64) {
	return s.up.Load(), s.down.Load()
}

// claim records one side's claim. The caller holds no locks.
func (s *Session) claim(deviceID string, leg Leg, now time.Time) (active bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false, ErrUnknownToken
	}
	if now.After(s.deadline) {
		return false, ErrClaimExpired
	}
	if deviceID != s.requester && deviceID != s.target {
		return false, ErrUnknownToken
	}
	if _, dup := s.legs[deviceID]; dup {
		return false, ErrAlreadyClaimed
	}

	s.legs[deviceID] = leg
	switch len(s.legs) {
	case 1:
		s.state = StateClaimed
		return false, nil
	default:
		// Exactly one claimer observes the Active transition.
		s.state = StateActive
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		return true, nil
	}
}

// run pumps bytes between the two legs until either disconnects or the
// session as a whole goes idle. It must only be called after the Active
// transition.
func (s *Session) run() {
	s.mu.Lock()
	reqLeg := s.legs[s.requester]
	tgtLeg := s.legs[s.target]
	s.mu.Unlock()

	s.lastActive.Store(time.Now().UnixNano())
	done := make(chan struct{})
	go s.watchIdle(done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(reqLeg, tgtLeg, &s.up)
		// Either EOF or error on one direction tears down both legs.
		s.shutdownLegs()
	}()
	go func() {
		defer wg.Done()
		s.pump(tgtLeg, reqLeg, &s.down)
		s.shutdownLegs()
	}()
	wg.Wait()
	close(done)

	s.close(audit.OutcomeOK, "session ended", true)
}

// pump copies src->dst through a bounded buffer. Writes block on the
// destination, which stops reads from src: that is the session's
// backpressure. Each read refreshes the shared activity timestamp so a
// session moving bytes in only one direction stays alive.
func (s *Session) pump(src, dst Leg, counter *atomic.Uint64) {
	buf := make([]byte, s.cfg.BufBytes)
	// Any handshake deadline still armed on the leg must not outlive the
	// claim; the watchdog owns idle detection from here.
	_ = src.SetReadDeadline(time.Time{})
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.lastActive.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			counter.Add(uint64(n))
		}
		if rerr != nil {
			return
		}
	}
}

// watchIdle closes both legs when neither direction has read a byte for
// IdleTimeout. Putting idle detection here instead of on per-leg read
// deadlines keeps a half-quiet session open and keeps websocket legs
// usable, which a fired read deadline would not.
func (s *Session) watchIdle(done <-chan struct{}) {
	tick := time.NewTicker(s.cfg.IdleTimeout / 4)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			last := time.Unix(0, s.lastActive.Load())
			if time.Since(last) >= s.cfg.IdleTimeout {
				s.shutdownLegs()
				return
			}
		}
	}
}

func (s *Session) shutdownLegs() {
	s.mu.Lock()
	legs := make([]Leg, 0, len(s.legs))
	for _, l := range s.legs {
		legs = append(legs, l)
	}
	s.mu.Unlock()
	for _, l := range legs {
		_ = l.Close()
	}
}

// close finalizes the session exactly once: legs closed, state Closed,
// token destroyed, final audit record with frozen byte totals.
func (s *Session) close(outcome, detail string, record bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	s.state = StateClosed
	s.outcome = outcome
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	legs := make([]Leg, 0, len(s.legs))
	for _, l := range s.legs {
		legs = append(legs, l)
	}
	s.mu.Unlock()

	for _, l := range legs {
		_ = l.Close()
	}

	if s.onClose != nil {
		s.onClose(s.token)
	}
	if wasActive {
		s.metrics.Inc(metrics.RelayClosed)
	}

	if !record {
		return
	}
	up, down := s.Bytes()
	rec := audit.NewRecord(audit.ActionRelay, outcome)
	rec.Device = s.requester
	rec.PeerDevice = s.target
	rec.Detail = detail
	rec.BytesUp = up
	rec.BytesDown = down
	s.sink.Append(rec)
}

// Close tears the session down from outside the pump (management action or
// allocator shutdown).
func (s *Session) Close() {
	s.close(audit.OutcomeOK, "closed", true)
}
