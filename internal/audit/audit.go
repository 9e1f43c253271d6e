// Package audit emits structured records of connection attempts and
// outcomes. The core only appends; storage and querying belong to the
// audit collaborator behind the Sink interface.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Actions.
const (
	ActionRegister = "register"
	ActionConnect  = "connect"
	ActionRelay    = "relay"
)

// Outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeDirect    = "direct"
	OutcomeRelayed   = "relayed"
	OutcomeFailed    = "failed"
	OutcomeAuthError = "auth_error"
	OutcomeNotFound  = "not_found"
)

// Record is one append-only audit entry.
type Record struct {
	ID         string
	Time       time.Time
	Device     string
	PeerDevice string
	User       string
	Action     string
	Outcome    string
	SourceAddr string
	Detail     string
	BytesUp    uint64 // requester -> target
	BytesDown  uint64 // target -> requester
}

// NewRecord stamps id and time; everything else comes from the caller.
func NewRecord(action, outcome string) Record {
	return Record{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Action:  action,
		Outcome: outcome,
	}
}

// Sink accepts records. Implementations must not block the session path.
type Sink interface {
	Append(rec Record)
}

// Discard drops every record. Used in tests and when auditing is disabled.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Append(Record) {}

// LogSink mirrors records to slog.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Append(rec Record) {
	s.Log.Info("audit",
		"action", rec.Action,
		"outcome", rec.Outcome,
		"device", rec.Device,
		"peer", rec.PeerDevice,
		"user", rec.User,
		"source", rec.SourceAddr,
		"bytes_up", rec.BytesUp,
		"bytes_down", rec.BytesDown,
		"detail", rec.Detail,
	)
}

// MultiSink fans a record out to several sinks.
type MultiSink []Sink

func (m MultiSink) Append(rec Record) {
	for _, s := range m {
		s.Append(rec)
	}
}

// Appender is the durable collaborator interface (implemented by the store).
type Appender interface {
	AppendAudit(ctx context.Context, rec Record) error
}

// AsyncSink decouples the session path from durable writes with a bounded
// queue. When the queue is full the record is dropped and counted rather
// than stalling a forwarder.
type AsyncSink struct {
	log     *slog.Logger
	queue   chan Record
	done    chan struct{}
	onDrop  func()
	backend Appender
}

func NewAsyncSink(backend Appender, log *slog.Logger, depth int, onDrop func()) *AsyncSink {
	if depth <= 0 {
		depth = 256
	}
	s := &AsyncSink{
		log:     log,
		queue:   make(chan Record, depth),
		done:    make(chan struct{}),
		onDrop:  onDrop,
		backend: backend,
	}
	go s.run()
	return s
}

func (s *AsyncSink) Append(rec Record) {
	select {
	case s.queue <- rec:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.backend.AppendAudit(ctx, rec); err != nil {
			s.log.Warn("audit append failed", "action", rec.Action, "err", err)
		}
		cancel()
	}
}

// Close flushes queued records and stops the writer goroutine.
func (s *AsyncSink) Close() {
	close(s.queue)
	<-s.done
}
