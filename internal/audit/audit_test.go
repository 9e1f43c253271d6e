package audit

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type captureAppender struct {
	mu   sync.Mutex
	recs []Record
}

func (c *captureAppender) AppendAudit(_ context.Context, rec Record) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	return nil
}

func (c *captureAppender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestNewRecord_Stamps(t *testing.T) {
	rec := NewRecord(ActionConnect, OutcomeRelayed)
	if rec.ID == "" {
		t.Fatalf("expected record id")
	}
	if rec.Time.IsZero() {
		t.Fatalf("expected record time")
	}
	if rec.Action != ActionConnect || rec.Outcome != OutcomeRelayed {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestAsyncSink_DeliversAndFlushesOnClose(t *testing.T) {
	backend := &captureAppender{}
	sink := NewAsyncSink(backend, slog.Default(), 16, nil)

	for i := 0; i < 5; i++ {
		sink.Append(NewRecord(ActionRelay, OutcomeOK))
	}
	sink.Close()

	if got := backend.count(); got != 5 {
		t.Fatalf("delivered %d records, want 5", got)
	}
}

type blockingAppender struct {
	release chan struct{}
}

func (b *blockingAppender) AppendAudit(_ context.Context, _ Record) error {
	<-b.release
	return nil
}

func TestAsyncSink_DropsWhenFullInsteadOfBlocking(t *testing.T) {
	backend := &blockingAppender{release: make(chan struct{})}
	var drops int
	var mu sync.Mutex
	sink := NewAsyncSink(backend, slog.Default(), 1, func() {
		mu.Lock()
		drops++
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		// One record blocks the writer, one fills the queue, the rest drop.
		for i := 0; i < 10; i++ {
			sink.Append(NewRecord(ActionRelay, OutcomeOK))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Append blocked the caller")
	}

	mu.Lock()
	got := drops
	mu.Unlock()
	if got == 0 {
		t.Fatalf("expected some records dropped")
	}

	close(backend.release)
	sink.Close()
}
