package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token at 5 tokens/sec.
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_CapacityClamp(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(time.Hour)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp at 1 token")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatalf("expected initial burst")
	}
	clk.Advance(-time.Minute)
	if b.Allow(1) {
		t.Fatalf("expected no refill when time goes backwards")
	}
}

func TestIPGuard_PerIPIsolation(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	g := NewIPGuard(clk, 16, 2, 1)

	if !g.Allow("1.2.3.4") || !g.Allow("1.2.3.4") {
		t.Fatalf("expected burst of 2 for first ip")
	}
	if g.Allow("1.2.3.4") {
		t.Fatalf("expected first ip throttled")
	}
	if !g.Allow("5.6.7.8") {
		t.Fatalf("expected unrelated ip unaffected")
	}

	clk.Advance(time.Second)
	if !g.Allow("1.2.3.4") {
		t.Fatalf("expected refill for throttled ip")
	}
}

func TestIPGuard_DisabledWhenBurstZero(t *testing.T) {
	g := NewIPGuard(&fakeClock{}, 16, 0, 0)
	for i := 0; i < 100; i++ {
		if !g.Allow("9.9.9.9") {
			t.Fatalf("expected disabled guard to always allow")
		}
	}
}

func TestLogSuppressor(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := NewLogSuppressor(clk, 2)

	if !s.Allow() || !s.Allow() {
		t.Fatalf("expected first entries allowed")
	}
	if s.Allow() {
		t.Fatalf("expected suppression after burst")
	}
	if got := s.Suppressed(); got != 1 {
		t.Fatalf("suppressed = %d, want 1", got)
	}
	if got := s.Suppressed(); got != 0 {
		t.Fatalf("suppressed not reset, got %d", got)
	}
}
