package ratelimit

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IPGuard throttles registration traffic per source IP. Buckets live in an
// expiring LRU so idle sources cost nothing and a flood of spoofed sources
// cannot grow memory without bound.
type IPGuard struct {
	mu      sync.Mutex
	clock   Clock
	buckets *expirable.LRU[string, *TokenBucket]

	burst int64
	rate  int64
}

// NewIPGuard allows burst registrations immediately and rate registrations
// per second thereafter, tracked for at most maxIPs distinct sources.
func NewIPGuard(clock Clock, maxIPs int, burst, rate int64) *IPGuard {
	if clock == nil {
		clock = RealClock{}
	}
	if maxIPs <= 0 {
		maxIPs = 4096
	}
	return &IPGuard{
		clock:   clock,
		buckets: expirable.NewLRU[string, *TokenBucket](maxIPs, nil, 0),
		burst:   burst,
		rate:    rate,
	}
}

// Allow reports whether one more registration from ip is within budget.
// A zero burst disables the guard.
func (g *IPGuard) Allow(ip string) bool {
	if g.burst <= 0 {
		return true
	}

	g.mu.Lock()
	b, ok := g.buckets.Get(ip)
	if !ok {
		b = NewTokenBucket(g.clock, g.burst, g.rate)
		g.buckets.Add(ip, b)
	}
	g.mu.Unlock()

	return b.Allow(1)
}
