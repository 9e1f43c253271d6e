package ratelimit

import "sync"

// LogSuppressor rate-limits noisy log paths (malformed packets, bad
// secrets) so hostile traffic cannot turn the logger into the bottleneck.
type LogSuppressor struct {
	mu         sync.Mutex
	bucket     *TokenBucket
	suppressed uint64
}

// NewLogSuppressor allows at most rate log entries per second with a burst
// of the same size.
func NewLogSuppressor(clock Clock, rate int64) *LogSuppressor {
	return &LogSuppressor{bucket: NewTokenBucket(clock, rate, rate)}
}

// Allow reports whether the caller should emit the log line. When false, the
// line is counted instead; Suppressed drains the count so a periodic summary
// line can report it.
func (s *LogSuppressor) Allow() bool {
	if s.bucket.Allow(1) {
		return true
	}
	s.mu.Lock()
	s.suppressed++
	s.mu.Unlock()
	return false
}

// Suppressed returns and resets the number of suppressed entries.
func (s *LogSuppressor) Suppressed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.suppressed
	s.suppressed = 0
	return n
}
