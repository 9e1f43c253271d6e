package relay

import "time"

type Config struct {
	// ClaimTTL bounds how long an issued token may sit unclaimed or
	// half-claimed before the session is discarded.
	ClaimTTL time.Duration
	// IdleTimeout closes an active session when neither leg moves bytes.
	IdleTimeout time.Duration
	// BufBytes is the per-direction copy buffer; combined with blocking
	// writes it bounds per-session memory and applies backpressure.
	BufBytes    int
	MaxSessions int
	// Endpoints are the advertised relay addresses, rotated per issue.
	Endpoints []string
}

func (c Config) WithDefaults() Config {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.BufBytes <= 0 {
		c.BufBytes = 32 * 1024
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4096
	}
	return c
}
