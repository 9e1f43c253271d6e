package relay

import "errors"

var (
	// ErrUnknownToken covers tokens that never existed and tokens already
	// destroyed; callers cannot tell the two apart.
	ErrUnknownToken = errors.New("unknown relay token")
	ErrClaimExpired = errors.New("relay claim expired")
	// ErrAlreadyClaimed is returned when a side attempts a second claim of
	// the same token. The existing claim is unaffected.
	ErrAlreadyClaimed = errors.New("relay token already claimed")
	// ErrTooManySessions is retryable; existing sessions are unaffected.
	ErrTooManySessions = errors.New("too many relay sessions")
	ErrSessionClosed   = errors.New("relay session closed")
)
