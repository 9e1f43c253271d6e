// Package identity defines device identifiers: a client-chosen id validated
// against a registered public key, plus the stable fingerprint derived from
// that key.
package identity

import (
	"encoding/base32"
	"errors"

	"github.com/zeebo/blake3"
)

const (
	// MinIDLen matches the registration rule of the original protocol:
	// shorter ids are rejected before any lookup.
	MinIDLen = 6
	MaxIDLen = 64
)

var (
	ErrBadID = errors.New("bad device id")
	ErrBadPK = errors.New("bad public key")
)

var fingerprintEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ValidateID checks the syntactic rules for a client-chosen device id.
func ValidateID(id string) error {
	if len(id) < MinIDLen || len(id) > MaxIDLen {
		return ErrBadID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return ErrBadID
		}
	}
	return nil
}

// Fingerprint derives the stable identity fingerprint for a registered
// public key. The same key always maps to the same fingerprint, so a device
// keeps its identity across address and id changes.
func Fingerprint(pk []byte) (string, error) {
	if len(pk) == 0 {
		return "", ErrBadPK
	}
	sum := blake3.Sum256(pk)
	return fingerprintEncoding.EncodeToString(sum[:20]), nil
}
