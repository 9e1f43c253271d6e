package relay

import (
	"crypto/rand"
	"encoding/base64"
)

// newToken returns 16 bytes of crypto-random entropy, base64url encoded.
// Tokens are single-use and never reissued.
func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
