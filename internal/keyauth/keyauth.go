// Package keyauth gates every wire message on the server's shared key.
// Validation happens before any registry or session state is touched.
package keyauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrInvalidKey = errors.New("invalid key")

// Validator holds the configured server key. The key doubles as a signing
// identity: when the configured value decodes to an ed25519 private key, the
// public half is advertised to clients and the comparison key becomes its
// base64 encoding; otherwise the value is an opaque shared secret.
type Validator struct {
	secret []byte
	signer ed25519.PrivateKey
	public ed25519.PublicKey
}

// New parses the configured key. An empty key yields an open validator that
// accepts everything; callers are expected to warn loudly at startup.
func New(key string) (*Validator, error) {
	v := &Validator{}
	if key == "" {
		return v, nil
	}

	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == ed25519.PrivateKeySize {
		v.signer = ed25519.PrivateKey(raw)
		v.public = v.signer.Public().(ed25519.PublicKey)
		v.secret = []byte(base64.StdEncoding.EncodeToString(v.public))
		return v, nil
	}

	v.secret = []byte(key)
	return v, nil
}

// Generate creates a validator with a fresh ed25519 keypair. Used when the
// operator passes "-" as the key, mirroring first-run provisioning.
func Generate() (*Validator, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	return &Validator{
		secret: []byte(base64.StdEncoding.EncodeToString(pub)),
		signer: priv,
		public: pub,
	}, nil
}

// Open reports whether the validator accepts any secret.
func (v *Validator) Open() bool { return len(v.secret) == 0 }

// PublicKey returns the advertised public key, or "" for plain shared-secret
// validators.
func (v *Validator) PublicKey() string {
	if v.public == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(v.public)
}

// Verify checks a presented secret in constant time. It reveals nothing
// about registry contents on failure.
func (v *Validator) Verify(secret string) error {
	if v.Open() {
		return nil
	}
	if secret == "" {
		return ErrInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(secret), v.secret) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// Sign signs msg with the server identity key, or returns nil when the
// validator has no signing key.
func (v *Validator) Sign(msg []byte) []byte {
	if v.signer == nil {
		return nil
	}
	return ed25519.Sign(v.signer, msg)
}
