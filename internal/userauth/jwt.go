// Package userauth verifies user tokens for the management API. Tokens are
// issued by the external credential service; this side only validates and
// authorizes. Device-key auth (keyauth) is an independent trust domain.
package userauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnsupportedAlgo = errors.New("unsupported token algorithm")
)

// Roles carried in the `role` claim.
const (
	RoleAdmin    = "admin"
	RoleUser     = "user"
	RoleReadOnly = "readonly"
)

const (
	hmacSigLen = sha256.Size
	// Generous bounds; anything larger is hostile, not misconfigured.
	maxTokenLen = 16 * 1024
)

// Claims are the verified fields of a user token.
type Claims struct {
	Subject  string
	Username string
	Role     string
	Groups   []string
	Exp      int64
	Iat      int64
}

// Verifier validates HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify validates token and returns its claims. Every failure collapses to
// ErrInvalidToken except an explicitly unsupported algorithm.
func (v *Verifier) Verify(token string) (Claims, error) {
	if len(v.secret) == 0 || len(token) > maxTokenLen {
		return Claims{}, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Claims{}, ErrInvalidToken
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if header.Alg != "HS256" {
		return Claims{}, ErrUnsupportedAlgo
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSigLen {
		return Claims{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidToken
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	// Exactly one JSON object; trailing bytes are rejected.
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.DisallowUnknownFields()
	var payload struct {
		Sub      string   `json:"sub"`
		Username string   `json:"username"`
		Role     string   `json:"role"`
		Groups   []string `json:"groups,omitempty"`
		Exp      int64    `json:"exp"`
		Iat      int64    `json:"iat"`
		Nbf      *int64   `json:"nbf,omitempty"`
		Jti      string   `json:"jti,omitempty"`
	}
	if err := dec.Decode(&payload); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Claims{}, ErrInvalidToken
	}

	now := v.now().Unix()
	if payload.Exp == 0 || now >= payload.Exp {
		return Claims{}, ErrInvalidToken
	}
	if payload.Iat == 0 {
		return Claims{}, ErrInvalidToken
	}
	if payload.Nbf != nil && now < *payload.Nbf {
		return Claims{}, ErrInvalidToken
	}
	if payload.Sub == "" || payload.Username == "" {
		return Claims{}, ErrInvalidToken
	}
	switch payload.Role {
	case RoleAdmin, RoleUser, RoleReadOnly:
	default:
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		Subject:  payload.Sub,
		Username: payload.Username,
		Role:     payload.Role,
		Groups:   payload.Groups,
		Exp:      payload.Exp,
		Iat:      payload.Iat,
	}, nil
}

// Authorize reports whether the user may act on a device owned by owner in
// groups. Admins see everything; others need ownership or a shared group.
func Authorize(c Claims, owner string, groups []string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	if owner != "" && (owner == c.Subject || owner == c.Username) {
		return true
	}
	for _, g := range groups {
		for _, ug := range c.Groups {
			if g != "" && g == ug {
				return true
			}
		}
	}
	return false
}

// SignForTest mints a token for tests and local tooling. Production tokens
// come from the credential service.
func SignForTest(secret string, payload map[string]any) (string, error) {
	headerB64 := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerB64 + "." + payloadB64 + "." + sigB64, nil
}
