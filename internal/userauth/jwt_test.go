package userauth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret"

func validPayload(now time.Time) map[string]any {
	return map[string]any{
		"sub":      "u-1",
		"username": "alice",
		"role":     RoleUser,
		"exp":      now.Add(time.Hour).Unix(),
		"iat":      now.Unix(),
	}
}

func verifierAt(now time.Time) *Verifier {
	v := NewVerifier(testSecret)
	v.now = func() time.Time { return now }
	return v
}

func TestVerify_Valid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := SignForTest(testSecret, validPayload(now))
	if err != nil {
		t.Fatalf("SignForTest: %v", err)
	}

	claims, err := verifierAt(now).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Username != "alice" || claims.Role != RoleUser {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerify_Rejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	expired := validPayload(now)
	expired["exp"] = now.Add(-time.Minute).Unix()

	notYet := validPayload(now)
	notYet["nbf"] = now.Add(time.Hour).Unix()

	badRole := validPayload(now)
	badRole["role"] = "root"

	noSub := validPayload(now)
	delete(noSub, "sub")

	tests := []struct {
		name    string
		payload map[string]any
		secret  string
	}{
		{"expired", expired, testSecret},
		{"not yet valid", notYet, testSecret},
		{"bad role", badRole, testSecret},
		{"missing sub", noSub, testSecret},
		{"wrong secret", validPayload(now), "other-secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := SignForTest(tt.secret, tt.payload)
			if err != nil {
				t.Fatalf("SignForTest: %v", err)
			}
			if _, err := verifierAt(now).Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Verify = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerify_AlgNone(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := SignForTest(testSecret, validPayload(now))
	if err != nil {
		t.Fatalf("SignForTest: %v", err)
	}
	// Swap the header for alg=none; signature no longer matters if the
	// verifier is sloppy.
	parts := strings.SplitN(token, ".", 2)
	forged := "eyJhbGciOiJub25lIn0" + "." + parts[1]
	if _, err := verifierAt(now).Verify(forged); err == nil {
		t.Fatalf("expected forged alg=none token rejected")
	}
}

func TestVerify_Garbage(t *testing.T) {
	v := verifierAt(time.Unix(1_700_000_000, 0))
	for _, token := range []string{"", "a.b", "a.b.c.d", "notatoken", strings.Repeat("x", 20_000)} {
		if _, err := v.Verify(token); err == nil {
			t.Fatalf("expected %q rejected", token)
		}
	}
}

func TestAuthorize(t *testing.T) {
	admin := Claims{Subject: "u-0", Username: "root", Role: RoleAdmin}
	alice := Claims{Subject: "u-1", Username: "alice", Role: RoleUser, Groups: []string{"ops"}}

	if !Authorize(admin, "someone-else", nil) {
		t.Fatalf("admin must be authorized for any device")
	}
	if !Authorize(alice, "alice", nil) {
		t.Fatalf("owner must be authorized")
	}
	if !Authorize(alice, "bob", []string{"ops"}) {
		t.Fatalf("shared group must authorize")
	}
	if Authorize(alice, "bob", []string{"hr"}) {
		t.Fatalf("unrelated device must not authorize")
	}
	if Authorize(alice, "", nil) {
		t.Fatalf("unowned device must not authorize non-admins")
	}
}
