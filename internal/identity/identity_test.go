package identity

import (
	"errors"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"abcdef", true},
		{"device-01_X", true},
		{"abc", false},               // too short
		{"", false},                  // empty
		{"bad id with space", false}, // whitespace
		{"emojiéid", false},     // non-ascii
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if tt.ok && err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", tt.id, err)
		}
		if !tt.ok && !errors.Is(err, ErrBadID) {
			t.Errorf("ValidateID(%q) = %v, want ErrBadID", tt.id, err)
		}
	}
}

func TestFingerprint_Stable(t *testing.T) {
	pk := []byte("0123456789abcdef0123456789abcdef")

	a, err := Fingerprint(pk)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint(pk)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}

	other, err := Fingerprint([]byte("another key another key another!"))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a == other {
		t.Fatalf("distinct keys produced the same fingerprint")
	}
}

func TestFingerprint_EmptyKey(t *testing.T) {
	if _, err := Fingerprint(nil); !errors.Is(err, ErrBadPK) {
		t.Fatalf("expected ErrBadPK, got %v", err)
	}
}
