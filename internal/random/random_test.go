package random

import (
	"strings"
	"testing"
)

func TestResetTokenRoundTrip(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID failed: %v", err)
	}
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}

	token := EncodeResetToken(id, secret)
	gotID, gotSecret, err := DecodeResetToken(token)
	if err != nil {
		t.Fatalf("DecodeResetToken failed: %v", err)
	}
	if gotID != id {
		t.Error("token id did not round-trip")
	}
	if gotSecret != secret {
		t.Error("token secret did not round-trip")
	}
}

func TestDecodeResetTokenRejectsMalformed(t *testing.T) {
	for _, token := range []string{"", "short", "!!!not-base64url!!!", strings.Repeat("A", 200)} {
		if _, _, err := DecodeResetToken(token); err == nil {
			t.Errorf("expected decode failure for %q", token)
		}
	}
}

func TestParseTokenIDRejectsWrongSize(t *testing.T) {
	if _, err := ParseTokenID("AAAA"); err == nil {
		t.Error("expected error for truncated id")
	}
}

func TestNewOTPShape(t *testing.T) {
	for _, digits := range []int{6, 8, 10} {
		otp, err := NewOTP(digits)
		if err != nil {
			t.Fatalf("NewOTP(%d) failed: %v", digits, err)
		}
		if len(otp) != digits {
			t.Errorf("expected %d digits, got %q", digits, otp)
		}
		for _, c := range otp {
			if c < '0' || c > '9' {
				t.Errorf("non-digit in otp %q", otp)
			}
		}
	}

	if _, err := NewOTP(4); err == nil {
		t.Error("expected error for 4-digit otp")
	}
}

func TestDeriveOTPIsStable(t *testing.T) {
	key := []byte("test-key")
	a, err := DeriveOTP(key, "subject-1", 6)
	if err != nil {
		t.Fatalf("DeriveOTP failed: %v", err)
	}
	b, err := DeriveOTP(key, "subject-1", 6)
	if err != nil {
		t.Fatalf("DeriveOTP failed: %v", err)
	}
	if a != b {
		t.Errorf("expected stable derivation, got %q and %q", a, b)
	}

	c, err := DeriveOTP(key, "subject-2", 6)
	if err != nil {
		t.Fatalf("DeriveOTP failed: %v", err)
	}
	if a == c {
		t.Error("expected different subjects to derive different codes")
	}
}

func TestShortCodeStableAndNumeric(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID failed: %v", err)
	}
	code := ShortCode(id, 6)
	if len(code) != 6 {
		t.Fatalf("expected 6-digit short code, got %q", code)
	}
	if code != ShortCode(id, 6) {
		t.Error("short code must be stable for the same id")
	}
}

func TestTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id, err := NewTokenID()
		if err != nil {
			t.Fatalf("NewTokenID failed: %v", err)
		}
		if seen[id.String()] {
			t.Fatal("duplicate token id generated")
		}
		seen[id.String()] = true
	}
}
