package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisIssuer(t *testing.T) (*Issuer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	resets := NewRedisResetStore(client, "rf")
	mfa := NewRedisMFAStore(client, "rf")
	return NewIssuer(resets, mfa, testConfig), mr
}

func TestRedisConsumeSingleUse(t *testing.T) {
	issuer, _ := newRedisIssuer(t)
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	rec, err := issuer.ConsumeReset(ctx, issued.Token)
	if err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if rec.UserRef != "user-1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if _, err := issuer.ConsumeReset(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second consume must fail, got %v", err)
	}
}

func TestRedisConsumeByCode(t *testing.T) {
	issuer, _ := newRedisIssuer(t)
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	if _, err := issuer.ConsumeReset(ctx, issued.Code); err != nil {
		t.Fatalf("consume by code failed: %v", err)
	}
	if _, err := issuer.ConsumeReset(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("token must be gone after code consumption, got %v", err)
	}
}

func TestRedisTokenExpires(t *testing.T) {
	issuer, mr := newRedisIssuer(t)
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	mr.FastForward(testConfig.TokenTTL + time.Second)
	if _, err := issuer.ConsumeReset(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}

func TestRedisInvalidateUser(t *testing.T) {
	issuer, _ := newRedisIssuer(t)
	ctx := context.Background()

	a, _ := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	b, _ := issuer.IssueReset(ctx, "user-1", false, "sess-2")
	other, _ := issuer.IssueReset(ctx, "user-2", false, "sess-3")

	if n := issuer.InvalidateUserResets(ctx, "user-1"); n != 2 {
		t.Fatalf("expected 2 invalidated, got %d", n)
	}
	for _, issued := range []*IssuedReset{a, b} {
		if _, err := issuer.ConsumeReset(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
			t.Error("invalidated token must not consume")
		}
	}
	if _, err := issuer.ConsumeReset(ctx, other.Token); err != nil {
		t.Errorf("other user's token must survive: %v", err)
	}
}

func TestRedisMFARoundTrip(t *testing.T) {
	issuer, _ := newRedisIssuer(t)
	ctx := context.Background()

	code, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if err := issuer.VerifyMFA(ctx, "sess-1", wrong); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if err := issuer.VerifyMFA(ctx, "sess-1", code); err != nil {
		t.Fatalf("correct code must verify after a miss: %v", err)
	}
	if err := issuer.VerifyMFA(ctx, "sess-1", code); !errors.Is(err, ErrNotFound) {
		t.Errorf("verified challenge must be gone, got %v", err)
	}
}

func TestRedisMFAExhaustion(t *testing.T) {
	issuer, _ := newRedisIssuer(t)
	ctx := context.Background()

	code, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < testConfig.MFAAttempts-1; i++ {
		if err := issuer.VerifyMFA(ctx, "sess-1", wrong); !errors.Is(err, ErrMismatch) {
			t.Fatalf("attempt %d: expected ErrMismatch, got %v", i+1, err)
		}
	}
	if err := issuer.VerifyMFA(ctx, "sess-1", wrong); !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", err)
	}
	if err := issuer.VerifyMFA(ctx, "sess-1", code); !errors.Is(err, ErrNotFound) {
		t.Errorf("exhausted challenge must be terminal, got %v", err)
	}
}

func TestRedisMFAExpiry(t *testing.T) {
	issuer, mr := newRedisIssuer(t)
	ctx := context.Background()

	code, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}

	mr.FastForward(testConfig.ChallengeTTL + time.Second)
	if err := issuer.VerifyMFA(ctx, "sess-1", code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired challenge must fail, got %v", err)
	}
}
