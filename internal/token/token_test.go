package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbeier/resetflow/internal/random"
)

var testConfig = Config{
	TokenTTL:     10 * time.Minute,
	CodeDigits:   8,
	MFADigits:    6,
	ChallengeTTL: 5 * time.Minute,
	MFAAttempts:  5,
}

func newTestIssuer() (*Issuer, *MemResetStore, *MemMFAStore) {
	resets := NewMemResetStore()
	mfa := NewMemMFAStore()
	return NewIssuer(resets, mfa, testConfig), resets, mfa
}

func TestIssueAndConsumeByToken(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}
	if issued.Token == "" || len(issued.Code) != testConfig.CodeDigits {
		t.Fatalf("unexpected issued shape: token=%q code=%q", issued.Token, issued.Code)
	}

	rec, err := issuer.ConsumeReset(ctx, issued.Token)
	if err != nil {
		t.Fatalf("ConsumeReset failed: %v", err)
	}
	if rec.UserRef != "user-1" || rec.Decoy {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	if _, err := issuer.ConsumeReset(ctx, issued.Token); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if _, err := issuer.ConsumeReset(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second consume must fail with ErrNotFound, got %v", err)
	}
}

func TestConsumeByShortCode(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	rec, err := issuer.ConsumeReset(ctx, issued.Code)
	if err != nil {
		t.Fatalf("consume by code failed: %v", err)
	}
	if rec.UserRef != "user-1" {
		t.Errorf("unexpected record: %+v", rec)
	}

	// Code consumption also burns the full token.
	if _, err := issuer.ConsumeReset(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("token must be gone after code consumption, got %v", err)
	}
}

func TestConsumeExpiredToken(t *testing.T) {
	resets := NewMemResetStore()
	issuer := NewIssuer(resets, NewMemMFAStore(), testConfig)
	ctx := context.Background()

	base := time.Now()
	issuer.now = func() time.Time { return base }
	resets.now = func() time.Time { return base }

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	resets.now = func() time.Time { return base.Add(testConfig.TokenTTL + time.Second) }
	if _, err := issuer.ConsumeReset(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired token must fail even if never used, got %v", err)
	}
}

func TestWrongSecretLeavesRecordIntact(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	var wrong [32]byte
	forged := random.EncodeResetToken(issued.ID, wrong)
	if _, err := issuer.ConsumeReset(ctx, forged); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for wrong secret, got %v", err)
	}

	// Real token still works after the failed attempt.
	if _, err := issuer.ConsumeReset(ctx, issued.Token); err != nil {
		t.Fatalf("failed lookup must not consume the record: %v", err)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	for _, bad := range []string{"", "not-base64!!", "shortvalue", "123"} {
		if _, err := issuer.ConsumeReset(ctx, bad); !errors.Is(err, ErrNotFound) {
			t.Errorf("ConsumeReset(%q) = %v, want ErrNotFound", bad, err)
		}
	}
}

func TestDecoyTokenShape(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	real, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}
	decoy, err := issuer.IssueReset(ctx, "ghost@x.test", true, "sess-1")
	if err != nil {
		t.Fatalf("decoy IssueReset failed: %v", err)
	}

	if len(real.Token) != len(decoy.Token) {
		t.Errorf("token lengths differ: real %d, decoy %d", len(real.Token), len(decoy.Token))
	}
	if len(real.Code) != len(decoy.Code) {
		t.Errorf("code lengths differ")
	}
	if diff := decoy.ExpiresAt.Sub(real.ExpiresAt); diff < -time.Second || diff > time.Second {
		t.Errorf("TTLs diverge: %s vs %s", real.ExpiresAt, decoy.ExpiresAt)
	}

	rec, err := issuer.ConsumeReset(ctx, decoy.Token)
	if err != nil {
		t.Fatalf("decoy token must verify: %v", err)
	}
	if !rec.Decoy {
		t.Error("record must carry the decoy flag")
	}
}

func TestConcurrentConsumeExactlyOnce(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	issued, err := issuer.IssueReset(ctx, "user-1", false, "sess-1")
	if err != nil {
		t.Fatalf("IssueReset failed: %v", err)
	}

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := issuer.ConsumeReset(ctx, issued.Token); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("token consumed %d times, want exactly 1", successes)
	}
}

func TestInvalidateUserResets(t *testing.T) {
	issuer, _, _ := newTestIssuer()
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

func TestMFAVerify(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	code, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	if len(code) != testConfig.MFADigits {
		t.Fatalf("code %q has wrong width", code)
	}

	if err := issuer.VerifyMFA(ctx, "sess-1", code); err != nil {
		t.Fatalf("correct code must verify: %v", err)
	}
	// Consumed on success.
	if err := issuer.VerifyMFA(ctx, "sess-1", code); !errors.Is(err, ErrNotFound) {
		t.Errorf("verified challenge must be gone, got %v", err)
	}
}

func TestMFAAttemptsExhaustion(t *testing.T) {
	issuer, _, _ := newTestIssuer()
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
		t.Fatalf("final attempt must exhaust, got %v", err)
	}

	// The correct code no longer works once the challenge is invalidated.
	if err := issuer.VerifyMFA(ctx, "sess-1", code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("exhausted challenge must be terminal, got %v", err)
	}
}

func TestMFAExpiry(t *testing.T) {
	mfa := NewMemMFAStore()
	issuer := NewIssuer(NewMemResetStore(), mfa, testConfig)
	ctx := context.Background()

	base := time.Now()
	issuer.now = func() time.Time { return base }
	mfa.now = func() time.Time { return base }

	code, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}

	mfa.now = func() time.Time { return base.Add(testConfig.ChallengeTTL + time.Second) }
	if err := issuer.VerifyMFA(ctx, "sess-1", code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired challenge must fail, got %v", err)
	}
}

func TestMFAClear(t *testing.T) {
	issuer, _, _ := newTestIssuer()
	ctx := context.Background()

	code, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	if err := issuer.ClearMFA(ctx, "sess-1"); err != nil {
		t.Fatalf("ClearMFA failed: %v", err)
	}
	if err := issuer.VerifyMFA(ctx, "sess-1", code); !errors.Is(err, ErrNotFound) {
		t.Errorf("cleared challenge must be gone, got %v", err)
	}
}

func TestDeterministicMFACodes(t *testing.T) {
	cfg := testConfig
	cfg.Deterministic = true
	cfg.DeriveKey = []byte("test-derive-key-0123456789abcdef")

	issuer := NewIssuer(NewMemResetStore(), NewMemMFAStore(), cfg)
	ctx := context.Background()

	first, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	second, err := issuer.IssueMFA(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	if first != second {
		t.Errorf("deterministic codes must reproduce: %q vs %q", first, second)
	}

	other, err := issuer.IssueMFA(ctx, "sess-2")
	if err != nil {
		t.Fatalf("IssueMFA failed: %v", err)
	}
	if other == first {
		t.Error("different subjects must get different codes")
	}
}
