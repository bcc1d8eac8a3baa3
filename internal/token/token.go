// Package token issues and consumes the single-use reset tokens and
// limited-attempt MFA challenges behind the recovery and login flows.
// Real and decoy reset tokens are indistinguishable in shape, encoding,
// and TTL; only the stored record knows which branch it belongs to.
// Consumption is an atomic check-and-delete so a token or challenge can
// never succeed twice, even under concurrent requests.
package token

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/tbeier/resetflow/internal/random"
)

var (
	// ErrNotFound covers missing, already-used, and expired records alike.
	// Callers surface one generic rejection for all three.
	ErrNotFound = errors.New("token not found")

	// ErrMismatch is returned when the record exists but the presented
	// secret or code is wrong.
	ErrMismatch = errors.New("token mismatch")

	// ErrAttemptsExceeded is returned when an MFA challenge runs out of
	// attempts. The challenge is terminally invalidated at that point.
	ErrAttemptsExceeded = errors.New("attempts exceeded")
)

// ResetRecord is the stored half of a reset token. The secret itself never
// persists; only its SHA-256 digest does.
type ResetRecord struct {
	ID         random.TokenID
	SecretHash [32]byte
	ShortCode  string
	UserRef    string
	Decoy      bool
	SessionID  string
	ExpiresAt  time.Time
}

// IssuedReset is the caller-facing result of issuing a token. Token and
// Code leave the process only through the mocked delivery channel.
type IssuedReset struct {
	ID        random.TokenID
	Token     string
	Code      string
	ExpiresAt time.Time
}

// MFARecord is a stored MFA challenge. Attempts counts down; zero is
// terminal.
type MFARecord struct {
	CodeHash  [32]byte
	Attempts  int
	ExpiresAt time.Time
}

// ResetStore persists reset token records keyed by token id.
type ResetStore interface {
	// Save stores the record for ttl.
	Save(ctx context.Context, rec *ResetRecord, ttl time.Duration) error

	// Consume atomically verifies the secret hash and deletes the record.
	// A wrong secret leaves the record untouched; expiry and absence both
	// return ErrNotFound.
	Consume(ctx context.Context, id random.TokenID, secretHash [32]byte) (*ResetRecord, error)

	// ConsumeByCode atomically consumes the record whose short code
	// matches. Low entropy is compensated by single use, TTL, and the
	// caller's rate limit.
	ConsumeByCode(ctx context.Context, code string) (*ResetRecord, error)

	// InvalidateUser deletes every outstanding record bound to userRef.
	InvalidateUser(ctx context.Context, userRef string) int
}

// MFAStore persists MFA challenges keyed by an opaque subject string.
type MFAStore interface {
	// Save stores the challenge, replacing any previous one for subject.
	Save(ctx context.Context, subject string, rec *MFARecord, ttl time.Duration) error

	// Verify checks code against the challenge. A match deletes the
	// challenge and returns nil. A mismatch burns one attempt; the last
	// burned attempt deletes the challenge and returns
	// ErrAttemptsExceeded. Expired or absent challenges return
	// ErrNotFound. All outcomes are decided atomically.
	Verify(ctx context.Context, subject, code string) error

	// Clear drops the challenge for subject, if any.
	Clear(ctx context.Context, subject string) error
}

// Config tunes issuance.
type Config struct {
	TokenTTL     time.Duration
	CodeDigits   int
	MFADigits    int
	ChallengeTTL time.Duration
	MFAAttempts  int

	// Deterministic switches MFA codes from random to HMAC-derived.
	// Demo reproducibility only.
	Deterministic bool
	DeriveKey     []byte
}

// Issuer composes generation and storage for both record kinds.
type Issuer struct {
	resets ResetStore
	mfa    MFAStore
	cfg    Config
	now    func() time.Time
}

// NewIssuer wires an issuer over the given stores.
func NewIssuer(resets ResetStore, mfa MFAStore, cfg Config) *Issuer {
	return &Issuer{resets: resets, mfa: mfa, cfg: cfg, now: time.Now}
}

// IssueReset creates and stores a token bound to userRef. Decoy issuance
// runs the identical path; nothing about the returned value differs.
func (i *Issuer) IssueReset(ctx context.Context, userRef string, decoy bool, sessionID string) (*IssuedReset, error) {
	id, err := random.NewTokenID()
	if err != nil {
		return nil, err
	}
	secret, err := random.NewSecret()
	if err != nil {
		return nil, err
	}

	expiresAt := i.now().Add(i.cfg.TokenTTL)
	rec := &ResetRecord{
		ID:         id,
		SecretHash: random.HashSecret(secret),
		ShortCode:  random.ShortCode(id, i.cfg.CodeDigits),
		UserRef:    userRef,
		Decoy:      decoy,
		SessionID:  sessionID,
		ExpiresAt:  expiresAt,
	}
	if err := i.resets.Save(ctx, rec, i.cfg.TokenTTL); err != nil {
		return nil, err
	}

	return &IssuedReset{
		ID:        id,
		Token:     random.EncodeResetToken(id, secret),
		Code:      rec.ShortCode,
		ExpiresAt: expiresAt,
	}, nil
}

var shortCodePattern = regexp.MustCompile(`^[0-9]{4,10}$`)

// ConsumeReset accepts either the full opaque token or its short numeric
// code and consumes the matching record exactly once.
func (i *Issuer) ConsumeReset(ctx context.Context, tokenOrCode string) (*ResetRecord, error) {
	if shortCodePattern.MatchString(tokenOrCode) {
		return i.resets.ConsumeByCode(ctx, tokenOrCode)
	}

	id, secret, err := random.DecodeResetToken(tokenOrCode)
	if err != nil {
		return nil, ErrNotFound
	}
	return i.resets.Consume(ctx, id, random.HashSecret(secret))
}

// InvalidateUserResets drops all outstanding tokens for userRef. Called
// after a successful password change.
func (i *Issuer) InvalidateUserResets(ctx context.Context, userRef string) int {
	return i.resets.InvalidateUser(ctx, userRef)
}

// IssueMFA creates a challenge for subject and returns the code for the
// delivery channel. Any previous challenge for the subject is replaced.
func (i *Issuer) IssueMFA(ctx context.Context, subject string) (string, error) {
	var (
		code string
		err  error
	)
	if i.cfg.Deterministic {
		code, err = random.DeriveOTP(i.cfg.DeriveKey, subject, i.cfg.MFADigits)
	} else {
		code, err = random.NewOTP(i.cfg.MFADigits)
	}
	if err != nil {
		return "", err
	}

	rec := &MFARecord{
		CodeHash:  random.HashBytes([]byte(code)),
		Attempts:  i.cfg.MFAAttempts,
		ExpiresAt: i.now().Add(i.cfg.ChallengeTTL),
	}
	if err := i.mfa.Save(ctx, subject, rec, i.cfg.ChallengeTTL); err != nil {
		return "", err
	}
	return code, nil
}

// VerifyMFA checks a submitted code against the subject's challenge.
func (i *Issuer) VerifyMFA(ctx context.Context, subject, code string) error {
	return i.mfa.Verify(ctx, subject, code)
}

// ClearMFA drops the subject's challenge without verifying.
func (i *Issuer) ClearMFA(ctx context.Context, subject string) error {
	return i.mfa.Clear(ctx, subject)
}
