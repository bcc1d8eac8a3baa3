// Package flows holds the recovery and login state machines. Each flow is
// a Run function over an explicit Deps value so tests can substitute any
// collaborator. The flows own ordering, throttling, and the
// anti-enumeration posture; transports stay dumb.
package flows

import (
	"context"
	"errors"
	"time"

	"github.com/tbeier/resetflow/internal/rate"
)

var (
	// ErrInvalidCredentials is the single user-facing rejection for every
	// failed credential check. It never distinguishes unknown identifier
	// from wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers missing, used, expired, and malformed reset
	// tokens with one generic message.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrInvalidCode is the generic rejection for a wrong MFA code,
	// including codes submitted after the challenge was invalidated.
	ErrInvalidCode = errors.New("invalid code")

	// ErrFlowState is returned when an operation arrives out of order,
	// such as a password set without a verified token. Maps to forbidden.
	ErrFlowState = errors.New("operation not allowed in current state")
)

// Limiter actions. Composite keys pair each action with an IP and with a
// session id, checked independently.
const (
	actionLogin        = "login"
	actionRequestReset = "request-reset"
	actionVerify       = "verify"
)

func resetMFASubject(sessionID string) string { return "reset:" + sessionID }
func loginMFASubject(sessionID string) string { return "login:" + sessionID }

func defaultNow() time.Time { return time.Now() }

// checkLimits charges one attempt against the IP budget and the session
// budget for action. Either rejection stops the request before any
// expensive work runs.
func checkLimits(ctx context.Context, limiter rate.Limiter, action, ip, sessionID string, limit int) error {
	if ip != "" {
		if err := limiter.Allow(ctx, rate.Key(action, "ip:"+ip), limit); err != nil {
			return err
		}
	}
	if sessionID != "" {
		if err := limiter.Allow(ctx, rate.Key(action, "sess:"+sessionID), limit); err != nil {
			return err
		}
	}
	return nil
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
