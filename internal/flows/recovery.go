package flows

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tbeier/resetflow/internal/audit"
	"github.com/tbeier/resetflow/internal/credstore"
	"github.com/tbeier/resetflow/internal/rate"
	"github.com/tbeier/resetflow/internal/session"
	"github.com/tbeier/resetflow/internal/token"
)

// RecoveryDeps carries everything the recovery state machine touches.
type RecoveryDeps struct {
	Creds    credstore.Store
	Sessions session.Store
	Tokens   *token.Issuer
	Limiter  rate.Limiter
	Audit    *audit.Dispatcher

	// RequireMFA gates the AwaitingMfa stage; when false a verified token
	// moves straight to AwaitingNewPassword.
	RequireMFA bool

	RequestLimit int
	VerifyLimit  int

	// EnumerationDelay pads every request-reset response so the real and
	// decoy branches converge in wall-clock time.
	EnumerationDelay time.Duration

	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

func normalizeRecoveryDeps(deps *RecoveryDeps) {
	if deps.Now == nil {
		deps.Now = defaultNow
	}
	if deps.Sleep == nil {
		deps.Sleep = defaultSleep
	}
}

// ResetRequestResult is handed to the delivery channel, never to the HTTP
// response body directly.
type ResetRequestResult struct {
	Issued *token.IssuedReset
	Decoy  bool
}

// VerifyTokenResult reports whether an MFA stage follows and carries the
// challenge code for delivery.
type VerifyTokenResult struct {
	MFARequired bool
	MFACode     string
}

// SetPasswordResult carries the rotated session the caller must re-bind
// the browser to.
type SetPasswordResult struct {
	Session *session.Session
}

// RunRequestReset starts a recovery flow for identifier. Known and unknown
// identifiers take the same code path: both get a stored token of
// identical shape and TTL, and the response is padded to uniform latency.
// Only the record's decoy flag differs, and nothing downstream reveals it.
func RunRequestReset(ctx context.Context, identifier, sessionID, ip string, deps RecoveryDeps) (*ResetRequestResult, error) {
	normalizeRecoveryDeps(&deps)

	normalized := credstore.NormalizeIdentifier(identifier)
	if normalized == "" {
		return nil, ErrInvalidCredentials
	}

	if err := checkLimits(ctx, deps.Limiter, actionRequestReset, ip, sessionID, deps.RequestLimit); err != nil {
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventRateLimited,
			SessionID: sessionID,
			IP:        ip,
			Error:     err.Error(),
			Metadata:  map[string]string{"action": actionRequestReset},
		})
		return nil, err
	}

	userRef := normalized
	decoy := true
	if user, err := deps.Creds.FindByIdentifier(normalized); err == nil {
		userRef = user.ID
		decoy = false
	}

	issued, err := deps.Tokens.IssueReset(ctx, userRef, decoy, sessionID)
	if err != nil {
		return nil, err
	}

	if err := deps.Sleep(ctx, deps.EnumerationDelay); err != nil {
		return nil, err
	}

	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventResetRequest,
		SessionID: sessionID,
		IP:        ip,
		Success:   true,
		Metadata:  map[string]string{"identifier": normalized},
	})
	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventDelivery,
		SessionID: sessionID,
		Success:   true,
		Metadata: map[string]string{
			"channel": "mock",
			"code":    issued.Code,
		},
	})

	return &ResetRequestResult{Issued: issued, Decoy: decoy}, nil
}

// RunVerifyResetToken consumes a token (full form or short code) exactly
// once and binds the session to the recovery flow. Used, expired, and
// unknown tokens all fail with the same generic error.
func RunVerifyResetToken(ctx context.Context, sessionID, tokenOrCode, ip string, deps RecoveryDeps) (*VerifyTokenResult, error) {
	normalizeRecoveryDeps(&deps)

	if err := checkLimits(ctx, deps.Limiter, actionVerify, ip, sessionID, deps.VerifyLimit); err != nil {
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventRateLimited,
			SessionID: sessionID,
			IP:        ip,
			Error:     err.Error(),
			Metadata:  map[string]string{"action": actionVerify},
		})
		return nil, err
	}

	rec, err := deps.Tokens.ConsumeReset(ctx, tokenOrCode)
	if err != nil {
		eventType := audit.EventResetVerify
		if errors.Is(err, token.ErrNotFound) {
			eventType = audit.EventResetReplay
		}
		deps.Audit.Emit(ctx, audit.Event{
			EventType: eventType,
			SessionID: sessionID,
			IP:        ip,
			Error:     err.Error(),
		})
		return nil, ErrInvalidToken
	}

	stage := session.ResetAwaitingNewPassword
	if deps.RequireMFA {
		stage = session.ResetAwaitingMFA
	}
	err = deps.Sessions.Update(sessionID, func(s *session.Session) error {
		s.Reset = session.ResetContext{
			Stage:   stage,
			TokenID: rec.ID.String(),
			UserRef: rec.UserRef,
			Decoy:   rec.Decoy,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventResetVerify,
		SessionID: sessionID,
		IP:        ip,
		Success:   true,
	})

	if !deps.RequireMFA {
		return &VerifyTokenResult{}, nil
	}

	code, err := deps.Tokens.IssueMFA(ctx, resetMFASubject(sessionID))
	if err != nil {
		return nil, err
	}
	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventDelivery,
		SessionID: sessionID,
		Success:   true,
		Metadata: map[string]string{
			"channel": "mock",
			"code":    code,
		},
	})
	return &VerifyTokenResult{MFARequired: true, MFACode: code}, nil
}

// RunVerifyResetMFA validates the challenge gating the recovery flow.
// Exhausted attempts or an expired challenge clear the reset context, so
// the caller must start over from request-reset.
func RunVerifyResetMFA(ctx context.Context, sessionID, code, ip string, deps RecoveryDeps) error {
	normalizeRecoveryDeps(&deps)

	sess, err := deps.Sessions.Get(sessionID)
	if err != nil {
		return ErrFlowState
	}
	if sess.Reset.Stage != session.ResetAwaitingMFA {
		return ErrFlowState
	}

	if err := checkLimits(ctx, deps.Limiter, actionVerify, ip, sessionID, deps.VerifyLimit); err != nil {
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventRateLimited,
			SessionID: sessionID,
			IP:        ip,
			Error:     err.Error(),
			Metadata:  map[string]string{"action": actionVerify},
		})
		return err
	}

	switch err := deps.Tokens.VerifyMFA(ctx, resetMFASubject(sessionID), code); {
	case err == nil:
	case errors.Is(err, token.ErrMismatch):
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventMFAFailure,
			SessionID: sessionID,
			IP:        ip,
		})
		return ErrInvalidCode
	default:
		// Exhausted or expired: terminal. Force the flow back to the
		// start so the correct code cannot be replayed later.
		clearErr := deps.Sessions.Update(sessionID, func(s *session.Session) error {
			s.Reset = session.ResetContext{}
			return nil
		})
		if clearErr != nil {
			return clearErr
		}
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventMFAExhausted,
			SessionID: sessionID,
			IP:        ip,
			Error:     err.Error(),
		})
		return ErrInvalidCode
	}

	if err := deps.Sessions.Update(sessionID, func(s *session.Session) error {
		if s.Reset.Stage != session.ResetAwaitingMFA {
			return ErrFlowState
		}
		s.Reset.Stage = session.ResetAwaitingNewPassword
		return nil
	}); err != nil {
		return err
	}

	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventMFASuccess,
		SessionID: sessionID,
		IP:        ip,
		Success:   true,
	})
	return nil
}

// RunSetPassword finishes the flow. The ordering invariant is enforced
// here: without a session that walked verify-token (and MFA when
// required), the call is forbidden. Decoy flows validate the policy and
// return the same success shape but never touch stored credentials.
func RunSetPassword(ctx context.Context, sessionID, newPassword, ip string, deps RecoveryDeps) (*SetPasswordResult, error) {
	normalizeRecoveryDeps(&deps)

	sess, err := deps.Sessions.Get(sessionID)
	if err != nil {
		return nil, ErrFlowState
	}
	if sess.Reset.Stage != session.ResetAwaitingNewPassword {
		return nil, ErrFlowState
	}

	if failures := deps.Creds.ValidatePolicy(newPassword); len(failures) > 0 {
		return nil, &credstore.PolicyError{Failures: failures}
	}

	if !sess.Reset.Decoy {
		if err := deps.Creds.SetPassword(sess.Reset.UserRef, newPassword); err != nil {
			if errors.Is(err, credstore.ErrNotFound) {
				// Record vanished between verify and set. Treat like the
				// decoy branch: same outward shape, no mutation.
			} else {
				return nil, err
			}
		} else {
			deps.Tokens.InvalidateUserResets(ctx, sess.Reset.UserRef)
			invalidated := deps.Sessions.InvalidateUser(sess.Reset.UserRef, sessionID)
			deps.Audit.Emit(ctx, audit.Event{
				EventType: audit.EventSessionInvalidated,
				UserID:    sess.Reset.UserRef,
				SessionID: sessionID,
				Success:   true,
				Metadata:  map[string]string{"count": strconv.Itoa(invalidated)},
			})
		}
	}

	if err := deps.Sessions.Update(sessionID, func(s *session.Session) error {
		s.Reset = session.ResetContext{}
		return nil
	}); err != nil {
		return nil, err
	}

	rotated, err := deps.Sessions.Rotate(sessionID)
	if err != nil {
		return nil, err
	}

	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventPasswordSet,
		SessionID: rotated.ID,
		IP:        ip,
		Success:   true,
	})
	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventSessionRotated,
		SessionID: rotated.ID,
		Success:   true,
	})

	return &SetPasswordResult{Session: rotated}, nil
}
