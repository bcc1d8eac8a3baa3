package flows

import (
	"context"
	"errors"
	"time"

	"github.com/tbeier/resetflow/internal/audit"
	"github.com/tbeier/resetflow/internal/credstore"
	"github.com/tbeier/resetflow/internal/rate"
	"github.com/tbeier/resetflow/internal/session"
	"github.com/tbeier/resetflow/internal/token"
)

// LoginDeps carries everything the login state machine touches.
type LoginDeps struct {
	Creds    credstore.Store
	Sessions session.Store
	Tokens   *token.Issuer
	Limiter  rate.Limiter
	Audit    *audit.Dispatcher

	LoginLimit  int
	VerifyLimit int

	Now func() time.Time
}

func normalizeLoginDeps(deps *LoginDeps) {
	if deps.Now == nil {
		deps.Now = defaultNow
	}
}

// LoginResult reports the outcome of a credential or MFA step. MFACode is
// for the mocked delivery channel only. Session is set once fully
// authenticated and carries the rotated id and CSRF token.
type LoginResult struct {
	MFARequired bool
	MFACode     string
	Session     *session.Session
}

// RunLogin checks credentials with uniform latency and either finishes
// authentication or parks the session in the MFA-pending state. Every
// failure surfaces the same generic rejection.
func RunLogin(ctx context.Context, sessionID, identifier, password, ip string, deps LoginDeps) (*LoginResult, error) {
	normalizeLoginDeps(&deps)

	if err := checkLimits(ctx, deps.Limiter, actionLogin, ip, sessionID, deps.LoginLimit); err != nil {
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventLoginRateLimited,
			SessionID: sessionID,
			IP:        ip,
			Error:     err.Error(),
		})
		return nil, err
	}

	user, ok := deps.Creds.Authenticate(identifier, password)
	if !ok {
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventLoginFailure,
			SessionID: sessionID,
			IP:        ip,
		})
		return nil, ErrInvalidCredentials
	}

	if user.MFAEnabled {
		if err := deps.Sessions.Update(sessionID, func(s *session.Session) error {
			s.PendingLoginUserID = user.ID
			s.AuthenticatedUserID = ""
			return nil
		}); err != nil {
			return nil, err
		}

		code, err := deps.Tokens.IssueMFA(ctx, loginMFASubject(sessionID))
		if err != nil {
			return nil, err
		}
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventMFARequired,
			UserID:    user.ID,
			SessionID: sessionID,
			IP:        ip,
			Success:   true,
		})
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventDelivery,
			SessionID: sessionID,
			Success:   true,
			Metadata: map[string]string{
				"channel": "mock",
				"code":    code,
			},
		})
		return &LoginResult{MFARequired: true, MFACode: code}, nil
	}

	rotated, err := finishLogin(ctx, sessionID, user.ID, deps)
	if err != nil {
		return nil, err
	}
	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventLoginSuccess,
		UserID:    user.ID,
		SessionID: rotated.ID,
		IP:        ip,
		Success:   true,
	})
	return &LoginResult{Session: rotated}, nil
}

// RunLoginMFA settles the pending MFA challenge. Exhausted attempts or an
// expired challenge drop the session back to anonymous; a fresh login is
// required.
func RunLoginMFA(ctx context.Context, sessionID, code, ip string, deps LoginDeps) (*LoginResult, error) {
	normalizeLoginDeps(&deps)

	sess, err := deps.Sessions.Get(sessionID)
	if err != nil {
		return nil, ErrFlowState
	}
	if sess.PendingLoginUserID == "" {
		return nil, ErrFlowState
	}
	pendingUserID := sess.PendingLoginUserID

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

	switch err := deps.Tokens.VerifyMFA(ctx, loginMFASubject(sessionID), code); {
	case err == nil:
	case errors.Is(err, token.ErrMismatch):
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventMFAFailure,
			UserID:    pendingUserID,
			SessionID: sessionID,
			IP:        ip,
		})
		return nil, ErrInvalidCode
	default:
		clearErr := deps.Sessions.Update(sessionID, func(s *session.Session) error {
			s.PendingLoginUserID = ""
			return nil
		})
		if clearErr != nil {
			return nil, clearErr
		}
		deps.Audit.Emit(ctx, audit.Event{
			EventType: audit.EventMFAExhausted,
			UserID:    pendingUserID,
			SessionID: sessionID,
			IP:        ip,
			Error:     err.Error(),
		})
		return nil, ErrInvalidCode
	}

	rotated, err := finishLogin(ctx, sessionID, pendingUserID, deps)
	if err != nil {
		return nil, err
	}
	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventMFASuccess,
		UserID:    pendingUserID,
		SessionID: rotated.ID,
		IP:        ip,
		Success:   true,
	})
	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventLoginSuccess,
		UserID:    pendingUserID,
		SessionID: rotated.ID,
		IP:        ip,
		Success:   true,
	})
	return &LoginResult{Session: rotated}, nil
}

// finishLogin binds the user to the session and rotates it so the
// pre-authentication id and CSRF token stop working.
func finishLogin(_ context.Context, sessionID, userID string, deps LoginDeps) (*session.Session, error) {
	if err := deps.Sessions.Update(sessionID, func(s *session.Session) error {
		s.AuthenticatedUserID = userID
		s.PendingLoginUserID = ""
		return nil
	}); err != nil {
		return nil, err
	}
	return deps.Sessions.Rotate(sessionID)
}

// RunLogout drops all privileged state and rotates the session. The
// rotated session's CSRF token goes back to the client so the page keeps
// working without a reload.
func RunLogout(ctx context.Context, sessionID, ip string, deps LoginDeps) (*session.Session, error) {
	normalizeLoginDeps(&deps)

	var userID string
	err := deps.Sessions.Update(sessionID, func(s *session.Session) error {
		userID = s.AuthenticatedUserID
		s.AuthenticatedUserID = ""
		s.PendingLoginUserID = ""
		s.Reset = session.ResetContext{}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrFlowState
		}
		return nil, err
	}

	// Drop any challenges parked on the old session id.
	deps.Tokens.ClearMFA(ctx, loginMFASubject(sessionID))
	deps.Tokens.ClearMFA(ctx, resetMFASubject(sessionID))

	rotated, err := deps.Sessions.Rotate(sessionID)
	if err != nil {
		return nil, err
	}

	deps.Audit.Emit(ctx, audit.Event{
		EventType: audit.EventLogout,
		UserID:    userID,
		SessionID: rotated.ID,
		IP:        ip,
		Success:   true,
	})
	return rotated, nil
}
