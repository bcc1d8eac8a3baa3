package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tbeier/resetflow/internal/apperror"
	"github.com/tbeier/resetflow/internal/flows"
	"github.com/tbeier/resetflow/internal/session"
)

// Request bodies. Input length is bounded here so the flows never see
// unbounded strings.
type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type requestResetRequest struct {
	Identifier string `json:"identifier"`
}

type verifyResetRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

const maxFieldLength = 256

func fieldsWithinBounds(fields ...string) bool {
	for _, f := range fields {
		if len(f) > maxFieldLength {
			return false
		}
	}
	return true
}

func (s *Server) recoveryDeps() flows.RecoveryDeps {
	return flows.RecoveryDeps{
		Creds:            s.creds,
		Sessions:         s.sessions,
		Tokens:           s.tokens,
		Limiter:          s.limiter,
		Audit:            s.audit,
		RequireMFA:       s.cfg.Reset.RequireMFA,
		RequestLimit:     s.cfg.Rate.RequestLimit,
		VerifyLimit:      s.cfg.Rate.VerifyLimit,
		EnumerationDelay: s.cfg.Reset.EnumerationDelay,
	}
}

func (s *Server) loginDeps() flows.LoginDeps {
	return flows.LoginDeps{
		Creds:       s.creds,
		Sessions:    s.sessions,
		Tokens:      s.tokens,
		Limiter:     s.limiter,
		Audit:       s.audit,
		LoginLimit:  s.cfg.Rate.LoginLimit,
		VerifyLimit: s.cfg.Rate.VerifyLimit,
	}
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("Malformed request body.", nil)
	}
	if req.Identifier == "" || req.Password == "" || !fieldsWithinBounds(req.Identifier, req.Password) {
		return apperror.NewValidation("Identifier and password are required.", nil)
	}

	sess := currentSession(c)
	res, err := flows.RunLogin(c.Request().Context(), sess.ID, req.Identifier, req.Password, c.RealIP(), s.loginDeps())
	if err != nil {
		return err
	}

	if res.MFARequired {
		body := map[string]any{"ok": true, "mfaRequired": true}
		if s.cfg.Demo.RevealSecrets {
			body["mfaCode"] = res.MFACode
		}
		return c.JSON(http.StatusOK, body)
	}

	return s.respondAuthenticated(c, res.Session)
}

// handleVerifyMFA serves both pending flows: a login awaiting its second
// factor takes precedence, otherwise the recovery flow's challenge is
// checked. A session with neither pending state gets a forbidden result.
func (s *Server) handleVerifyMFA(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("Malformed request body.", nil)
	}
	if req.Code == "" || !fieldsWithinBounds(req.Code) {
		return apperror.NewValidation("Code is required.", nil)
	}

	sess := currentSession(c)
	ctx := c.Request().Context()

	if sess.PendingLoginUserID != "" {
		res, err := flows.RunLoginMFA(ctx, sess.ID, req.Code, c.RealIP(), s.loginDeps())
		if err != nil {
			return err
		}
		return s.respondAuthenticated(c, res.Session)
	}

	if err := flows.RunVerifyResetMFA(ctx, sess.ID, req.Code, c.RealIP(), s.recoveryDeps()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// handleRequestReset returns the identical body for known and unknown
// identifiers. With RevealSecrets on, the issued token rides along as the
// simulated delivery channel; decoy tokens are included the same way, so
// even the demo shortcut gives no existence oracle.
func (s *Server) handleRequestReset(c echo.Context) error {
	var req requestResetRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("Malformed request body.", nil)
	}
	if req.Identifier == "" || !fieldsWithinBounds(req.Identifier) {
		return apperror.NewValidation("Identifier is required.", nil)
	}

	sess := currentSession(c)
	res, err := flows.RunRequestReset(c.Request().Context(), req.Identifier, sess.ID, c.RealIP(), s.recoveryDeps())
	if err != nil {
		return err
	}

	body := map[string]any{
		"ok":      true,
		"message": "If that account exists, a reset token has been issued.",
	}
	if s.cfg.Demo.RevealSecrets {
		body["resetToken"] = res.Issued.Token
		body["resetCode"] = res.Issued.Code
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleVerifyReset(c echo.Context) error {
	var req verifyResetRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("Malformed request body.", nil)
	}
	tokenOrCode := req.Token
	if tokenOrCode == "" {
		tokenOrCode = req.Code
	}
	if tokenOrCode == "" || !fieldsWithinBounds(tokenOrCode) {
		return apperror.NewValidation("Token or code is required.", nil)
	}

	sess := currentSession(c)
	res, err := flows.RunVerifyResetToken(c.Request().Context(), sess.ID, tokenOrCode, c.RealIP(), s.recoveryDeps())
	if err != nil {
		return err
	}

	body := map[string]any{"ok": true, "mfaRequired": res.MFARequired}
	if res.MFARequired && s.cfg.Demo.RevealSecrets {
		body["mfaCode"] = res.MFACode
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleSetPassword(c echo.Context) error {
	var req setPasswordRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("Malformed request body.", nil)
	}
	if req.Password == "" || !fieldsWithinBounds(req.Password) {
		return apperror.NewValidation("Password is required.", nil)
	}

	sess := currentSession(c)
	res, err := flows.RunSetPassword(c.Request().Context(), sess.ID, req.Password, c.RealIP(), s.recoveryDeps())
	if err != nil {
		return err
	}

	s.setSessionCookie(c, res.Session.ID)
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"message":   "Password updated.",
		"csrfToken": res.Session.CSRFToken,
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	sess := currentSession(c)
	rotated, err := flows.RunLogout(c.Request().Context(), sess.ID, c.RealIP(), s.loginDeps())
	if err != nil {
		return err
	}

	s.setSessionCookie(c, rotated.ID)
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"csrfToken": rotated.CSRFToken,
	})
}

// respondAuthenticated re-binds the browser to the rotated session and
// hands back the new CSRF token so the page can keep issuing requests.
func (s *Server) respondAuthenticated(c echo.Context, rotated *session.Session) error {
	s.setSessionCookie(c, rotated.ID)
	return c.JSON(http.StatusOK, map[string]any{
		"ok":            true,
		"authenticated": true,
		"csrfToken":     rotated.CSRFToken,
	})
}
