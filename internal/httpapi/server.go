// Package httpapi exposes the recovery and login flows over HTTP. The
// transport stays thin: handlers bind JSON, call a flow, and translate the
// outcome; every policy decision lives in the flows.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tbeier/resetflow/internal/apperror"
	"github.com/tbeier/resetflow/internal/audit"
	"github.com/tbeier/resetflow/internal/config"
	"github.com/tbeier/resetflow/internal/credstore"
	"github.com/tbeier/resetflow/internal/flows"
	"github.com/tbeier/resetflow/internal/rate"
	"github.com/tbeier/resetflow/internal/session"
	"github.com/tbeier/resetflow/internal/token"
	"github.com/tbeier/resetflow/web"
)

// Server owns the echo instance and the wired dependencies.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger *slog.Logger

	creds    credstore.Store
	sessions session.Store
	tokens   *token.Issuer
	limiter  rate.Limiter
	audit    *audit.Dispatcher
	cookies  *session.CookieCodec
}

// Deps bundles the collaborators the server needs.
type Deps struct {
	Creds    credstore.Store
	Sessions session.Store
	Tokens   *token.Issuer
	Limiter  rate.Limiter
	Audit    *audit.Dispatcher
	Cookies  *session.CookieCodec
	Logger   *slog.Logger
}

// New builds the server with middleware and routes registered.
func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		echo:     e,
		cfg:      cfg,
		logger:   logger,
		creds:    deps.Creds,
		sessions: deps.Sessions,
		tokens:   deps.Tokens,
		limiter:  deps.Limiter,
		audit:    deps.Audit,
		cookies:  deps.Cookies,
	}

	e.Use(Recovery(logger))
	e.Use(RequestLogger(logger))
	e.Use(SecurityHeaders())
	e.Use(s.sessionMiddleware)

	e.HTTPErrorHandler = s.errorHandler

	e.GET("/", s.handleIndex)
	e.GET("/app.js", s.handleAppJS)

	api := e.Group("/api")
	api.POST("/login", s.handleLogin)
	api.POST("/verify-mfa", s.handleVerifyMFA)
	api.POST("/request-reset", s.handleRequestReset)
	api.POST("/verify-reset", s.handleVerifyReset)
	api.POST("/set-password", s.handleSetPassword)
	api.POST("/logout", s.handleLogout)

	return s
}

// Handler exposes the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address. With a TLS pair configured it
// serves HTTPS and runs a plain-HTTP listener that redirects everything.
func (s *Server) Start() error {
	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		go s.runRedirectListener()
		s.logger.Info("listening", slog.String("addr", s.cfg.Addr), slog.Bool("tls", true))
		return s.echo.StartTLS(s.cfg.Addr, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	s.logger.Info("listening", slog.String("addr", s.cfg.Addr), slog.Bool("tls", false))
	return s.echo.Start(s.cfg.Addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) runRedirectListener() {
	redirect := &http.Server{
		Addr: s.cfg.TLS.RedirectAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		}),
	}
	if err := redirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("redirect listener failed", slog.Any("error", err))
	}
}

func (s *Server) handleIndex(c echo.Context) error {
	sess := currentSession(c)

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return web.RenderIndex(c.Response(), sess.CSRFToken)
}

func (s *Server) handleAppJS(c echo.Context) error {
	return c.Blob(http.StatusOK, "application/javascript; charset=utf-8", web.AppJS())
}

// errorHandler maps domain errors onto the uniform JSON error envelope.
// Everything the flows can return funnels through here exactly once.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	appErr := s.toAppError(err)

	if appErr.Code == http.StatusInternalServerError {
		s.logger.Error("internal error",
			slog.Any("error", err),
			slog.String("path", c.Request().URL.Path),
		)
	}
	if appErr.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}

	body := map[string]any{
		"ok":      false,
		"message": appErr.Message,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	if appErr.RetryAfter > 0 {
		body["retryAfter"] = appErr.RetryAfter
	}

	if writeErr := c.JSON(appErr.Code, body); writeErr != nil {
		s.logger.Error("error response write failed", slog.Any("error", writeErr))
	}
}

func (s *Server) toAppError(err error) *apperror.AppError {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var limitErr *rate.LimitError
	if errors.As(err, &limitErr) {
		return apperror.NewRateLimited(limitErr.RetrySeconds())
	}

	var policyErr *credstore.PolicyError
	if errors.As(err, &policyErr) {
		return apperror.NewValidation("Password does not meet the policy.", policyErr.Failures)
	}

	switch {
	case errors.Is(err, flows.ErrInvalidCredentials):
		return apperror.NewAuth("Invalid credentials.")
	case errors.Is(err, flows.ErrInvalidToken):
		return apperror.NewAuth("Invalid or expired token.")
	case errors.Is(err, flows.ErrInvalidCode):
		return apperror.NewAuth("Invalid code.")
	case errors.Is(err, flows.ErrFlowState):
		return apperror.NewForbidden("Operation not allowed.")
	case errors.Is(err, session.ErrNotFound):
		return apperror.NewForbidden("Operation not allowed.")
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg := http.StatusText(echoErr.Code)
		if m, ok := echoErr.Message.(string); ok {
			msg = m
		}
		return &apperror.AppError{Code: echoErr.Code, Type: "http_error", Message: msg}
	}

	return apperror.NewInternal(err)
}
