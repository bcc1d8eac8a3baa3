package httpapi

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tbeier/resetflow/internal/apperror"
	"github.com/tbeier/resetflow/internal/audit"
	"github.com/tbeier/resetflow/internal/session"
)

const sessionContextKey = "resetflow.session"

// Recovery returns middleware that recovers from panics, logs the stack,
// and surfaces an opaque 500. Stack traces never reach the client.
func Recovery(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (returnErr error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered",
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
						slog.String("method", c.Request().Method),
						slog.String("path", c.Request().URL.Path),
					)
					returnErr = apperror.NewInternal(nil)
				}
			}()
			return next(c)
		}
	}
}

// RequestLogger returns middleware that logs every request with method,
// path, status, latency, and client IP.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelError
			} else if res.Status >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(req.Context(), level, "request",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", res.Status),
				slog.Duration("latency", time.Since(start)),
				slog.String("remote_ip", c.RealIP()),
			)
			return err
		}
	}
}

// SecurityHeaders returns middleware setting the hardening headers on
// every response. The CSP allows only same-origin resources; the client
// is a single embedded page with one script file, so nothing external is
// ever needed.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("Content-Security-Policy",
				"default-src 'none'; "+
					"script-src 'self'; "+
					"style-src 'self' 'unsafe-inline'; "+
					"connect-src 'self'; "+
					"img-src 'self'; "+
					"frame-ancestors 'none'; "+
					"base-uri 'none'; "+
					"form-action 'self'",
			)
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}

// sessionMiddleware resolves the browser's session from the signed cookie,
// minting a fresh one when the cookie is absent, forged, or expired. For
// state-mutating API calls it then enforces the CSRF token with a
// constant-time comparison before the handler runs.
func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess := s.resolveSession(c)
		if sess == nil {
			created, err := s.sessions.Create()
			if err != nil {
				return apperror.NewInternal(err)
			}
			sess = created
			s.setSessionCookie(c, sess.ID)
		}
		c.Set(sessionContextKey, sess)

		if c.Request().Method == http.MethodPost {
			submitted := c.Request().Header.Get("X-CSRF-Token")
			if !session.CheckCSRF(sess, submitted) {
				s.audit.Emit(c.Request().Context(), audit.Event{
					EventType: audit.EventCSRFRejected,
					SessionID: sess.ID,
					IP:        c.RealIP(),
				})
				return apperror.NewForbidden("Request could not be validated.")
			}
		}

		return next(c)
	}
}

// resolveSession returns the live session referenced by a valid cookie,
// or nil when none resolves. Invalid cookies are indistinguishable from
// absent ones by design.
func (s *Server) resolveSession(c echo.Context) *session.Session {
	cookie, err := c.Cookie(s.cfg.Session.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	sid, err := s.cookies.Decode(cookie.Value)
	if err != nil {
		return nil
	}
	sess, err := s.sessions.Get(sid)
	if err != nil {
		return nil
	}
	return sess
}

// setSessionCookie binds the browser to a session id via the signed
// cookie. HttpOnly and SameSite=Strict always; Secure outside development
// so local plain-HTTP testing still works.
func (s *Server) setSessionCookie(c echo.Context, sessionID string) {
	value, err := s.cookies.Encode(sessionID)
	if err != nil {
		return
	}
	c.SetCookie(&http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.cfg.Session.Lifetime / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.IsProduction() || s.cfg.TLS.CertFile != "",
		SameSite: http.SameSiteStrictMode,
	})
}

// currentSession fetches the session placed in context by the middleware.
func currentSession(c echo.Context) *session.Session {
	sess, _ := c.Get(sessionContextKey).(*session.Session)
	return sess
}
