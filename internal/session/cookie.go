package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrCookieInvalid is returned for any cookie that fails signature or claim
// validation. Callers treat it as "no session" and mint a fresh one; the
// reason is never surfaced.
var ErrCookieInvalid = errors.New("invalid session cookie")

const cookieIssuer = "resetflow"

// CookieCodec signs session ids into the browser cookie and verifies them
// back. Tampered or expired cookies fail closed. The registry check still
// runs afterwards; the signature only rejects forgeries before a map lookup.
type CookieCodec struct {
	key      []byte
	lifetime time.Duration
}

type cookieClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// NewCookieCodec creates a codec signing with the given HS256 key.
func NewCookieCodec(key []byte, lifetime time.Duration) (*CookieCodec, error) {
	if len(key) < 32 {
		return nil, errors.New("session signing key must be at least 32 bytes")
	}
	if lifetime <= 0 {
		return nil, errors.New("session lifetime must be positive")
	}
	return &CookieCodec{key: key, lifetime: lifetime}, nil
}

// Encode wraps the session id in a signed claim set.
func (c *CookieCodec) Encode(sessionID string) (string, error) {
	now := time.Now()
	claims := cookieClaims{
		SID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cookieIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.key)
}

// Decode verifies the signature and claims and returns the session id.
func (c *CookieCodec) Decode(value string) (string, error) {
	parsed, err := jwt.ParseWithClaims(value, &cookieClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrCookieInvalid
		}
		return c.key, nil
	},
		jwt.WithIssuer(cookieIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", ErrCookieInvalid
	}

	claims, ok := parsed.Claims.(*cookieClaims)
	if !ok || claims.SID == "" {
		return "", ErrCookieInvalid
	}
	return claims.SID, nil
}
