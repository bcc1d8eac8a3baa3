// Package random generates the unguessable identifiers, secrets, and codes
// used across the recovery and login flows. Tokens follow an id+secret
// split: the id locates the stored record, the secret proves possession,
// and only a SHA-256 of the secret is ever stored.
package random

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// TokenID is the 128-bit locator half of a reset token.
type TokenID [16]byte

const (
	tokenSecretSize  = 32
	resetTokenRaw    = 16 + tokenSecretSize
	csrfTokenBytes   = 32
	sessionTokenSize = 16
)

// NewTokenID returns a random 128-bit token id.
func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

// Bytes returns the raw id bytes.
func (t TokenID) Bytes() []byte { return t[:] }

// String encodes the id as compact unpadded base64url.
func (t TokenID) String() string {
	return base64.RawURLEncoding.EncodeToString(t[:])
}

// ParseTokenID decodes a base64url token id.
func ParseTokenID(s string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid token id size")
	}

	copy(id[:], raw)
	return id, nil
}

// NewSecret returns a random 256-bit token secret.
func NewSecret() ([tokenSecretSize]byte, error) {
	var secret [tokenSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret returns the SHA-256 digest stored in place of a secret.
func HashSecret(secret [tokenSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashBytes hashes an arbitrary secret byte slice.
func HashBytes(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// EncodeResetToken packs id+secret into one opaque base64url string handed
// to the user. Real and decoy tokens share this shape exactly.
func EncodeResetToken(id TokenID, secret [tokenSecretSize]byte) string {
	var raw [resetTokenRaw]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// DecodeResetToken splits an opaque reset token back into id and secret.
func DecodeResetToken(token string) (TokenID, [tokenSecretSize]byte, error) {
	var (
		id     TokenID
		secret [tokenSecretSize]byte
	)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return id, secret, err
	}
	if len(raw) != resetTokenRaw {
		return id, secret, errors.New("invalid reset token size")
	}

	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])
	return id, secret, nil
}

// NewOTP returns a uniformly random numeric code of the given width.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// DeriveOTP derives a numeric code from a key and subject via HMAC-SHA256.
// Reproducible by construction; used only when deterministic demo codes are
// enabled, never as the default.
func DeriveOTP(key []byte, subject string, digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(subject))
	sum := mac.Sum(nil)

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	n := binary.BigEndian.Uint64(sum[:8]) % mod
	return fmt.Sprintf("%0*d", digits, n), nil
}

// ShortCode derives the human-enterable numeric alias of a reset token id.
// It carries far less entropy than the full token and is only acceptable
// because consumption is single-use, TTL-bound, and rate limited.
func ShortCode(id TokenID, digits int) string {
	sum := sha256.Sum256(id[:])
	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	n := binary.BigEndian.Uint64(sum[:8]) % mod
	return fmt.Sprintf("%0*d", digits, n)
}

// NewCSRFToken returns a 256-bit base64url CSRF token.
func NewCSRFToken() (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewSessionID returns a random 128-bit session id in base64url form.
func NewSessionID() (string, error) {
	b := make([]byte, sessionTokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewSigningKey returns a random 256-bit key for cookie signing.
func NewSigningKey() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
