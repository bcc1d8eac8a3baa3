// Package session owns the session registry: opaque session ids, per-session
// CSRF tokens, the authentication and recovery state carried between
// requests, and rotation on privilege change. The cookie handed to the
// browser wraps the session id in a signed claim set (see cookie.go); the
// registry remains the source of truth.
package session

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/tbeier/resetflow/internal/random"
)

// ErrNotFound is returned when a session id is unknown or expired.
var ErrNotFound = errors.New("session not found")

// ResetStage tracks where a session stands in the recovery state machine.
// Transitions are strictly ordered and enforced server-side.
type ResetStage uint8

const (
	// ResetNone means no recovery flow is in progress.
	ResetNone ResetStage = iota
	// ResetAwaitingMFA means a reset token was verified and the MFA
	// challenge is outstanding.
	ResetAwaitingMFA
	// ResetAwaitingNewPassword means MFA passed (or is not required) and the
	// flow waits for the replacement password.
	ResetAwaitingNewPassword
)

// ResetContext binds a session to an in-progress recovery flow. UserRef may
// name a decoy reference; the flow treats both identically until the final
// storage mutation.
type ResetContext struct {
	Stage   ResetStage
	TokenID string
	UserRef string
	Decoy   bool
}

// Session is the per-browser state record.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time

	// AuthenticatedUserID is set only after the full login flow, including
	// MFA when enabled.
	AuthenticatedUserID string

	// PendingLoginUserID is set between credential check and MFA.
	PendingLoginUserID string

	// Reset is the recovery flow context, zero when idle.
	Reset ResetContext
}

// Authenticated reports whether the session completed login.
func (s *Session) Authenticated() bool {
	return s.AuthenticatedUserID != ""
}

// Store is the session registry interface. Mutations run under the store's
// lock via Update so check-then-set sequences cannot interleave.
type Store interface {
	Create() (*Session, error)
	Get(id string) (*Session, error)
	Update(id string, fn func(*Session) error) error

	// Rotate replaces the session id and CSRF token while carrying over the
	// session's state. Issued after privilege changes to stop fixation.
	Rotate(id string) (*Session, error)

	Delete(id string) error

	// InvalidateUser deletes every session authenticated as userID except
	// the one named by keepID. Returns how many were removed.
	InvalidateUser(userID, keepID string) int
}

// CheckCSRF compares a submitted token against the session's token in
// constant time. Empty submissions always fail.
func CheckCSRF(s *Session, submitted string) bool {
	if s == nil || submitted == "" || s.CSRFToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(s.CSRFToken)) == 1
}

// MemStore is the process-lifetime session registry.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lifetime time.Duration
	now      func() time.Time
}

// NewMemStore creates an empty registry. Sessions older than lifetime are
// treated as absent; zero disables the bound.
func NewMemStore(lifetime time.Duration) *MemStore {
	return &MemStore{
		sessions: make(map[string]*Session),
		lifetime: lifetime,
		now:      time.Now,
	}
}

// Create makes a fresh anonymous session with a new CSRF token.
func (s *MemStore) Create() (*Session, error) {
	id, err := random.NewSessionID()
	if err != nil {
		return nil, err
	}
	csrf, err := random.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        id,
		CSRFToken: csrf,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
	return copySession(sess), nil
}

// Get returns a copy of the session, or ErrNotFound when missing/expired.
// Expiry is checked lazily at use-time.
func (s *MemStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(sess) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

// Update applies fn to the live record under the store lock. fn must not
// block; this is the synchronous mutation point that keeps state-machine
// transitions atomic with respect to concurrent requests.
func (s *MemStore) Update(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		delete(s.sessions, id)
		return ErrNotFound
	}
	return fn(sess)
}

// Rotate swaps in a new id and CSRF token, carrying state over.
func (s *MemStore) Rotate(id string) (*Session, error) {
	newID, err := random.NewSessionID()
	if err != nil {
		return nil, err
	}
	newCSRF, err := random.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.sessions[id]
	if !ok || s.expired(old) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	delete(s.sessions, id)

	rotated := copySession(old)
	rotated.ID = newID
	rotated.CSRFToken = newCSRF
	rotated.CreatedAt = s.now()
	s.sessions[newID] = rotated
	return copySession(rotated), nil
}

// Delete removes the session. Deleting an absent id is not an error.
func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// InvalidateUser removes other sessions authenticated as userID.
func (s *MemStore) InvalidateUser(userID, keepID string) int {
	if userID == "" {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if id == keepID {
			continue
		}
		if sess.AuthenticatedUserID == userID {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *MemStore) expired(sess *Session) bool {
	if s.lifetime <= 0 {
		return false
	}
	return s.now().Sub(sess.CreatedAt) > s.lifetime
}

func copySession(sess *Session) *Session {
	c := *sess
	return &c
}
