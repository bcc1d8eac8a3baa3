// Package credstore holds user credential records. Lookups are
// case-normalized, password verification runs in uniform time whether or
// not the account exists, and plaintext passwords never persist past the
// hashing call.
package credstore

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbeier/resetflow/internal/password"
)

// ErrNotFound is returned when no user matches the given reference.
var ErrNotFound = errors.New("user not found")

// ErrPolicy is returned when a candidate password violates the policy. The
// individual rule failures travel alongside via PolicyError.
var ErrPolicy = errors.New("password policy violation")

// PolicyError carries the structured list of unmet password rules.
type PolicyError struct {
	Failures []string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return "password policy violation: " + strings.Join(e.Failures, " ")
}

// Unwrap makes errors.Is(err, ErrPolicy) hold for policy errors.
func (e *PolicyError) Unwrap() error { return ErrPolicy }

// User is a stored account record. PasswordHash is opaque PHC text and is
// never exposed through the HTTP surface.
type User struct {
	ID           string
	Identifier   string
	PasswordHash string
	MFAEnabled   bool
	CreatedAt    time.Time
}

// Store is the credential registry consulted by both state machines.
type Store interface {
	// FindByIdentifier looks up a user by normalized identifier.
	FindByIdentifier(identifier string) (*User, error)

	// FindByID looks up a user by id.
	FindByID(id string) (*User, error)

	// Authenticate verifies the plaintext against the stored hash. When the
	// identifier matches no account a dummy verification runs instead, so
	// latency does not reveal existence. Returns the user only on success.
	Authenticate(identifier, plaintext string) (*User, bool)

	// SetPassword validates the policy and replaces the stored hash.
	// Violations return a *PolicyError listing every unmet rule.
	SetPassword(userID, plaintext string) error

	// Create adds a user. The identifier is normalized before storage.
	Create(identifier, plaintext string, mfaEnabled bool) (*User, error)

	// ValidatePolicy checks a candidate password against the policy without
	// mutating anything. Needed by the decoy password-set path, which must
	// validate identically to the real path.
	ValidatePolicy(plaintext string) []string
}

// NormalizeIdentifier lowercases, trims, and restricts an identifier to a
// safe charset, bounding length at 100 runes.
func NormalizeIdentifier(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '.', r == '@', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= 100 {
			break
		}
	}
	return b.String()
}

// MemStore is the process-lifetime credential registry.
type MemStore struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]string // normalized identifier -> user id

	hasher *password.Hasher
	policy password.Policy
}

// NewMemStore creates an empty credential store.
func NewMemStore(hasher *password.Hasher, policy password.Policy) *MemStore {
	return &MemStore{
		byID:   make(map[string]*User),
		byName: make(map[string]string),
		hasher: hasher,
		policy: policy,
	}
}

// Create adds a user record. Seed passwords bypass the policy: the demo
// seeds an intentionally "expired" credential the user must reset.
func (s *MemStore) Create(identifier, plaintext string, mfaEnabled bool) (*User, error) {
	normalized := NormalizeIdentifier(identifier)
	if normalized == "" {
		return nil, errors.New("empty identifier")
	}

	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		Identifier:   normalized,
		PasswordHash: hash,
		MFAEnabled:   mfaEnabled,
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[normalized]; exists {
		return nil, errors.New("identifier already registered")
	}
	s.byID[user.ID] = user
	s.byName[normalized] = user.ID
	return copyUser(user), nil
}

// FindByIdentifier looks up a user by normalized identifier.
func (s *MemStore) FindByIdentifier(identifier string) (*User, error) {
	normalized := NormalizeIdentifier(identifier)

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[normalized]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(s.byID[id]), nil
}

// FindByID looks up a user by id.
func (s *MemStore) FindByID(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(user), nil
}

// Authenticate verifies credentials with uniform latency. The dummy branch
// performs the same argon2 work as the real branch.
func (s *MemStore) Authenticate(identifier, plaintext string) (*User, bool) {
	user, err := s.FindByIdentifier(identifier)
	if err != nil {
		s.hasher.VerifyDummy(plaintext)
		return nil, false
	}

	ok, err := s.hasher.Verify(plaintext, user.PasswordHash)
	if err != nil || !ok {
		return nil, false
	}
	return user, true
}

// SetPassword validates the policy, hashes, and swaps the stored hash.
func (s *MemStore) SetPassword(userID, plaintext string) error {
	if failures := s.policy.Validate(plaintext); len(failures) > 0 {
		return &PolicyError{Failures: failures}
	}

	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = hash
	return nil
}

// ValidatePolicy exposes policy checking without mutation, for callers that
// must validate before knowing whether the target account is real.
func (s *MemStore) ValidatePolicy(plaintext string) []string {
	return s.policy.Validate(plaintext)
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
