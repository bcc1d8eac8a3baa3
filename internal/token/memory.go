package token

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/tbeier/resetflow/internal/random"
)

// MemResetStore is the process-lifetime reset token registry. All
// check-and-delete sequences run under one lock, which is what makes
// consumption exactly-once under concurrent requests.
type MemResetStore struct {
	mu     sync.Mutex
	byID   map[random.TokenID]*ResetRecord
	byCode map[string]random.TokenID
	now    func() time.Time
}

// NewMemResetStore creates an empty registry.
func NewMemResetStore() *MemResetStore {
	return &MemResetStore{
		byID:   make(map[random.TokenID]*ResetRecord),
		byCode: make(map[string]random.TokenID),
		now:    time.Now,
	}
}

// Save stores the record. The ttl parameter is redundant here since the
// record carries ExpiresAt; it exists for the Redis implementation.
func (s *MemResetStore) Save(_ context.Context, rec *ResetRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.byID[rec.ID] = &c
	s.byCode[rec.ShortCode] = rec.ID
	return nil
}

// Consume verifies the secret hash and removes the record in one step.
func (s *MemResetStore) Consume(_ context.Context, id random.TokenID, secretHash [32]byte) (*ResetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(id, &secretHash)
}

// ConsumeByCode consumes by the short numeric alias without a secret.
func (s *MemResetStore) ConsumeByCode(_ context.Context, code string) (*ResetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return s.consumeLocked(id, nil)
}

func (s *MemResetStore) consumeLocked(id random.TokenID, secretHash *[32]byte) (*ResetRecord, error) {
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(rec.ExpiresAt) {
		s.removeLocked(rec)
		return nil, ErrNotFound
	}

	if secretHash != nil {
		if subtle.ConstantTimeCompare(rec.SecretHash[:], secretHash[:]) != 1 {
			// Wrong secret leaves the record intact. The caller's rate
			// limit bounds how often this branch can run.
			return nil, ErrMismatch
		}
	}

	s.removeLocked(rec)
	c := *rec
	return &c, nil
}

// InvalidateUser drops every record bound to userRef.
func (s *MemResetStore) InvalidateUser(_ context.Context, userRef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, rec := range s.byID {
		if rec.UserRef == userRef {
			s.removeLocked(rec)
			removed++
		}
	}
	return removed
}

func (s *MemResetStore) removeLocked(rec *ResetRecord) {
	delete(s.byID, rec.ID)
	delete(s.byCode, rec.ShortCode)
}

// MemMFAStore is the process-lifetime MFA challenge registry.
type MemMFAStore struct {
	mu     sync.Mutex
	bySubj map[string]*MFARecord
	now    func() time.Time
}

// NewMemMFAStore creates an empty registry.
func NewMemMFAStore() *MemMFAStore {
	return &MemMFAStore{
		bySubj: make(map[string]*MFARecord),
		now:    time.Now,
	}
}

// Save stores the challenge, replacing any previous one.
func (s *MemMFAStore) Save(_ context.Context, subject string, rec *MFARecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.bySubj[subject] = &c
	return nil
}

// Verify checks the code and settles the challenge atomically.
func (s *MemMFAStore) Verify(_ context.Context, subject, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bySubj[subject]
	if !ok {
		return ErrNotFound
	}
	if s.now().After(rec.ExpiresAt) {
		delete(s.bySubj, subject)
		return ErrNotFound
	}

	submitted := random.HashBytes([]byte(code))
	if subtle.ConstantTimeCompare(rec.CodeHash[:], submitted[:]) != 1 {
		rec.Attempts--
		if rec.Attempts <= 0 {
			delete(s.bySubj, subject)
			return ErrAttemptsExceeded
		}
		return ErrMismatch
	}

	delete(s.bySubj, subject)
	return nil
}

// Clear drops the challenge for subject.
func (s *MemMFAStore) Clear(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySubj, subject)
	return nil
}

var (
	_ ResetStore = (*MemResetStore)(nil)
	_ MFAStore   = (*MemMFAStore)(nil)
)
