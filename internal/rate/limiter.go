// Package rate enforces fixed-window attempt limits with exponential
// backoff blocks. Every attempt counts toward the window, successful or
// not, and limits are checked before any expensive verification work runs.
package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimited is the sentinel all limit rejections unwrap to.
var ErrLimited = errors.New("rate limited")

// LimitError is returned when an attempt is rejected. RetryAfter is the
// remaining block duration, rounded up to whole seconds for HTTP headers.
type LimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrLimited) hold.
func (e *LimitError) Unwrap() error { return ErrLimited }

// RetrySeconds returns the retry hint in whole seconds, at least 1.
func (e *LimitError) RetrySeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Config holds the shared window and backoff tuning.
type Config struct {
	// Window is the fixed counting window.
	Window time.Duration

	// BlockBase is the first block duration once the limit is exceeded.
	// Each further excess attempt doubles it, capped at BlockMax.
	BlockBase time.Duration
	BlockMax  time.Duration
}

// Limiter records an attempt under key and reports whether it may proceed.
// Separate keys are independent; callers compose keys per scope and action.
type Limiter interface {
	// Allow counts one attempt. It returns a *LimitError once the window
	// count exceeds limit, or while an earlier block is still active.
	Allow(ctx context.Context, key string, limit int) error

	// Reset clears the counter and any active block for key.
	Reset(ctx context.Context, key string) error
}

// Key builds the canonical "action:subject" limiter key.
func Key(action, subject string) string {
	return action + ":" + subject
}

// blockFor computes the backoff for the nth attempt past the limit.
// excess 0 is the first rejected attempt.
func blockFor(cfg Config, excess int64) time.Duration {
	if excess < 0 {
		excess = 0
	}
	block := cfg.BlockBase
	for i := int64(0); i < excess; i++ {
		block *= 2
		if block >= cfg.BlockMax {
			return cfg.BlockMax
		}
	}
	if block > cfg.BlockMax {
		return cfg.BlockMax
	}
	return block
}

type memEntry struct {
	count        int64
	windowStart  time.Time
	blockedUntil time.Time
}

// MemLimiter is the process-lifetime limiter.
type MemLimiter struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	cfg     Config
	now     func() time.Time
}

// NewMemLimiter creates an empty in-memory limiter.
func NewMemLimiter(cfg Config) *MemLimiter {
	return &MemLimiter{
		entries: make(map[string]*memEntry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Allow counts an attempt against key's fixed window.
func (l *MemLimiter) Allow(_ context.Context, key string, limit int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &memEntry{windowStart: now}
		l.entries[key] = e
	}

	if now.Before(e.blockedUntil) {
		return &LimitError{RetryAfter: e.blockedUntil.Sub(now)}
	}

	if now.Sub(e.windowStart) >= l.cfg.Window {
		e.count = 0
		e.windowStart = now
		e.blockedUntil = time.Time{}
	}

	e.count++
	if e.count > int64(limit) {
		block := blockFor(l.cfg, e.count-int64(limit)-1)
		e.blockedUntil = now.Add(block)
		return &LimitError{RetryAfter: block}
	}
	return nil
}

// Reset clears all state for key.
func (l *MemLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
