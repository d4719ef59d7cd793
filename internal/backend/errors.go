package backend

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a sync failure for retry and reporting decisions.
type Kind string

const (
	KindTransient   Kind = "transient"   // network blip, 5xx; retried
	KindRateLimit   Kind = "ratelimit"   // throttled; retried after the window
	KindAuth        Kind = "auth"        // bad or expired credentials; fatal
	KindValidation  Kind = "validation"  // remote rejected the payload; item skipped
	KindNotFound    Kind = "notfound"    // remote record gone
	KindUnavailable Kind = "unavailable" // circuit open or remote hard down
)

// Sentinels for errors.Is checks across packages. A *SyncError matches
// the sentinel for its kind without explicit wrapping.
var (
	ErrAuthFailed = errors.New("authentication failed")
	ErrNotFound   = errors.New("remote record not found")
)

// SyncError is the classified failure backends return. Op is the backend
// operation ("auth", "fetch", "push", "pull", "delete").
type SyncError struct {
	Op         string
	Backend    string
	Kind       Kind
	RetryAfter time.Duration // nonzero only for KindRateLimit
	Err        error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is maps kinds onto the package sentinels.
func (e *SyncError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Retryable reports whether the retry executor should try again.
// Unavailable is excluded: the breaker already decided to fail fast.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimit:
		return true
	}
	return false
}

// RetryAfterDuration exposes the rate-limit window to the retry executor.
func (e *SyncError) RetryAfterDuration() time.Duration { return e.RetryAfter }

// Retryable reports whether err should be retried. Errors without a
// classification are permanent.
func Retryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// ErrKind extracts the classification from err, or "" when unclassified.
func ErrKind(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
