package errors

import (
	"errors"
	"fmt"
	"time"
)

// ChallengeError is returned when the platform demands an interactive
// proof-of-humanity before accepting a write. ChallengeData is opaque to the
// core; the caller completes the challenge out-of-band and retries with a
// proof.
type ChallengeError struct {
	*AppError
	ChallengeData []byte
}

// NewChallengeError creates a challenge-required error carrying the opaque
// challenge payload from the platform response.
func NewChallengeError(data []byte) *ChallengeError {
	return &ChallengeError{
		AppError: New(ErrCodeChallengeRequired, "platform requires interactive challenge").
			WithUserMessage("Verification required before sending"),
		ChallengeData: data,
	}
}

// AsChallenge extracts a ChallengeError if err is one.
func AsChallenge(err error) (*ChallengeError, bool) {
	var ce *ChallengeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RateLimitError carries the backend-indicated delay after which the request
// may be retried. Rate limited requests are delayed, never dropped.
type RateLimitError struct {
	*AppError
	RetryAfter time.Duration
}

// NewRateLimitError creates a rate limit error with the indicated delay.
func NewRateLimitError(retryAfter time.Duration) *RateLimitError {
	e := &RateLimitError{
		AppError:   New(ErrCodeRateLimit, fmt.Sprintf("rate limited, retry after %s", retryAfter)),
		RetryAfter: retryAfter,
	}
	e.Retryable = true
	return e
}

// AsRateLimit extracts a RateLimitError if err is one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// NewConnectionError creates a transport-level error that triggers reconnect
func NewConnectionError(err error, detail string) *AppError {
	return WrapRetryable(err, ErrCodeConnection, detail)
}

// NewProtocolError creates an error for a malformed or unexpected frame
func NewProtocolError(detail string) *AppError {
	return New(ErrCodeProtocol, detail)
}

// NewAuthError creates a credential-rejected error; the session must not
// auto-retry with the same credential.
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthInvalid, reason).
		WithUserMessage("Authentication failed, please sign in again")
}

// NewDecryptionError wraps a local data corruption error. Read paths degrade
// to a placeholder instead of propagating this to callers.
func NewDecryptionError(err error) *AppError {
	return Wrap(err, ErrCodeDecryption, "failed to decrypt stored content")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewSyncError creates a reconciliation error; the batch stays pending and
// is retried on the next cycle.
func NewSyncError(phase string, err error) *AppError {
	return WrapRetryable(err, ErrCodeSync, fmt.Sprintf("sync %s failed", phase)).
		WithContext("phase", phase)
}
