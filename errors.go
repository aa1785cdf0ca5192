package creditengine

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientCredits = errors.New("creditengine: insufficient credits")
	ErrSubmissionFailed    = errors.New("creditengine: submission failed")
	ErrPersistenceFailed   = errors.New("creditengine: persistence failed")
	ErrDuplicateJob        = errors.New("creditengine: duplicate job")
	ErrJobNotFound         = errors.New("creditengine: job not found")
	ErrInvalidTransition   = errors.New("creditengine: invalid status transition")
	ErrInvalidAmount       = errors.New("creditengine: invalid amount")
	ErrInvalidRequest      = errors.New("creditengine: invalid request")
	ErrRateLimited         = errors.New("creditengine: rate limited by provider")
	ErrAuthFailed          = errors.New("creditengine: provider authentication failed")
	ErrProviderUnavailable = errors.New("creditengine: provider unavailable")
	ErrUnknownPack         = errors.New("creditengine: unknown pack")
)

// InsufficientCreditsError reports a reservation that the balance could not cover.
// No side effects happened.
type InsufficientCreditsError struct {
	UserID   string
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("creditengine: insufficient credits: user=%s required=%d", e.UserID, e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// SubmissionError wraps a provider failure. Any reservation made for the
// submission has already been refunded when Refunded is true.
type SubmissionError struct {
	Err      error
	Provider string
	UserID   string
	Refunded bool
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("creditengine: submission failed: provider=%s user=%s refunded=%t: %v",
		e.Provider, e.UserID, e.Refunded, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmissionFailed
}

// PersistenceError reports a bookkeeping failure after the provider accepted
// the work. The external job may run untracked; it is recorded as an orphan.
type PersistenceError struct {
	Err               error
	UserID            string
	ExternalRequestID string
	Refunded          bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("creditengine: persistence failed: user=%s external_request_id=%s refunded=%t: %v",
		e.UserID, e.ExternalRequestID, e.Refunded, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailed
}

// IsUserError returns true if the error is caused by the request itself and
// retrying without changes will not help.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownPack)
}

// IsRetryable returns true if the user may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrSubmissionFailed)
}
