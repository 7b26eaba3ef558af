package annotations

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("content token conflict")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTransport        = errors.New("remote transport failure")
	ErrMalformedContent = errors.New("malformed annotation content")
	ErrRateLimited      = errors.New("remote rate limit exhausted")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
)

// RemoteError carries the status the content host answered with. Its category
// is one of the sentinels above so callers can branch with errors.Is.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
	Category   error
	RetryAt    time.Time
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status=%d: %v", e.Op, e.StatusCode, e.Category)
	}
	return fmt.Sprintf("%s: status=%d: %v: %s", e.Op, e.StatusCode, e.Category, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return e.Category != nil && target == e.Category
}

type ConflictError struct {
	Path          string
	ExpectedToken ContentToken
	StatusCode    int
}

func (e *ConflictError) Error() string {
	if e.ExpectedToken.Present() {
		return fmt.Sprintf("content token conflict for %s (expected %s)", e.Path, e.ExpectedToken)
	}
	return fmt.Sprintf("content token conflict for %s (file already exists)", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type MalformedContentError struct {
	Line int
	Err  error
}

func (e *MalformedContentError) Error() string {
	return fmt.Sprintf("malformed annotation content at line %d: %v", e.Line, e.Err)
}

func (e *MalformedContentError) Is(target error) bool {
	return target == ErrMalformedContent
}

func (e *MalformedContentError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a failed call may be reissued by the caller
// without first re-reading remote state.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}
