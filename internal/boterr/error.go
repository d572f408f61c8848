// Package boterr defines the error kinds exchanged between the mergebot
// components and the task layer.
package boterr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetryableError wraps an error of an operation that can be retried later.
type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}

// PermissionDeniedError is returned when a user may not trigger an operation
// on a pull request. It is terminal, the operation must not be retried.
type PermissionDeniedError struct {
	Username string
	Reason   string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %s is not allowed: %s", e.Username, e.Reason)
}

// MalformedBranchNameError is returned when a branch name does not match the
// merge-bot branch encoding.
type MalformedBranchNameError struct {
	BranchName string
}

func (e *MalformedBranchNameError) Error() string {
	return fmt.Sprintf("branch name %q is not a valid merge-bot branch name", e.BranchName)
}

// ProcessError is returned when an external command exited non-zero.
// Output contains the combined stdout and stderr of the command.
type ProcessError struct {
	Command  []string
	ExitCode int
	Output   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("command %q exited with code %d, output:\n%s",
		strings.Join(e.Command, " "), e.ExitCode, e.Output)
}

// PublishError is returned when publishing a package artifact to a package
// index failed.
type PublishError struct {
	Filename string
	Reason   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing %s failed: %s", e.Filename, e.Reason)
}

func (e *PublishError) Unwrap() error {
	return e.Reason
}

// IsRetryable returns true if err wraps a RetryableError.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}
