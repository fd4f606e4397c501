package worker

import "errors"

// PermanentError marks a failure that retrying cannot fix (malformed job spec
// discovered at generation time, quota exceeded). The job fails immediately
// regardless of remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryableError marks a transient infrastructure failure. Collaborators may
// use it to be explicit; unclassified errors are treated as retryable anyway.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// retryable reports whether the claim processor should schedule another
// attempt for err.
func retryable(err error) bool {
	var p *PermanentError
	return !errors.As(err, &p)
}
