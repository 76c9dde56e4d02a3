// Package pipeline holds the error taxonomy shared across pipeline stages.
//
// Unclassified errors are treated as transient and retried with backoff;
// unrecoverable errors fail the file immediately without consuming retries;
// validation errors are rejected synchronously and never enqueued.
package pipeline

import "errors"

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks an error as permanent: corrupt input, unsupported
// codec, track below the fingerprint window.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err or anything it wraps is permanent.
func IsUnrecoverable(err error) bool {
	var ue *unrecoverableError
	return errors.As(err, &ue)
}

type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// Validation marks an error as bad input, rejected before enqueueing.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &validationError{err: err}
}

// IsValidation reports whether err is a rejected-input error.
func IsValidation(err error) bool {
	var ve *validationError
	return errors.As(err, &ve)
}
