package usecase

import "errors"

// ErrPermanent marks failures that no retry can fix, such as a malformed batch.
var ErrPermanent = errors.New("permanent failure")

type retryableError struct {
	err error
}

func (e retryableError) Error() string { return e.err.Error() }

func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so the dispatcher re-queues the batch.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable and not also
// wrapped as permanent.
func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r) && !errors.Is(err, ErrPermanent)
}
