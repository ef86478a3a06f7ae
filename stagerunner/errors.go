package stagerunner

import "errors"

// StageError classifies a processor failure as retryable (the job should
// be re-leased after backoff, up to the queue's MaxRetries) or fatal (the
// job and its run, child runs included, move to FAILED).
type StageError struct {
	Retryable bool
	Err       error
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure eligible for redelivery.
func Retryable(err error) *StageError {
	return &StageError{Retryable: true, Err: err}
}

// Fatal wraps err as a terminal failure for this job.
func Fatal(err error) *StageError {
	return &StageError{Retryable: false, Err: err}
}

// AsStageError reports whether err is a *StageError, unwrapping if needed.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	ok := errors.As(err, &se)
	return se, ok
}
