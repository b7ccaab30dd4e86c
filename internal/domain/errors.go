package domain

import "github.com/cockroachdb/errors"

// Error kinds. Callers classify with errors.Is and wrap with
// errors.Mark so the kind survives arbitrary wrapping.
var (
	// ErrConfiguration marks malformed cron expressions, missing burst
	// fields, invalid distribution configs. Fails fast, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransient marks query timeouts, renderer I/O failures and channel
	// send failures. Retried up to the schedule's retry budget.
	ErrTransient = errors.New("transient execution error")

	// ErrSecurity marks credential decryption failures. Terminal, never
	// retried, and raises an audit alert.
	ErrSecurity = errors.New("security error")

	// ErrConcurrencyConflict marks an attempted double-run of a schedule.
	// The newer firing is deferred to the next tick, not treated as failure.
	ErrConcurrencyConflict = errors.New("previous execution still running")

	// ErrNotFound marks lookups of absent records.
	ErrNotFound = errors.New("not found")
)

// Configf builds a ConfigurationError.
func Configf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

// Transientf builds a TransientExecutionError.
func Transientf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrTransient)
}

// Retryable reports whether err should consume retry budget rather than
// fail terminally. Configuration and security failures are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrSecurity) {
		return false
	}
	return true
}
