package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateHandler is returned by Register when the name is taken.
var ErrDuplicateHandler = errors.New("duplicate handler")

// ConfigError lists everything wrong with one queue's configuration.
type ConfigError struct {
	Queue    string
	Problems []string
}

func (e *ConfigError) Error() string {
	name := e.Queue
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("queue %s: invalid config: %s", name, strings.Join(e.Problems, "; "))
}

// IsConfigError reports whether err (or anything it wraps or joins) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// HandlerFault is a recoverable handler failure. The worker wraps every
// non-fatal handler error and every recovered panic in one.
type HandlerFault struct {
	Handler string
	Err     error
}

func (e *HandlerFault) Error() string { return fmt.Sprintf("handler %s: %v", e.Handler, e.Err) }
func (e *HandlerFault) Unwrap() error { return e.Err }

// Fatal marks an error as non-recoverable: the job fails without retry.
//
//	return queue.Fatal(fmt.Errorf("bad payload: %w", err))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }

// RetryAfter asks for at least d before the next attempt, e.g. when a
// downstream service answered 429 with a Retry-After header.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(d, 0)}
}

// RetryAfterHint extracts a RetryAfter delay from err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e retryAfterError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }
