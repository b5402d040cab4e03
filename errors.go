package tracklab

import (
	"errors"
	"fmt"
)

// UsageError indicates the caller misused the SDK: calling a method in the
// wrong run state, passing an argument of the wrong type or shape, or
// attaching re-entrantly. It always surfaces synchronously to the caller.
type UsageError struct {
	Op  string // the public operation that was misused, e.g. "Run.Log"
	Msg string
}

func (e *UsageError) Error() string {
	if e.Op == "" {
		return "tracklab: " + e.Msg
	}
	return fmt.Sprintf("tracklab: %s: %s", e.Op, e.Msg)
}

func usageErrorf(op, format string, args ...any) *UsageError {
	return &UsageError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// errRunFinished is returned by every mutating Run method once Finish has
// completed, naming the offending method.
func errRunFinished(method string) *UsageError {
	return &UsageError{Op: method, Msg: "run has been finished; no further operations are allowed"}
}

// CommError indicates a failure talking to the local backend or the service
// process. The underlying transport error is wrapped and unwrappable.
type CommError struct {
	Msg string
	Err error
}

func (e *CommError) Error() string {
	if e.Err == nil {
		return "tracklab: " + e.Msg
	}
	return fmt.Sprintf("tracklab: %s: %v", e.Msg, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

func commErrorf(err error, format string, args ...any) *CommError {
	return &CommError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// AuthenticationError is unused in local-only mode but preserved for API
// compatibility with code that handles it.
type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string { return "tracklab: " + e.Msg }

// IsUsageError reports whether err is (or wraps) a UsageError.
func IsUsageError(err error) bool {
	var e *UsageError
	return errors.As(err, &e)
}

// IsCommError reports whether err is (or wraps) a CommError.
func IsCommError(err error) bool {
	var e *CommError
	return errors.As(err, &e)
}
