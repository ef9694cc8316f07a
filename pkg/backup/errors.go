package backup

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	KindConfig       Kind = "config_error"
	KindHook         Kind = "hook_error"
	KindTimeout      Kind = "timeout_error"
	KindBackup       Kind = "backup_error"
	KindRestore      Kind = "restore_error"
	KindVerification Kind = "verification_error"
	KindConflict     Kind = "conflict_error"
	KindShutdown     Kind = "shutdown_error"
)

// Sentinels matching any *Error of the same kind through errors.Is.
var (
	ErrConfig       = &Error{Kind: KindConfig}
	ErrHook         = &Error{Kind: KindHook}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrBackup       = &Error{Kind: KindBackup}
	ErrRestore      = &Error{Kind: KindRestore}
	ErrVerification = &Error{Kind: KindVerification}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrShutdown     = &Error{Kind: KindShutdown}
)

// Error is the error type returned by every orchestration component.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError returns an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a shorthand for NewError(kind, op, fmt.Errorf(format, args...)).
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retriable reports whether a failed run may be retried by the scheduler.
// Shutdown, conflict and configuration failures never are.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindShutdown, KindConflict, KindConfig:
		return false
	case "":
		return err != nil
	}
	return true
}

// FromContext converts a context termination into the matching taxonomy error.
// Only a cancellation caused by ErrShutdown is a shutdown; any other
// cancellation is a backup error. It returns nil while ctx is still live.
func FromContext(ctx context.Context, op string) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrShutdown):
		return NewError(KindShutdown, op, cause)
	case errors.Is(cause, context.DeadlineExceeded):
		return NewError(KindTimeout, op, cause)
	}
	return NewError(KindBackup, op, cause)
}
