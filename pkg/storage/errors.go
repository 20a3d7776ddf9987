package storage

import (
	"context"
	"errors"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
)

// ErrUnknownCollection is returned by adapters asked for an entity they hold
// no binding for.
var ErrUnknownCollection = errors.New("entity is not bound to this backend")

// Unavailable classifies cause as a BackendUnavailable failure of backend.
func Unavailable(backend string, cause error) error {
	return pqerrors.Wrap(pqerrors.KindBackendUnavailable, cause).WithBackend(backend)
}

// Cancelled classifies cause as a Cancelled failure of backend.
func Cancelled(backend string, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return pqerrors.Wrap(pqerrors.KindCancelled, cause).WithBackend(backend)
}

// InvalidCursor reports a continuation token the adapter cannot decode.
func InvalidCursor(backend string, cause error) error {
	return pqerrors.Wrap(pqerrors.KindInvalidCursor, cause).WithBackend(backend)
}

// ContextError maps a context cancellation or deadline into a Cancelled
// error. It returns nil when ctx is still live.
func ContextError(ctx context.Context, backend string) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(backend, err)
	}
	return nil
}

// IsContextError reports whether err stems from a cancelled or expired
// context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
