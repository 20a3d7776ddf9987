package sqlcommon

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/storage"
)

// ErrorClassifier recognizes driver specific errors. It returns the empty
// kind for errors it does not know.
type ErrorClassifier func(error) pqerrors.Kind

// HandleSQLError classifies an error returned by database/sql. Context
// errors become Cancelled, connection failures become BackendUnavailable,
// then classify gets a say, and everything else is Internal.
func HandleSQLError(backend string, err error, classify ErrorClassifier) error {
	if err == nil {
		return nil
	}

	if storage.IsContextError(err) {
		return storage.Cancelled(backend, err)
	}

	if IsConnectionError(err) {
		return storage.Unavailable(backend, err)
	}

	if classify != nil {
		if kind := classify(err); kind != "" {
			return pqerrors.Wrap(kind, err).WithBackend(backend)
		}
	}

	return pqerrors.Wrap(pqerrors.KindInternal, fmt.Errorf("sql error: %w", err)).WithBackend(backend)
}

// IsConnectionError reports driver independent signs of a lost or refused
// connection.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
