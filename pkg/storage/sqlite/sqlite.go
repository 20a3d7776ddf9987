// Package sqlite provides the SQLite dialect of the relational adapter.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
)

// Dialect describes SQLite to [sqlcommon.Adapter].
var Dialect = sqlcommon.Dialect{
	Name:           "sqlite",
	Placeholder:    sq.Question,
	QuoteIdent:     QuoteIdent,
	HandleSQLError: HandleSQLError,
}

// QuoteIdent double quotes an identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Prepare a raw DSN from config for use with SQLite, specifying defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	// Set transaction mode to immediate if not specified
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New opens the backend called name at uri.
func New(name, uri string, cfg *sqlcommon.Config) (*sqlcommon.Adapter, error) {
	inMemory := strings.HasPrefix(uri, ":memory:")

	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	sqlcommon.ConfigurePool(db, cfg)
	if inMemory {
		// every connection would open its own empty database
		db.SetMaxOpenConns(1)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, name)
		if err := prometheus.Register(collector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	adapter, err := sqlcommon.NewAdapter(name, db, Dialect, cfg, collector)
	if err != nil {
		if collector != nil {
			prometheus.Unregister(collector)
		}
		db.Close()
		return nil, err
	}
	return adapter, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error. A locked or
// unopenable database is reported as unavailable so that callers retry.
func HandleSQLError(backend string, err error) error {
	return sqlcommon.HandleSQLError(backend, err, classify)
}

var unavailableErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
	sqlite3.SQLITE_CANTOPEN:           {},
}

func classify(err error) pqerrors.Kind {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return ""
	}

	if _, ok := unavailableErrors[sqliteErr.Code()]; ok {
		return pqerrors.KindBackendUnavailable
	}
	if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
		return pqerrors.KindInvalidRecord
	}
	return ""
}
