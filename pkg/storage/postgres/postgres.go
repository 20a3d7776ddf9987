// Package postgres provides the PostgreSQL dialect of the relational adapter.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
)

// Dialect describes PostgreSQL to [sqlcommon.Adapter].
var Dialect = sqlcommon.Dialect{
	Name:           "postgres",
	Placeholder:    sq.Dollar,
	QuoteIdent:     QuoteIdent,
	HandleSQLError: HandleSQLError,
}

// QuoteIdent double quotes an identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// initDB opens a postgres pool, replacing the credentials in uri with the
// configured ones when set.
func initDB(uri string, cfg *sqlcommon.Config) (*sql.DB, error) {
	if cfg.Username != "" || cfg.Password != "" {
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse postgres connection uri: %w", err)
		}

		username := ""
		if cfg.Username != "" {
			username = cfg.Username
		} else if parsed.User != nil {
			username = parsed.User.Username()
		}

		switch {
		case cfg.Password != "":
			parsed.User = url.UserPassword(username, cfg.Password)
		case parsed.User != nil:
			if password, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(username, password)
			} else {
				parsed.User = url.User(username)
			}
		default:
			parsed.User = url.User(username)
		}

		uri = parsed.String()
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	sqlcommon.ConfigurePool(db, cfg)
	return db, nil
}

// New opens the backend called name at uri.
func New(name, uri string, cfg *sqlcommon.Config) (*sqlcommon.Adapter, error) {
	db, err := initDB(uri, cfg)
	if err != nil {
		return nil, err
	}

	return NewWithDB(name, db, cfg)
}

// configureDB waits for the database to answer and registers the pool
// metrics.
func configureDB(name string, db *sql.DB, cfg *sqlcommon.Config) (prometheus.Collector, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.String("backend", name), zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, name)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// NewWithDB builds the adapter over an already open pool.
func NewWithDB(name string, db *sql.DB, cfg *sqlcommon.Config) (*sqlcommon.Adapter, error) {
	collector, err := configureDB(name, db, cfg)
	if err != nil {
		return nil, fmt.Errorf("configure db: %w", err)
	}

	adapter, err := sqlcommon.NewAdapter(name, db, Dialect, cfg, collector)
	if err != nil {
		if collector != nil {
			prometheus.Unregister(collector)
		}
		return nil, err
	}
	return adapter, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(backend string, err error) error {
	return sqlcommon.HandleSQLError(backend, err, classify)
}

func classify(err error) pqerrors.Kind {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return pqerrors.KindBackendUnavailable
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}

	switch {
	// class 08 is connection exception, 57P0x operator intervention
	case strings.HasPrefix(pgErr.Code, "08"),
		pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03",
		pgErr.Code == "53300":
		return pqerrors.KindBackendUnavailable
	// class 23 is integrity constraint violation
	case strings.HasPrefix(pgErr.Code, "23"):
		return pqerrors.KindInvalidRecord
	}
	return ""
}
