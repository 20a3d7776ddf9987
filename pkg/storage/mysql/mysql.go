// Package mysql provides the MySQL dialect of the relational adapter.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
)

// Dialect describes MySQL to [sqlcommon.Adapter].
var Dialect = sqlcommon.Dialect{
	Name:           "mysql",
	Placeholder:    sq.Question,
	QuoteIdent:     QuoteIdent,
	HandleSQLError: HandleSQLError,
}

// QuoteIdent backtick quotes an identifier.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// PrepareDSN applies the configured credentials to uri and asks the driver
// to parse DATETIME columns.
func PrepareDSN(uri string, username, password string) (string, error) {
	dsnCfg, err := mysql.ParseDSN(uri)
	if err != nil {
		return "", fmt.Errorf("parse mysql connection dsn: %w", err)
	}

	if username != "" {
		dsnCfg.User = username
	}
	if password != "" {
		dsnCfg.Passwd = password
	}
	dsnCfg.ParseTime = true

	return dsnCfg.FormatDSN(), nil
}

// New opens the backend called name at uri.
func New(name, uri string, cfg *sqlcommon.Config) (*sqlcommon.Adapter, error) {
	dsn, err := PrepareDSN(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}
	sqlcommon.ConfigurePool(db, cfg)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err = backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for mysql", zap.String("backend", name), zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
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
// specific error type based on the nature of the SQL error.
func HandleSQLError(backend string, err error) error {
	return sqlcommon.HandleSQLError(backend, err, classify)
}

func classify(err error) pqerrors.Kind {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return pqerrors.KindBackendUnavailable
	}

	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return ""
	}
	switch me.Number {
	case 1040, // too many connections
		1053, // server shutdown in progress
		1129, // host blocked
		1152: // aborted connection
		return pqerrors.KindBackendUnavailable
	case 1048, // column cannot be null
		1062, // duplicate entry
		1364, // field has no default value
		1366, // incorrect value
		1406: // data too long
		return pqerrors.KindInvalidRecord
	}
	return ""
}
