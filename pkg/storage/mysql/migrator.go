package mysql

import (
	"context"

	"github.com/pressly/goose/v3"

	"github.com/polyquery/polyquery/assets"
	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
)

// MySQLMigrationProvider implements [storage.MigrationProvider] for MySQL.
type MySQLMigrationProvider struct {
	migrator sqlcommon.Migrator
}

func NewMySQLMigrationProvider() *MySQLMigrationProvider {
	return &MySQLMigrationProvider{
		migrator: sqlcommon.Migrator{
			Engine:     "mysql",
			Driver:     "mysql",
			Dialect:    goose.DialectMySQL,
			DefaultDir: assets.MySQLMigrationDir,
		},
	}
}

func (m *MySQLMigrationProvider) GetSupportedEngine() string {
	return "mysql"
}

func (m *MySQLMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	uri, err := PrepareDSN(config.URI, config.Username, config.Password)
	if err != nil {
		return err
	}
	return m.migrator.Run(ctx, uri, config)
}

func (m *MySQLMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	uri, err := PrepareDSN(config.URI, config.Username, config.Password)
	if err != nil {
		return 0, err
	}
	return m.migrator.CurrentVersion(ctx, uri, config)
}
