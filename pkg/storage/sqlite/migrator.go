package sqlite

import (
	"context"

	"github.com/pressly/goose/v3"

	"github.com/polyquery/polyquery/assets"
	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
)

// SQLiteMigrationProvider implements [storage.MigrationProvider] for SQLite.
type SQLiteMigrationProvider struct {
	migrator sqlcommon.Migrator
}

func NewSQLiteMigrationProvider() *SQLiteMigrationProvider {
	return &SQLiteMigrationProvider{
		migrator: sqlcommon.Migrator{
			Engine:     "sqlite",
			Driver:     "sqlite",
			Dialect:    goose.DialectSQLite3,
			DefaultDir: assets.SQLiteMigrationDir,
		},
	}
}

func (s *SQLiteMigrationProvider) GetSupportedEngine() string {
	return "sqlite"
}

func (s *SQLiteMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	uri, err := s.prepareURI(config)
	if err != nil {
		return err
	}
	return s.migrator.Run(ctx, uri, config)
}

func (s *SQLiteMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	uri, err := s.prepareURI(config)
	if err != nil {
		return 0, err
	}
	return s.migrator.CurrentVersion(ctx, uri, config)
}

func (s *SQLiteMigrationProvider) prepareURI(config storage.MigrationConfig) (string, error) {
	return PrepareDSN(config.URI)
}
