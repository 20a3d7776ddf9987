package postgres

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pressly/goose/v3"

	"github.com/polyquery/polyquery/assets"
	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
)

// PostgresMigrationProvider implements [storage.MigrationProvider] for PostgreSQL.
type PostgresMigrationProvider struct {
	migrator sqlcommon.Migrator
}

func NewPostgresMigrationProvider() *PostgresMigrationProvider {
	return &PostgresMigrationProvider{
		migrator: sqlcommon.Migrator{
			Engine:     "postgres",
			Driver:     "pgx",
			Dialect:    goose.DialectPostgres,
			DefaultDir: assets.PostgresMigrationDir,
		},
	}
}

func (p *PostgresMigrationProvider) GetSupportedEngine() string {
	return "postgres"
}

func (p *PostgresMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	uri, err := prepareURI(config)
	if err != nil {
		return err
	}
	return p.migrator.Run(ctx, uri, config)
}

func (p *PostgresMigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	uri, err := prepareURI(config)
	if err != nil {
		return 0, err
	}
	return p.migrator.CurrentVersion(ctx, uri, config)
}

// prepareURI processes the database URI with username/password overrides.
func prepareURI(config storage.MigrationConfig) (string, error) {
	dbURI, err := url.Parse(config.URI)
	if err != nil {
		return "", fmt.Errorf("invalid postgres database uri: %w", err)
	}

	if config.Username == "" && config.Password == "" {
		return config.URI, nil
	}

	var username, password string
	if config.Username != "" {
		username = config.Username
	} else if dbURI.User != nil {
		username = dbURI.User.Username()
	}

	if config.Password != "" {
		password = config.Password
	} else if dbURI.User != nil {
		password, _ = dbURI.User.Password()
	}

	dbURI.User = url.UserPassword(username, password)
	return dbURI.String(), nil
}
