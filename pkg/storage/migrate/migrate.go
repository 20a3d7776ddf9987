// Package migrate runs the goose schema migrations of the relational
// backends.
package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/mysql"
	"github.com/polyquery/polyquery/pkg/storage/postgres"
	"github.com/polyquery/polyquery/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig = storage.MigrationConfig

var (
	// defaultRegistry is the global migration provider registry
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

// initDefaultRegistry initializes the default migration registry with built-in providers
func initDefaultRegistry() {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry()

		defaultRegistry.RegisterProvider("postgres", postgres.NewPostgresMigrationProvider())
		defaultRegistry.RegisterProvider("mysql", mysql.NewMySQLMigrationProvider())
		defaultRegistry.RegisterProvider("sqlite", sqlite.NewSQLiteMigrationProvider())
	})
}

// GetDefaultRegistry returns the default migration provider registry.
func GetDefaultRegistry() *storage.MigratorRegistry {
	initDefaultRegistry()
	return defaultRegistry
}

// RunMigrationsWithRegistry runs migrations using a specific migration registry.
// Backends without a relational schema have nothing to migrate.
func RunMigrationsWithRegistry(ctx context.Context, registry *storage.MigratorRegistry, cfg MigrationConfig) error {
	switch cfg.Engine {
	case "memory", "mongodb", "orientdb":
		if cfg.Logger != nil {
			cfg.Logger.Info(fmt.Sprintf("no migrations to run for `%s` backend", cfg.Engine))
		}
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine %q, supported: %v", cfg.Engine, registry.GetSupportedEngines())
	}

	return provider.RunMigrations(ctx, cfg)
}

// RunMigrations runs the migrations for the given config using the default registry.
func RunMigrations(ctx context.Context, cfg MigrationConfig) error {
	return RunMigrationsWithRegistry(ctx, GetDefaultRegistry(), cfg)
}

// CurrentVersion reports the migration version of the database described by cfg.
func CurrentVersion(ctx context.Context, cfg MigrationConfig) (int64, error) {
	provider, exists := GetDefaultRegistry().GetProvider(cfg.Engine)
	if !exists {
		return 0, fmt.Errorf("no migration provider registered for engine %q", cfg.Engine)
	}
	return provider.GetCurrentVersion(ctx, cfg)
}
