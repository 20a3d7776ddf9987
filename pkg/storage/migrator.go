package storage

import (
	"context"
	"sort"
	"time"

	"github.com/polyquery/polyquery/pkg/logger"
)

// MigrationProvider runs schema migrations against one relational engine.
type MigrationProvider interface {
	// RunMigrations migrates to config.TargetVersion, or to the latest
	// version when it is zero.
	RunMigrations(ctx context.Context, config MigrationConfig) error

	// GetCurrentVersion returns the current migration version of the database.
	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)

	GetSupportedEngine() string
}

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine string
	URI    string
	// Dir holds the goose migration files. When empty the bundled example
	// migrations for Engine are used.
	Dir           string
	TargetVersion uint
	Timeout       time.Duration
	Username      string
	Password      string
	Logger        logger.Logger
}

// MigratorRegistry manages migration providers for different database engines.
type MigratorRegistry struct {
	providers map[string]MigrationProvider
}

func NewMigratorRegistry() *MigratorRegistry {
	return &MigratorRegistry{
		providers: make(map[string]MigrationProvider),
	}
}

func (r *MigratorRegistry) RegisterProvider(engine string, provider MigrationProvider) {
	r.providers[engine] = provider
}

func (r *MigratorRegistry) GetProvider(engine string) (MigrationProvider, bool) {
	provider, exists := r.providers[engine]
	return provider, exists
}

// GetSupportedEngines returns the registered engines in sorted order.
func (r *MigratorRegistry) GetSupportedEngines() []string {
	engines := make([]string, 0, len(r.providers))
	for engine := range r.providers {
		engines = append(engines, engine)
	}
	sort.Strings(engines)
	return engines
}
