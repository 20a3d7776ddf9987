package sqlcommon

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/polyquery/polyquery/assets"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/storage"
)

// Migrator runs goose migrations for one dialect. The dialect packages wrap
// it in their [storage.MigrationProvider].
type Migrator struct {
	Engine     string
	Driver     string
	Dialect    goose.Dialect
	DefaultDir string
}

func (m *Migrator) source(config storage.MigrationConfig) (fs.FS, error) {
	if config.Dir != "" {
		return os.DirFS(config.Dir), nil
	}
	sub, err := fs.Sub(assets.EmbedMigrations, m.DefaultDir)
	if err != nil {
		return nil, fmt.Errorf("open bundled %s migrations: %w", m.Engine, err)
	}
	return sub, nil
}

func (m *Migrator) provider(ctx context.Context, uri string, config storage.MigrationConfig) (*goose.Provider, func(), error) {
	db, err := goose.OpenDBWithDriver(m.Driver, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s connection: %w", m.Engine, err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initialize %s connection: %w", m.Engine, err)
	}

	fsys, err := m.source(config)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	provider, err := goose.NewProvider(m.Dialect, db, fsys, goose.WithDisableGlobalRegistry(true))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create goose provider: %w", err)
	}

	return provider, func() { db.Close() }, nil
}

// Run migrates the database at uri to config.TargetVersion, or to the
// latest version when it is zero.
func (m *Migrator) Run(ctx context.Context, uri string, config storage.MigrationConfig) error {
	log := config.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	provider, closeDB, err := m.provider(ctx, uri, config)
	if err != nil {
		return err
	}
	defer closeDB()

	currentVersion, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get %s db version: %w", m.Engine, err)
	}
	log.Info("current migration version", zap.String("engine", m.Engine), zap.Int64("version", currentVersion))

	if config.TargetVersion == 0 {
		results, err := provider.Up(ctx)
		if err != nil {
			return fmt.Errorf("run %s migrations: %w", m.Engine, err)
		}
		log.Info("migration done", zap.String("engine", m.Engine), zap.Int("applied", len(results)))
		return nil
	}

	target := int64(config.TargetVersion)
	switch {
	case target < currentVersion:
		if _, err := provider.DownTo(ctx, target); err != nil {
			return fmt.Errorf("run %s migrations down to %d: %w", m.Engine, target, err)
		}
	case target > currentVersion:
		if _, err := provider.UpTo(ctx, target); err != nil {
			return fmt.Errorf("run %s migrations up to %d: %w", m.Engine, target, err)
		}
	default:
		log.Info("nothing to migrate", zap.String("engine", m.Engine))
		return nil
	}

	log.Info("migration done", zap.String("engine", m.Engine), zap.Int64("version", target))
	return nil
}

// CurrentVersion returns the goose version of the database at uri.
func (m *Migrator) CurrentVersion(ctx context.Context, uri string, config storage.MigrationConfig) (int64, error) {
	provider, closeDB, err := m.provider(ctx, uri, config)
	if err != nil {
		return 0, err
	}
	defer closeDB()

	return provider.GetDBVersion(ctx)
}
