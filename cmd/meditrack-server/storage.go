package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meditrack/meditrack/internal/config"
	"github.com/meditrack/meditrack/internal/domain/clinic"
	"github.com/meditrack/meditrack/internal/platform/db"
	"github.com/meditrack/meditrack/migrations"
)

const migrationSchema = "public"

// storage is an opened engine plus what the server needs around it.
type storage struct {
	store clinic.Store
	// health is nil for the in-memory engine.
	health echo.HandlerFunc
	close  func()
	// migrated is the number of SQL migrations applied, or -1 when the engine
	// has no numbered migrations.
	migrated int
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func newMigrator(pool *pgxpool.Pool, cfg *config.Config) *db.Migrator {
	if cfg.MigrationsDir != "" {
		return db.NewDirMigrator(pool, cfg.MigrationsDir)
	}
	return db.NewMigrator(pool, migrations.FS)
}

// openStorage opens the engine selected by STORAGE_DRIVER, migrating it first
// when AUTO_MIGRATE is set.
func openStorage(ctx context.Context, cfg *config.Config, loc *time.Location, logger zerolog.Logger) (*storage, error) {
	opts := []clinic.StoreOption{clinic.WithLocation(loc)}

	switch cfg.StorageDriver {
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
		return &storage{
			store:    clinic.NewMemStore(opts...),
			close:    func() {},
			migrated: -1,
		}, nil

	case config.DriverPostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st := &storage{
			store:    clinic.NewPGStore(pool, opts...),
			health:   db.HealthHandler(pool),
			close:    pool.Close,
			migrated: 0,
		}
		if cfg.AutoMigrate {
			n, err := newMigrator(pool, cfg).Up(ctx, migrationSchema)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
			st.migrated = n
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
		logger.Info().Msg("connected to postgres")
		return st, nil

	case config.DriverSQLite, config.DriverMySQL:
		dsn := cfg.SQLitePath
		if cfg.StorageDriver == config.DriverMySQL {
			dsn = cfg.MySQLDSN
		}
		gdb, err := db.OpenGorm(cfg.StorageDriver, dsn, logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			_ = db.CloseGorm(gdb)
			return nil, err
		}
		store := clinic.NewGormStore(gdb, opts...)
		if cfg.AutoMigrate {
			if err := store.AutoMigrate(ctx); err != nil {
				_ = db.CloseGorm(gdb)
				return nil, fmt.Errorf("auto-migrate %s: %w", cfg.StorageDriver, err)
			}
		}
		logger.Info().Str("driver", cfg.StorageDriver).Msg("connected to database")
		return &storage{
			store:  store,
			health: db.SQLHealthHandler(sqlDB),
			close: func() {
				if err := db.CloseGorm(gdb); err != nil {
					logger.Error().Err(err).Msg("failed to close database")
				}
			},
			migrated: -1,
		}, nil
	}

	return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
}
