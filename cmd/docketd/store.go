package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/docket/internal/app/migrate"
	"github.com/splax/docket/internal/repository"
	"github.com/splax/docket/internal/repository/memory"
	"github.com/splax/docket/internal/repository/postgres"
	redisrepo "github.com/splax/docket/internal/repository/redis"
	"github.com/splax/docket/internal/repository/sealed"
	"github.com/splax/docket/internal/repository/sqlite"
	"github.com/splax/docket/pkg/config"
)

// openStore connects the configured mapping store, applying migrations for
// the SQL backends first. The returned func releases the connection.
func openStore(ctx context.Context, cfg config.DaemonConfig, log *slog.Logger) (repository.MappingRepository, func(), error) {
	var (
		store   repository.MappingRepository
		closeFn = func() {}
	)
	switch cfg.Store {
	case config.StoreSQLite:
		if err := ensureMigrations(ctx, migrate.SQLite, cfg.SQLitePath, log); err != nil {
			return nil, nil, err
		}
		repo, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = repo, func() { _ = repo.Close() }
	case config.StorePostgres:
		if err := ensureMigrations(ctx, migrate.Postgres, cfg.DatabaseURL, log); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store, closeFn = postgres.New(pool), pool.Close
	case config.StoreRedis:
		repo, err := redisrepo.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = repo, func() { _ = repo.Close() }
	case config.StoreMemory:
		log.Warn("using in-memory mapping store; records are lost on restart")
		store = memory.New()
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.EnvEncryptionKey != "" {
		store = sealed.Wrap(store, cfg.EnvEncryptionKey)
	}
	if err := store.Ping(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("ping %s store: %w", cfg.Store, err)
	}
	log.Info("mapping store ready", "store", cfg.Store, "sealed_env", cfg.EnvEncryptionKey != "")
	return store, closeFn, nil
}

func ensureMigrations(ctx context.Context, dialect migrate.Dialect, dsn string, log *slog.Logger) error {
	runner, err := migrate.New(dialect, dsn, log)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
