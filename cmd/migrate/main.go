package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/splax/docket/internal/app/migrate"
	"github.com/splax/docket/pkg/config"
	"github.com/splax/docket/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	cfg, err := config.LoadDaemonConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("migrate", slog.LevelInfo)

	var (
		dialect migrate.Dialect
		dsn     string
	)
	switch cfg.Store {
	case config.StorePostgres:
		dialect, dsn = migrate.Postgres, cfg.DatabaseURL
	case config.StoreSQLite:
		dialect, dsn = migrate.SQLite, cfg.SQLitePath
	default:
		log.Error("store has no schema to migrate", "store", cfg.Store)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(dialect, dsn, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", *command, "dialect", dialect)
}
