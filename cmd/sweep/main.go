// Command sweep runs one ledger retention pass: rows older than the
// retention period are archived to the configured bucket (if any) and then
// purged. It is meant to be scheduled by cron or a Kubernetes CronJob.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/welldanyogia/authguard/internal/auth"
	"github.com/welldanyogia/authguard/internal/config"
	"github.com/welldanyogia/authguard/internal/logger"
	"github.com/welldanyogia/authguard/internal/repository"
	"github.com/welldanyogia/authguard/internal/storage"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Minute, "Maximum duration of the sweep")
	flag.Parse()

	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := run(log, *timeout); err != nil {
		log.Error("sweep failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := repository.Open(ctx, cfg.Database.DSN(), repository.PoolOptions{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	store := repository.NewStore(db)

	opts, err := auth.OptionsFromConfig(cfg.Security, cfg.Archive.PageSize)
	if err != nil {
		return err
	}

	deps := auth.Dependencies{
		Users:         store.Users(),
		Ledger:        store.LoginAttempts(),
		RefreshTokens: store.RefreshTokens(),
		Tx:            store,
		Logger:        log,
	}
	if cfg.Archive.Enabled() {
		client, err := storage.NewS3Client(cfg.Archive)
		if err != nil {
			return err
		}
		if err := storage.CheckBucket(ctx, client, cfg.Archive.Bucket); err != nil {
			return err
		}
		deps.Archiver = storage.NewLedgerArchiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix, log)
	}

	started := time.Now()
	deleted := auth.NewAuthService(deps, opts).CleanupOldAttempts(ctx)
	log.Info("sweep finished",
		slog.Int64("deleted", deleted),
		slog.Duration("retention", cfg.Security.RetentionPeriod),
		slog.Bool("archived", deps.Archiver != nil),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}
