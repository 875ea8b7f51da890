// Command migrate applies the SQL migrations under migrations/ with
// golang-migrate. Connection defaults come from the same environment
// (and optional .env file) the API server reads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/authguard/internal/config"
	"github.com/welldanyogia/authguard/internal/logger"
	"github.com/welldanyogia/authguard/internal/repository"
)

// Version is set at build time
var Version = "dev"

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultMigrationsPath   = "migrations"
	migrationsTable         = "schema_migrations"
)

type options struct {
	database config.DatabaseConfig
	path     string
	timeout  time.Duration
	dryRun   bool
}

func main() {
	log := logger.New(logger.DefaultConfig())

	appCfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	opts := options{database: appCfg.Database}
	flag.StringVar(&opts.database.Host, "db-host", opts.database.Host, "Database host")
	flag.StringVar(&opts.database.Port, "db-port", opts.database.Port, "Database port")
	flag.StringVar(&opts.database.User, "db-user", opts.database.User, "Database user")
	flag.StringVar(&opts.database.Password, "db-password", opts.database.Password, "Database password")
	flag.StringVar(&opts.database.DBName, "db-name", opts.database.DBName, "Database name")
	flag.StringVar(&opts.database.SSLMode, "db-sslmode", opts.database.SSLMode, "Database SSL mode")
	flag.StringVar(&opts.path, "path", envOr("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
	flag.DurationVar(&opts.timeout, "timeout", defaultMigrationTimeout, "Connect and lock timeout")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Show what would be done without executing")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrate version %s\n", Version)
		return
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	r := &runner{opts: opts, log: log}
	if err := r.run(flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error("migration command failed",
			slog.String("command", flag.Arg(0)),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
	fmt.Fprintf(out, "Schema migrations for authguard\n\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  up [N]       Apply all or N up migrations\n")
	fmt.Fprintf(out, "  down [N]     Roll back N migrations (default 1)\n")
	fmt.Fprintf(out, "  goto V       Migrate to version V\n")
	fmt.Fprintf(out, "  force V      Set version V without running migrations\n")
	fmt.Fprintf(out, "  version      Print current migration version\n")
	fmt.Fprintf(out, "  create NAME  Create a new migration file pair\n")
	fmt.Fprintf(out, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(out, "\nConnection defaults come from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE.\n")
}

type runner struct {
	opts options
	log  *slog.Logger
}

func (r *runner) run(cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return r.create(args[0])
	case "version":
		return r.version()
	case "up":
		steps, err := optionalCount(args, 0)
		if err != nil {
			return err
		}
		return r.apply("up", steps)
	case "down":
		steps, err := optionalCount(args, 1)
		if err != nil {
			return err
		}
		return r.apply("down", steps)
	case "goto":
		target, err := requiredNumber(cmd, args)
		if err != nil {
			return err
		}
		return r.apply("goto", target)
	case "force":
		target, err := requiredNumber(cmd, args)
		if err != nil {
			return err
		}
		return r.apply("force", target)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// optionalCount parses an optional non-negative step count
func optionalCount(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return n, nil
}

func requiredNumber(cmd string, args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s requires a version number", cmd)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid version: %s", args[0])
	}
	return n, nil
}

// apply runs one state-changing command. For "up" and "down" n is a step
// count (0 on up means all); for "goto" and "force" it is a version.
func (r *runner) apply(direction string, n int) error {
	if r.opts.dryRun {
		r.log.Info("dry run", slog.String("command", direction), slog.Int("n", n))
		return nil
	}

	m, closeDB, err := r.open()
	if err != nil {
		return err
	}
	defer closeDB()

	from, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read version: %w", err)
	}

	switch direction {
	case "up":
		if n > 0 {
			err = m.Steps(n)
		} else {
			err = m.Up()
		}
	case "down":
		err = m.Steps(-n)
	case "goto":
		err = m.Migrate(uint(n))
	case "force":
		err = m.Force(n)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		r.log.Info("no migrations to apply", slog.Uint64("version", uint64(from)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", direction, err)
	}

	to, dirty, _ := m.Version()
	r.log.Info("migration completed",
		slog.String("command", direction),
		slog.Uint64("from", uint64(from)),
		slog.Uint64("to", uint64(to)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

func (r *runner) version() error {
	m, closeDB, err := r.open()
	if err != nil {
		return err
	}
	defer closeDB()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		r.log.Info("no migrations have been applied yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	r.log.Info("current migration version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
	return nil
}

// open connects through the same pgx driver the server uses. The returned
// func closes the migrate instance and the connection.
func (r *runner) open() (*migrate.Migrate, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.timeout)
	defer cancel()

	db, err := repository.Open(ctx, r.opts.database.URL(), repository.PoolOptions{
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: r.opts.timeout,
	})
	if err != nil {
		return nil, nil, err
	}

	m, err := newMigrate(db, r.opts.path, r.opts.timeout)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, func() {
		m.Close()
	}, nil
}

func newMigrate(db *sqlx.DB, path string, lockTimeout time.Duration) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = lockTimeout
	return m, nil
}

// create writes an empty up/down pair numbered after the highest existing
// migration
func (r *runner) create(name string) error {
	files, err := migrationFiles(r.opts.path, name)
	if err != nil {
		return err
	}
	if r.opts.dryRun {
		r.log.Info("dry run", slog.String("command", "create"), slog.Any("files", files))
		return nil
	}

	if err := os.MkdirAll(r.opts.path, 0o755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}
	created := time.Now().Format(time.RFC3339)
	for i, file := range files {
		header := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, created)
		if i == 1 {
			header = fmt.Sprintf("-- Migration: %s (rollback)\n-- Created: %s\n\n", name, created)
		}
		if err := os.WriteFile(file, []byte(header), 0o644); err != nil {
			return fmt.Errorf("failed to create %s: %w", file, err)
		}
	}
	r.log.Info("created migration files", slog.Any("files", files))
	return nil
}

// migrationFiles returns the up and down paths for the next migration
func migrationFiles(dir, name string) ([2]string, error) {
	next, err := nextMigrationNumber(dir)
	if err != nil {
		return [2]string{}, fmt.Errorf("failed to determine next migration number: %w", err)
	}
	base := filepath.Join(dir, fmt.Sprintf("%03d_%s", next, name))
	return [2]string{base + ".up.sql", base + ".down.sql"}, nil
}

func nextMigrationNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	highest := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest + 1, nil
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
