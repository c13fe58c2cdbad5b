// Package migrations wires golang-migrate execution for the logmerge schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/logmerge/db/migrations"
	"github.com/coachpo/logmerge/internal/observability"
	"github.com/coachpo/logmerge/internal/telemetry"
)

const embeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the latest migration. An empty
// migrationsDir uses the SQL embedded in the binary. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	return run(ctx, dsn, migrationsDir, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the last steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback %d: %w", steps, errInvalidSteps)
	}
	return run(ctx, dsn, migrationsDir, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, dsn, migrationsDir string, logger observability.Logger, direction string, step func(*migrate.Migrate) error) error {
	if logger == nil {
		logger = observability.Log()
	}
	label := embeddedSource
	if strings.TrimSpace(migrationsDir) != "" {
		resolved, err := resolveDir(migrationsDir)
		if err != nil {
			return err
		}
		migrationsDir = resolved
		label = resolved
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("database migrations close", observability.F("error", cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := newMigrate(migrationsDir, driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Error("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Error("database migrations db close", observability.F("error", dbErr))
		}
	}()

	logger.Info("running database migrations",
		observability.F("direction", direction),
		observability.F("source", label))

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed")
		return fmt.Errorf("%s migrations: %w", direction, err)
	}

	version, dirty, verr := m.Version()
	fields := []observability.Field{observability.F("direction", direction)}
	if verr == nil {
		fields = append(fields, observability.F("version", version), observability.F("dirty", dirty))
	}
	logger.Info("database migrations applied", fields...)
	recordMigrationMetric(ctx, direction, "applied")
	return nil
}

func newMigrate(dir string, driver *pgxv5.Postgres) (*migrate.Migrate, error) {
	if dir == "" {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
	return migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("logmerge/migrations")
		counter, err := meter.Int64Counter("logmerge.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(direction),
		telemetry.AttrResult.String(result)))
}
