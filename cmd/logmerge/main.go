// Command logmerge merges time-ordered log sources into a single chronological stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/app/merge"
	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/infra/bus/entrybus"
	"github.com/coachpo/logmerge/internal/infra/config"
	"github.com/coachpo/logmerge/internal/infra/persistence/migrations"
	"github.com/coachpo/logmerge/internal/infra/persistence/postgres"
	"github.com/coachpo/logmerge/internal/infra/server/stream"
	"github.com/coachpo/logmerge/internal/infra/sinks"
	"github.com/coachpo/logmerge/internal/infra/sources"
	"github.com/coachpo/logmerge/internal/observability"
	"github.com/coachpo/logmerge/internal/telemetry"
)

const (
	defaultConfigPath           = "config/logmerge.yaml"
	configEnvVar                = "LOGMERGE_CONFIG"
	loggerPrefix                = "logmerge "
	shutdownTimeout             = 30 * time.Second
	streamServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout    = 10 * time.Second
	sinkCloseTimeout            = 5 * time.Second
	sourceCloseTimeout          = 5 * time.Second
	telemetryShutdownTimeout    = 5 * time.Second
	streamReadHeaderTimeout     = 5 * time.Second
)

type cliOptions struct {
	configPath string
	mode       string
	debug      bool
}

func main() {
	opts := parseFlags(os.Args[1:])
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	err := run(ctx, logger, opts)
	if err != nil {
		logger.Printf("merge failed: %v", err)
	}
	cancel()
	os.Exit(exitCode(err))
}

func run(ctx context.Context, logger *log.Logger, opts cliOptions) error {
	configPath := resolveConfigPath(opts.configPath)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("load config"), errs.WithCause(err))
	}
	if configPath == "" {
		logger.Printf("no configuration file, using built-in synthetic sources")
	}
	mode, err := resolveMode(opts.mode, appCfg.Merge.Mode)
	if err != nil {
		return err
	}
	logger.Printf("configuration initialised: env=%s, sources=%d, sink=%s, mode=%s",
		appCfg.Environment, len(appCfg.Sources), appCfg.Sink.Kind, mode)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}

	runID := uuid.New()
	shutdown := gracefulShutdownConfig{telemetry: telemetryProvider}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		shutdownStart := time.Now()
		performGracefulShutdown(shutdownCtx, logger, shutdown)
		logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	}()

	var pool *pgxpool.Pool
	if appCfg.NeedsDatabase() {
		pool, err = openDatabase(ctx, appCfg.Database)
		if err != nil {
			return errs.New("database", errs.CodeUnavailable, errs.WithMessage("connect"), errs.WithCause(err))
		}
		shutdown.pool = pool
	}

	srcs, err := sources.OpenAll(ctx, appCfg.Sources, sourceDeps(pool))
	if err != nil {
		return err
	}
	shutdown.sources = srcs

	var lifecycle conc.WaitGroup
	shutdown.lifecycle = &lifecycle

	sinkDeps := sinkDepsFor(pool, runID)
	if appCfg.Stream.Enabled {
		bus := entrybus.NewMemoryBus(entrybus.MemoryConfig{
			BufferSize:    appCfg.Stream.BufferSize,
			FanoutWorkers: appCfg.Stream.FanoutWorkerCount(),
		})
		sinkDeps.Bus = bus
		shutdown.bus = bus

		server := buildStreamServer(appCfg.Stream, bus)
		startStreamServer(&lifecycle, logger, server)
		shutdown.server = server
		logger.Printf("stream server listening on %s", server.Addr)
	}

	sink, closeSink, err := sinks.Build(ctx, appCfg.Sink, sinkDeps)
	if err != nil {
		return err
	}
	shutdown.closeSink = closeSink

	merger, err := merge.New(mode, merge.WithLogFields(observability.F("run_id", runID.String())))
	if err != nil {
		return err
	}
	logger.Printf("merge started: run=%s", runID)
	stats, err := merger.Merge(ctx, srcs, sink)
	if err != nil {
		return err
	}
	logger.Printf("merge completed: run=%s, entries=%d, fetches=%d, max_outstanding=%d, elapsed=%v, rate=%.1f/s",
		runID, stats.Emitted, stats.Fetches, stats.MaxOutstanding, stats.Elapsed, stats.EntriesPerSecond())
	return nil
}

func parseFlags(args []string) cliOptions {
	fs := flag.NewFlagSet("logmerge", flag.ExitOnError)
	var opts cliOptions
	fs.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: $%s or %s when present)", configEnvVar, defaultConfigPath))
	fs.StringVar(&opts.mode, "mode", "", "Merge mode override: sync or pipelined")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	_ = fs.Parse(args)
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// resolveConfigPath prefers the flag, then the environment, then the default file when it exists.
// An empty result selects the built-in configuration.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnvVar); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return filepath.Clean(defaultConfigPath)
	}
	return ""
}

func resolveMode(flagValue, configured string) (merge.Mode, error) {
	if flagValue != "" {
		return merge.ParseMode(flagValue)
	}
	return merge.ParseMode(configured)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch code, _ := errs.CodeOf(err); code {
	case errs.CodeInvalid:
		return 2
	case errs.CodeCanceled:
		return 130
	default:
		return 1
	}
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, "", observability.Log()); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return postgres.Connect(ctx, cfg, observability.Log())
}

func sourceDeps(pool *pgxpool.Pool) sources.Deps {
	deps := sources.Deps{Logger: observability.Log()}
	if pool != nil {
		deps.DB = pool
	}
	return deps
}

func sinkDepsFor(pool *pgxpool.Pool, runID uuid.UUID) sinks.Deps {
	deps := sinks.Deps{Stdout: os.Stdout, RunID: runID, Logger: observability.Log()}
	if pool != nil {
		deps.DB = pool
	}
	return deps
}

func buildStreamServer(cfg config.StreamConfig, bus entrybus.Bus) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           stream.NewHandler(bus),
		ReadHeaderTimeout: streamReadHeaderTimeout,
	}
}

func startStreamServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("stream server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server    *http.Server
	lifecycle *conc.WaitGroup
	closeSink func() error
	sources   []logsource.Source
	bus       *entrybus.MemoryBus
	pool      *pgxpool.Pool
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	// Closing the bus ends every follower stream before the listener goes away.
	if cfg.bus != nil {
		cfg.bus.Close()
	}

	if cfg.server != nil {
		shutdownStep("stopping stream server", streamServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.closeSink != nil {
		shutdownStep("closing sink", sinkCloseTimeout, func(stepCtx context.Context) error {
			return runWithContext(stepCtx, cfg.closeSink)
		})
	}

	if len(cfg.sources) > 0 {
		shutdownStep("closing sources", sourceCloseTimeout, func(stepCtx context.Context) error {
			return runWithContext(stepCtx, func() error { return sources.CloseAll(cfg.sources) })
		})
	}

	if cfg.pool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitWithContext(ctx context.Context, wait func()) error {
	return runWithContext(ctx, func() error {
		wait()
		return nil
	})
}

func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
