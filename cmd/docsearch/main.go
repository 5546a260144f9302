package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/docsearch/internal/audit"
	"github.com/basket/docsearch/internal/bus"
	"github.com/basket/docsearch/internal/config"
	"github.com/basket/docsearch/internal/documents"
	"github.com/basket/docsearch/internal/gateway"
	"github.com/basket/docsearch/internal/index"
	"github.com/basket/docsearch/internal/operations"
	"github.com/basket/docsearch/internal/orchestrator"
	otelPkg "github.com/basket/docsearch/internal/otel"
	"github.com/basket/docsearch/internal/persistence"
	"github.com/basket/docsearch/internal/retention"
	"github.com/basket/docsearch/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON:
  %s                          Start the daemon (HTTP API on bind_addr)

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s ops list [flags]         List operations
                              Flags: -status <s>, -limit <n>, -json
  %s ops get <id>             Show one operation and its events
  %s ops cancel <id>          Cancel a pending or running operation
  %s ops cleanup [-hours n]   Delete finished operations older than n hours
  %s ops retention <hours>    Persist cleanup_after_hours to config.yaml
  %s ops watch                Live operations dashboard
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, name, name, name, name, name, name, name, name, name, name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DOCSEARCH_HOME                  Data directory (default: ~/.docsearch)
  DOCSEARCH_BIND_ADDR             Override bind_addr
  DOCSEARCH_AUTH_TOKEN            Bearer token required by the API
  DOCSEARCH_CLEANUP_AFTER_HOURS   Override operations.cleanup_after_hours

EXAMPLES:
  Start daemon:           %s -daemon
  Check daemon health:    %s status
  Follow operations:      %s ops watch
`, name, name, name)
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	daemon := flag.Bool("daemon", false, "run in daemon mode (logs to stdout as well as the log file)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}
	// Terminal sessions keep stdout clean; the log file always receives records.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "ops":
			os.Exit(runOpsCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "daemon":
			if len(args) > 1 {
				fmt.Fprintln(os.Stderr, "usage: docsearch daemon")
				os.Exit(2)
			}
			quietLogs = false
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runDaemon(ctx, quietLogs); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, quietLogs bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "logger_ready", "version", Version, "home", cfg.HomeDir, "config_file", cfg.FileExists)

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath())

	eventBus := bus.New()
	defer eventBus.Close()

	mgr := operations.NewManager(store, operations.Config{
		Logger:  logger,
		Bus:     eventBus,
		Metrics: metrics,
	})
	// A zero retention in the config is meaningful (sweep every finished record),
	// so it is applied after construction rather than through Config.
	mgr.SetRetentionAge(cfg.RetentionAge())

	orch := orchestrator.New(orchestrator.Config{
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          otelProvider.Tracer,
		BlockingWorkers: cfg.Operations.BlockingWorkers,
	})

	idx := index.New(index.Config{
		Extensions:        cfg.Indexing.FileExtensions,
		SentencesPerChunk: cfg.Indexing.SentencesPerChunk,
		OverlapSentences:  cfg.Indexing.OverlapSentences,
	})
	docs, err := documents.NewService(documents.Config{
		Operations:        mgr,
		Runner:            orch,
		Indexer:           idx,
		TargetDirectories: cfg.Indexing.TargetDirectories,
		Logger:            logger,
		Bus:               eventBus,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	if err != nil {
		return fatalStartup(logger, "E_DOCUMENTS_INIT", err)
	}
	if err := docs.Initialize(ctx); err != nil {
		return fatalStartup(logger, "E_INDEX_BUILD", err)
	}
	logger.Info("startup phase", "phase", "index_ready", "documents", docs.Stats().Documents)

	sweeper, err := retention.NewSweeper(retention.Config{
		Cleaner:  mgr,
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
		Schedule: cfg.Operations.SweepSchedule,
		MaxAge:   cfg.RetentionAge(),
	})
	if err != nil {
		return fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	logger.Info("startup phase", "phase", "retention_started", "schedule", cfg.Operations.SweepSchedule, "max_age", cfg.RetentionAge().String())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; retention changes need a restart", "error", err)
	} else {
		go applyConfigReloads(watcher.Events(), cfg.HomeDir, logger, mgr, sweeper)
	}

	settings := gateway.Settings{
		Version:             Version,
		TargetDirectories:   cfg.Indexing.TargetDirectories,
		FileExtensions:      cfg.Indexing.FileExtensions,
		SentencesPerChunk:   cfg.Indexing.SentencesPerChunk,
		OverlapSentences:    cfg.Indexing.OverlapSentences,
		SweepSchedule:       cfg.Operations.SweepSchedule,
		BlockingWorkers:     cfg.Operations.BlockingWorkers,
		DrainTimeoutSeconds: cfg.Operations.DrainTimeoutSeconds,
	}
	gw, err := gateway.New(gateway.Config{
		Operations:        mgr,
		Tasks:             orch,
		Documents:         docs,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Settings:          settings,
		Telemetry:         otelProvider,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	if err != nil {
		return fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "auth", cfg.AuthToken != "")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first, then let live tasks settle before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := cfg.DrainTimeout()
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	if abandoned := orch.Drain(drainTimeout); abandoned > 0 {
		logger.Warn("drain timed out", "abandoned", abandoned)
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("final retention sweep failed", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// applyConfigReloads picks up retention changes written to config.yaml while
// the daemon runs. Other settings need a restart.
func applyConfigReloads(events <-chan config.ReloadEvent, homeDir string, logger *slog.Logger, mgr *operations.Manager, sweeper *retention.Sweeper) {
	for ev := range events {
		cfg, err := config.LoadFrom(homeDir)
		if err != nil {
			logger.Warn("config reload failed", "path", ev.Path, "error", err)
			continue
		}
		age := cfg.RetentionAge()
		if age == sweeper.MaxAge() {
			continue
		}
		mgr.SetRetentionAge(age)
		sweeper.SetMaxAge(age)
		logger.Info("retention updated from config", "max_age", age.String(), "config_hash", cfg.Fingerprint())
	}
}

// fatalStartup logs a structured startup failure with an explicit reason code.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		writeStartupFailure(os.Stderr, reasonCode, message)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func writeStartupFailure(w io.Writer, reasonCode, message string) {
	fmt.Fprintf(w,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
