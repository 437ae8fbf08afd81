package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-pilot/internal/approval"
	"github.com/basket/go-pilot/internal/audit"
	"github.com/basket/go-pilot/internal/budget"
	"github.com/basket/go-pilot/internal/bus"
	"github.com/basket/go-pilot/internal/commandcenter"
	"github.com/basket/go-pilot/internal/config"
	"github.com/basket/go-pilot/internal/cron"
	"github.com/basket/go-pilot/internal/execution"
	"github.com/basket/go-pilot/internal/gateway"
	otelPkg "github.com/basket/go-pilot/internal/otel"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/registry"
	"github.com/basket/go-pilot/internal/runner"
	"github.com/basket/go-pilot/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the scheduler daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s token                    Print the gateway auth token (generating one if missing)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOPILOT_HOME                Data directory (default: ~/.gopilot)
  GOPILOT_BIND_ADDR           Gateway bind address (default: 127.0.0.1:18990)
  GOPILOT_AUTH_TOKEN          Gateway bearer token (overrides auth.token file)
  GOPILOT_RUNNER_WEBHOOK_URL  Agent worker webhook (empty = built-in no-op runner)

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
`, os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "token":
			os.Exit(runTokenCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback {
			logger.Warn("gateway bound to a non-loopback address; all browser origins must be allowlisted",
				"bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.ResolvedDBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.ResolvedDBPath())

	reg := registry.New(registry.Config{
		Store:           store,
		Logger:          logger,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
	})
	tracker := execution.New(execution.Config{
		Store:    store,
		Logger:   logger,
		Metrics:  metrics,
		Timeout:  cfg.ExecutionTimeout(),
		Cooldown: cfg.Cooldown(),
	})
	gate := approval.New(approval.Config{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		TTL:     cfg.ApprovalTTL(),
	})
	guard := budget.New(budget.Config{
		Store:   store,
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
	})
	aggregator := commandcenter.New(commandcenter.Config{
		Store:  store,
		Guard:  guard,
		Logger: logger,
	})

	// Reclassify executions orphaned by a previous crash before scheduling.
	reaped, err := tracker.ReapZombies(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "zombies_reaped", reaped)

	var jobRunner cron.Runner
	if cfg.Runner.WebhookURL != "" {
		jobRunner = runner.NewWebhook(cfg.Runner.WebhookURL,
			time.Duration(cfg.Runner.RequestTimeoutSeconds)*time.Second, logger)
		logger.Info("runner configured", "kind", "webhook")
	} else {
		jobRunner = runner.NewNoop()
		logger.Warn("no runner webhook configured; executions will complete as no-ops")
	}

	poller := cron.New(cron.Config{
		Registry: reg,
		Tracker:  tracker,
		Gate:     gate,
		Guard:    guard,
		Store:    store,
		Runner:   jobRunner,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
		Interval: cfg.PollInterval(),
	})
	poller.Start(ctx)
	defer poller.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "interval", cfg.PollInterval().String())

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Registry:          reg,
		Tracker:           tracker,
		Gate:              gate,
		Aggregator:        aggregator,
		Scheduler:         poller,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         authToken,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "gateway_listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			if newCfg.PollInterval() != poller.Interval() {
				poller.SetInterval(newCfg.PollInterval())
			}
			// Bind address, timeouts and runner settings apply on restart only.
			logger.Info("config.yaml reloaded",
				"path", ev.Path, "new_fingerprint", newCfg.Fingerprint())
		}
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("gopilot %s listening on %s (home: %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in-flight jobs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	poller.Stop()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "deny", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken reads auth.token from the home dir, generating one on first
// run so the gateway is never exposed without a credential.
func loadAuthToken(homeDir string) (string, error) {
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func runTokenCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gopilot token")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token := cfg.AuthToken
	if token == "" {
		token, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			return 1
		}
	}
	fmt.Println(token)
	return 0
}
