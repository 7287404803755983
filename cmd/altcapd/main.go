package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/altcap/internal/audit"
	"github.com/basket/altcap/internal/bus"
	"github.com/basket/altcap/internal/config"
	"github.com/basket/altcap/internal/cron"
	"github.com/basket/altcap/internal/gateway"
	otelPkg "github.com/basket/altcap/internal/otel"
	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/platform"
	"github.com/basket/altcap/internal/session"
	"github.com/basket/altcap/internal/taskqueue"
	"github.com/basket/altcap/internal/telemetry"
	"github.com/basket/altcap/internal/vault"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                     Start the daemon
  %s genkey              Print a fresh vault key (set it as ALTCAP_VAULT_KEY)
  %s -version            Print the version

ENVIRONMENT VARIABLES:
  ALTCAP_HOME            Data directory (default: ~/.altcap)
  ALTCAP_VAULT_KEY       Base64url 32-byte key for the credential vault
  ALTCAP_USERS           Dashboard logins as "user:password" pairs, comma separated
  ALTCAP_BIND_ADDR       Override bind_addr from config.yaml

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("altcapd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "genkey":
			key, err := vault.GenerateKey()
			if err != nil {
				fmt.Fprintln(os.Stderr, "generate key:", err)
				os.Exit(1)
			}
			fmt.Println(key)
			return
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

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	loopback := isLoopbackBind(cfg.BindAddr)
	if !loopback && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)",
			"bind_addr", cfg.BindAddr)
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	auditLog, err := audit.Open(store.DB(), cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_OPEN", err)
	}

	v, err := vault.FromEnv(cfg.Vault.KeyEnv)
	if err != nil {
		if errors.Is(err, vault.ErrKeyMissing) {
			fatalStartup(logger, "E_VAULT_KEY",
				fmt.Errorf("%w: set %s (generate one with: altcapd genkey)", err, cfg.Vault.KeyEnv))
		}
		fatalStartup(logger, "E_VAULT_KEY", err)
	}

	eventBus := bus.New()

	sessionStore, closeSessions := openSessionStore(cfg, store)
	defer closeSessions()
	logger.Info("startup phase", "phase", "session_store_ready", "backend", cfg.Session.Backend)

	registry := platform.NewRegistry(store)
	manager := session.NewManager(session.Config{
		Store:         sessionStore,
		Audit:         auditLog,
		Connections:   registry,
		Bus:           eventBus,
		TTL:           cfg.SessionTTL(),
		UpdateRetries: cfg.Session.UpdateRetries,
		Logger:        logger,
		Metrics:       metrics,
	})
	platCtx := platform.NewContext(registry, manager, auditLog, eventBus, logger)
	health := platform.NewHealth(store, eventBus, 0, logger)

	queue, err := taskqueue.New(taskqueue.Config{
		Store:                store,
		Bus:                  eventBus,
		Logger:               logger,
		Metrics:              metrics,
		MaxActivePerPlatform: cfg.Queue.MaxActivePerPlatform,
		TaskTimeout:          cfg.TaskTimeout(),
	})
	if err != nil {
		fatalStartup(logger, "E_QUEUE_INIT", err)
	}

	runner := newJobRunner(registry, health, v, logger)
	pool := taskqueue.NewPool(queue, runner, cfg.Queue.WorkerCount, logger)
	pool.Start(ctx)
	defer pool.Stop()
	logger.Info("startup phase", "phase", "workers_started", "count", cfg.Queue.WorkerCount)

	sweeper, err := cron.NewSweeper(cron.Config{
		Schedule:       cfg.SweepSchedule,
		Queue:          queue,
		Audit:          auditLog,
		Store:          store,
		AuditRetention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
		Logger:         logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfigReloads(ctx, watcher, cfg.Fingerprint(), logger)

	gw := gateway.New(gateway.Config{
		Sessions:      manager,
		Platform:      platCtx,
		Registry:      registry,
		Queue:         queue,
		Bus:           eventBus,
		Store:         store,
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
		Authenticate:  envAuthenticator(logger),
		IsAdmin:       cfg.IsAdmin,
		AllowOrigins:  cfg.AllowOrigins,
		SecureCookies: !loopback,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain workers; the deferred Stop calls wait
	// for in-flight tasks to settle before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// openSessionStore selects the primary session store per config.
func openSessionStore(cfg config.Config, store *persistence.Store) (session.Store, func()) {
	if cfg.Session.Backend == "sqlite" {
		return persistence.NewSessionStore(store), func() {}
	}
	mem := session.NewMemoryStore()
	return mem, func() { _ = mem.Close() }
}

// envAuthenticator reads dashboard logins from ALTCAP_USERS, formatted as
// comma-separated "username:password" pairs. Unset disables the login
// endpoint; sessions can still be provisioned by an external identity
// layer writing the cookie.
func envAuthenticator(logger *slog.Logger) gateway.Authenticator {
	raw := os.Getenv("ALTCAP_USERS")
	if raw == "" {
		return nil
	}
	users := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		name, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" || pass == "" {
			logger.Warn("skipping malformed ALTCAP_USERS entry")
			continue
		}
		users[name] = pass
	}
	return func(_ context.Context, username, password string) (string, error) {
		if pass, ok := users[username]; ok && pass == password {
			return username, nil
		}
		return "", errors.New("invalid credentials")
	}
}

func watchConfigReloads(ctx context.Context, watcher *config.Watcher, fingerprint string, logger *slog.Logger) {
	current := fingerprint
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping current config", "error", err)
				continue
			}
			if next.Fingerprint() == current {
				continue
			}
			current = next.Fingerprint()
			logger.Info("config changed on disk; restart to apply bind, backend, and worker changes",
				"config", current)
		}
	}
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
