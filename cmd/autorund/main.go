package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/jordanhubbard/autorun/internal/api"
	"github.com/jordanhubbard/autorun/internal/auth"
	"github.com/jordanhubbard/autorun/internal/autorun"
	"github.com/jordanhubbard/autorun/internal/backend"
	"github.com/jordanhubbard/autorun/internal/host"
	"github.com/jordanhubbard/autorun/internal/logging"
	"github.com/jordanhubbard/autorun/internal/messagebus"
	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/internal/notify"
	"github.com/jordanhubbard/autorun/internal/store"
	"github.com/jordanhubbard/autorun/internal/telemetry"
	"github.com/jordanhubbard/autorun/pkg/config"
	"github.com/jordanhubbard/autorun/pkg/messages"
	"github.com/jordanhubbard/autorun/pkg/models"
)

const (
	version = "0.1.0"
	source  = "autorund"
)

func main() {
	log.SetFlags(log.LstdFlags)

	configPath := flag.String("config", "autorun.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}
	if *showVersion {
		fmt.Printf("autorund v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	applyEnv(cfg)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(context.Background(), cfg.Telemetry.ServiceName, version, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs := logging.NewManager(openLogDB(cfg.Logging))
	logs.SetKnownAgents(agentTypeNames(cfg.ConfiguredAgents()))
	logs.InstallLogInterceptor(os.Stderr)

	m := metrics.NewMetrics()

	// Event fan-out: websocket hub always, NATS when enabled.
	var remote messagebus.EventPublisher
	var bus *messagebus.NatsMessageBus
	if cfg.MessageBus.Enabled {
		bus, err = messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.MessageBus.URL,
			StreamName: cfg.MessageBus.StreamName,
			Timeout:    cfg.MessageBus.Timeout,
			Instance:   instanceName(),
		})
		if err != nil {
			log.Printf("Warning: message bus unavailable, events stay local: %v", err)
			bus = nil
		} else {
			remote = bus
			defer bus.Close()
		}
	}
	bridge := messagebus.NewBridge(remote, m, source)
	hub := api.NewHub()
	bridge.AddSink(hub)

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.RequestTimeout,
		backend.WithMetrics(m),
		backend.WithPassword(cfg.Backend.Password),
	)
	if cfg.Backend.Password != "" {
		if err := client.Login(runCtx); err != nil {
			log.Printf("Warning: backend login failed, will retry on demand: %v", err)
		}
	}

	var geo host.GeoSource
	if cfg.Backend.GeoEligibilityURL != "" {
		geo = backend.NewGeoClient(cfg.Backend.GeoEligibilityURL, cfg.Backend.RequestTimeout)
	}
	h := host.New(client, geo, cfg.ConfiguredAgents(), host.Options{
		PollActive: cfg.Backend.PollActive,
		PollIdle:   cfg.Backend.PollIdle,
		GeoRefresh: cfg.Backend.GeoRefresh,
	})
	go h.Run(runCtx)

	settingsStore, err := store.New(runCtx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open %s settings store: %v", cfg.Store.Backend, err)
	}
	defer settingsStore.Close()

	notifier := notify.New(bridge, source, cfg.Notifications.Command, cfg.Notifications.Args)

	deps := autorun.Dependencies{
		Catalog:     h,
		Control:     h,
		Rewards:     backend.NewRewardsClient(cfg.Backend.RewardsURL, cfg.AutoRun.RewardsFetchTimeout),
		Eligibility: h,
		Balances:    h,
		Selection:   h,
		Running:     h,
		Notifier:    notifier,
		Hooks:       eventHooks(bridge),
		Metrics:     m,
	}
	provider, err := autorun.NewProvider(runCtx, settingsStore, deps, autorun.TimingFromConfig(cfg.AutoRun))
	if err != nil {
		log.Fatalf("failed to initialize auto-run: %v", err)
	}
	h.SetRewardsView(provider.Controller().Signals.Reward)

	if w, ok := settingsStore.(store.Watcher); ok && cfg.Store.Watch {
		go func() {
			err := w.Watch(runCtx, func(s models.Settings) {
				log.Printf("[Store] Settings changed externally (enabled=%t)", s.Enabled)
				provider.ApplyExternal(s)
				bridge.Emit(messages.SettingsChanged(source, map[string]interface{}{"enabled": s.Enabled}))
			})
			if err != nil && runCtx.Err() == nil {
				log.Printf("[Store] Watch stopped: %v", err)
			}
		}()
	}

	if cfg.AutoRun.EnableOnStart && !provider.Enabled() {
		if err := provider.SetEnabled(runCtx, true); err != nil {
			log.Printf("Warning: failed to enable auto-run on start: %v", err)
		}
	}
	providerDone := runInBackground(runCtx, provider.Run)

	var authManager *auth.Manager
	if cfg.Security.EnableAuth {
		authManager = auth.NewManager(cfg.Security.JWTSecret, cfg.Security.APIKeyHash, cfg.Security.TokenTTL)
	}

	health := map[string]func() error{"services": h.Health}
	if bus != nil {
		health["message_bus"] = bus.Health
	}

	apiServer := api.NewServer(api.Options{
		AutoRun:        provider,
		Selection:      h,
		Logs:           logs,
		Hub:            hub,
		Auth:           authManager,
		Events:         bridge,
		Metrics:        m,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		HealthChecks:   health,
		Source:         source,
	})

	if bus != nil {
		err := bridge.ListenCommands(bus, func(cmd *messages.CommandMessage) error {
			ctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
			defer cancel()
			return apiServer.Execute(ctx, cmd)
		})
		if err != nil {
			log.Printf("Warning: failed to subscribe to commands: %v", err)
		}
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      apiServer.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("autorund API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()

	// In-flight starts and stops finish before the store and bus close.
	if !waitDone(shutdownCtx, providerDone) {
		log.Printf("Warning: auto-run did not stop before the shutdown deadline")
	}
}

// runInBackground runs fn and returns a channel closed once fn returns.
func runInBackground(ctx context.Context, fn func(context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return done
}

// waitDone waits for done and reports false when ctx expires first.
func waitDone(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// loadConfig reads path, falling back to defaults when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Config %s not found, using defaults", path)
		return config.DefaultConfig(), nil
	}
	return config.LoadConfigFromFile(path)
}

func applyEnv(cfg *config.Config) {
	if v := os.Getenv("AUTORUN_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
		log.Printf("Using backend URL from environment: %s", v)
	}
	if v := os.Getenv("AUTORUN_PASSWORD"); v != "" {
		cfg.Backend.Password = v
	}
	if v := os.Getenv("AUTORUN_JWT_SECRET"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.MessageBus.URL = v
		log.Printf("Using NATS URL from environment: %s", v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

func openLogDB(cfg config.LoggingConfig) *sql.DB {
	if !cfg.Persist || cfg.DSN == "" {
		return nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		log.Printf("Warning: log persistence disabled: %v", err)
		return nil
	}
	if err := db.Ping(); err != nil {
		log.Printf("Warning: log persistence disabled: %v", err)
		_ = db.Close()
		return nil
	}
	return db
}

// instanceName identifies this daemon on the message bus.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return source
	}
	return source + "-" + host
}

func agentTypeNames(agents []models.AgentConfig) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, string(a.Type))
	}
	return out
}

func eventHooks(bridge *messagebus.Bridge) autorun.Hooks {
	return autorun.Hooks{
		OnAgentStarted: func(agentType models.AgentType) {
			bridge.Emit(messages.AgentStarted(string(agentType), source))
		},
		OnAgentStopped: func(agentType models.AgentType, confirmed bool) {
			bridge.Emit(messages.AgentStopped(string(agentType), source, confirmed))
		},
		OnRotation: func(from models.AgentType) {
			bridge.Emit(messages.Rotation(string(from), source))
		},
		OnSkip: func(agentType models.AgentType, reason string) {
			bridge.Emit(messages.Skipped(string(agentType), reason, source))
		},
		OnStartStateChange: func(starting bool) {
			bridge.Emit(messages.StartStateChanged("", starting, source))
		},
	}
}

func printHelp() {
	fmt.Println("Usage: autorund [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: autorun.yaml)")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  AUTORUN_BACKEND_URL          Agent middleware URL")
	fmt.Println("  AUTORUN_PASSWORD             Middleware login password")
	fmt.Println("  AUTORUN_JWT_SECRET           Secret used to sign API tokens")
	fmt.Println("  NATS_URL                     NATS server URL")
	fmt.Println("  OTEL_EXPORTER_OTLP_ENDPOINT  OpenTelemetry collector endpoint")
}
