package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/locai-labs/wagateway/internal/auth"
	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/config"
	"github.com/locai-labs/wagateway/internal/creds"
	"github.com/locai-labs/wagateway/internal/events"
	"github.com/locai-labs/wagateway/internal/logging"
	"github.com/locai-labs/wagateway/internal/metrics"
	"github.com/locai-labs/wagateway/internal/pairing"
	"github.com/locai-labs/wagateway/internal/session"
	"github.com/locai-labs/wagateway/internal/store"
	"github.com/locai-labs/wagateway/internal/upstream/simulator"
	"github.com/locai-labs/wagateway/internal/web"
	"github.com/locai-labs/wagateway/internal/webhook"
)

var version = "dev"

const (
	shutdownWindow = 15 * time.Second
	logRetention   = 30 * 24 * time.Hour
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))

	fmt.Println("WhatsApp Gateway " + version)
	fmt.Println("=============================================")
	fmt.Printf("NODE_ENV=%s\n", cfg.Env)
	fmt.Printf("PORT=%s\n", cfg.Port)
	fmt.Printf("BASE_URL=%s\n", cfg.BaseURL)
	fmt.Printf("REQUIRE_AUTH=%t\n", cfg.RequireAuth)
	fmt.Printf("WHATSAPP_SESSION_DIR=%s\n", cfg.SessionDir)
	fmt.Printf("DB_PATH=%s\n", cfg.DBPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	instanceID := gatewayInstanceID(log, db)

	credStore, err := creds.NewStore(cfg.SessionDir)
	if err != nil {
		log.Error("failed to create credential store", "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}
	bus := events.New()
	hooks := webhook.New(log, clk, bus, cfg.SignatureFormat)
	sink := &gatewaySink{log: log, clk: clk, bus: bus, hooks: hooks, db: db}

	registry := session.NewRegistry(session.Options{
		Log:              log,
		Clock:            clk,
		Adapter:          simulator.New(log, clk),
		Creds:            credStore,
		Sink:             sink,
		ConnectTimeout:   cfg.ConnectTimeout,
		MaxReconnects:    cfg.MaxReconnectAttempts,
		MaxMediaBytes:    cfg.MaxFileSize,
		AutoRegisterSink: autoRegisterSink(log, hooks, cfg),
	})
	pairSvc := pairing.NewService(log, clk, registry)
	pairSvc.Window = cfg.QRTimeout
	sink.bind(registry, pairSvc)
	log.Info("upstream adapter ready", "driver", "simulator")

	go func() {
		if err := pairSvc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("pairing service exited", "error", err)
		}
	}()
	go auditDeactivations(ctx, log, db, bus)

	limiter := auth.NewRateLimiter(clk, cfg.RateLimitWindow, cfg.RateLimitMax)

	sched := cron.New()
	jobs := []struct {
		spec string
		fn   func()
	}{
		{"@every 2m", hooks.SweepDedup},
		{"@every 1h", hooks.SweepStats},
		{"@every 30m", func() { registry.SweepIdle() }},
		{"@every 15m", func() { limiter.Cleanup() }},
		{"@every 24h", func() {
			if n, err := db.PruneLogs(clk.Now().Add(-logRetention)); err != nil {
				log.Warn("activity log prune failed", "error", err)
			} else if n > 0 {
				log.Info("activity log pruned", "removed", n)
			}
		}},
	}
	if cfg.MetricsTextfile != "" {
		jobs = append(jobs, struct {
			spec string
			fn   func()
		}{"@every 1m", func() {
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				log.Warn("metrics textfile write failed", "path", cfg.MetricsTextfile, "error", err)
			}
		}})
	}
	for _, j := range jobs {
		if _, err := sched.AddFunc(j.spec, j.fn); err != nil {
			log.Error("failed to schedule maintenance job", "spec", j.spec, "error", err)
			os.Exit(1)
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := web.NewServer(web.Dependencies{
		Sessions:  registry,
		Pairing:   pairSvc,
		Webhooks:  hooks,
		EventBus:  bus,
		EventLog:  db,
		Verifier:  &auth.Verifier{APIKey: cfg.APIKey, JWTSecret: cfg.JWTSecret, Require: cfg.RequireAuth},
		Limiter:   limiter,
		Config:    cfg,
		Clock:     clk,
		Log:       log,
		Version:   version,
		StartedAt: clk.Now(),
	})

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
			cancel()
		}
	}()

	log.Info("gateway started", "version", version, "instance", instanceID, "addr", addr, "auth", cfg.RequireAuth)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("web server shutdown", "error", err)
	}
	if err := registry.ShutdownAll(shutdownCtx); err != nil {
		log.Warn("session shutdown", "error", err)
	}
	if err := hooks.Drain(shutdownCtx); err != nil {
		log.Warn("webhook drain", "error", err)
	}

	log.Info("gateway shutdown complete")
}
