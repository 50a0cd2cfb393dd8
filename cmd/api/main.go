package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lendfabric/backend/internal/api"
	"github.com/lendfabric/backend/internal/auth"
	"github.com/lendfabric/backend/internal/cache"
	"github.com/lendfabric/backend/internal/config"
	"github.com/lendfabric/backend/internal/database"
	"github.com/lendfabric/backend/internal/hub"
	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/metrics"
	"github.com/lendfabric/backend/internal/notify"
	"github.com/lendfabric/backend/internal/pii"
	"github.com/lendfabric/backend/internal/queue"
	"github.com/lendfabric/backend/internal/service"
	"github.com/lendfabric/backend/internal/strategy"
	"github.com/lendfabric/backend/internal/webhooks"
)

func main() {
	// .env is optional; container deployments set real env vars
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogger(cfg.Server.LogLevel)

	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	// Redis is a soft dependency: without it the API serves from Postgres
	var cacheLayer service.CacheLayer
	var cachePing api.Pinger
	redisCache, err := cache.New(cfg.Redis.URL)
	if err != nil {
		log.Printf("⚠️  Redis unavailable, caching disabled: %v", err)
	} else {
		defer redisCache.Close()
		cacheLayer = redisCache
		cachePing = redisCache
	}

	codec, err := pii.NewCodec(cfg.JWT.Secret)
	if err != nil {
		log.Fatalf("Failed to initialize PII codec: %v", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	loanStore := loan.NewStore(db)
	jobStore := queue.NewStore(db)
	userStore := auth.NewUserStore(db)
	eventStore := webhooks.NewEventStore(db)

	loanService := service.NewLoanService(loanStore, jobStore, cacheLayer,
		strategy.NewRegistry(), codec, m)
	tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.RefreshTokenExpiry)
	processor := webhooks.NewProcessor(eventStore, loanStore, jobStore, cfg.Webhooks.Secret)

	wsHub := hub.NewHub()
	listener, err := notify.NewListener(cfg.Database.URL, wsHub)
	if err != nil {
		log.Fatalf("Failed to start notify listener: %v", err)
	}
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("notify listener stopped", "error", err)
		}
	}()

	server := api.NewServer(api.ServerOptions{
		Loans:         loanService,
		Users:         userStore,
		Tokens:        tokens,
		Hub:           wsHub,
		Queues:        jobStore,
		WebhookProc:   processor,
		WebhookEvents: eventStore,
		Metrics:       m,
		DBPing:        api.PingFunc(db.PingContext),
		CachePing:     cachePing,
		CORSOrigins:   cfg.Server.CORSOrigins,
	})

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Loan API starting on port %s (env=%s)", cfg.Server.Port, cfg.Server.Env)
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := server.Start(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
