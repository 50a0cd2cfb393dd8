package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lendfabric/backend/internal/audit"
	"github.com/lendfabric/backend/internal/config"
	"github.com/lendfabric/backend/internal/database"
	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/metrics"
	"github.com/lendfabric/backend/internal/queue"
	"github.com/lendfabric/backend/internal/workers"
)

const cleanupInterval = time.Hour

func main() {
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

	loanStore := loan.NewStore(db)
	jobStore := queue.NewStore(db)
	auditStore := audit.NewStore(db)
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Jobs abandoned by a crashed worker go back to PENDING before we start
	released, err := jobStore.ReleaseStaleLocks(ctx, cfg.Workers.LockTimeout)
	if err != nil {
		log.Fatalf("Failed to release stale locks: %v", err)
	}
	if released > 0 {
		log.Printf("♻️  Released %d stale job locks", released)
	}

	runners := []*workers.Runner{
		workers.NewRunner(jobStore,
			workers.NewRiskWorker(loanStore, jobStore, cfg.Workers.RiskPollInterval), m),
		workers.NewRunner(jobStore,
			workers.NewAuditWorker(auditStore, 500*time.Millisecond), m),
		workers.NewRunner(jobStore,
			workers.NewWebhookWorker(cfg.Webhooks.ProviderURLs, cfg.Webhooks.Secret, time.Second), m),
	}

	log.Printf("🚀 Loan workers starting (%d queues, env=%s)", len(runners), cfg.Server.Env)

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *workers.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("runner exited", "error", err)
			}
		}(r)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runCleanup(ctx, jobStore, cfg.Workers.RetentionDays)
	}()

	<-ctx.Done()
	log.Println("Received shutdown signal, draining workers...")
	wg.Wait()
	log.Println("Workers stopped")
}

// runCleanup purges terminal jobs past the retention window once an hour.
func runCleanup(ctx context.Context, jobs *queue.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := jobs.CleanupOldJobs(ctx, retentionDays,
				[]string{queue.StatusCompleted, queue.StatusCancelled})
			if err != nil {
				slog.Error("job cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("old jobs removed", "count", removed, "retention_days", retentionDays)
			}
		}
	}
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
