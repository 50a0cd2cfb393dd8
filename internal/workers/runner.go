// Package workers runs the queue consumers: risk evaluation, audit
// persistence and outbound webhook delivery. Each consumer is a Handler
// driven by a shared polling Runner.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lendfabric/backend/internal/metrics"
	"github.com/lendfabric/backend/internal/queue"
)

// finalizeTimeout bounds the Complete/Fail write after a job handler
// returns, detached from the runner context so shutdown cannot strand a
// claimed job.
const finalizeTimeout = 10 * time.Second

// retryBackoff returns the delay before a failed job runs again: one minute
// per attempt already made.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * time.Minute
}

// Handler processes jobs from one queue.
type Handler interface {
	Queue() string
	PollInterval() time.Duration

	// Handle processes one job. The returned result is merged into the job
	// payload on completion; an error sends the job through retry.
	Handle(ctx context.Context, job *queue.Job) (result any, err error)
}

// JobStore is the queue surface the runner needs; *queue.Store satisfies it.
type JobStore interface {
	Dequeue(ctx context.Context, queueName, workerID string) (*queue.Job, error)
	Complete(ctx context.Context, jobID int64, result any) error
	Fail(ctx context.Context, jobID int64, jobErr string, retry bool, retryDelay time.Duration) error
}

// Runner polls one queue and drives its handler until the context ends.
type Runner struct {
	jobs     JobStore
	handler  Handler
	workerID string
	metrics  *metrics.Metrics
}

func NewRunner(jobs JobStore, handler Handler, m *metrics.Metrics) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		jobs:     jobs,
		handler:  handler,
		workerID: fmt.Sprintf("%s-%s-%d", handler.Queue(), host, os.Getpid()),
		metrics:  m,
	}
}

// Run drains the queue, then sleeps one poll interval before checking again.
// It returns when ctx is cancelled; a job in flight is always finalized,
// either completed or sent through retry.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("worker started", "queue", r.handler.Queue(), "worker_id", r.workerID)

	ticker := time.NewTicker(r.handler.PollInterval())
	defer ticker.Stop()

	for {
		if err := r.drainOnce(ctx); err != nil {
			slog.Error("dequeue failed", "queue", r.handler.Queue(), "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "queue", r.handler.Queue())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainOnce processes jobs until the queue is empty or ctx is cancelled.
func (r *Runner) drainOnce(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := r.jobs.Dequeue(ctx, r.handler.Queue(), r.workerID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		r.process(ctx, job)
	}
}

func (r *Runner) process(ctx context.Context, job *queue.Job) {
	start := time.Now()

	result, err := r.handler.Handle(ctx, job)

	// Finalization must survive shutdown: a cancelled ctx would strand the
	// job RUNNING until the stale-lock sweep.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err != nil {
		retried := job.Attempts < job.MaxAttempts
		outcome := "failed"
		if retried {
			outcome = "retried"
		}
		slog.Error("job failed", "queue", job.QueueName, "job", job.ID,
			"attempt", job.Attempts, "retry", retried, "error", err)
		if ferr := r.jobs.Fail(finCtx, job.ID, err.Error(), true, retryBackoff(job.Attempts)); ferr != nil {
			slog.Error("job fail update lost", "job", job.ID, "error", ferr)
		}
		if r.metrics != nil {
			r.metrics.RecordJob(job.QueueName, outcome, time.Since(start))
		}
		return
	}

	if cerr := r.jobs.Complete(finCtx, job.ID, result); cerr != nil {
		slog.Error("job completion update lost", "job", job.ID, "error", cerr)
		return
	}
	if r.metrics != nil {
		r.metrics.RecordJob(job.QueueName, "completed", time.Since(start))
	}
}
