// Package queue is a durable Postgres-backed job queue. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so any number of workers can poll the
// same queue without double delivery, and a claimed job survives worker
// crashes through stale lock release.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Queue names used across the system.
const (
	QueueRiskEvaluation = "risk_evaluation"
	QueueAudit          = "audit"
	QueueNotifications  = "notifications"
)

// Job statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

var ErrNotFound = errors.New("queue: job not found")

// Job is a row of async_jobs.
type Job struct {
	ID          int64           `json:"id"`
	QueueName   string          `json:"queue_name"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the job payload into dst.
func (j *Job) DecodePayload(dst any) error {
	return json.Unmarshal(j.Payload, dst)
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Priority    int
	ScheduledAt time.Time // zero means now
	MaxAttempts int       // zero means 3
}

// Stats summarizes one queue (or all queues).
type Stats struct {
	QueueName       string           `json:"queue_name"`
	ByStatus        map[string]int64 `json:"by_status"`
	OldestPendingAt *time.Time       `json:"oldest_pending_at,omitempty"`
}

// Store manipulates async_jobs.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a PENDING job and returns its id.
func (s *Store) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("queue: marshal payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO async_jobs (queue_name, payload, status, priority, max_attempts, scheduled_at)
		VALUES ($1, $2, 'PENDING', $3, $4, $5)
		RETURNING id`,
		queueName, body, opts.Priority, maxAttempts, scheduledAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue %s: %w", queueName, err)
	}
	return id, nil
}

// Dequeue claims the next due job on queueName for workerID, or returns nil
// when the queue is empty. Highest priority first, oldest schedule first.
// The claim happens inside one transaction: the SKIP LOCKED select keeps
// concurrent workers off the same row, the update stamps the lock.
func (s *Store) Dequeue(ctx context.Context, queueName, workerID string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin dequeue: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var lockedBy, jobErr sql.NullString
	var started, completed sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, queue_name, payload, status, priority, attempts, max_attempts,
			error, scheduled_at, started_at, completed_at, locked_by, created_at
		FROM async_jobs
		WHERE queue_name = $1 AND status = 'PENDING' AND scheduled_at <= NOW()
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, queueName).
		Scan(&j.ID, &j.QueueName, &j.Payload, &j.Status, &j.Priority, &j.Attempts,
			&j.MaxAttempts, &jobErr, &j.ScheduledAt, &started, &completed, &lockedBy, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: select next job: %w", err)
	}

	var startedAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE async_jobs
		SET status = 'RUNNING', locked_by = $1, locked_at = NOW(),
			started_at = NOW(), attempts = attempts + 1
		WHERE id = $2
		RETURNING started_at`, workerID, j.ID).Scan(&startedAt)
	if err != nil {
		return nil, fmt.Errorf("queue: claim job %d: %w", j.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit dequeue: %w", err)
	}

	j.Status = StatusRunning
	j.LockedBy = workerID
	j.Attempts++
	j.StartedAt = &startedAt
	j.Error = jobErr.String
	return &j, nil
}

// Complete marks the job COMPLETED and clears the lock. A non-nil result is
// merged into the payload under the "result" key.
func (s *Store) Complete(ctx context.Context, jobID int64, result any) error {
	var (
		res sql.Result
		err error
	)
	if result != nil {
		body, merr := json.Marshal(result)
		if merr != nil {
			return fmt.Errorf("queue: marshal result: %w", merr)
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE async_jobs
			SET status = 'COMPLETED', completed_at = NOW(), locked_by = NULL,
				locked_at = NULL, payload = payload || jsonb_build_object('result', $1::jsonb)
			WHERE id = $2`, body, jobID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE async_jobs
			SET status = 'COMPLETED', completed_at = NOW(), locked_by = NULL, locked_at = NULL
			WHERE id = $1`, jobID)
	}
	if err != nil {
		return fmt.Errorf("queue: complete job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records the error and either reschedules the job (while attempts
// remain) or marks it FAILED for good.
func (s *Store) Fail(ctx context.Context, jobID int64, jobErr string, retry bool, retryDelay time.Duration) error {
	var res sql.Result
	var err error
	if retry {
		res, err = s.db.ExecContext(ctx, `
			UPDATE async_jobs
			SET error = $1, locked_by = NULL, locked_at = NULL,
				status = CASE WHEN attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
				scheduled_at = CASE WHEN attempts < max_attempts THEN NOW() + $2 * INTERVAL '1 second' ELSE scheduled_at END,
				completed_at = CASE WHEN attempts < max_attempts THEN completed_at ELSE NOW() END
			WHERE id = $3`, jobErr, int(retryDelay.Seconds()), jobID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE async_jobs
			SET error = $1, locked_by = NULL, locked_at = NULL,
				status = 'FAILED', completed_at = NOW()
			WHERE id = $2`, jobErr, jobID)
	}
	if err != nil {
		return fmt.Errorf("queue: fail job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel cancels a job that has not started yet.
func (s *Store) Cancel(ctx context.Context, jobID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs
		SET status = 'CANCELLED', completed_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, jobID)
	if err != nil {
		return fmt.Errorf("queue: cancel job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseStaleLocks returns crashed workers' RUNNING jobs to PENDING and
// reports how many were released.
func (s *Store) ReleaseStaleLocks(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs
		SET status = 'PENDING', locked_by = NULL, locked_at = NULL,
			error = 'Released due to stale lock'
		WHERE status = 'RUNNING' AND locked_at < NOW() - $1 * INTERVAL '1 second'`,
		int(lockTimeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("queue: release stale locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueStats counts jobs per status, narrowed to one queue when queueName is
// non-empty, and reports the oldest pending schedule.
func (s *Store) QueueStats(ctx context.Context, queueName string) (*Stats, error) {
	stats := &Stats{QueueName: queueName, ByStatus: map[string]int64{}}
	if queueName == "" {
		stats.QueueName = "all"
	}

	where := ""
	var args []any
	if queueName != "" {
		where = " WHERE queue_name = $1"
		args = append(args, queueName)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM async_jobs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue: scan stats row: %w", err)
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	oldestQuery := `SELECT MIN(scheduled_at) FROM async_jobs WHERE status = 'PENDING'`
	if queueName != "" {
		oldestQuery += ` AND queue_name = $1`
	}
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, oldestQuery, args...).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("queue: oldest pending: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = &oldest.Time
	}
	return stats, nil
}

// CleanupOldJobs deletes finished jobs older than the retention window.
// Default statuses: COMPLETED, FAILED, CANCELLED.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThanDays int, statuses []string) (int64, error) {
	if len(statuses) == 0 {
		statuses = []string{StatusCompleted, StatusFailed, StatusCancelled}
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM async_jobs
		WHERE status = ANY($1) AND created_at < NOW() - $2 * INTERVAL '1 day'`,
		pq.Array(statuses), olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup old jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
