package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/queue"
)

// Auto-decision thresholds on the 0..1000 risk scale.
const (
	autoApproveMax = 300
	autoRejectMin  = 700
)

// LoanUpdater is the loan store surface the risk worker needs.
type LoanUpdater interface {
	GetByID(ctx context.Context, id uuid.UUID) (*loan.Loan, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to loan.Status, changedBy *uuid.UUID, reason string, extra loan.JSONMap) error
}

// Enqueuer is satisfied by *queue.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (int64, error)
}

// RiskWorker evaluates freshly created applications: it moves them through
// VALIDATING and auto-decides by risk score, leaving the middle band for
// manual review.
type RiskWorker struct {
	loans LoanUpdater
	jobs  Enqueuer
	poll  time.Duration
}

func NewRiskWorker(loans LoanUpdater, jobs Enqueuer, poll time.Duration) *RiskWorker {
	if poll <= 0 {
		poll = time.Second
	}
	return &RiskWorker{loans: loans, jobs: jobs, poll: poll}
}

func (w *RiskWorker) Queue() string               { return queue.QueueRiskEvaluation }
func (w *RiskWorker) PollInterval() time.Duration { return w.poll }

type riskPayload struct {
	LoanID string `json:"loan_id"`
}

func (w *RiskWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload riskPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, fmt.Errorf("risk: decode payload: %w", err)
	}
	loanID, err := uuid.Parse(payload.LoanID)
	if err != nil {
		return nil, fmt.Errorf("risk: bad loan_id %q: %w", payload.LoanID, err)
	}

	l, err := w.loans.GetByID(ctx, loanID)
	if err != nil {
		return nil, err
	}

	// Only untouched applications are evaluated. Anything else was already
	// decided, cancelled by the applicant, or picked up by a webhook.
	if l.Status != loan.StatusPending {
		return map[string]any{
			"skipped": true,
			"reason":  fmt.Sprintf("loan is %s, not PENDING", l.Status),
		}, nil
	}

	err = w.loans.UpdateStatus(ctx, loanID, loan.StatusPending, loan.StatusValidating,
		nil, "Risk evaluation started", nil)
	if err != nil {
		return nil, err
	}

	score := 0
	if l.RiskScore != nil {
		score = *l.RiskScore
	}
	decision, reason := decide(score)

	err = w.loans.UpdateStatus(ctx, loanID, loan.StatusValidating, decision, nil, reason, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("risk decision", "loan", loanID, "score", score, "decision", decision)

	if decision == loan.StatusApproved || decision == loan.StatusRejected {
		notificationType := "loan_approved"
		if decision == loan.StatusRejected {
			notificationType = "loan_rejected"
		}
		_, err = w.jobs.Enqueue(ctx, queue.QueueNotifications, map[string]any{
			"notification_type": notificationType,
			"loan_id":           loanID.String(),
			"country_code":      l.CountryCode,
			"reason":            reason,
		}, queue.EnqueueOptions{Priority: 2})
		if err != nil {
			return nil, fmt.Errorf("risk: enqueue notification: %w", err)
		}
	}

	return map[string]any{
		"decision":   string(decision),
		"risk_score": score,
	}, nil
}

func decide(score int) (loan.Status, string) {
	switch {
	case score <= autoApproveMax:
		return loan.StatusApproved,
			fmt.Sprintf("Auto-approved: risk score %d <= %d", score, autoApproveMax)
	case score >= autoRejectMin:
		return loan.StatusRejected,
			fmt.Sprintf("Auto-rejected: risk score %d >= %d", score, autoRejectMin)
	default:
		return loan.StatusInReview,
			fmt.Sprintf("Manual review required: risk score %d", score)
	}
}
