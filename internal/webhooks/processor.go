package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/pii"
	"github.com/lendfabric/backend/internal/queue"
)

var (
	ErrInvalidSignature = errors.New("webhooks: invalid signature")
	ErrUnknownEventType = errors.New("webhooks: unknown event type")
)

// providerStatusMap translates provider vocabulary into lifecycle statuses.
var providerStatusMap = map[string]loan.Status{
	"approved":  loan.StatusApproved,
	"rejected":  loan.StatusRejected,
	"verified":  loan.StatusValidating,
	"disbursed": loan.StatusDisbursed,
}

// inboundPayload is what banking providers POST to us.
type inboundPayload struct {
	EventType     string `json:"event_type"`
	LoanReference string `json:"loan_reference"`
	Status        string `json:"status,omitempty"`
	RiskScore     *int   `json:"risk_score,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// LoanDirectory is the slice of the loan store the processor needs.
type LoanDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*loan.Loan, error)
	GetByDocumentHash(ctx context.Context, hash, countryCode string) (*loan.Loan, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to loan.Status, changedBy *uuid.UUID, reason string, extra loan.JSONMap) error
	UpdateRiskScore(ctx context.Context, id uuid.UUID, score int) error
}

// JobEnqueuer is satisfied by *queue.Store.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (int64, error)
}

// Processor verifies, stores and applies inbound provider webhooks.
type Processor struct {
	events *EventStore
	loans  LoanDirectory
	jobs   JobEnqueuer
	secret string
}

func NewProcessor(events *EventStore, loans LoanDirectory, jobs JobEnqueuer, secret string) *Processor {
	return &Processor{events: events, loans: loans, jobs: jobs, secret: secret}
}

// Process handles one delivery for a country. The event row is written
// before any processing, so malformed payloads stay inspectable; processing
// failures are recorded on the row and returned.
func (p *Processor) Process(ctx context.Context, countryCode string, body []byte, signature string) (*Event, error) {
	if !VerifySignature(body, signature, p.secret) {
		return nil, ErrInvalidSignature
	}

	var payload inboundPayload
	eventType := "unknown"
	if err := json.Unmarshal(body, &payload); err == nil && payload.EventType != "" {
		eventType = payload.EventType
	}

	event := &Event{
		Source:    "banking_provider_" + strings.ToLower(countryCode),
		EventType: eventType,
		Payload:   body,
		Signature: signature,
	}
	if err := p.events.Create(ctx, event); err != nil {
		return nil, err
	}

	loanID, procErr := p.apply(ctx, countryCode, payload)
	if err := p.events.MarkProcessed(ctx, event.ID, loanID, errString(procErr)); err != nil {
		return nil, err
	}
	event.Processed = true
	event.LoanID = loanID
	event.ProcessingError = errString(procErr)

	if loanID != nil {
		_, err := p.jobs.Enqueue(ctx, queue.QueueAudit, map[string]any{
			"entity_type": "loan_application",
			"entity_id":   loanID.String(),
			"action":      "WEBHOOK_RECEIVED",
			"changes": map[string]any{
				"source":     event.Source,
				"event_type": event.EventType,
			},
		}, queue.EnqueueOptions{})
		if err != nil {
			return nil, fmt.Errorf("webhooks: enqueue audit: %w", err)
		}
	}

	return event, procErr
}

func (p *Processor) apply(ctx context.Context, countryCode string, payload inboundPayload) (*uuid.UUID, error) {
	l, err := p.resolveLoan(ctx, countryCode, payload.LoanReference)
	if err != nil {
		return nil, err
	}

	switch payload.EventType {
	case "status_update":
		target, ok := providerStatusMap[strings.ToLower(payload.Status)]
		if !ok {
			return &l.ID, fmt.Errorf("webhooks: unmapped provider status %q", payload.Status)
		}
		if target == l.Status {
			return &l.ID, nil
		}
		reason := payload.Reason
		if reason == "" {
			reason = fmt.Sprintf("Provider reported status %s", payload.Status)
		}
		if err := p.loans.UpdateStatus(ctx, l.ID, l.Status, target, nil, reason, nil); err != nil {
			return &l.ID, err
		}
		return &l.ID, nil

	case "risk_assessment":
		if payload.RiskScore == nil {
			return &l.ID, errors.New("webhooks: risk_assessment without risk_score")
		}
		if err := p.loans.UpdateRiskScore(ctx, l.ID, *payload.RiskScore); err != nil {
			return &l.ID, err
		}
		return &l.ID, nil

	default:
		return &l.ID, ErrUnknownEventType
	}
}

// resolveLoan accepts either our loan UUID or the applicant's document
// number as the reference.
func (p *Processor) resolveLoan(ctx context.Context, countryCode, reference string) (*loan.Loan, error) {
	if reference == "" {
		return nil, errors.New("webhooks: loan_reference required")
	}
	if id, err := uuid.Parse(reference); err == nil {
		return p.loans.GetByID(ctx, id)
	}
	hash := pii.HashDocument(reference, countryCode)
	return p.loans.GetByDocumentHash(ctx, hash, countryCode)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
