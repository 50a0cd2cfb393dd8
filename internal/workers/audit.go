package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lendfabric/backend/internal/audit"
	"github.com/lendfabric/backend/internal/queue"
)

// AuditStore is satisfied by *audit.Store.
type AuditStore interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// AuditWorker persists queued audit entries. Both the notify trigger and the
// service layer enqueue onto this queue, so payloads vary in which optional
// fields they carry.
type AuditWorker struct {
	store AuditStore
	poll  time.Duration
}

func NewAuditWorker(store AuditStore, poll time.Duration) *AuditWorker {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &AuditWorker{store: store, poll: poll}
}

func (w *AuditWorker) Queue() string               { return queue.QueueAudit }
func (w *AuditWorker) PollInterval() time.Duration { return w.poll }

type auditPayload struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	OldStatus  *string        `json:"old_status,omitempty"`
	NewStatus  *string        `json:"new_status,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
}

func (w *AuditWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload auditPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, fmt.Errorf("audit: decode payload: %w", err)
	}
	entityID, err := uuid.Parse(payload.EntityID)
	if err != nil {
		return nil, fmt.Errorf("audit: bad entity_id %q: %w", payload.EntityID, err)
	}

	entry := &audit.Entry{
		EntityType: payload.EntityType,
		EntityID:   entityID,
		Action:     payload.Action,
		ActorType:  audit.ActorSystem,
		Changes:    payload.Changes,
		IPAddress:  payload.IPAddress,
		UserAgent:  payload.UserAgent,
	}

	if payload.ActorID != "" {
		actorID, err := uuid.Parse(payload.ActorID)
		if err != nil {
			return nil, fmt.Errorf("audit: bad actor_id %q: %w", payload.ActorID, err)
		}
		entry.ActorID = &actorID
		entry.ActorType = audit.ActorUser
	}

	// Trigger payloads carry the status move at the top level.
	if payload.OldStatus != nil || payload.NewStatus != nil {
		if entry.Changes == nil {
			entry.Changes = map[string]any{}
		}
		if payload.OldStatus != nil {
			entry.Changes["old_status"] = *payload.OldStatus
		}
		if payload.NewStatus != nil {
			entry.Changes["new_status"] = *payload.NewStatus
		}
	}

	if err := w.store.Create(ctx, entry); err != nil {
		return nil, err
	}
	return map[string]any{"audit_log_id": entry.ID}, nil
}
