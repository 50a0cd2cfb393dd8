// Package audit persists the append-only audit trail. Entries arrive from
// two directions: the audit queue (fed by the notify trigger and by service
// code) and direct writes for webhook receipts.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor types recorded on an entry.
const (
	ActorUser    = "USER"
	ActorSystem  = "SYSTEM"
	ActorWorker  = "WORKER"
	ActorWebhook = "WEBHOOK"
)

// Actions recorded against loan applications.
const (
	ActionCreate          = "CREATE"
	ActionStatusChange    = "STATUS_CHANGE"
	ActionWebhookReceived = "WEBHOOK_RECEIVED"
)

// Entry is one audit log row.
type Entry struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   uuid.UUID      `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    *uuid.UUID     `json:"actor_id,omitempty"`
	ActorType  string         `json:"actor_type"`
	Changes    map[string]any `json:"changes,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create appends an entry. Changes are stored as JSONB; empty network
// metadata is stored as NULL so the INET column stays clean.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	changes, err := marshalChanges(e.Changes)
	if err != nil {
		return fmt.Errorf("audit: encode changes: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, actor_id, actor_type, changes, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::inet, NULLIF($8, ''))
		RETURNING id, created_at`,
		e.EntityType, e.EntityID, e.Action, e.ActorID, e.ActorType,
		changes, e.IPAddress, e.UserAgent,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// ListByEntity returns the entity's trail newest first.
func (s *Store) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, actor_type,
			changes, COALESCE(ip_address::text, ''), COALESCE(user_agent, ''), created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list by entity: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e       Entry
			actor   uuid.NullUUID
			actorT  sql.NullString
			changes []byte
		)
		err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &actor,
			&actorT, &changes, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if actor.Valid {
			id := actor.UUID
			e.ActorID = &id
		}
		e.ActorType = actorT.String
		if e.Changes, err = unmarshalChanges(changes); err != nil {
			return nil, fmt.Errorf("audit: decode changes: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
