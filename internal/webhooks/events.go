// Package webhooks receives signed callbacks from banking providers and
// records every delivery in webhook_events before acting on it.
package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one received webhook, stored before processing so a bad payload
// is never lost.
type Event struct {
	ID              uuid.UUID       `json:"id"`
	Source          string          `json:"source"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"-"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError string          `json:"processing_error,omitempty"`
	LoanID          *uuid.UUID      `json:"loan_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ListFilter narrows List.
type ListFilter struct {
	Source    string
	Processed *bool
	Limit     int
}

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Create(ctx context.Context, e *Event) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (source, event_type, payload, signature)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.Source, e.EventType, []byte(e.Payload), e.Signature,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("webhooks: insert event: %w", err)
	}
	return nil
}

// MarkProcessed closes out an event. A non-empty processingError records a
// failed attempt; the event still counts as processed.
func (s *EventStore) MarkProcessed(ctx context.Context, id uuid.UUID, loanID *uuid.UUID, processingError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = true, processed_at = NOW(),
			processing_error = NULLIF($2, ''), loan_id = $3
		WHERE id = $1`, id, processingError, loanID)
	if err != nil {
		return fmt.Errorf("webhooks: mark processed: %w", err)
	}
	return nil
}

func (s *EventStore) List(ctx context.Context, filter ListFilter) ([]*Event, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		conds = append(conds, fmt.Sprintf("processed = $%d", len(args)))
	}

	query := `SELECT id, source, event_type, payload, processed, processed_at,
		COALESCE(processing_error, ''), loan_id, created_at
		FROM webhook_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("webhooks: list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e         Event
			payload   []byte
			processed sql.NullTime
			loanID    uuid.NullUUID
		)
		err := rows.Scan(&e.ID, &e.Source, &e.EventType, &payload, &e.Processed,
			&processed, &e.ProcessingError, &loanID, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("webhooks: scan event: %w", err)
		}
		e.Payload = payload
		if processed.Valid {
			t := processed.Time
			e.ProcessedAt = &t
		}
		if loanID.Valid {
			id := loanID.UUID
			e.LoanID = &id
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
