package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestCreateEntry(t *testing.T) {
	store, mock := newMockStore(t)
	entityID := uuid.New()

	mock.ExpectQuery(`INSERT INTO audit_logs`).
		WithArgs("loan_application", entityID, ActionCreate, nil, ActorSystem,
			[]byte(`{"status":"PENDING"}`), "", "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(int64(7), time.Now()))

	e := &Entry{
		EntityType: "loan_application",
		EntityID:   entityID,
		Action:     ActionCreate,
		ActorType:  ActorSystem,
		Changes:    map[string]any{"status": "PENDING"},
	}
	require.NoError(t, store.Create(context.Background(), e))
	assert.Equal(t, int64(7), e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEntryWithActorAndNetwork(t *testing.T) {
	store, mock := newMockStore(t)
	entityID := uuid.New()
	actorID := uuid.New()

	mock.ExpectQuery(`INSERT INTO audit_logs`).
		WithArgs("loan_application", entityID, ActionStatusChange, &actorID, ActorUser,
			sqlmock.AnyArg(), "10.1.2.3", "curl/8.0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(int64(8), time.Now()))

	e := &Entry{
		EntityType: "loan_application",
		EntityID:   entityID,
		Action:     ActionStatusChange,
		ActorID:    &actorID,
		ActorType:  ActorUser,
		Changes:    map[string]any{"old_status": "PENDING", "new_status": "CANCELLED"},
		IPAddress:  "10.1.2.3",
		UserAgent:  "curl/8.0",
	}
	require.NoError(t, store.Create(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByEntity(t *testing.T) {
	store, mock := newMockStore(t)
	entityID := uuid.New()
	actorID := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "entity_type", "entity_id", "action", "actor_id", "actor_type",
		"changes", "ip_address", "user_agent", "created_at",
	}).
		AddRow(int64(2), "loan_application", entityID, ActionStatusChange, actorID, ActorUser,
			[]byte(`{"new_status":"APPROVED"}`), "10.0.0.1", "test", time.Now()).
		AddRow(int64(1), "loan_application", entityID, ActionCreate, nil, ActorSystem,
			nil, "", "", time.Now().Add(-time.Minute))

	mock.ExpectQuery(`SELECT .+ FROM audit_logs`).
		WithArgs("loan_application", entityID, 50).
		WillReturnRows(rows)

	entries, err := store.ListByEntity(context.Background(), "loan_application", entityID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, ActionStatusChange, entries[0].Action)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, actorID, *entries[0].ActorID)
	assert.Equal(t, "APPROVED", entries[0].Changes["new_status"])

	assert.Equal(t, ActionCreate, entries[1].Action)
	assert.Nil(t, entries[1].ActorID)
	assert.Nil(t, entries[1].Changes)
	assert.NoError(t, mock.ExpectationsWereMet())
}
