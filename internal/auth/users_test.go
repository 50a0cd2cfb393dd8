package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockUsers(t *testing.T) (*UserStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewUserStore(db), mock
}

func userRows(id uuid.UUID, email, hashed, role string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "hashed_password", "full_name", "role",
		"is_active", "is_verified", "created_at", "last_login",
	}).AddRow(id, email, hashed, "Ana Analyst", role, active, true, time.Now(), nil)
}

func TestRoleHelpers(t *testing.T) {
	assert.True(t, ValidRole(RoleAdmin))
	assert.True(t, ValidRole(RoleViewer))
	assert.False(t, ValidRole("ROOT"))

	assert.True(t, CanDecide(RoleAdmin))
	assert.True(t, CanDecide(RoleAnalyst))
	assert.False(t, CanDecide(RoleViewer))
}

func TestPasswordHashing(t *testing.T) {
	hashed, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.NotContains(t, hashed, "s3cret-pass")

	assert.True(t, CheckPassword(hashed, "s3cret-pass"))
	assert.False(t, CheckPassword(hashed, "wrong"))
	assert.False(t, CheckPassword("not-a-bcrypt-hash", "s3cret-pass"))
}

func TestAuthenticate(t *testing.T) {
	hashed, err := HashPassword("correct-horse")
	require.NoError(t, err)
	userID := uuid.New()

	t.Run("valid credentials", func(t *testing.T) {
		store, mock := newMockUsers(t)
		mock.ExpectQuery(`SELECT .+ FROM users WHERE email`).
			WithArgs("ana@example.com").
			WillReturnRows(userRows(userID, "ana@example.com", hashed, RoleAnalyst, true))

		u, err := store.Authenticate(context.Background(), "ana@example.com", "correct-horse")
		require.NoError(t, err)
		assert.Equal(t, userID, u.ID)
		assert.Equal(t, RoleAnalyst, u.Role)
	})

	t.Run("wrong password", func(t *testing.T) {
		store, mock := newMockUsers(t)
		mock.ExpectQuery(`SELECT .+ FROM users WHERE email`).
			WithArgs("ana@example.com").
			WillReturnRows(userRows(userID, "ana@example.com", hashed, RoleAnalyst, true))

		_, err := store.Authenticate(context.Background(), "ana@example.com", "nope")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown user maps to invalid credentials", func(t *testing.T) {
		store, mock := newMockUsers(t)
		mock.ExpectQuery(`SELECT .+ FROM users WHERE email`).
			WithArgs("ghost@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.Authenticate(context.Background(), "ghost@example.com", "whatever")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("disabled user", func(t *testing.T) {
		store, mock := newMockUsers(t)
		mock.ExpectQuery(`SELECT .+ FROM users WHERE email`).
			WithArgs("ana@example.com").
			WillReturnRows(userRows(userID, "ana@example.com", hashed, RoleAnalyst, false))

		_, err := store.Authenticate(context.Background(), "ana@example.com", "correct-horse")
		assert.ErrorIs(t, err, ErrUserDisabled)
	})
}

func TestGetByID(t *testing.T) {
	store, mock := newMockUsers(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).
		WithArgs(userID).
		WillReturnRows(userRows(userID, "ana@example.com", "x", RoleAdmin, true))

	u, err := store.GetByID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}
