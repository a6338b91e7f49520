package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_TripConditional(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Now()

	mock.ExpectExec("UPDATE circuit_breakers").
		WithArgs(at, "user_1", "why", "user_1", ActionTransfer).
		WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := store.Trip(ctx, "user_1", ActionTransfer, "user_1", "why", at)
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectExec("UPDATE circuit_breakers").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("user_1", ActionTransfer).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	changed, err = store.Trip(ctx, "user_1", ActionTransfer, "user_1", "why", at)
	require.NoError(t, err)
	assert.False(t, changed)

	mock.ExpectExec("UPDATE circuit_breakers").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("user_1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = store.Trip(ctx, "user_1", "missing", "user_1", "why", at)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO circuit_breakers").WillReturnError(&pq.Error{Code: "23505"})

	err := store.Create(context.Background(), &Breaker{BreakerID: GlobalKillSwitch, UserID: "user_1", Type: TypeGlobal})
	assert.ErrorIs(t, err, ErrBreakerExists)
}

func TestPostgresStore_GetScansTrippedBreaker(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"breaker_id", "user_id", "breaker_type", "scope", "is_tripped", "tripped_at",
		"tripped_by", "trip_reason", "auto_reset_after_ms", "is_default", "created_at", "updated_at",
	}).AddRow("cool-off", "user_1", "goal", "goal_1", true, now, "user_1", "pause", int64(60000), false, now, now)
	mock.ExpectQuery("FROM circuit_breakers").WithArgs("user_1", "cool-off").WillReturnRows(rows)

	b, err := store.Get(context.Background(), "user_1", "cool-off")
	require.NoError(t, err)
	assert.Equal(t, TypeGoal, b.Type)
	assert.True(t, b.IsTripped)
	require.NotNil(t, b.TrippedAt)
	assert.Equal(t, time.Minute, b.AutoResetAfter())
	assert.True(t, b.DueForReset(now.Add(time.Minute)))
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM circuit_breakers").WithArgs("user_1", "x").WillReturnRows(sqlmock.NewRows(nil))

	_, err := store.Get(context.Background(), "user_1", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
