package audit

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("01HX", "user_1", "breaker_tripped", `{"breakerId":"global-kill-switch"}`, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	err = store.Append(context.Background(), &Event{
		ID:        "01HX",
		UserID:    "user_1",
		EventType: EventBreakerTripped,
		EventData: map[string]any{"breakerId": "global-kill-switch"},
		Timestamp: t0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "user_id", "event_type", "event_data", "created_at"}).
		AddRow("01HY", "user_1", "breaker_reset", `{"breakerId":"action-transfer"}`, t0)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT id, user_id, event_type, event_data::TEXT, created_at FROM audit_events WHERE user_id = $1 AND event_type = $2 ORDER BY id DESC LIMIT $3")).
		WithArgs("user_1", "breaker_reset", 10).
		WillReturnRows(rows)

	got, err := NewPostgresStore(db).Query(context.Background(), Query{UserID: "user_1", EventType: EventBreakerReset, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "action-transfer", got[0].EventData["breakerId"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestAnchorEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_anchors")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "merkle_root", "batch_size", "first_event_id", "last_event_id", "anchored_at"}))

	_, err = NewPostgresStore(db).LatestAnchor(context.Background())
	assert.ErrorIs(t, err, ErrNoAnchor)
	assert.NoError(t, mock.ExpectationsWereMet())
}
