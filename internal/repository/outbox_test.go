package repository

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outboxCols = []string{"id", "job_id", "provider", "payload", "status", "attempts", "next_retry_at", "locked_by",
	"lease_expires_at", "last_error", "created_at", "updated_at", "processed_at"}

func TestOutboxClaim_SkipsLockedRowsAndTakesLease(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox_events WHERE attempts < \? ` +
		`AND \(\(status = 'pending' AND next_retry_at <= \?\) OR \(status = 'processing' AND lease_expires_at <= \?\)\) ` +
		`ORDER BY id LIMIT \? FOR UPDATE SKIP LOCKED`).
		WithArgs(5, now, now, 10).
		WillReturnRows(sqlmock.NewRows(outboxCols).
			AddRow(int64(7), "j1", "mock", []byte(`{}`), "pending", int64(0), now, "", nil, "", now, now, nil).
			AddRow(int64(9), "j2", "mock", []byte(`{}`), "processing", int64(2), now, "worker-b", now, "timeout", now, now, nil))
	mock.ExpectExec(`UPDATE outbox_events SET status = 'processing', attempts = attempts \+ 1, locked_by = \?, ` +
		`lease_expires_at = \?, updated_at = \? WHERE id IN \(\?, \?\)`).
		WithArgs("worker-a", now.Add(time.Minute), now, int64(7), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	rows, err := repo.Claim(context.Background(), nil, ClaimOptions{
		Limit: 10, MaxAttempts: 5, Lease: time.Minute, WorkerID: "worker-a", Now: now,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, ev := range rows {
		assert.Equal(t, model.OutboxProcessing, ev.Status)
		assert.Equal(t, "worker-a", ev.LockedBy)
		require.NotNil(t, ev.LeaseExpiresAt)
		assert.Equal(t, now.Add(time.Minute), *ev.LeaseExpiresAt)
	}
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, 3, rows[1].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxClaim_NothingDueSkipsUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(outboxCols))
	mock.ExpectCommit()

	rows, err := repo.Claim(context.Background(), nil, ClaimOptions{MaxAttempts: 5, Lease: time.Minute, WorkerID: "w", Now: now})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxSettle_GuardedByOwner(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	guard := `WHERE id = \? AND status = 'processing' AND locked_by = \?`

	tests := []struct {
		name    string
		pattern string
		args    []driver.Value
		settle  func(r *OutboxRepositoryImpl) (bool, error)
	}{
		{
			name:    "completed",
			pattern: `UPDATE outbox_events SET status = 'completed', processed_at = \?, lease_expires_at = NULL, updated_at = \? ` + guard,
			args:    []driver.Value{now, now, int64(7), "worker-a"},
			settle: func(r *OutboxRepositoryImpl) (bool, error) {
				return r.MarkCompleted(context.Background(), nil, 7, "worker-a", now)
			},
		},
		{
			name:    "retry",
			pattern: `UPDATE outbox_events SET status = 'pending', next_retry_at = \?, last_error = \?, lease_expires_at = NULL, updated_at = \? ` + guard,
			args:    []driver.Value{now.Add(time.Second), "503", now, int64(7), "worker-a"},
			settle: func(r *OutboxRepositoryImpl) (bool, error) {
				return r.ScheduleRetry(context.Background(), nil, 7, "worker-a", now.Add(time.Second), "503", now)
			},
		},
		{
			name:    "failed",
			pattern: `UPDATE outbox_events SET status = 'failed', last_error = \?, processed_at = \?, lease_expires_at = NULL, updated_at = \? ` + guard,
			args:    []driver.Value{"rejected", now, now, int64(7), "worker-a"},
			settle: func(r *OutboxRepositoryImpl) (bool, error) {
				return r.MarkFailed(context.Background(), nil, 7, "worker-a", "rejected", now)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewOutboxRepository(db)

			mock.ExpectBegin()
			mock.ExpectExec(tt.pattern).WithArgs(tt.args...).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()
			mock.ExpectBegin()
			mock.ExpectExec(tt.pattern).WithArgs(tt.args...).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectCommit()

			ok, err := tt.settle(repo)
			require.NoError(t, err)
			assert.True(t, ok)

			// another worker owns the row now
			ok, err = tt.settle(repo)
			require.NoError(t, err)
			assert.False(t, ok)

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestOutboxMarkFailed_ClipsLastError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox_events SET status = 'failed'`).
		WithArgs(strLen(1000), now, now, int64(7), "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.MarkFailed(context.Background(), nil, 7, "worker-a", strings.Repeat("e", 2048), now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxListExhausted_SkipsLockedRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE status = 'processing' AND lease_expires_at <= \? AND attempts >= \? ORDER BY id LIMIT \? FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 5, 50).
		WillReturnRows(sqlmock.NewRows(outboxCols).
			AddRow(int64(3), "j1", "mock", []byte(`{}`), "processing", int64(5), now, "worker-b", now, "", now, now, nil))
	mock.ExpectCommit()

	rows, err := repo.ListExhausted(context.Background(), nil, 5, now, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "worker-b", rows[0].LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}
