package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	accounts := s.CreditAccounts()

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		require.NoError(t, accounts.UpsertAccount(ctx, tx, "u1", "t1"))
		return accounts.Adjust(ctx, tx, "u1", 50)
	}))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		require.NoError(t, accounts.Adjust(ctx, tx, "u1", -30))
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Balance)
}

func TestCreditAccounts_AdjustNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	accounts := s.CreditAccounts()
	require.NoError(t, accounts.UpsertAccount(ctx, nil, "u1", "t1"))

	err := accounts.Adjust(ctx, nil, "u1", -1)
	assert.ErrorIs(t, err, repository.ErrNegativeBalance)

	_, err = accounts.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedger_InsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	ledger := s.Ledger()

	e := model.LedgerEntry{AccountID: "u1", Op: model.LedgerRefund, Amount: 10, IdempotencyKey: "refund-j1"}
	ok, err := ledger.Insert(ctx, nil, e)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Insert(ctx, nil, e)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := ledger.ListByAccount(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestOutbox_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	ob := s.Outbox()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	id, err := ob.Insert(ctx, nil, model.OutboxEvent{JobID: "j1", Provider: "p", NextRetryAt: t0, CreatedAt: t0})
	require.NoError(t, err)

	opts := repository.ClaimOptions{Limit: 10, MaxAttempts: 2, Lease: time.Minute, WorkerID: "w1", Now: t0}

	rows, err := ob.Claim(ctx, nil, opts)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, model.OutboxProcessing, rows[0].Status)

	// held under lease: nobody else gets it
	opts2 := opts
	opts2.WorkerID = "w2"
	rows, err = ob.Claim(ctx, nil, opts2)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// lease expired: w2 re-claims, w1 can no longer settle
	opts2.Now = t0.Add(2 * time.Minute)
	ev, err := ob.ClaimByID(ctx, nil, id, opts2)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 2, ev.Attempts)

	ok, err := ob.MarkCompleted(ctx, nil, id, "w1", opts2.Now)
	require.NoError(t, err)
	assert.False(t, ok)

	// attempts exhausted: not claimable again, but listed as exhausted once the lease lapses
	later := opts2.Now.Add(5 * time.Minute)
	opts2.Now = later
	ev, err = ob.ClaimByID(ctx, nil, id, opts2)
	require.NoError(t, err)
	assert.Nil(t, ev)

	exhausted, err := ob.ListExhausted(ctx, nil, 2, later, 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)

	ok, err = ob.MarkFailed(ctx, nil, id, "w2", "gave up", later)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := ob.Get(id)
	assert.Equal(t, model.OutboxFailed, got.Status)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestJobs_UpdateGuardedByStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	jobs := s.Jobs()
	now := time.Now()

	require.NoError(t, jobs.Insert(ctx, nil, model.Job{ID: "j1", Status: model.JobQueued, CreatedAt: now, UpdatedAt: now}))

	j, err := jobs.Get(ctx, "j1")
	require.NoError(t, err)
	j.Status = model.JobCanceled

	ok, err := jobs.Update(ctx, nil, *j, model.JobRendering)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = jobs.Update(ctx, nil, *j, model.JobQueued)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobs_ListStaleSkipsLiveOutbox(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := time.Now().Add(-2 * time.Hour)

	require.NoError(t, s.Jobs().Insert(ctx, nil, model.Job{ID: "quiet", Status: model.JobRendering, UpdatedAt: old}))
	require.NoError(t, s.Jobs().Insert(ctx, nil, model.Job{ID: "retrying", Status: model.JobQueued, UpdatedAt: old}))
	require.NoError(t, s.Jobs().Insert(ctx, nil, model.Job{ID: "done", Status: model.JobCompleted, UpdatedAt: old}))
	_, err := s.Outbox().Insert(ctx, nil, model.OutboxEvent{JobID: "retrying", CreatedAt: old})
	require.NoError(t, err)

	ids, err := s.Jobs().ListStale(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"quiet"}, ids)
}
