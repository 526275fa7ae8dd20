package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmoiron/sqlx"
)

// ClaimOptions bounds one claim of outbox rows.
type ClaimOptions struct {
	Limit       int
	MaxAttempts int
	Lease       time.Duration
	WorkerID    string
	Now         time.Time
}

// OutboxRepository defines persistence methods for the outbox_events table.
// Mutations of a processing row are guarded by the worker that claimed it.
type OutboxRepository interface {
	// Insert writes a pending event. If tx is nil it opens/commits its own transaction.
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) (int64, error)
	// Claim picks due pending rows and processing rows past their lease, skipping rows
	// locked by other workers, marks them processing and increments attempts.
	Claim(ctx context.Context, tx *sqlx.Tx, opts ClaimOptions) ([]model.OutboxEvent, error)
	// ClaimByID is Claim restricted to one row; it returns nil when the row is not claimable.
	ClaimByID(ctx context.Context, tx *sqlx.Tx, id int64, opts ClaimOptions) (*model.OutboxEvent, error)
	MarkCompleted(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, next time.Time, lastErr string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, workerID, lastErr string, now time.Time) (bool, error)
	// ListExhausted returns abandoned processing rows that have no attempts left.
	ListExhausted(ctx context.Context, tx *sqlx.Tx, maxAttempts int, now time.Time, limit int) ([]model.OutboxEvent, error)
	// CancelPending fails not-yet-claimed rows of a job.
	CancelPending(ctx context.Context, tx *sqlx.Tx, jobID, reason string, now time.Time) (int64, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation (MySQL 8, SKIP LOCKED).
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const outboxColumns = `id, job_id, provider, payload, status, attempts, next_retry_at, locked_by,
	lease_expires_at, last_error, created_at, updated_at, processed_at`

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) (int64, error) {
	const q = `
		INSERT INTO outbox_events (job_id, provider, payload, status, attempts, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?)
	`
	var id int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, ev.JobID, ev.Provider, ev.Payload, ev.NextRetryAt, ev.CreatedAt, ev.CreatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (r *OutboxRepositoryImpl) Claim(ctx context.Context, tx *sqlx.Tx, opts ClaimOptions) ([]model.OutboxEvent, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	const q = `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE attempts < ?
		  AND ((status = 'pending' AND next_retry_at <= ?)
		    OR (status = 'processing' AND lease_expires_at <= ?))
		ORDER BY id
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &rows, q, opts.MaxAttempts, opts.Now, opts.Now, opts.Limit); err != nil {
			return err
		}
		return r.markProcessing(ctx, tx, rows, opts)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) ClaimByID(ctx context.Context, tx *sqlx.Tx, id int64, opts ClaimOptions) (*model.OutboxEvent, error) {
	const q = `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE id = ?
		  AND attempts < ?
		  AND ((status = 'pending' AND next_retry_at <= ?)
		    OR (status = 'processing' AND lease_expires_at <= ?))
		FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &rows, q, id, opts.MaxAttempts, opts.Now, opts.Now); err != nil {
			return err
		}
		return r.markProcessing(ctx, tx, rows, opts)
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *OutboxRepositoryImpl) markProcessing(ctx context.Context, tx *sqlx.Tx, rows []model.OutboxEvent, opts ClaimOptions) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(rows))
	for _, ev := range rows {
		ids = append(ids, ev.ID)
	}

	lease := opts.Now.Add(opts.Lease)
	query, args, err := sqlx.In(`
		UPDATE outbox_events
		SET status = 'processing', attempts = attempts + 1, locked_by = ?, lease_expires_at = ?, updated_at = ?
		WHERE id IN (?)
	`, opts.WorkerID, lease, opts.Now, ids)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return err
	}

	for i := range rows {
		rows[i].Status = model.OutboxProcessing
		rows[i].Attempts++
		rows[i].LockedBy = opts.WorkerID
		rows[i].LeaseExpiresAt = &lease
		rows[i].UpdatedAt = opts.Now
	}
	return nil
}

func (r *OutboxRepositoryImpl) MarkCompleted(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, now time.Time) (bool, error) {
	const q = `
		UPDATE outbox_events
		SET status = 'completed', processed_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?
	`
	return r.execGuarded(ctx, tx, q, now, now, id, workerID)
}

func (r *OutboxRepositoryImpl) ScheduleRetry(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, next time.Time, lastErr string, now time.Time) (bool, error) {
	const q = `
		UPDATE outbox_events
		SET status = 'pending', next_retry_at = ?, last_error = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?
	`
	return r.execGuarded(ctx, tx, q, next, truncate(lastErr), now, id, workerID)
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, workerID, lastErr string, now time.Time) (bool, error) {
	const q = `
		UPDATE outbox_events
		SET status = 'failed', last_error = ?, processed_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND locked_by = ?
	`
	return r.execGuarded(ctx, tx, q, truncate(lastErr), now, now, id, workerID)
}

func (r *OutboxRepositoryImpl) ListExhausted(ctx context.Context, tx *sqlx.Tx, maxAttempts int, now time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'processing' AND lease_expires_at <= ? AND attempts >= ?
		ORDER BY id
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, q, now, maxAttempts, limit)
	})
	return rows, err
}

func (r *OutboxRepositoryImpl) CancelPending(ctx context.Context, tx *sqlx.Tx, jobID, reason string, now time.Time) (int64, error) {
	const q = `
		UPDATE outbox_events
		SET status = 'failed', last_error = ?, processed_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'pending'
	`
	var n int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, truncate(reason), now, now, jobID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *OutboxRepositoryImpl) execGuarded(ctx context.Context, tx *sqlx.Tx, q string, args ...any) (bool, error) {
	var ok bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}

// truncate keeps error text within the last_error column.
func truncate(s string) string {
	return model.Clip(s, 1000)
}
