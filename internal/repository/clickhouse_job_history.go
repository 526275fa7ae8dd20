package repository

import (
	"context"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmoiron/sqlx"
)

// JobHistoryRepository keeps an append-only trail of applied transitions.
type JobHistoryRepository interface {
	Append(ctx context.Context, e model.JobHistoryEntry) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]model.JobHistoryEntry, error)
}

type chJobHistoryRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHJobHistoryRepository(ch *sqlx.DB) JobHistoryRepository {
	return &chJobHistoryRepository{ch: ch}
}

func (r *chJobHistoryRepository) Append(ctx context.Context, e model.JobHistoryEntry) error {
	// clickhouse-go batches inserts through a prepared statement inside a tx.
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO enhancer.job_events
		    (job_id, tenant_id, user_id, from_status, to_status, stage, percent, credits, error_code, at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx,
		e.JobID, e.TenantID, e.UserID, e.FromStatus, e.ToStatus, e.Stage, e.Percent, e.Credits, e.ErrorCode, e.At,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *chJobHistoryRepository) ListByJob(ctx context.Context, jobID string, limit int) ([]model.JobHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const q = `
		SELECT job_id, tenant_id, user_id, from_status, to_status, stage, percent, credits, error_code, at
		FROM enhancer.job_events
		WHERE job_id = ?
		ORDER BY at ASC
		LIMIT ?
	`
	var rows []model.JobHistoryEntry
	if err := r.ch.SelectContext(ctx, &rows, q, jobID, limit); err != nil {
		return nil, err
	}
	return rows, nil
}
