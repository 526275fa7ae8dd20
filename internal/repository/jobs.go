package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmoiron/sqlx"
)

// JobsRepository defines persistence for the enhancement_jobs table.
type JobsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, j model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Job, error)
	// Update writes the mutable columns of j only if the persisted status is still from.
	Update(ctx context.Context, tx *sqlx.Tx, j model.Job, from model.JobStatus) (bool, error)
	// ListStale returns active jobs untouched since before that have no live outbox row.
	ListStale(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type JobsRepositoryImpl struct {
	db *sqlx.DB
}

func NewJobsRepository(db *sqlx.DB) *JobsRepositoryImpl {
	return &JobsRepositoryImpl{db: db}
}

var _ JobsRepository = (*JobsRepositoryImpl)(nil)

const jobColumns = `id, tenant_id, user_id, photo_id, enhancement_type, provider, status,
	progress_stage, progress_percent, credits_reserved, cost_micros, output_urls,
	error_code, error_message, created_at, updated_at, completed_at`

func (r *JobsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, j model.Job) error {
	const q = `
		INSERT INTO enhancement_jobs
		    (id, tenant_id, user_id, photo_id, enhancement_type, provider, status,
		     progress_stage, progress_percent, credits_reserved, cost_micros,
		     created_at, updated_at)
		VALUES
		    (?,  ?,         ?,       ?,        ?,                ?,        ?,
		     ?,              ?,                ?,                ?,
		     ?,          ?)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			j.ID, j.TenantID, j.UserID, j.PhotoID, j.EnhancementType, j.Provider, j.Status.String(),
			j.ProgressStage, j.ProgressPercent, j.CreditsReserved, j.CostMicros,
			j.CreatedAt, j.UpdatedAt,
		)
		return err
	})
}

func (r *JobsRepositoryImpl) Get(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	err := r.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM enhancement_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobsRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Job, error) {
	var j model.Job
	err := tx.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM enhancement_jobs WHERE id = ? FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobsRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, j model.Job, from model.JobStatus) (bool, error) {
	const q = `
		UPDATE enhancement_jobs
		SET status = ?, progress_stage = ?, progress_percent = ?, cost_micros = ?,
		    output_urls = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`
	var ok bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			j.Status.String(), model.Clip(j.ProgressStage, model.MaxStageLen), j.ProgressPercent, j.CostMicros,
			j.OutputURLs, model.Clip(j.ErrorCode, model.MaxErrorCodeLen), model.Clip(j.ErrorMessage, model.MaxErrorMessageLen),
			j.UpdatedAt, j.CompletedAt,
			j.ID, from.String(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

func (r *JobsRepositoryImpl) ListStale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT j.id
		FROM enhancement_jobs j
		WHERE j.status IN ('queued', 'rendering')
		  AND j.updated_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox_events o
		      WHERE o.job_id = j.id AND o.status IN ('pending', 'processing')
		  )
		ORDER BY j.updated_at
		LIMIT ?
	`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q, before, limit); err != nil {
		return nil, err
	}
	return ids, nil
}
