package repository

import (
	"context"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmoiron/sqlx"
)

type LedgerRepository interface {
	// Insert is idempotent on IdempotencyKey; it reports whether a row was written.
	Insert(ctx context.Context, tx *sqlx.Tx, e model.LedgerEntry) (bool, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
}

type ledgerRepo struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) LedgerRepository { return &ledgerRepo{db: db} }

func (r *ledgerRepo) Insert(ctx context.Context, tx *sqlx.Tx, e model.LedgerEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (account_id, op, amount, source, description, job_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NOW(6))
		ON DUPLICATE KEY UPDATE id = id
	`, e.AccountID, string(e.Op), e.Amount, e.Source, e.Description, e.JobID, e.IdempotencyKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *ledgerRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []model.LedgerEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, op, amount, source, description, job_id, idempotency_key, created_at
		FROM credit_ledger
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, accountID, limit)
	return rows, err
}
