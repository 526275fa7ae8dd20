package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrNegativeBalance = errors.New("balance would go negative")

// CreditAccountsRepository persists credit_accounts. Mutations require a tx.
type CreditAccountsRepository interface {
	UpsertAccount(ctx context.Context, tx *sqlx.Tx, accountID, tenantID string) error
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, accountID string) (balance int64, err error)
	Adjust(ctx context.Context, tx *sqlx.Tx, accountID string, delta int64) error
	Get(ctx context.Context, accountID string) (*model.CreditAccount, error)
}

type creditAccountsRepo struct {
	db *sqlx.DB
}

func NewCreditAccountsRepository(db *sqlx.DB) CreditAccountsRepository {
	return &creditAccountsRepo{db: db}
}

func (r *creditAccountsRepo) UpsertAccount(ctx context.Context, tx *sqlx.Tx, accountID, tenantID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (account_id, tenant_id, balance, created_at, updated_at)
		VALUES (?, ?, 0, NOW(6), NOW(6))
		ON DUPLICATE KEY UPDATE account_id = account_id
	`, accountID, tenantID)
	return err
}

func (r *creditAccountsRepo) GetForUpdate(ctx context.Context, tx *sqlx.Tx, accountID string) (int64, error) {
	var bal int64
	err := tx.QueryRowxContext(ctx, `
		SELECT balance
		FROM credit_accounts
		WHERE account_id = ?
		FOR UPDATE
	`, accountID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return bal, err
}

func (r *creditAccountsRepo) Adjust(ctx context.Context, tx *sqlx.Tx, accountID string, delta int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + ?, updated_at = NOW(6)
		WHERE account_id = ? AND balance + ? >= 0
	`, delta, accountID, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNegativeBalance
	}
	return nil
}

func (r *creditAccountsRepo) Get(ctx context.Context, accountID string) (*model.CreditAccount, error) {
	var a model.CreditAccount
	err := r.db.GetContext(ctx, &a, `
		SELECT account_id, tenant_id, balance, created_at, updated_at
		  FROM credit_accounts
		 WHERE account_id = ?
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
