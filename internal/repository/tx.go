package repository

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

// MySQL server error numbers worth retrying at the transaction boundary.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// Transactor runs fn inside one local transaction. fn may be invoked more
// than once when the transaction is retried, so it must not have effects
// outside the database.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error
}

type SQLTransactor struct {
	db      *sqlx.DB
	timeout time.Duration
	retries int
	backoff time.Duration
}

var _ Transactor = (*SQLTransactor)(nil)

func NewSQLTransactor(db *sqlx.DB, timeout time.Duration, lockRetries int) *SQLTransactor {
	if lockRetries < 0 {
		lockRetries = 0
	}
	return &SQLTransactor{db: db, timeout: timeout, retries: lockRetries, backoff: 25 * time.Millisecond}
}

func (t *SQLTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := t.once(ctx, fn)
		if err == nil || !IsLockError(err) || attempt >= t.retries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.backoff * time.Duration(attempt+1)):
		}
	}
}

func (t *SQLTransactor) once(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsLockError reports deadlocks and lock wait timeouts.
func IsLockError(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout
	}
	return false
}

func withTx(ctx context.Context, db *sqlx.DB, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}
