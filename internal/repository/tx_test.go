package repository

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

// strLen matches a string argument of exactly n bytes.
type strLen int

func (n strLen) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && len(s) == int(n)
}

func TestSQLTransactor_RetriesDeadlock(t *testing.T) {
	db, mock := newMockDB(t)
	tr := NewSQLTransactor(db, time.Second, 2)
	tr.backoff = time.Millisecond

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE credit_accounts`).WillReturnError(&mysql.MySQLError{Number: mysqlErrDeadlock})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE credit_accounts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := tr.WithinTx(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		_, err := tx.ExecContext(ctx, `UPDATE credit_accounts SET balance = balance WHERE account_id = ?`, "u1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTransactor_OtherErrorsAreNotRetried(t *testing.T) {
	db, mock := newMockDB(t)
	tr := NewSQLTransactor(db, 0, 3)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE credit_accounts`).WillReturnError(&mysql.MySQLError{Number: 1062})
	mock.ExpectRollback()

	calls := 0
	err := tr.WithinTx(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		_, err := tx.ExecContext(ctx, `UPDATE credit_accounts SET balance = balance WHERE account_id = ?`, "u1")
		return err
	})
	require.Error(t, err)
	assert.False(t, IsLockError(err))
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}
