package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInTxCommitsAndBindsConn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	runner := NewTxRunner(db)
	err = runner.RunInTx(context.Background(), func(ctx context.Context) error {
		_, isTx := Conn(ctx, db).(*sql.Tx)
		assert.True(t, isTx)

		return runner.RunInTx(ctx, func(ctx context.Context) error {
			_, err := Conn(ctx, db).ExecContext(ctx, "UPDATE orders SET status = 'paid'")
			return err
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = NewTxRunner(db).RunInTx(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWrapErrorClassifies(t *testing.T) {
	var repoErr *Error

	err := WrapError("orders.get", sql.ErrNoRows)
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())

	err = WrapError("coupons.insert", &pq.Error{Code: "23505"})
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())
	assert.True(t, IsUniqueViolation(err))

	err = WrapError("orders.list", &pq.Error{Code: "08006"})
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsUnavailable())

	assert.Equal(t, context.Canceled, WrapError("x", context.Canceled))
	assert.Nil(t, WrapError("x", nil))
}
