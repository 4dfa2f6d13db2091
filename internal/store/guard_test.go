package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupGuard(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Guard) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	guard := NewGuard(db, zap.NewNop())
	return db, mock, guard
}

func TestWithTenantTx_SetsRoleAndTenantVariable(t *testing.T) {
	db, mock, guard := setupGuard(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL ROLE tenant_service").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT set_config\('app.tenant_id', \$1, true\)`).
		WithArgs("tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE things").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := guard.WithTenantTx(context.Background(), "tenant-1", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE things SET x = 1")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTenantTx_EmptyTenantRejected(t *testing.T) {
	db, mock, guard := setupGuard(t)
	defer db.Close()

	err := guard.WithTenantTx(context.Background(), "", func(tx *sql.Tx) error {
		t.Fatal("fn must not run without a tenant context")
		return nil
	})

	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_ZeroAccessContextRejected(t *testing.T) {
	db, mock, guard := setupGuard(t)
	defer db.Close()

	err := guard.WithTx(context.Background(), AccessContext{}, func(tx *sql.Tx) error {
		t.Fatal("fn must not run without an access context")
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "explicit access context")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RoleSwitchFailureRollsBack(t *testing.T) {
	db, mock, guard := setupGuard(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL ROLE tenant_service").
		WillReturnError(fmt.Errorf("permission denied"))
	mock.ExpectRollback()

	called := false
	err := guard.WithTenantTx(context.Background(), "tenant-1", func(tx *sql.Tx) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called, "queries must never run on an unscoped transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_FnErrorRollsBack(t *testing.T) {
	db, mock, guard := setupGuard(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL ROLE operator_service").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	wantErr := fmt.Errorf("boom")
	err := guard.WithTx(context.Background(), OperatorWrite(), func(tx *sql.Tx) error {
		return wantErr
	})

	assert.Equal(t, wantErr, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_OperatorReadSkipsTenantVariable(t *testing.T) {
	db, mock, guard := setupGuard(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL ROLE operator_readonly").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := guard.WithTx(context.Background(), OperatorRead(), func(tx *sql.Tx) error {
		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessContext_Roles(t *testing.T) {
	tenant, err := TenantContext("tenant-9")
	require.NoError(t, err)
	assert.Equal(t, "tenant_service", tenant.role())
	assert.Equal(t, "tenant-9", tenant.TenantID())

	assert.Equal(t, "operator_readonly", OperatorRead().role())
	assert.Equal(t, "operator_service", OperatorWrite().role())

	_, err = TenantContext("")
	assert.Error(t, err)
}
