package repository

import (
	"context"
	"testing"
	"time"

	"wisefido-telemetry/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInsertReadings_BatchIsSingleStatement(t *testing.T) {
	db, mock, guard := setupGuardedDB(t)
	defer db.Close()

	repo := NewTelemetryRepository(guard, zap.NewNop())
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	readings := []domain.Reading{
		{TenantID: "tenant-1", DeviceID: "dev-1", SiteID: "site-a", Metric: "temperature", Value: 21.5, Sequence: 10, Timestamp: ts},
		{TenantID: "tenant-1", DeviceID: "dev-1", SiteID: "site-a", Metric: "humidity", Value: 40, Sequence: 10, Timestamp: ts},
		{TenantID: "tenant-1", DeviceID: "dev-2", SiteID: "site-a", Metric: "temperature", Value: 19.8, Sequence: 4, Timestamp: ts},
	}

	expectTenantTx(mock, "tenant-1")
	// 一个批次恰好一条多行 INSERT
	mock.ExpectExec("INSERT INTO telemetry_readings").
		WillReturnResult(sqlmock.NewResult(0, int64(len(readings))))
	mock.ExpectCommit()

	err := repo.InsertReadings(context.Background(), "tenant-1", readings)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReadings_EmptyBatchIsNoop(t *testing.T) {
	db, mock, guard := setupGuardedDB(t)
	defer db.Close()

	repo := NewTelemetryRepository(guard, zap.NewNop())

	err := repo.InsertReadings(context.Background(), "tenant-1", nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReadings_ForeignTenantReadingRejected(t *testing.T) {
	db, mock, guard := setupGuardedDB(t)
	defer db.Close()

	repo := NewTelemetryRepository(guard, zap.NewNop())
	readings := []domain.Reading{
		{TenantID: "tenant-2", DeviceID: "dev-1", Metric: "temperature", Value: 21.5, Timestamp: time.Now()},
	}

	err := repo.InsertReadings(context.Background(), "tenant-1", readings)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match batch tenant")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastReadingAt_NoDataReturnsNil(t *testing.T) {
	db, mock, guard := setupGuardedDB(t)
	defer db.Close()

	repo := NewTelemetryRepository(guard, zap.NewNop())

	expectTenantTx(mock, "tenant-1")
	mock.ExpectQuery("SELECT MAX").
		WithArgs("tenant-1", "dev-1", "temperature").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectCommit()

	last, err := repo.LastReadingAt(context.Background(), "tenant-1", "dev-1", "temperature")

	require.NoError(t, err)
	assert.Nil(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsSince(t *testing.T) {
	db, mock, guard := setupGuardedDB(t)
	defer db.Close()

	repo := NewTelemetryRepository(guard, zap.NewNop())
	since := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	expectTenantTx(mock, "tenant-1")
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("tenant-1", "dev-1", "temperature", since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg", "stddev"}).AddRow(30, 21.4, 0.8))
	mock.ExpectCommit()

	stats, err := repo.StatsSince(context.Background(), "tenant-1", "dev-1", "temperature", since)

	require.NoError(t, err)
	assert.Equal(t, 30, stats.Count)
	assert.InDelta(t, 21.4, stats.Mean, 1e-9)
	assert.InDelta(t, 0.8, stats.StdDev, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
