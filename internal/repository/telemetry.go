package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/store"

	"go.uber.org/zap"
)

// TelemetryRepository 时序读数仓库
type TelemetryRepository struct {
	guard  *store.Guard
	logger *zap.Logger
}

// NewTelemetryRepository 创建时序读数仓库
func NewTelemetryRepository(guard *store.Guard, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		guard:  guard,
		logger: logger,
	}
}

// InsertReadings 单事务多行插入一个租户批次
// readings 必须全部属于 tenantID，由批量写入器保证
func (r *TelemetryRepository) InsertReadings(ctx context.Context, tenantID string, readings []domain.Reading) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if len(readings) == 0 {
		return nil
	}

	const cols = 9
	placeholders := make([]string, 0, len(readings))
	args := make([]interface{}, 0, len(readings)*cols)
	for i, reading := range readings {
		if reading.TenantID != tenantID {
			return fmt.Errorf("reading tenant_id %s does not match batch tenant %s", reading.TenantID, tenantID)
		}
		base := i * cols
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args,
			reading.TenantID,
			reading.DeviceID,
			reading.SiteID,
			reading.Metric,
			reading.Value,
			reading.Sequence,
			reading.Timestamp,
			reading.Lat,
			reading.Lng,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO telemetry_readings (
			tenant_id, device_id, site_id, metric, value, sequence, timestamp, lat, lng
		) VALUES %s
	`, strings.Join(placeholders, ", "))

	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert readings batch: %w", err)
	}

	return nil
}

// ReadingsSince 某设备某指标自 since 以来的读数（升序）
func (r *TelemetryRepository) ReadingsSince(ctx context.Context, tenantID, deviceID, metric string, since time.Time) ([]domain.MetricPoint, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT timestamp, value
		FROM telemetry_readings
		WHERE tenant_id = $1
		  AND device_id = $2
		  AND metric = $3
		  AND timestamp >= $4
		ORDER BY timestamp ASC
	`

	var points []domain.MetricPoint
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, tenantID, deviceID, metric, since)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p domain.MetricPoint
			if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
				return err
			}
			points = append(points, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}

	return points, nil
}

// LatestReading 某设备某指标的最新读数，无数据返回 (nil, nil)
func (r *TelemetryRepository) LatestReading(ctx context.Context, tenantID, deviceID, metric string) (*domain.MetricPoint, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT timestamp, value
		FROM telemetry_readings
		WHERE tenant_id = $1
		  AND device_id = $2
		  AND metric = $3
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var p domain.MetricPoint
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, deviceID, metric).Scan(&p.Timestamp, &p.Value)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}

	return &p, nil
}

// LastReadingAt 某设备某指标最后一次读数时间，无数据返回 (nil, nil)
// 数据缺失规则是存在性检查：这里只看时间，不看值
func (r *TelemetryRepository) LastReadingAt(ctx context.Context, tenantID, deviceID, metric string) (*time.Time, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT MAX(timestamp)
		FROM telemetry_readings
		WHERE tenant_id = $1
		  AND device_id = $2
		  AND metric = $3
	`

	var last sql.NullTime
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, deviceID, metric).Scan(&last)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query last reading time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}

	return &last.Time, nil
}

// MetricStats 滚动基线统计（异常检测用）
type MetricStats struct {
	Count  int
	Mean   float64
	StdDev float64
}

// StatsSince 某设备某指标自 since 以来的均值/标准差/样本数
func (r *TelemetryRepository) StatsSince(ctx context.Context, tenantID, deviceID, metric string, since time.Time) (*MetricStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT COUNT(*), COALESCE(AVG(value), 0), COALESCE(STDDEV_SAMP(value), 0)
		FROM telemetry_readings
		WHERE tenant_id = $1
		  AND device_id = $2
		  AND metric = $3
		  AND timestamp >= $4
	`

	var stats MetricStats
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, deviceID, metric, since).Scan(
			&stats.Count, &stats.Mean, &stats.StdDev,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query metric stats: %w", err)
	}

	return &stats, nil
}
