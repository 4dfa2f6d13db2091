package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/store"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DevicesRepository 设备注册表仓库
type DevicesRepository struct {
	guard  *store.Guard
	logger *zap.Logger
}

// NewDevicesRepository 创建设备仓库
func NewDevicesRepository(guard *store.Guard, logger *zap.Logger) *DevicesRepository {
	return &DevicesRepository{
		guard:  guard,
		logger: logger,
	}
}

// GetRegistryEntry 查询设备认证所需的最小字段集（devices JOIN tenants）
// 设备不存在返回 (nil, nil)
func (r *DevicesRepository) GetRegistryEntry(ctx context.Context, tenantID, deviceID string) (*domain.RegistryEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT
			d.tenant_id,
			d.device_id,
			d.credential_hash,
			d.status,
			d.active,
			t.subscription_status
		FROM devices d
		JOIN tenants t ON d.tenant_id = t.tenant_id
		WHERE d.tenant_id = $1
		  AND d.device_id = $2
	`

	var entry domain.RegistryEntry
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, deviceID).Scan(
			&entry.TenantID,
			&entry.DeviceID,
			&entry.CredentialHash,
			&entry.Status,
			&entry.Active,
			&entry.SubscriptionStatus,
		)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get registry entry: %w", err)
	}

	return &entry, nil
}

// ListActiveDeviceIDs 列出租户内在役设备（可按站点过滤）
func (r *DevicesRepository) ListActiveDeviceIDs(ctx context.Context, tenantID string, siteID *string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT device_id
		FROM devices
		WHERE tenant_id = $1
		  AND active = TRUE
	`
	args := []interface{}{tenantID}
	if siteID != nil {
		query += " AND site_id = $2"
		args = append(args, *siteID)
	}
	query += " ORDER BY device_id"

	var ids []string
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}

	return ids, nil
}

// ListDeviceTags 查询设备标签（路由规则按标签过滤用）
// 设备不存在或无标签返回空切片
func (r *DevicesRepository) ListDeviceTags(ctx context.Context, tenantID, deviceID string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT COALESCE(tags, '{}')
		FROM devices
		WHERE tenant_id = $1
		  AND device_id = $2
	`

	var tags pq.StringArray
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, deviceID).Scan(&tags)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list device tags: %w", err)
	}

	return []string(tags), nil
}

// LastSeenUpdate 一次 last_seen 回写
type LastSeenUpdate struct {
	TenantID string
	DeviceID string
	SeenAt   time.Time
}

// UpdateLastSeen 批量回写设备 last_seen（运维写上下文，跨租户，不在热路径上）
func (r *DevicesRepository) UpdateLastSeen(ctx context.Context, updates []LastSeenUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	query := `
		UPDATE devices
		SET last_seen_at = GREATEST(COALESCE(last_seen_at, $3), $3),
		    last_heartbeat_at = GREATEST(COALESCE(last_heartbeat_at, $3), $3),
		    status = 'ONLINE',
		    updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = $1
		  AND device_id = $2
	`

	return r.guard.WithTx(ctx, store.OperatorWrite(), func(tx *sql.Tx) error {
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx, query, u.TenantID, u.DeviceID, u.SeenAt); err != nil {
				return fmt.Errorf("failed to update last_seen for %s/%s: %w", u.TenantID, u.DeviceID, err)
			}
		}
		return nil
	})
}

// RefreshStatuses 按 last_seen 年龄刷新设备状态（STALE / OFFLINE）
// 返回受影响行数，运维写上下文
func (r *DevicesRepository) RefreshStatuses(ctx context.Context, staleAfter, offlineAfter time.Duration) (int64, error) {
	query := `
		UPDATE devices
		SET status = CASE
				WHEN last_seen_at IS NULL OR last_seen_at < $2 THEN 'OFFLINE'
				WHEN last_seen_at < $1 THEN 'STALE'
				ELSE status
			END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE active = TRUE
		  AND (last_seen_at IS NULL OR last_seen_at < $1)
		  AND status <> CASE
				WHEN last_seen_at IS NULL OR last_seen_at < $2 THEN 'OFFLINE'
				ELSE 'STALE'
			END
	`

	now := time.Now()
	staleBefore := now.Add(-staleAfter)
	offlineBefore := now.Add(-offlineAfter)

	var affected int64
	err := r.guard.WithTx(ctx, store.OperatorWrite(), func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, staleBefore, offlineBefore)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to refresh device statuses: %w", err)
	}

	return affected, nil
}
