package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/store"

	"go.uber.org/zap"
)

// TenantsRepository 租户仓库
// 评估循环需要跨租户枚举，使用运维只读上下文
type TenantsRepository struct {
	guard  *store.Guard
	logger *zap.Logger
}

// NewTenantsRepository 创建租户仓库
func NewTenantsRepository(guard *store.Guard, logger *zap.Logger) *TenantsRepository {
	return &TenantsRepository{
		guard:  guard,
		logger: logger,
	}
}

// ListActiveTenants 列出订阅未暂停的租户（含维护窗口信息）
func (r *TenantsRepository) ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error) {
	query := `
		SELECT tenant_id, subscription_status, maintenance_until
		FROM tenants
		WHERE subscription_status = 'active'
		ORDER BY tenant_id
	`

	var tenants []*domain.Tenant
	err := r.guard.WithTx(ctx, store.OperatorRead(), func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t domain.Tenant
			var maintenance sql.NullTime
			if err := rows.Scan(&t.TenantID, &t.SubscriptionStatus, &maintenance); err != nil {
				return err
			}
			if maintenance.Valid {
				t.MaintenanceUntil = &maintenance.Time
			}
			tenants = append(tenants, &t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}

	return tenants, nil
}
