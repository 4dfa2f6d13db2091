package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/store"

	"go.uber.org/zap"
)

// QuarantineRepository 隔离事件仓库（只追加）
// 使用运维写上下文：被拒消息的租户/设备可能未知，无法进入租户上下文
type QuarantineRepository struct {
	guard  *store.Guard
	logger *zap.Logger
}

// NewQuarantineRepository 创建隔离事件仓库
func NewQuarantineRepository(guard *store.Guard, logger *zap.Logger) *QuarantineRepository {
	return &QuarantineRepository{
		guard:  guard,
		logger: logger,
	}
}

// InsertEvent 追加一条隔离事件
func (r *QuarantineRepository) InsertEvent(ctx context.Context, event *domain.QuarantineEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.Reason == "" {
		return fmt.Errorf("reason is required")
	}

	query := `
		INSERT INTO quarantine_events (
			event_id, tenant_id, device_id, reason, transport, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	err := r.guard.WithTx(ctx, store.OperatorWrite(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			event.EventID,
			nullIfEmpty(event.TenantID),
			nullIfEmpty(event.DeviceID),
			event.Reason,
			event.Transport,
			event.Payload,
			event.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert quarantine event: %w", err)
	}

	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
