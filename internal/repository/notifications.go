package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-telemetry/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationLogRepository 通知日志仓库
// 只插入、按时间范围查询；仅在传输成功交接后记录，
// 失败的发送不入日志，下次触发可以合法重试而不被自己的失败节流
type NotificationLogRepository struct {
	guard  *store.Guard
	logger *zap.Logger
}

// NewNotificationLogRepository 创建通知日志仓库
func NewNotificationLogRepository(guard *store.Guard, logger *zap.Logger) *NotificationLogRepository {
	return &NotificationLogRepository{
		guard:  guard,
		logger: logger,
	}
}

// SentWithin 判断 (channel, alert) 在窗口内是否已有成功发送记录
func (r *NotificationLogRepository) SentWithin(ctx context.Context, tenantID, channelID, alertID string, window time.Duration) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT EXISTS (
			SELECT 1
			FROM notification_log
			WHERE tenant_id = $1
			  AND channel_id = $2
			  AND alert_id = $3
			  AND sent_at > $4
		)
	`

	threshold := time.Now().Add(-window)
	var sent bool
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, channelID, alertID, threshold).Scan(&sent)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check notification log: %w", err)
	}

	return sent, nil
}

// RecordSend 记录一次成功发送
func (r *NotificationLogRepository) RecordSend(ctx context.Context, tenantID, channelID, alertID, trigger string, sentAt time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if channelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		INSERT INTO notification_log (id, tenant_id, channel_id, alert_id, trigger, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			uuid.New().String(), tenantID, channelID, alertID, trigger, sentAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}

	return nil
}
