package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/secrets"
	"wisefido-telemetry/internal/store"

	"go.uber.org/zap"
)

// ChannelsRepository 通知渠道与路由规则仓库
// 渠道连接配置整体加密存储，仅 GetChannelForSend 返回明文配置；
// ListChannels 等读取路径一律返回脱敏副本
type ChannelsRepository struct {
	guard  *store.Guard
	box    *secrets.Box
	logger *zap.Logger
}

// NewChannelsRepository 创建渠道仓库
func NewChannelsRepository(guard *store.Guard, box *secrets.Box, logger *zap.Logger) *ChannelsRepository {
	return &ChannelsRepository{
		guard:  guard,
		box:    box,
		logger: logger,
	}
}

// GetChannelForSend 按 ID 取启用渠道，配置解密（仅派发路径调用）
// 渠道不存在或未启用返回 (nil, nil)
func (r *ChannelsRepository) GetChannelForSend(ctx context.Context, tenantID, channelID string) (*domain.NotificationChannel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("channel_id is required")
	}

	query := `
		SELECT channel_id, tenant_id, name, channel_type, enabled, config_encrypted, created_at, updated_at
		FROM notification_channels
		WHERE tenant_id = $1
		  AND channel_id = $2
		  AND enabled = TRUE
	`

	var channel domain.NotificationChannel
	var encrypted []byte
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, channelID).Scan(
			&channel.ChannelID,
			&channel.TenantID,
			&channel.Name,
			&channel.ChannelType,
			&channel.Enabled,
			&encrypted,
			&channel.CreatedAt,
			&channel.UpdatedAt,
		)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	plaintext, err := r.box.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt channel config: %w", err)
	}
	if err := json.Unmarshal(plaintext, &channel.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel config: %w", err)
	}

	return &channel, nil
}

// ListChannels 列出租户渠道，配置脱敏
func (r *ChannelsRepository) ListChannels(ctx context.Context, tenantID string) ([]*domain.NotificationChannel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT channel_id, tenant_id, name, channel_type, enabled, config_encrypted, created_at, updated_at
		FROM notification_channels
		WHERE tenant_id = $1
		ORDER BY name
	`

	var channels []*domain.NotificationChannel
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var channel domain.NotificationChannel
			var encrypted []byte
			if err := rows.Scan(
				&channel.ChannelID,
				&channel.TenantID,
				&channel.Name,
				&channel.ChannelType,
				&channel.Enabled,
				&encrypted,
				&channel.CreatedAt,
				&channel.UpdatedAt,
			); err != nil {
				return err
			}

			plaintext, err := r.box.Decrypt(encrypted)
			if err != nil {
				return fmt.Errorf("failed to decrypt channel config: %w", err)
			}
			if err := json.Unmarshal(plaintext, &channel.Config); err != nil {
				return fmt.Errorf("failed to unmarshal channel config: %w", err)
			}
			channel.Config = channel.Config.Masked()

			channels = append(channels, &channel)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	return channels, nil
}

// ListEnabledRoutingRules 列出租户启用的路由规则
func (r *ChannelsRepository) ListEnabledRoutingRules(ctx context.Context, tenantID string) ([]*domain.RoutingRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT routing_id, tenant_id, channel_id, min_severity, rule_types, device_tag, throttle_minutes, created_at
		FROM routing_rules
		WHERE tenant_id = $1
		  AND enabled = TRUE
		ORDER BY routing_id
	`

	var rules []*domain.RoutingRule
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rule domain.RoutingRule
			var minSeverity, deviceTag sql.NullString
			if err := rows.Scan(
				&rule.RoutingID,
				&rule.TenantID,
				&rule.ChannelID,
				&minSeverity,
				pq.Array(&rule.RuleTypes),
				&deviceTag,
				&rule.ThrottleMinutes,
				&rule.CreatedAt,
			); err != nil {
				return err
			}
			rule.Enabled = true
			rule.MinSeverity = minSeverity.String
			rule.DeviceTag = deviceTag.String

			rules = append(rules, &rule)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}

	return rules, nil
}
