package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/store"

	"go.uber.org/zap"
)

// RulesRepository 报警规则仓库
// 规则由 UI/API 层写入并校验形状，这里只读
type RulesRepository struct {
	guard  *store.Guard
	logger *zap.Logger
}

// NewRulesRepository 创建规则仓库
func NewRulesRepository(guard *store.Guard, logger *zap.Logger) *RulesRepository {
	return &RulesRepository{
		guard:  guard,
		logger: logger,
	}
}

// ListEnabledRules 列出租户内启用的规则
// 条件子对象按规则类型从 condition JSONB 解析；解析失败的规则跳过并记录，不中断整租户评估
func (r *RulesRepository) ListEnabledRules(ctx context.Context, tenantID string) ([]*domain.AlertRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT
			rule_id,
			tenant_id,
			name,
			rule_type,
			severity,
			min_duration_seconds,
			escalation_minutes,
			device_id,
			site_id,
			condition,
			created_at,
			updated_at
		FROM alert_rules
		WHERE tenant_id = $1
		  AND enabled = TRUE
		ORDER BY rule_id
	`

	var rules []*domain.AlertRule
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rule domain.AlertRule
			var escalationMinutes sql.NullInt64
			var deviceID, siteID sql.NullString
			var condition []byte

			if err := rows.Scan(
				&rule.RuleID,
				&rule.TenantID,
				&rule.Name,
				&rule.RuleType,
				&rule.Severity,
				&rule.MinDurationSeconds,
				&escalationMinutes,
				&deviceID,
				&siteID,
				&condition,
				&rule.CreatedAt,
				&rule.UpdatedAt,
			); err != nil {
				return err
			}

			rule.Enabled = true
			if escalationMinutes.Valid {
				m := int(escalationMinutes.Int64)
				rule.EscalationMinutes = &m
			}
			if deviceID.Valid {
				rule.DeviceID = &deviceID.String
			}
			if siteID.Valid {
				rule.SiteID = &siteID.String
			}

			if err := unmarshalCondition(&rule, condition); err != nil {
				r.logger.Warn("Skipping rule with unparsable condition",
					zap.String("tenant_id", tenantID),
					zap.String("rule_id", rule.RuleID),
					zap.Error(err),
				)
				continue
			}
			if err := rule.Validate(); err != nil {
				r.logger.Warn("Skipping invalid rule",
					zap.String("tenant_id", tenantID),
					zap.String("rule_id", rule.RuleID),
					zap.Error(err),
				)
				continue
			}

			rules = append(rules, &rule)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}

	return rules, nil
}

// GetRuleType 查询规则类型（路由规则按报警类型过滤用）
func (r *RulesRepository) GetRuleType(ctx context.Context, tenantID, ruleID string) (domain.RuleType, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant_id is required")
	}
	if ruleID == "" {
		return "", fmt.Errorf("rule_id is required")
	}

	query := `
		SELECT rule_type
		FROM alert_rules
		WHERE tenant_id = $1
		  AND rule_id = $2
	`

	var ruleType domain.RuleType
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, tenantID, ruleID).Scan(&ruleType)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get rule type: %w", err)
	}

	return ruleType, nil
}

// unmarshalCondition 按规则类型解析条件 JSONB
func unmarshalCondition(rule *domain.AlertRule, condition []byte) error {
	if len(condition) == 0 {
		return fmt.Errorf("condition is empty")
	}

	switch rule.RuleType {
	case domain.RuleTypeThreshold:
		rule.Threshold = &domain.ThresholdCondition{}
		return json.Unmarshal(condition, rule.Threshold)
	case domain.RuleTypeMulti:
		rule.Multi = &domain.MultiCondition{}
		return json.Unmarshal(condition, rule.Multi)
	case domain.RuleTypeAnomaly:
		rule.Anomaly = &domain.AnomalyCondition{}
		return json.Unmarshal(condition, rule.Anomaly)
	case domain.RuleTypeGap:
		rule.Gap = &domain.GapCondition{}
		return json.Unmarshal(condition, rule.Gap)
	default:
		return fmt.Errorf("unknown rule type: %s", rule.RuleType)
	}
}
