package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertsRepository 报警仓库
// 打开报警走按指纹 upsert：同一 (tenant, fingerprint) 的非 CLOSED 报警至多一条，
// 由部分唯一索引 alerts_open_fingerprint_uniq 在存储层保证，重复条件命中只会原地更新
type AlertsRepository struct {
	guard  *store.Guard
	logger *zap.Logger
}

// NewAlertsRepository 创建报警仓库
func NewAlertsRepository(guard *store.Guard, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		guard:  guard,
		logger: logger,
	}
}

// OpenResult upsert 结果
type OpenResult struct {
	Alert  domain.Alert
	Opened bool // true = 新开报警；false = 已有报警原地更新
}

// OpenOrUpdate 按指纹打开或原地更新报警
// 新行与更新行共用同一 last_eval_at 参数：返回值里 opened_at == last_eval_at 即为新开
func (r *AlertsRepository) OpenOrUpdate(ctx context.Context, tenantID string, alert *domain.Alert) (*OpenResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alert == nil {
		return nil, fmt.Errorf("alert is required")
	}
	if alert.TenantID != tenantID {
		return nil, fmt.Errorf("alert.tenant_id must match tenant_id parameter")
	}
	if alert.Fingerprint == "" {
		return nil, fmt.Errorf("fingerprint is required")
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO alerts (
			alert_id, tenant_id, device_id, rule_id, fingerprint,
			severity, status, message, escalation_level, opened_at, last_eval_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'OPEN', $7, 0, $8, $8)
		ON CONFLICT (tenant_id, fingerprint) WHERE status <> 'CLOSED'
		DO UPDATE SET
			message = EXCLUDED.message,
			last_eval_at = EXCLUDED.last_eval_at
		RETURNING
			alert_id, tenant_id, device_id, rule_id, fingerprint,
			severity, status, message, escalation_level, escalated_at,
			silenced_until, opened_at, last_eval_at, acknowledged_at
	`

	var result OpenResult
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		return scanAlert(tx.QueryRowContext(ctx, query,
			uuid.New().String(),
			alert.TenantID,
			alert.DeviceID,
			alert.RuleID,
			alert.Fingerprint,
			alert.Severity,
			alert.Message,
			now,
		), &result.Alert)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open or update alert: %w", err)
	}

	result.Opened = result.Alert.OpenedAt.Equal(result.Alert.LastEvalAt)
	return &result, nil
}

// CloseByFingerprint 条件解除时关闭非 CLOSED 报警
// 关闭不受静默和维护窗口限制；无匹配行不算错误
func (r *AlertsRepository) CloseByFingerprint(ctx context.Context, tenantID, fingerprint string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}

	query := `
		UPDATE alerts
		SET status = 'CLOSED',
		    closed_at = CURRENT_TIMESTAMP
		WHERE tenant_id = $1
		  AND fingerprint = $2
		  AND status <> 'CLOSED'
	`

	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, tenantID, fingerprint)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to close alert: %w", err)
	}

	return nil
}

// Acknowledge 确认报警（OPEN → ACKNOWLEDGED）
func (r *AlertsRepository) Acknowledge(ctx context.Context, tenantID, alertID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET status = 'ACKNOWLEDGED',
		    acknowledged_at = CURRENT_TIMESTAMP
		WHERE tenant_id = $1
		  AND alert_id = $2
		  AND status = 'OPEN'
	`

	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, tenantID, alertID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("alert not found or not open: alert_id=%s", alertID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	return nil
}

// Silence 静默报警到指定时间（不改变状态机）
func (r *AlertsRepository) Silence(ctx context.Context, tenantID, alertID string, until time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET silenced_until = $3
		WHERE tenant_id = $1
		  AND alert_id = $2
		  AND status <> 'CLOSED'
	`

	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, tenantID, alertID, until)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to silence alert: %w", err)
	}

	return nil
}

// EscalateDue 升级巡检：选出超过升级期限仍 OPEN、未静默、尚未升级的报警，
// 级别上调一档（最高档封顶）并置 escalation_level = 1
// WHERE escalation_level = 0 本身就是并发护栏：重叠巡检下同一行只会被升级一次
func (r *AlertsRepository) EscalateDue(ctx context.Context, tenantID string, now time.Time) ([]domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		UPDATE alerts a
		SET severity = CASE a.severity
				WHEN 'INFO' THEN 'WARNING'
				WHEN 'WARNING' THEN 'CRITICAL'
				ELSE 'EMERGENCY'
			END,
		    escalation_level = 1,
		    escalated_at = $2
		FROM alert_rules r
		WHERE a.rule_id = r.rule_id
		  AND a.tenant_id = $1
		  AND a.status = 'OPEN'
		  AND a.escalation_level = 0
		  AND r.escalation_minutes IS NOT NULL
		  AND a.opened_at + make_interval(mins => r.escalation_minutes) <= $2
		  AND (a.silenced_until IS NULL OR a.silenced_until <= $2)
		RETURNING
			a.alert_id, a.tenant_id, a.device_id, a.rule_id, a.fingerprint,
			a.severity, a.status, a.message, a.escalation_level, a.escalated_at,
			a.silenced_until, a.opened_at, a.last_eval_at, a.acknowledged_at
	`

	var escalated []domain.Alert
	err := r.guard.WithTenantTx(ctx, tenantID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, tenantID, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var alert domain.Alert
			if err := scanAlertRows(rows, &alert); err != nil {
				return err
			}
			escalated = append(escalated, alert)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to escalate due alerts: %w", err)
	}

	return escalated, nil
}

// scanAlert 扫描单行报警
func scanAlert(row *sql.Row, alert *domain.Alert) error {
	var escalatedAt, silencedUntil, acknowledgedAt sql.NullTime
	if err := row.Scan(
		&alert.AlertID,
		&alert.TenantID,
		&alert.DeviceID,
		&alert.RuleID,
		&alert.Fingerprint,
		&alert.Severity,
		&alert.Status,
		&alert.Message,
		&alert.EscalationLevel,
		&escalatedAt,
		&silencedUntil,
		&alert.OpenedAt,
		&alert.LastEvalAt,
		&acknowledgedAt,
	); err != nil {
		return err
	}
	assignNullTimes(alert, escalatedAt, silencedUntil, acknowledgedAt)
	return nil
}

// scanAlertRows 扫描多行结果中的一行
func scanAlertRows(rows *sql.Rows, alert *domain.Alert) error {
	var escalatedAt, silencedUntil, acknowledgedAt sql.NullTime
	if err := rows.Scan(
		&alert.AlertID,
		&alert.TenantID,
		&alert.DeviceID,
		&alert.RuleID,
		&alert.Fingerprint,
		&alert.Severity,
		&alert.Status,
		&alert.Message,
		&alert.EscalationLevel,
		&escalatedAt,
		&silencedUntil,
		&alert.OpenedAt,
		&alert.LastEvalAt,
		&acknowledgedAt,
	); err != nil {
		return err
	}
	assignNullTimes(alert, escalatedAt, silencedUntil, acknowledgedAt)
	return nil
}

func assignNullTimes(alert *domain.Alert, escalatedAt, silencedUntil, acknowledgedAt sql.NullTime) {
	if escalatedAt.Valid {
		alert.EscalatedAt = &escalatedAt.Time
	}
	if silencedUntil.Valid {
		alert.SilencedUntil = &silencedUntil.Time
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
}
