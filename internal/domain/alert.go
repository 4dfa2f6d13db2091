package domain

import "time"

// AlertStatus 报警状态机：OPEN → ACKNOWLEDGED → CLOSED
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "OPEN"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusClosed       AlertStatus = "CLOSED"
)

// 报警级别（由低到高）
const (
	SeverityInfo      = "INFO"
	SeverityWarning   = "WARNING"
	SeverityCritical  = "CRITICAL"
	SeverityEmergency = "EMERGENCY"
)

var severityRank = map[string]int{
	SeverityInfo:      0,
	SeverityWarning:   1,
	SeverityCritical:  2,
	SeverityEmergency: 3,
}

// SeverityRank 报警级别序号，未知级别按最低处理
func SeverityRank(severity string) int {
	return severityRank[severity]
}

// Alert 报警（对应 alerts 表）
// 同一条件始终映射到同一指纹；同一 (tenant, fingerprint) 同时至多存在一条非 CLOSED 记录，
// 由部分唯一索引 alerts_open_fingerprint_uniq 保证
type Alert struct {
	AlertID  string `db:"alert_id"` // UUID
	TenantID string `db:"tenant_id"`
	DeviceID string `db:"device_id"`
	RuleID   string `db:"rule_id"`

	Fingerprint string      `db:"fingerprint"`
	Severity    string      `db:"severity"`
	Status      AlertStatus `db:"status"`
	Message     string      `db:"message"`

	EscalationLevel int        `db:"escalation_level"` // 0 或 1
	EscalatedAt     *time.Time `db:"escalated_at"`

	SilencedUntil *time.Time `db:"silenced_until"`

	OpenedAt       time.Time  `db:"opened_at"`
	LastEvalAt     time.Time  `db:"last_eval_at"`
	AcknowledgedAt *time.Time `db:"acknowledged_at"`
	ClosedAt       *time.Time `db:"closed_at"`
}

// Silenced 判断报警当前是否被静默
func (a *Alert) Silenced(now time.Time) bool {
	return a.SilencedUntil != nil && now.Before(*a.SilencedUntil)
}

// 报警事件触发类型（派发器对两者同等处理）
const (
	AlertTriggerOpened    = "opened"
	AlertTriggerEscalated = "escalated"
)

// AlertEvent 评估引擎向派发器投递的事件
type AlertEvent struct {
	Alert   Alert
	Trigger string // opened / escalated
}
