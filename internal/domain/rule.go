package domain

import (
	"fmt"
	"time"
)

// RuleType 报警规则类型
type RuleType string

const (
	RuleTypeThreshold RuleType = "threshold"
	RuleTypeMulti     RuleType = "multi_condition"
	RuleTypeAnomaly   RuleType = "anomaly"
	RuleTypeGap       RuleType = "telemetry_gap"
)

// 比较操作符
const (
	OpGT  = "GT"
	OpGTE = "GTE"
	OpLT  = "LT"
	OpLTE = "LTE"
	OpEQ  = "EQ"
	OpNEQ = "NEQ"
)

// Compare 应用比较操作符
func Compare(value float64, op string, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNEQ:
		return value != threshold
	default:
		return false
	}
}

// ThresholdCondition 阈值条件
type ThresholdCondition struct {
	Metric   string  `json:"metric"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// MultiCondition 多条件组合（AND / OR）
type MultiCondition struct {
	Logic      string               `json:"logic"` // "AND" / "OR"
	Conditions []ThresholdCondition `json:"conditions"`
}

// AnomalyCondition 异常检测条件（滚动基线 z-score）
type AnomalyCondition struct {
	Metric        string  `json:"metric"`
	ZScore        float64 `json:"z_score"`        // 触发阈值，如 3.0
	WindowMinutes int     `json:"window_minutes"` // 基线窗口
	MinSamples    int     `json:"min_samples"`    // 基线最少样本数
}

// GapCondition 数据缺失条件（指定指标在窗口内无任何读数）
type GapCondition struct {
	Metric        string `json:"metric"`
	WindowMinutes int    `json:"window_minutes"`
}

// AlertRule 报警规则（对应 alert_rules 表，UI/API 层负责形状校验）
// 规则类型决定必须设置哪个条件子对象
type AlertRule struct {
	RuleID   string   `db:"rule_id"`
	TenantID string   `db:"tenant_id"`
	Name     string   `db:"name"`
	RuleType RuleType `db:"rule_type"`
	Enabled  bool     `db:"enabled"`

	Severity           string `db:"severity"`            // INFO/WARNING/CRITICAL/EMERGENCY
	MinDurationSeconds int    `db:"min_duration_seconds"`
	EscalationMinutes  *int   `db:"escalation_minutes"` // 为空表示不升级

	// 作用域（为空表示租户内全部设备/站点）
	DeviceID *string `db:"device_id"`
	SiteID   *string `db:"site_id"`

	Threshold *ThresholdCondition `db:"condition_threshold"`
	Multi     *MultiCondition     `db:"condition_multi"`
	Anomaly   *AnomalyCondition   `db:"condition_anomaly"`
	Gap       *GapCondition       `db:"condition_gap"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// MinDuration 最小持续时间
func (r *AlertRule) MinDuration() time.Duration {
	return time.Duration(r.MinDurationSeconds) * time.Second
}

// Validate 校验规则类型与条件子对象的配套关系
func (r *AlertRule) Validate() error {
	switch r.RuleType {
	case RuleTypeThreshold:
		if r.Threshold == nil {
			return fmt.Errorf("threshold rule %s has no threshold condition", r.RuleID)
		}
	case RuleTypeMulti:
		if r.Multi == nil || len(r.Multi.Conditions) == 0 {
			return fmt.Errorf("multi_condition rule %s has no conditions", r.RuleID)
		}
	case RuleTypeAnomaly:
		if r.Anomaly == nil {
			return fmt.Errorf("anomaly rule %s has no anomaly condition", r.RuleID)
		}
	case RuleTypeGap:
		if r.Gap == nil {
			return fmt.Errorf("telemetry_gap rule %s has no gap condition", r.RuleID)
		}
	default:
		return fmt.Errorf("unknown rule type: %s", r.RuleType)
	}
	return nil
}
