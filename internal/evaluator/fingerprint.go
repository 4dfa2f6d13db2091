package evaluator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"wisefido-telemetry/internal/domain"
)

// Fingerprint 计算报警指纹
// 同一 (租户, 设备, 规则, 条件) 永远得到同一指纹，upsert 去重依赖这一点
func Fingerprint(tenantID, deviceID string, rule *domain.AlertRule) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(deviceID))
	h.Write([]byte{'|'})
	h.Write([]byte(rule.RuleID))
	h.Write([]byte{'|'})
	h.Write([]byte(conditionKey(rule)))
	return hex.EncodeToString(h.Sum(nil))
}

// conditionKey 条件的确定性文本表示
// 手工拼接而不用 json.Marshal：map 序列化顺序不稳定会破坏指纹确定性
func conditionKey(rule *domain.AlertRule) string {
	switch rule.RuleType {
	case domain.RuleTypeThreshold:
		c := rule.Threshold
		return fmt.Sprintf("threshold:%s:%s:%g", c.Metric, c.Operator, c.Value)
	case domain.RuleTypeMulti:
		c := rule.Multi
		parts := make([]string, 0, len(c.Conditions))
		for _, cond := range c.Conditions {
			parts = append(parts, fmt.Sprintf("%s:%s:%g", cond.Metric, cond.Operator, cond.Value))
		}
		return fmt.Sprintf("multi:%s:%s", c.Logic, strings.Join(parts, ","))
	case domain.RuleTypeAnomaly:
		c := rule.Anomaly
		return fmt.Sprintf("anomaly:%s:%g:%d", c.Metric, c.ZScore, c.WindowMinutes)
	case domain.RuleTypeGap:
		c := rule.Gap
		return fmt.Sprintf("gap:%s:%d", c.Metric, c.WindowMinutes)
	default:
		return string(rule.RuleType)
	}
}
