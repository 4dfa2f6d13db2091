package evaluator

import (
	"context"
	"fmt"
	"time"

	"wisefido-telemetry/internal/domain"
)

// GapEvaluator 数据缺失规则评估器
// 纯存在性检查：指定指标在窗口内没有任何读数即触发，与其它指标是否仍在上报无关
// 从未上报过该指标的设备同样触发
type GapEvaluator struct {
	engine *Engine
}

// NewGapEvaluator 创建数据缺失评估器
func NewGapEvaluator(engine *Engine) *GapEvaluator {
	return &GapEvaluator{engine: engine}
}

// Evaluate 评估数据缺失规则
func (e *GapEvaluator) Evaluate(ctx context.Context, tenantID, deviceID string, rule *domain.AlertRule, now time.Time) (bool, string, error) {
	cond := rule.Gap
	if cond == nil {
		return false, "", fmt.Errorf("telemetry_gap rule %s has no condition", rule.RuleID)
	}

	window := time.Duration(cond.WindowMinutes) * time.Minute
	last, err := e.engine.readings.LastReadingAt(ctx, tenantID, deviceID, cond.Metric)
	if err != nil {
		return false, "", err
	}

	if last == nil {
		msg := fmt.Sprintf("device %s: no %s readings ever received (window %dm)", deviceID, cond.Metric, cond.WindowMinutes)
		return true, msg, nil
	}
	if now.Sub(*last) <= window {
		return false, "", nil
	}

	msg := fmt.Sprintf("device %s: no %s readings since %s (window %dm)",
		deviceID, cond.Metric, last.UTC().Format(time.RFC3339), cond.WindowMinutes)
	return true, msg, nil
}
