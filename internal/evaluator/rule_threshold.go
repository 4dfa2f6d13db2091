package evaluator

import (
	"context"
	"fmt"
	"time"

	"wisefido-telemetry/internal/domain"
)

// ThresholdEvaluator 阈值规则评估器
// min_duration_seconds > 0 时要求越限读数无中断地覆盖整个窗口，
// 瞬时尖峰或刚开始的越限都不触发
type ThresholdEvaluator struct {
	engine *Engine
}

// NewThresholdEvaluator 创建阈值评估器
func NewThresholdEvaluator(engine *Engine) *ThresholdEvaluator {
	return &ThresholdEvaluator{engine: engine}
}

// Evaluate 评估阈值规则
func (e *ThresholdEvaluator) Evaluate(ctx context.Context, tenantID, deviceID string, rule *domain.AlertRule, now time.Time) (bool, string, error) {
	cond := rule.Threshold
	if cond == nil {
		return false, "", fmt.Errorf("threshold rule %s has no condition", rule.RuleID)
	}

	// 无持续时间要求：只看最新读数
	if rule.MinDurationSeconds <= 0 {
		latest, err := e.engine.readings.LatestReading(ctx, tenantID, deviceID, cond.Metric)
		if err != nil {
			return false, "", err
		}
		if latest == nil {
			return false, "", nil
		}
		if !domain.Compare(latest.Value, cond.Operator, cond.Value) {
			return false, "", nil
		}
		return true, thresholdMessage(deviceID, cond, latest.Value), nil
	}

	since := now.Add(-rule.MinDuration())
	points, err := e.engine.readings.ReadingsSince(ctx, tenantID, deviceID, cond.Metric, since)
	if err != nil {
		return false, "", err
	}
	if len(points) == 0 {
		return false, "", nil
	}

	// 窗口内任何一个合规读数都中断持续越限
	for _, p := range points {
		if !domain.Compare(p.Value, cond.Operator, cond.Value) {
			return false, "", nil
		}
	}

	// 越限必须覆盖整个最小持续时间：最早越限读数要落在窗口起点附近，
	// 否则只是刚开始越限。窗口起点处容忍一个采样间隔级别的抖动
	coverage := now.Sub(points[0].Timestamp)
	if coverage < rule.MinDuration()-sampleJitter(rule.MinDuration()) {
		return false, "", nil
	}

	latest := points[len(points)-1]
	msg := fmt.Sprintf("%s sustained for %s", thresholdMessage(deviceID, cond, latest.Value), rule.MinDuration())
	return true, msg, nil
}

// sampleJitter 窗口起点的采样抖动容忍：窗口的十分之一，至多 30 秒
func sampleJitter(window time.Duration) time.Duration {
	jitter := window / 10
	if jitter > 30*time.Second {
		jitter = 30 * time.Second
	}
	return jitter
}

func thresholdMessage(deviceID string, cond *domain.ThresholdCondition, latest float64) string {
	return fmt.Sprintf("device %s: %s %s %g (latest %g)",
		deviceID, cond.Metric, cond.Operator, cond.Value, latest)
}
