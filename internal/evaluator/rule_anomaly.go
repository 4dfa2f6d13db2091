package evaluator

import (
	"context"
	"fmt"
	"math"
	"time"

	"wisefido-telemetry/internal/domain"
)

// AnomalyEvaluator 异常检测规则评估器
// 以窗口内的均值/标准差为滚动基线，最新读数 z-score 超阈值即异常
// 基线样本不足或标准差为零（恒定序列）时不触发
type AnomalyEvaluator struct {
	engine *Engine
}

// NewAnomalyEvaluator 创建异常检测评估器
func NewAnomalyEvaluator(engine *Engine) *AnomalyEvaluator {
	return &AnomalyEvaluator{engine: engine}
}

// Evaluate 评估异常检测规则
func (e *AnomalyEvaluator) Evaluate(ctx context.Context, tenantID, deviceID string, rule *domain.AlertRule, now time.Time) (bool, string, error) {
	cond := rule.Anomaly
	if cond == nil {
		return false, "", fmt.Errorf("anomaly rule %s has no condition", rule.RuleID)
	}

	since := now.Add(-time.Duration(cond.WindowMinutes) * time.Minute)
	stats, err := e.engine.readings.StatsSince(ctx, tenantID, deviceID, cond.Metric, since)
	if err != nil {
		return false, "", err
	}

	minSamples := cond.MinSamples
	if minSamples <= 0 {
		minSamples = 2
	}
	if stats.Count < minSamples || stats.StdDev == 0 {
		return false, "", nil
	}

	latest, err := e.engine.readings.LatestReading(ctx, tenantID, deviceID, cond.Metric)
	if err != nil {
		return false, "", err
	}
	if latest == nil {
		return false, "", nil
	}

	z := math.Abs(latest.Value-stats.Mean) / stats.StdDev
	if z < cond.ZScore {
		return false, "", nil
	}

	msg := fmt.Sprintf("device %s: %s anomaly, latest %g deviates %.2f sigma from baseline mean %.2f (window %dm, %d samples)",
		deviceID, cond.Metric, latest.Value, z, stats.Mean, cond.WindowMinutes, stats.Count)
	return true, msg, nil
}
