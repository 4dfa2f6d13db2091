package evaluator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wisefido-telemetry/internal/domain"
)

// MultiEvaluator 多条件组合规则评估器
// 每个子条件作用于对应指标的最新读数；缺失指标的子条件按不满足处理
type MultiEvaluator struct {
	engine *Engine
}

// NewMultiEvaluator 创建多条件评估器
func NewMultiEvaluator(engine *Engine) *MultiEvaluator {
	return &MultiEvaluator{engine: engine}
}

// Evaluate 评估多条件规则
func (e *MultiEvaluator) Evaluate(ctx context.Context, tenantID, deviceID string, rule *domain.AlertRule, now time.Time) (bool, string, error) {
	cond := rule.Multi
	if cond == nil || len(cond.Conditions) == 0 {
		return false, "", fmt.Errorf("multi_condition rule %s has no conditions", rule.RuleID)
	}

	var satisfied []string
	allMet := true
	for _, c := range cond.Conditions {
		latest, err := e.engine.readings.LatestReading(ctx, tenantID, deviceID, c.Metric)
		if err != nil {
			return false, "", err
		}
		if latest == nil || !domain.Compare(latest.Value, c.Operator, c.Value) {
			allMet = false
			continue
		}
		satisfied = append(satisfied, fmt.Sprintf("%s %s %g (latest %g)", c.Metric, c.Operator, c.Value, latest.Value))
	}

	var breached bool
	switch strings.ToUpper(cond.Logic) {
	case "OR":
		breached = len(satisfied) > 0
	default: // AND 是缺省组合方式
		breached = allMet && len(satisfied) == len(cond.Conditions)
	}
	if !breached {
		return false, "", nil
	}

	msg := fmt.Sprintf("device %s: %s of [%s]", deviceID, strings.ToUpper(cond.Logic), strings.Join(satisfied, "; "))
	return true, msg, nil
}
