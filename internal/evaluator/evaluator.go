package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/redisstream"
	"wisefido-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ReadingSource 评估所需的时序读数查询
type ReadingSource interface {
	ReadingsSince(ctx context.Context, tenantID, deviceID, metric string, since time.Time) ([]domain.MetricPoint, error)
	LatestReading(ctx context.Context, tenantID, deviceID, metric string) (*domain.MetricPoint, error)
	LastReadingAt(ctx context.Context, tenantID, deviceID, metric string) (*time.Time, error)
	StatsSince(ctx context.Context, tenantID, deviceID, metric string, since time.Time) (*repository.MetricStats, error)
}

// AlertStore 报警打开/关闭存储
type AlertStore interface {
	OpenOrUpdate(ctx context.Context, tenantID string, alert *domain.Alert) (*repository.OpenResult, error)
	CloseByFingerprint(ctx context.Context, tenantID, fingerprint string) error
}

// RuleSource 启用的规则列表
type RuleSource interface {
	ListEnabledRules(ctx context.Context, tenantID string) ([]*domain.AlertRule, error)
}

// DeviceSource 规则作用域内的设备列表
type DeviceSource interface {
	ListActiveDeviceIDs(ctx context.Context, tenantID string, siteID *string) ([]string, error)
}

// TenantSource 活跃租户列表
type TenantSource interface {
	ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error)
}

// AlertSink 报警事件接收方（派发器）
type AlertSink interface {
	Publish(event domain.AlertEvent)
}

// Engine 规则评估引擎
// 由数据到达唤醒消息驱动，轮询兜底保证唤醒丢失时评估不停摆
type Engine struct {
	config      *config.Config
	tenants     TenantSource
	rules       RuleSource
	devices     DeviceSource
	readings    ReadingSource
	alerts      AlertStore
	sink        AlertSink
	redisClient *redis.Client
	logger      *zap.Logger

	// 规则类型评估器
	threshold *ThresholdEvaluator
	multi     *MultiEvaluator
	anomaly   *AnomalyEvaluator
	gap       *GapEvaluator
}

// NewEngine 创建评估引擎
func NewEngine(
	cfg *config.Config,
	tenants TenantSource,
	rules RuleSource,
	devices DeviceSource,
	readings ReadingSource,
	alerts AlertStore,
	sink AlertSink,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		config:      cfg,
		tenants:     tenants,
		rules:       rules,
		devices:     devices,
		readings:    readings,
		alerts:      alerts,
		sink:        sink,
		redisClient: redisClient,
		logger:      logger,
	}

	e.threshold = NewThresholdEvaluator(e)
	e.multi = NewMultiEvaluator(e)
	e.anomaly = NewAnomalyEvaluator(e)
	e.gap = NewGapEvaluator(e)

	return e
}

// Run 启动评估循环并阻塞到上下文取消
func (e *Engine) Run(ctx context.Context) error {
	stream := e.config.Evaluator.WakeupStream
	group := e.config.Evaluator.ConsumerGroup

	if e.redisClient != nil && stream != "" {
		if err := redisstream.CreateConsumerGroup(ctx, e.redisClient, stream, group); err != nil {
			return err
		}
		go e.wakeupLoop(ctx)
	}

	e.logger.Info("Evaluation engine started",
		zap.Duration("poll_interval", e.config.Evaluator.PollInterval),
		zap.String("wakeup_stream", stream),
	)

	ticker := time.NewTicker(e.config.Evaluator.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Evaluation engine stopped")
			return nil
		case <-ticker.C:
			e.EvaluateAll(ctx, time.Now().UTC())
		}
	}
}

// wakeupLoop 消费数据到达唤醒消息，对消息指向的租户立即评估
func (e *Engine) wakeupLoop(ctx context.Context) {
	stream := e.config.Evaluator.WakeupStream
	group := e.config.Evaluator.ConsumerGroup
	consumer := e.config.Evaluator.ConsumerName

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := redisstream.ReadGroup(ctx, e.redisClient, stream, group, consumer, 32, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("Failed to read wakeup stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		now := time.Now().UTC()
		seen := make(map[string]bool)
		ids := make([]string, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.ID)
			tenantID := wakeupTenant(msg)
			if tenantID == "" || seen[tenantID] {
				continue
			}
			seen[tenantID] = true
			e.evaluateTenantByID(ctx, tenantID, now)
		}

		if err := redisstream.Ack(ctx, e.redisClient, stream, group, ids...); err != nil {
			e.logger.Warn("Failed to ack wakeup messages", zap.Error(err))
		}
	}
}

// wakeupTenant 提取唤醒消息中的租户ID
func wakeupTenant(msg redisstream.StreamMessage) string {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return ""
	}
	var payload struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ""
	}
	return payload.TenantID
}

// EvaluateAll 评估全部活跃租户
func (e *Engine) EvaluateAll(ctx context.Context, now time.Time) {
	tenants, err := e.tenants.ListActiveTenants(ctx)
	if err != nil {
		e.logger.Error("Failed to list active tenants", zap.Error(err))
		return
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		e.EvaluateTenant(ctx, tenant, now)
	}
}

// evaluateTenantByID 唤醒路径：按ID找到租户后评估（非活跃租户直接跳过）
func (e *Engine) evaluateTenantByID(ctx context.Context, tenantID string, now time.Time) {
	tenants, err := e.tenants.ListActiveTenants(ctx)
	if err != nil {
		e.logger.Error("Failed to list active tenants", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		if tenant.TenantID == tenantID {
			e.EvaluateTenant(ctx, tenant, now)
			return
		}
	}
}

// EvaluateTenant 评估单个租户的全部启用规则
// 维护窗口内不打开新报警，但条件解除照常关闭
func (e *Engine) EvaluateTenant(ctx context.Context, tenant *domain.Tenant, now time.Time) {
	rules, err := e.rules.ListEnabledRules(ctx, tenant.TenantID)
	if err != nil {
		e.logger.Error("Failed to list rules",
			zap.String("tenant_id", tenant.TenantID),
			zap.Error(err),
		)
		return
	}

	inMaintenance := tenant.InMaintenance(now)

	for _, rule := range rules {
		deviceIDs, err := e.ruleDevices(ctx, tenant.TenantID, rule)
		if err != nil {
			e.logger.Error("Failed to resolve rule devices",
				zap.String("tenant_id", tenant.TenantID),
				zap.String("rule_id", rule.RuleID),
				zap.Error(err),
			)
			continue
		}

		for _, deviceID := range deviceIDs {
			if ctx.Err() != nil {
				return
			}
			e.evaluateRuleForDevice(ctx, tenant.TenantID, deviceID, rule, now, inMaintenance)
		}
	}
}

// ruleDevices 解析规则作用域内的设备列表
func (e *Engine) ruleDevices(ctx context.Context, tenantID string, rule *domain.AlertRule) ([]string, error) {
	if rule.DeviceID != nil && *rule.DeviceID != "" {
		return []string{*rule.DeviceID}, nil
	}
	return e.devices.ListActiveDeviceIDs(ctx, tenantID, rule.SiteID)
}

// evaluateRuleForDevice 对单个 (规则, 设备) 做一次评估
// 单条评估失败只记日志，不影响其余规则/设备
func (e *Engine) evaluateRuleForDevice(ctx context.Context, tenantID, deviceID string, rule *domain.AlertRule, now time.Time, inMaintenance bool) {
	breached, message, err := e.evaluateCondition(ctx, tenantID, deviceID, rule, now)
	if err != nil {
		e.logger.Error("Rule evaluation failed",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.String("rule_id", rule.RuleID),
			zap.Error(err),
		)
		return
	}

	fingerprint := Fingerprint(tenantID, deviceID, rule)

	if !breached {
		if err := e.alerts.CloseByFingerprint(ctx, tenantID, fingerprint); err != nil {
			e.logger.Error("Failed to close cleared alert",
				zap.String("tenant_id", tenantID),
				zap.String("fingerprint", fingerprint),
				zap.Error(err),
			)
		}
		return
	}

	if inMaintenance {
		e.logger.Debug("Suppressing alert open during maintenance window",
			zap.String("tenant_id", tenantID),
			zap.String("rule_id", rule.RuleID),
			zap.String("device_id", deviceID),
		)
		return
	}

	result, err := e.alerts.OpenOrUpdate(ctx, tenantID, &domain.Alert{
		TenantID:    tenantID,
		DeviceID:    deviceID,
		RuleID:      rule.RuleID,
		Fingerprint: fingerprint,
		Severity:    rule.Severity,
		Message:     message,
	})
	if err != nil {
		e.logger.Error("Failed to open alert",
			zap.String("tenant_id", tenantID),
			zap.String("rule_id", rule.RuleID),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}

	if result.Opened {
		e.logger.Info("Alert opened",
			zap.String("tenant_id", tenantID),
			zap.String("alert_id", result.Alert.AlertID),
			zap.String("rule_id", rule.RuleID),
			zap.String("device_id", deviceID),
			zap.String("severity", result.Alert.Severity),
		)
	}

	// 新开和原地更新都投递：持续越限的未确认报警在节流窗口过后要能再次通知，
	// 去重由派发器按 (channel, alert) 查通知日志完成。静默和已确认的不投递
	if result.Alert.Silenced(now) || result.Alert.Status != domain.AlertStatusOpen {
		return
	}
	e.sink.Publish(domain.AlertEvent{
		Alert:   result.Alert,
		Trigger: domain.AlertTriggerOpened,
	})
}

// evaluateCondition 按规则类型分派到对应评估器
func (e *Engine) evaluateCondition(ctx context.Context, tenantID, deviceID string, rule *domain.AlertRule, now time.Time) (bool, string, error) {
	switch rule.RuleType {
	case domain.RuleTypeThreshold:
		return e.threshold.Evaluate(ctx, tenantID, deviceID, rule, now)
	case domain.RuleTypeMulti:
		return e.multi.Evaluate(ctx, tenantID, deviceID, rule, now)
	case domain.RuleTypeAnomaly:
		return e.anomaly.Evaluate(ctx, tenantID, deviceID, rule, now)
	case domain.RuleTypeGap:
		return e.gap.Evaluate(ctx, tenantID, deviceID, rule, now)
	default:
		return false, "", fmt.Errorf("unknown rule type: %s", rule.RuleType)
	}
}
