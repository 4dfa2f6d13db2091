package dispatcher

import (
	"context"
	"time"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/domain"

	"go.uber.org/zap"
)

// ChannelSource 渠道与路由规则查询
type ChannelSource interface {
	GetChannelForSend(ctx context.Context, tenantID, channelID string) (*domain.NotificationChannel, error)
	ListEnabledRoutingRules(ctx context.Context, tenantID string) ([]*domain.RoutingRule, error)
}

// SendLog 通知日志（节流判断 + 发送记录）
type SendLog interface {
	SentWithin(ctx context.Context, tenantID, channelID, alertID string, window time.Duration) (bool, error)
	RecordSend(ctx context.Context, tenantID, channelID, alertID, trigger string, sentAt time.Time) error
}

// RuleTypeSource 报警所属规则的类型查询（路由按报警类型过滤用）
type RuleTypeSource interface {
	GetRuleType(ctx context.Context, tenantID, ruleID string) (domain.RuleType, error)
}

// TagSource 设备标签查询（路由按设备标签过滤用）
type TagSource interface {
	ListDeviceTags(ctx context.Context, tenantID, deviceID string) ([]string, error)
}

// Sender 渠道发送器
type Sender interface {
	Send(ctx context.Context, channel *domain.NotificationChannel, alert domain.Alert, trigger string) error
}

// Dispatcher 通知派发器
// 评估引擎通过缓冲队列投递报警事件；队列满直接丢弃并记日志，评估永不被派发阻塞
type Dispatcher struct {
	config    *config.Config
	channels  ChannelSource
	sendLog   SendLog
	ruleTypes RuleTypeSource
	tags      TagSource
	senders   map[domain.ChannelType]Sender
	queue     chan domain.AlertEvent
	logger    *zap.Logger
}

// NewDispatcher 创建派发器
func NewDispatcher(
	cfg *config.Config,
	channels ChannelSource,
	sendLog SendLog,
	ruleTypes RuleTypeSource,
	tags TagSource,
	senders map[domain.ChannelType]Sender,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		config:    cfg,
		channels:  channels,
		sendLog:   sendLog,
		ruleTypes: ruleTypes,
		tags:      tags,
		senders:   senders,
		queue:     make(chan domain.AlertEvent, cfg.Dispatcher.QueueSize),
		logger:    logger,
	}
}

// Publish 投递报警事件（非阻塞）
func (d *Dispatcher) Publish(event domain.AlertEvent) {
	select {
	case d.queue <- event:
	default:
		d.logger.Error("Dispatch queue full, dropping alert event",
			zap.String("tenant_id", event.Alert.TenantID),
			zap.String("alert_id", event.Alert.AlertID),
			zap.String("trigger", event.Trigger),
		)
	}
}

// Run 启动派发循环并阻塞到上下文取消
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Notification dispatcher started",
		zap.Int("queue_size", d.config.Dispatcher.QueueSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Notification dispatcher stopped")
			return nil
		case event := <-d.queue:
			d.Dispatch(ctx, event)
		}
	}
}

// Dispatch 派发一条报警事件：路由匹配 → 节流 → 发送 → 记录
// opened 和 escalated 同等处理；单渠道失败不影响其它渠道
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.AlertEvent) {
	alert := event.Alert
	tenantID := alert.TenantID

	rules, err := d.channels.ListEnabledRoutingRules(ctx, tenantID)
	if err != nil {
		d.logger.Error("Failed to list routing rules",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return
	}
	if len(rules) == 0 {
		return
	}

	ruleType, err := d.ruleTypes.GetRuleType(ctx, tenantID, alert.RuleID)
	if err != nil {
		d.logger.Error("Failed to resolve alert rule type",
			zap.String("tenant_id", tenantID),
			zap.String("rule_id", alert.RuleID),
			zap.Error(err),
		)
		return
	}

	deviceTags, err := d.tags.ListDeviceTags(ctx, tenantID, alert.DeviceID)
	if err != nil {
		d.logger.Error("Failed to resolve device tags",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", alert.DeviceID),
			zap.Error(err),
		)
		return
	}

	for _, rule := range rules {
		if !d.matches(rule, &alert, ruleType, deviceTags) {
			continue
		}
		d.sendThrough(ctx, rule, event)
	}
}

// matches 路由规则匹配，每个过滤条件未设置时任意匹配
func (d *Dispatcher) matches(rule *domain.RoutingRule, alert *domain.Alert, ruleType domain.RuleType, deviceTags []string) bool {
	if rule.MinSeverity != "" && domain.SeverityRank(alert.Severity) < domain.SeverityRank(rule.MinSeverity) {
		return false
	}

	if len(rule.RuleTypes) > 0 {
		found := false
		for _, t := range rule.RuleTypes {
			if t == string(ruleType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if rule.DeviceTag != "" {
		found := false
		for _, tag := range deviceTags {
			if tag == rule.DeviceTag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// sendThrough 经过节流检查后向单个渠道发送
// 通知日志只在发送成功后写入：失败的发送不占用节流窗口，下次触发可重试
func (d *Dispatcher) sendThrough(ctx context.Context, rule *domain.RoutingRule, event domain.AlertEvent) {
	alert := event.Alert
	tenantID := alert.TenantID

	if rule.ThrottleMinutes > 0 {
		window := time.Duration(rule.ThrottleMinutes) * time.Minute
		sent, err := d.sendLog.SentWithin(ctx, tenantID, rule.ChannelID, alert.AlertID, window)
		if err != nil {
			d.logger.Error("Throttle check failed",
				zap.String("tenant_id", tenantID),
				zap.String("channel_id", rule.ChannelID),
				zap.Error(err),
			)
			return
		}
		if sent {
			d.logger.Debug("Notification throttled",
				zap.String("tenant_id", tenantID),
				zap.String("channel_id", rule.ChannelID),
				zap.String("alert_id", alert.AlertID),
			)
			return
		}
	}

	channel, err := d.channels.GetChannelForSend(ctx, tenantID, rule.ChannelID)
	if err != nil {
		d.logger.Error("Failed to load channel",
			zap.String("tenant_id", tenantID),
			zap.String("channel_id", rule.ChannelID),
			zap.Error(err),
		)
		return
	}
	if channel == nil {
		return
	}

	sender, ok := d.senders[channel.ChannelType]
	if !ok {
		d.logger.Error("No sender for channel type",
			zap.String("channel_type", string(channel.ChannelType)),
		)
		return
	}

	if err := sender.Send(ctx, channel, alert, event.Trigger); err != nil {
		d.logger.Error("Notification send failed",
			zap.String("tenant_id", tenantID),
			zap.String("channel_id", channel.ChannelID),
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return
	}

	if err := d.sendLog.RecordSend(ctx, tenantID, channel.ChannelID, alert.AlertID, event.Trigger, time.Now().UTC()); err != nil {
		d.logger.Error("Failed to record notification send",
			zap.String("tenant_id", tenantID),
			zap.String("channel_id", channel.ChannelID),
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return
	}

	d.logger.Info("Notification sent",
		zap.String("tenant_id", tenantID),
		zap.String("channel_id", channel.ChannelID),
		zap.String("alert_id", alert.AlertID),
		zap.String("trigger", event.Trigger),
	)
}
