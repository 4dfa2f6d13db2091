package consumer

import (
	"context"
	"strings"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/ingest"
	"wisefido-telemetry/internal/mqtt"

	"go.uber.org/zap"
)

// MQTTConsumer 遥测 MQTT 消费者
// 主题格式 telemetry/{tenant_id}/{device_id}：租户/设备提示来自主题路径
// 注意：主题 ACL 粒度粗于真正的租户隔离，应用层认证（凭证 + 订阅状态）才是强制边界
type MQTTConsumer struct {
	config        *config.Config
	mqttClient    *mqtt.Client
	authenticator *ingest.Authenticator
	writer        *ingest.BatchWriter
	logger        *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	authenticator *ingest.Authenticator,
	writer *ingest.BatchWriter,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:        cfg,
		mqttClient:    mqttClient,
		authenticator: authenticator,
		writer:        writer,
		logger:        logger,
	}
}

// Start 启动消费者并阻塞到上下文取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	topic := c.config.MQTT.Topic
	if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, func(topic string, payload []byte) error {
		c.handleMessage(ctx, topic, payload)
		return nil
	}); err != nil {
		return err
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", topic),
	)

	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop() {
	if err := c.mqttClient.Unsubscribe(c.config.MQTT.Topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
}

// handleMessage 处理单条消息
// 一条坏消息永不阻塞流水线：拒绝已被隔离记录，基础设施错误只记日志
func (c *MQTTConsumer) handleMessage(ctx context.Context, topic string, payload []byte) {
	tenantID, deviceID, ok := parseTelemetryTopic(topic)
	if !ok {
		c.logger.Warn("Ignoring message on unexpected topic",
			zap.String("topic", topic),
		)
		return
	}

	readings, err := c.authenticator.Process(ctx, tenantID, deviceID, "mqtt", payload)
	if err != nil {
		if _, rejected := err.(*ingest.RejectError); !rejected {
			c.logger.Error("Failed to process MQTT message",
				zap.String("tenant_id", tenantID),
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		return
	}

	if err := c.writer.Accept(ctx, tenantID, readings); err != nil {
		c.logger.Error("Failed to buffer readings",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// parseTelemetryTopic 解析 telemetry/{tenant}/{device} 主题
func parseTelemetryTopic(topic string) (tenantID, deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "telemetry" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
