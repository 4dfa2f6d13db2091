package dispatcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// NewSenders 按渠道类型创建全部发送器
func NewSenders(cfg *config.Config, logger *zap.Logger) map[domain.ChannelType]Sender {
	client := resty.New().
		SetTimeout(cfg.Dispatcher.SendTimeout).
		SetRetryCount(cfg.Dispatcher.SendRetries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	return map[domain.ChannelType]Sender{
		domain.ChannelTypeChatWebhook: &ChatWebhookSender{client: client, logger: logger},
		domain.ChannelTypePaging:      &PagingSender{client: client, logger: logger},
		domain.ChannelTypeWebhook:     &WebhookSender{client: client, logger: logger},
	}
}

// alertText 渠道消息正文
func alertText(alert domain.Alert, trigger string) string {
	if trigger == domain.AlertTriggerEscalated {
		return fmt.Sprintf("[%s] ESCALATED alert on device %s: %s", alert.Severity, alert.DeviceID, alert.Message)
	}
	return fmt.Sprintf("[%s] Alert on device %s: %s", alert.Severity, alert.DeviceID, alert.Message)
}

// ChatWebhookSender 聊天 webhook 发送器（Slack/Mattermost 兼容的 text 载荷）
type ChatWebhookSender struct {
	client *resty.Client
	logger *zap.Logger
}

// Send 发送聊天消息
func (s *ChatWebhookSender) Send(ctx context.Context, channel *domain.NotificationChannel, alert domain.Alert, trigger string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": alertText(alert, trigger)}).
		Post(channel.Config.URL)
	if err != nil {
		return fmt.Errorf("chat webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// pagingPayload 事件分页 API 载荷
// dedup_key 用报警ID：同一报警的重复触发在分页侧合并为同一事件
type pagingPayload struct {
	RoutingKey  string `json:"routing_key"`
	EventAction string `json:"event_action"`
	DedupKey    string `json:"dedup_key"`
	Payload     struct {
		Summary   string `json:"summary"`
		Severity  string `json:"severity"`
		Source    string `json:"source"`
		Timestamp string `json:"timestamp"`
	} `json:"payload"`
}

// PagingSender 事件分页 API 发送器
type PagingSender struct {
	client *resty.Client
	logger *zap.Logger
}

// Send 触发分页事件
func (s *PagingSender) Send(ctx context.Context, channel *domain.NotificationChannel, alert domain.Alert, trigger string) error {
	body := pagingPayload{
		RoutingKey:  channel.Config.Token,
		EventAction: "trigger",
		DedupKey:    alert.AlertID,
	}
	body.Payload.Summary = alertText(alert, trigger)
	body.Payload.Severity = strings.ToLower(alert.Severity)
	body.Payload.Source = alert.DeviceID
	body.Payload.Timestamp = time.Now().UTC().Format(time.RFC3339)

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(channel.Config.URL)
	if err != nil {
		return fmt.Errorf("paging request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("paging API returned status %d", resp.StatusCode())
	}
	return nil
}

// webhookPayload 通用 webhook 载荷
type webhookPayload struct {
	AlertID   string `json:"alert_id"`
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	RuleID    string `json:"rule_id"`
	Severity  string `json:"severity"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Trigger   string `json:"trigger"`
	OpenedAt  string `json:"opened_at"`
	Timestamp string `json:"timestamp"`
}

// WebhookSender 通用 HTTP webhook 发送器
// 方法/附加头可配置；配置了 hmac_secret 时对请求体做 HMAC-SHA256 签名（X-Signature 头）
type WebhookSender struct {
	client *resty.Client
	logger *zap.Logger
}

// Send 发送通用 webhook
func (s *WebhookSender) Send(ctx context.Context, channel *domain.NotificationChannel, alert domain.Alert, trigger string) error {
	payload := webhookPayload{
		AlertID:   alert.AlertID,
		TenantID:  alert.TenantID,
		DeviceID:  alert.DeviceID,
		RuleID:    alert.RuleID,
		Severity:  alert.Severity,
		Status:    string(alert.Status),
		Message:   alert.Message,
		Trigger:   trigger,
		OpenedAt:  alert.OpenedAt.UTC().Format(time.RFC3339),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	// 签名基于最终字节序列：手工序列化后以原始字节发送
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req := s.client.R().SetContext(ctx).SetBody(body)
	for k, v := range channel.Config.Headers {
		req.SetHeader(k, v)
	}
	if channel.Config.HMACSecret != "" {
		req.SetHeader("X-Signature", SignBody(channel.Config.HMACSecret, body))
	}

	method := strings.ToUpper(channel.Config.Method)
	if method == "" {
		method = "POST"
	}

	resp, err := req.Execute(method, channel.Config.URL)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// SignBody 计算请求体的 HMAC-SHA256 十六进制签名
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
