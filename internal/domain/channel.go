package domain

import "time"

// ChannelType 通知渠道类型
type ChannelType string

const (
	ChannelTypeChatWebhook ChannelType = "chat_webhook"
	ChannelTypePaging      ChannelType = "paging"
	ChannelTypeWebhook     ChannelType = "webhook"
)

// SecretMask 读取路径上密文字段统一显示为掩码
const SecretMask = "****"

// ChannelConfig 渠道连接配置
// 整体加密存储（notification_channels.config_encrypted），仅派发时解密；
// 任何读取/列表路径返回前必须先 Mask
type ChannelConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`  // 通用 webhook，缺省 POST
	Headers map[string]string `json:"headers,omitempty"` // 通用 webhook 附加头

	Token      string `json:"token,omitempty"`       // paging API routing key
	HMACSecret string `json:"hmac_secret,omitempty"` // 通用 webhook 签名密钥，可选
}

// Masked 返回脱敏副本
func (c ChannelConfig) Masked() ChannelConfig {
	masked := c
	if masked.Token != "" {
		masked.Token = SecretMask
	}
	if masked.HMACSecret != "" {
		masked.HMACSecret = SecretMask
	}
	if len(masked.Headers) > 0 {
		h := make(map[string]string, len(masked.Headers))
		for k := range masked.Headers {
			h[k] = SecretMask
		}
		masked.Headers = h
	}
	return masked
}

// NotificationChannel 通知渠道（对应 notification_channels 表）
type NotificationChannel struct {
	ChannelID   string      `db:"channel_id"`
	TenantID    string      `db:"tenant_id"`
	Name        string      `db:"name"`
	ChannelType ChannelType `db:"channel_type"`
	Enabled     bool        `db:"enabled"`

	Config ChannelConfig // 解密后的配置，读取路径返回前须 Mask

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RoutingRule 路由规则（对应 routing_rules 表）
// 过滤条件为空即任意匹配
type RoutingRule struct {
	RoutingID string `db:"routing_id"`
	TenantID  string `db:"tenant_id"`
	ChannelID string `db:"channel_id"`
	Enabled   bool   `db:"enabled"`

	MinSeverity string   `db:"min_severity"` // 为空表示任意级别
	RuleTypes   []string `db:"rule_types"`   // 为空表示任意规则类型
	DeviceTag   string   `db:"device_tag"`   // 为空表示任意设备

	ThrottleMinutes int `db:"throttle_minutes"`

	CreatedAt time.Time `db:"created_at"`
}

// NotificationRecord 通知日志（对应 notification_log 表）
// 只插入、按时间范围查询，用于回答"该 (channel, alert) 在节流窗口内是否已发送"
type NotificationRecord struct {
	ID        string    `db:"id"`
	TenantID  string    `db:"tenant_id"`
	ChannelID string    `db:"channel_id"`
	AlertID   string    `db:"alert_id"`
	Trigger   string    `db:"trigger"`
	SentAt    time.Time `db:"sent_at"`
}
