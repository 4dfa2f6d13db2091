package domain

import "time"

// EnvelopeVersionCurrent 当前支持的信封版本
// version 字段缺省时按 "1" 处理；未知版本直接拒绝，不做静默降级
const EnvelopeVersionCurrent = "1"

// Envelope 设备上报消息信封（两条传输路径共用同一线格式）
// 顶层未知字段忽略；租户/设备标识来自传输层（MQTT 主题或 URL 路径），不在消息体内
type Envelope struct {
	Version        string             `json:"version"`
	Timestamp      int64              `json:"ts"`  // Unix 秒
	Sequence       int64              `json:"seq"` // 设备声明的序列号（建议性单调递增）
	SiteID         string             `json:"site_id"`
	Metrics        map[string]float64 `json:"metrics"`
	ProvisionToken string             `json:"provision_token"`
	Lat            *float64           `json:"lat,omitempty"`
	Lng            *float64           `json:"lng,omitempty"`
}

// Time 信封时间戳转 time.Time
func (e *Envelope) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// Reading 单条指标读数（对应 telemetry_readings 表，一个指标一行）
type Reading struct {
	TenantID  string    `db:"tenant_id"`
	DeviceID  string    `db:"device_id"`
	SiteID    string    `db:"site_id"`
	Metric    string    `db:"metric"`
	Value     float64   `db:"value"`
	Sequence  int64     `db:"sequence"`
	Timestamp time.Time `db:"timestamp"`
	Lat       *float64  `db:"lat"`
	Lng       *float64  `db:"lng"`
}

// MetricPoint 评估查询返回的时间点
type MetricPoint struct {
	Timestamp time.Time
	Value     float64
}
