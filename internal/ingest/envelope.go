package ingest

import (
	"encoding/json"
	"fmt"

	"wisefido-telemetry/internal/domain"
)

// RejectError 带隔离原因码的拒绝错误
// 一条消息被拒不会中断流水线：调用方记录隔离事件后继续处理下一条
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject 构造拒绝错误
func Reject(reason, detail string) *RejectError {
	return &RejectError{Reason: reason, Detail: detail}
}

// supportedVersions 当前支持的信封版本集合
var supportedVersions = map[string]bool{
	domain.EnvelopeVersionCurrent: true,
}

// ParseEnvelope 解析并校验设备消息信封
// version 缺省按 "1" 处理，未知版本拒绝（不静默降级）；顶层未知字段忽略
func ParseEnvelope(payload []byte) (*domain.Envelope, *RejectError) {
	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, Reject(domain.ReasonMalformedPayload, err.Error())
	}

	if env.Version == "" {
		env.Version = domain.EnvelopeVersionCurrent
	}
	if !supportedVersions[env.Version] {
		return nil, Reject(domain.ReasonUnsupportedVersion, fmt.Sprintf("version %q", env.Version))
	}

	if env.Timestamp <= 0 {
		return nil, Reject(domain.ReasonMalformedPayload, "missing or invalid ts")
	}
	if len(env.Metrics) == 0 {
		return nil, Reject(domain.ReasonMalformedPayload, "metrics map is empty")
	}
	if env.ProvisionToken == "" {
		return nil, Reject(domain.ReasonMalformedPayload, "missing provision_token")
	}

	return &env, nil
}

// Readings 将已通过认证的信封展开为按指标逐行的读数
func Readings(tenantID, deviceID string, env *domain.Envelope) []domain.Reading {
	readings := make([]domain.Reading, 0, len(env.Metrics))
	ts := env.Time()
	for metric, value := range env.Metrics {
		readings = append(readings, domain.Reading{
			TenantID:  tenantID,
			DeviceID:  deviceID,
			SiteID:    env.SiteID,
			Metric:    metric,
			Value:     value,
			Sequence:  env.Sequence,
			Timestamp: ts,
			Lat:       env.Lat,
			Lng:       env.Lng,
		})
	}
	return readings
}
