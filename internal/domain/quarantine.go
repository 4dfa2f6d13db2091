package domain

import (
	"encoding/json"
	"time"
)

// 隔离原因码（写入 quarantine_events.reason，供运维审计）
const (
	ReasonUnsupportedVersion    = "UNSUPPORTED_ENVELOPE_VERSION"
	ReasonMalformedPayload      = "MALFORMED_PAYLOAD"
	ReasonUnknownDevice         = "UNKNOWN_DEVICE"
	ReasonBadCredential         = "BAD_CREDENTIAL"
	ReasonDeviceDecommissioned  = "DEVICE_DECOMMISSIONED"
	ReasonSubscriptionSuspended = "SUBSCRIPTION_SUSPENDED"
	ReasonSequenceRegression    = "SEQUENCE_REGRESSION"
)

// QuarantineEvent 隔离事件（对应 quarantine_events 表）
// 只追加、不更新，永不回流到写入路径
type QuarantineEvent struct {
	EventID  string `db:"event_id"`  // UUID
	TenantID string `db:"tenant_id"` // 可能为空（传输层无法解析租户时）
	DeviceID string `db:"device_id"` // 可能为空（设备未知时）

	Reason    string          `db:"reason"`
	Transport string          `db:"transport"` // "mqtt" / "http"
	Payload   json.RawMessage `db:"payload"`   // 原始消息快照

	CreatedAt time.Time `db:"created_at"`
}
