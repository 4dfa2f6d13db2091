package domain

import "time"

// DeviceStatus 设备在线状态
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "ONLINE"
	DeviceStatusStale   DeviceStatus = "STALE"
	DeviceStatusOffline DeviceStatus = "OFFLINE"
)

// SubscriptionStatus 租户订阅状态
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// Device 设备领域模型（对应 devices 表）
// 设备由外部开通服务创建，入库后不删除，退役时仅标记 active = false
type Device struct {
	TenantID string `db:"tenant_id"` // UUID, NOT NULL
	DeviceID string `db:"device_id"` // 租户内唯一，跨租户可重复

	DeviceType string `db:"device_type"` // 设备类型，如 "env-sensor"
	SiteID     string `db:"site_id"`     // 所属站点

	// 凭证（仅保存 SHA-256 十六进制摘要，不保存明文）
	CredentialHash string `db:"credential_hash"`

	Status DeviceStatus `db:"status"`
	Active bool         `db:"active"` // false = 已退役

	LastSeenAt      *time.Time `db:"last_seen_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RegistryEntry 设备注册表查询结果（认证热路径使用的最小字段集）
// 来自 devices JOIN tenants，短 TTL 缓存友好
type RegistryEntry struct {
	TenantID           string
	DeviceID           string
	CredentialHash     string
	Status             DeviceStatus
	Active             bool
	SubscriptionStatus SubscriptionStatus
}

// Tenant 租户领域模型（对应 tenants 表，仅本服务关心的字段）
type Tenant struct {
	TenantID           string             `db:"tenant_id"`
	SubscriptionStatus SubscriptionStatus `db:"subscription_status"`

	// 维护窗口：窗口内不创建、不升级报警（不影响关闭）
	MaintenanceUntil *time.Time `db:"maintenance_until"`
}

// InMaintenance 判断租户当前是否处于维护窗口
func (t *Tenant) InMaintenance(now time.Time) bool {
	return t.MaintenanceUntil != nil && now.Before(*t.MaintenanceUntil)
}
