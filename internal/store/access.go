package store

import "fmt"

// 数据库角色名（迁移脚本负责建角色和 RLS 策略，见 deployment 文档）
// - tenant_service:    读写，受 RLS 策略约束，只能访问 current_setting('app.tenant_id') 的行
// - operator_readonly: 跨租户只读，无写权限
// - operator_service:  跨租户写，仅授权 devices / quarantine_events 两张表，非全库
const (
	roleTenantService    = "tenant_service"
	roleOperatorReadonly = "operator_readonly"
	roleOperatorService  = "operator_service"
)

type contextKind int

const (
	kindInvalid contextKind = iota
	kindTenant
	kindOperatorRead
	kindOperatorWrite
)

// AccessContext 存储访问上下文
// 所有存储调用必须显式携带一个有效的 AccessContext；零值无效，Guard 会拒绝
type AccessContext struct {
	kind     contextKind
	tenantID string
}

// TenantContext 租户上下文：事务内所有查询被 RLS 限定在该租户分区
func TenantContext(tenantID string) (AccessContext, error) {
	if tenantID == "" {
		return AccessContext{}, fmt.Errorf("tenant_id is required")
	}
	return AccessContext{kind: kindTenant, tenantID: tenantID}, nil
}

// OperatorRead 运维只读上下文：跨租户、显式只读
func OperatorRead() AccessContext {
	return AccessContext{kind: kindOperatorRead}
}

// OperatorWrite 运维写上下文：跨租户，但角色授权仅覆盖允许列表内的表
func OperatorWrite() AccessContext {
	return AccessContext{kind: kindOperatorWrite}
}

// TenantID 返回租户 ID（仅租户上下文非空）
func (a AccessContext) TenantID() string {
	return a.tenantID
}

func (a AccessContext) valid() bool {
	return a.kind != kindInvalid
}

func (a AccessContext) role() string {
	switch a.kind {
	case kindTenant:
		return roleTenantService
	case kindOperatorRead:
		return roleOperatorReadonly
	case kindOperatorWrite:
		return roleOperatorService
	default:
		return ""
	}
}

func (a AccessContext) String() string {
	switch a.kind {
	case kindTenant:
		return "tenant:" + a.tenantID
	case kindOperatorRead:
		return "operator-read"
	case kindOperatorWrite:
		return "operator-write"
	default:
		return "invalid"
	}
}
