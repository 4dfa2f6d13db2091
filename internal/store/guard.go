package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Guard 租户访问守卫
// 所有存储事务的唯一入口：在同一事务内先切换受限角色再执行任何查询，
// 角色切换失败则事务中止，绝不回落到未受限连接。
// SET LOCAL 的作用域是当前事务，事务结束即还原，连接归还连接池后不残留上下文。
type Guard struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGuard 创建访问守卫
func NewGuard(db *sql.DB, logger *zap.Logger) *Guard {
	return &Guard{
		db:     db,
		logger: logger,
	}
}

// WithTx 在指定访问上下文下执行事务
// fn 返回错误则回滚，否则提交
func (g *Guard) WithTx(ctx context.Context, access AccessContext, fn func(tx *sql.Tx) error) error {
	if !access.valid() {
		return fmt.Errorf("storage access without an explicit access context")
	}

	opts := &sql.TxOptions{}
	if access.kind == kindOperatorRead {
		opts.ReadOnly = true
	}

	tx, err := g.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := g.applyContext(ctx, tx, access); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			g.logger.Error("Failed to rollback after context switch failure",
				zap.String("access", access.String()),
				zap.Error(rbErr),
			)
		}
		return fmt.Errorf("failed to apply access context %s: %w", access.String(), err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			g.logger.Error("Failed to rollback transaction",
				zap.String("access", access.String()),
				zap.Error(rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithTenantTx 租户事务便捷入口
func (g *Guard) WithTenantTx(ctx context.Context, tenantID string, fn func(tx *sql.Tx) error) error {
	access, err := TenantContext(tenantID)
	if err != nil {
		return err
	}
	return g.WithTx(ctx, access, fn)
}

// applyContext 在事务内激活受限角色和租户变量
// 角色名是编译期常量，不存在注入面；租户 ID 走参数化 set_config
func (g *Guard) applyContext(ctx context.Context, tx *sql.Tx, access AccessContext) error {
	if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+access.role()); err != nil {
		return fmt.Errorf("failed to set role %s: %w", access.role(), err)
	}

	if access.kind == kindTenant {
		// set_config 第三个参数 is_local=true：仅当前事务可见
		if _, err := tx.ExecContext(ctx,
			"SELECT set_config('app.tenant_id', $1, true)", access.tenantID,
		); err != nil {
			return fmt.Errorf("failed to set tenant context: %w", err)
		}
	}

	return nil
}
