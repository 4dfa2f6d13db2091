package evaluator

import (
	"context"
	"time"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/domain"

	"go.uber.org/zap"
)

// EscalationStore 升级巡检存储
type EscalationStore interface {
	EscalateDue(ctx context.Context, tenantID string, now time.Time) ([]domain.Alert, error)
}

// Sweeper 升级巡检器
// 找出打开后超过规则升级期限仍无人确认的 OPEN 报警，级别上调一档并重新派发
// 每条报警至多升级一次，幂等性由存储层 escalation_level = 0 条件保证
type Sweeper struct {
	config  *config.Config
	tenants TenantSource
	alerts  EscalationStore
	sink    AlertSink
	logger  *zap.Logger
}

// NewSweeper 创建升级巡检器
func NewSweeper(cfg *config.Config, tenants TenantSource, alerts EscalationStore, sink AlertSink, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		config:  cfg,
		tenants: tenants,
		alerts:  alerts,
		sink:    sink,
		logger:  logger,
	}
}

// Run 启动巡检循环并阻塞到上下文取消
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Escalation sweeper started",
		zap.Duration("interval", s.config.Evaluator.EscalationInterval),
	)

	ticker := time.NewTicker(s.config.Evaluator.EscalationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Escalation sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep 对全部活跃租户做一轮升级巡检
// 维护窗口内的租户跳过：窗口内既不打开也不升级报警
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	tenants, err := s.tenants.ListActiveTenants(ctx)
	if err != nil {
		s.logger.Error("Failed to list active tenants", zap.Error(err))
		return
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		if tenant.InMaintenance(now) {
			continue
		}

		escalated, err := s.alerts.EscalateDue(ctx, tenant.TenantID, now)
		if err != nil {
			s.logger.Error("Escalation sweep failed",
				zap.String("tenant_id", tenant.TenantID),
				zap.Error(err),
			)
			continue
		}

		for _, alert := range escalated {
			s.logger.Info("Alert escalated",
				zap.String("tenant_id", alert.TenantID),
				zap.String("alert_id", alert.AlertID),
				zap.String("severity", alert.Severity),
			)
			s.sink.Publish(domain.AlertEvent{
				Alert:   alert,
				Trigger: domain.AlertTriggerEscalated,
			})
		}
	}
}
