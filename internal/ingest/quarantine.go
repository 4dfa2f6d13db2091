package ingest

import (
	"context"
	"encoding/json"
	"time"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/redisstream"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QuarantineStore 隔离事件持久化接口
type QuarantineStore interface {
	InsertEvent(ctx context.Context, event *domain.QuarantineEvent) error
}

// QuarantineWriter 隔离事件写入器
// 入库并发布到审计流；两者任一失败只记日志，绝不反向阻塞摄入流水线
type QuarantineWriter struct {
	repo        QuarantineStore
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

// NewQuarantineWriter 创建隔离事件写入器
func NewQuarantineWriter(repo QuarantineStore, redisClient *redis.Client, stream string, logger *zap.Logger) *QuarantineWriter {
	return &QuarantineWriter{
		repo:        repo,
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

// Write 记录一条隔离事件
func (w *QuarantineWriter) Write(ctx context.Context, tenantID, deviceID, reason, transport string, payload []byte) {
	event := &domain.QuarantineEvent{
		EventID:   uuid.New().String(),
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Reason:    reason,
		Transport: transport,
		Payload:   json.RawMessage(payload),
		CreatedAt: time.Now().UTC(),
	}

	if err := w.repo.InsertEvent(ctx, event); err != nil {
		w.logger.Error("Failed to persist quarantine event",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}

	if w.redisClient != nil {
		if _, err := redisstream.PublishJSON(ctx, w.redisClient, w.stream, event); err != nil {
			w.logger.Warn("Failed to publish quarantine event to audit stream",
				zap.String("reason", reason),
				zap.Error(err),
			)
		}
	}

	w.logger.Info("Quarantined message",
		zap.String("tenant_id", tenantID),
		zap.String("device_id", deviceID),
		zap.String("reason", reason),
		zap.String("transport", transport),
	)
}
