package ingest

import (
	"context"
	"sync"
	"time"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/redisstream"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ReadingStore 读数持久化接口
type ReadingStore interface {
	InsertReadings(ctx context.Context, tenantID string, readings []domain.Reading) error
}

// BatchWriterConfig 批量写入器配置
type BatchWriterConfig struct {
	BatchSize     int           // 单租户批次达到该条数立即刷写
	BufferCap     int           // 全部租户合计的缓冲硬上限，满则 Accept 阻塞（背压）
	FlushInterval time.Duration // 定时刷写间隔
	FlushRetries  int           // 刷写失败重试次数
	FlushBackoff  time.Duration // 重试退避基数（线性递增）
	WakeupStream  string        // 刷写成功后发布唤醒消息的流，空则不发布
}

// BatchWriter 租户分组批量写入器
// 缓冲永不无界增长：存储变慢时 Accept 阻塞新消息而不是堆内存；
// 一次刷写要么整批成功要么整批保留/丢弃，绝不留下半批
type BatchWriter struct {
	cfg         BatchWriterConfig
	store       ReadingStore
	redisClient *redis.Client
	logger      *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	buffers map[string][]domain.Reading // tenantID → 待写读数
	total   int
	closed  bool

	flushCh chan string // 达到批次阈值的租户
}

// NewBatchWriter 创建批量写入器
func NewBatchWriter(cfg BatchWriterConfig, store ReadingStore, redisClient *redis.Client, logger *zap.Logger) *BatchWriter {
	w := &BatchWriter{
		cfg:         cfg,
		store:       store,
		redisClient: redisClient,
		logger:      logger,
		buffers:     make(map[string][]domain.Reading),
		flushCh:     make(chan string, 64),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Accept 接收一批已通过校验的读数
// 缓冲区满时阻塞直到刷写腾出空间或 ctx 取消。
// 超过缓冲上限的超大批次分块接收：整批等待的条件永远无法满足，
// 会把消费回调卡死到取消为止
func (w *BatchWriter) Accept(ctx context.Context, tenantID string, readings []domain.Reading) error {
	for len(readings) > w.cfg.BufferCap {
		if err := w.accept(ctx, tenantID, readings[:w.cfg.BufferCap]); err != nil {
			return err
		}
		readings = readings[w.cfg.BufferCap:]
	}
	return w.accept(ctx, tenantID, readings)
}

func (w *BatchWriter) accept(ctx context.Context, tenantID string, readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	w.mu.Lock()
	for !w.closed && w.total+len(readings) > w.cfg.BufferCap {
		if err := ctx.Err(); err != nil {
			w.mu.Unlock()
			return err
		}
		w.cond.Wait()
	}
	if w.closed {
		w.mu.Unlock()
		return context.Canceled
	}

	w.buffers[tenantID] = append(w.buffers[tenantID], readings...)
	w.total += len(readings)
	full := len(w.buffers[tenantID]) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		// 非阻塞：定时器兜底，信号丢失不影响正确性
		select {
		case w.flushCh <- tenantID:
		default:
		}
	}

	return nil
}

// Run 刷写循环：大小阈值触发或定时器到期，先到者先刷
func (w *BatchWriter) Run(ctx context.Context) {
	// Accept 的阻塞等待需要感知取消
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 退出前排空缓冲，用独立上下文保证最后一次刷写不被取消
			w.flushAll(context.Background())
			return
		case tenantID := <-w.flushCh:
			w.flushTenant(ctx, tenantID)
		case <-ticker.C:
			w.flushAll(ctx)
		}
	}
}

// flushAll 刷写所有租户的缓冲
func (w *BatchWriter) flushAll(ctx context.Context) {
	w.mu.Lock()
	tenants := make([]string, 0, len(w.buffers))
	for tenantID, buf := range w.buffers {
		if len(buf) > 0 {
			tenants = append(tenants, tenantID)
		}
	}
	w.mu.Unlock()

	// 逐租户刷写：一个租户失败不影响其他租户
	for _, tenantID := range tenants {
		w.flushTenant(ctx, tenantID)
	}
}

// flushTenant 刷写单个租户的缓冲
func (w *BatchWriter) flushTenant(ctx context.Context, tenantID string) {
	w.mu.Lock()
	batch := w.buffers[tenantID]
	if len(batch) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffers, tenantID)
	w.total -= len(batch)
	w.cond.Broadcast()
	w.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err := w.store.InsertReadings(ctx, tenantID, batch)
		if err == nil {
			w.logger.Debug("Flushed telemetry batch",
				zap.String("tenant_id", tenantID),
				zap.Int("readings", len(batch)),
			)
			w.publishWakeup(ctx, tenantID, len(batch))
			return
		}

		if ctx.Err() != nil {
			// 刷写被取消：整批放回缓冲，重试时恰好处理未刷写的剩余部分
			w.requeue(tenantID, batch)
			return
		}

		if attempt >= w.cfg.FlushRetries {
			// 丢弃并明确记录数据损失：遥测丢失好于让一个失败批次阻塞所有租户
			w.logger.Error("Telemetry batch dropped after exhausting retries (data loss)",
				zap.String("tenant_id", tenantID),
				zap.Int("readings", len(batch)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return
		}

		backoff := w.cfg.FlushBackoff * time.Duration(attempt+1)
		w.logger.Warn("Telemetry batch flush failed, retrying",
			zap.String("tenant_id", tenantID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			w.requeue(tenantID, batch)
			return
		case <-time.After(backoff):
		}
	}
}

// requeue 将整批读数放回缓冲头部
func (w *BatchWriter) requeue(tenantID string, batch []domain.Reading) {
	w.mu.Lock()
	w.buffers[tenantID] = append(batch, w.buffers[tenantID]...)
	w.total += len(batch)
	w.mu.Unlock()
}

// wakeupMessage 数据到达唤醒消息
type wakeupMessage struct {
	TenantID string `json:"tenant_id"`
	Readings int    `json:"readings"`
}

// publishWakeup 通知评估引擎有新数据（尽力而为，轮询兜底）
func (w *BatchWriter) publishWakeup(ctx context.Context, tenantID string, readings int) {
	if w.redisClient == nil || w.cfg.WakeupStream == "" {
		return
	}
	if _, err := redisstream.PublishJSON(ctx, w.redisClient, w.cfg.WakeupStream, wakeupMessage{
		TenantID: tenantID,
		Readings: readings,
	}); err != nil {
		w.logger.Warn("Failed to publish evaluation wakeup",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}

// Pending 当前缓冲中的读数条数（测试与健康检查用）
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
