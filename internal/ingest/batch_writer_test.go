package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"wisefido-telemetry/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReadingStore struct {
	mu      sync.Mutex
	batches map[string][][]domain.Reading
	fail    int // 前 N 次调用返回错误
	calls   int
}

func newFakeReadingStore() *fakeReadingStore {
	return &fakeReadingStore{batches: make(map[string][][]domain.Reading)}
}

func (f *fakeReadingStore) InsertReadings(ctx context.Context, tenantID string, readings []domain.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return fmt.Errorf("store unavailable")
	}
	batch := make([]domain.Reading, len(readings))
	copy(batch, readings)
	f.batches[tenantID] = append(f.batches[tenantID], batch)
	return nil
}

func (f *fakeReadingStore) batchCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches[tenantID])
}

func (f *fakeReadingStore) totalReadings(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches[tenantID] {
		n += len(b)
	}
	return n
}

func makeReadings(tenantID string, n int) []domain.Reading {
	readings := make([]domain.Reading, n)
	for i := range readings {
		readings[i] = domain.Reading{
			TenantID:  tenantID,
			DeviceID:  "dev-1",
			Metric:    "temperature",
			Value:     float64(i),
			Timestamp: time.Now().UTC(),
		}
	}
	return readings
}

func testWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		BufferCap:     10000,
		FlushInterval: 50 * time.Millisecond,
		FlushRetries:  2,
		FlushBackoff:  5 * time.Millisecond,
	}
}

func TestBatchWriter_SizeThresholdFlushesAsOneBatch(t *testing.T) {
	store := newFakeReadingStore()
	w := NewBatchWriter(testWriterConfig(), store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 500)))

	require.Eventually(t, func() bool {
		return store.totalReadings("tenant-1") == 500
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.batchCount("tenant-1"), "a full batch flushes as a single write")
	assert.Zero(t, w.Pending())
}

func TestBatchWriter_TimerFlushesPartialBatch(t *testing.T) {
	store := newFakeReadingStore()
	w := NewBatchWriter(testWriterConfig(), store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 3)))

	require.Eventually(t, func() bool {
		return store.totalReadings("tenant-1") == 3
	}, time.Second, 5*time.Millisecond)
}

func TestBatchWriter_TenantsFlushSeparately(t *testing.T) {
	store := newFakeReadingStore()
	w := NewBatchWriter(testWriterConfig(), store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 10)))
	require.NoError(t, w.Accept(ctx, "tenant-2", makeReadings("tenant-2", 20)))

	require.Eventually(t, func() bool {
		return store.totalReadings("tenant-1") == 10 && store.totalReadings("tenant-2") == 20
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.batchCount("tenant-1"))
	assert.Equal(t, 1, store.batchCount("tenant-2"))
}

func TestBatchWriter_RetriesThenSucceeds(t *testing.T) {
	store := newFakeReadingStore()
	store.fail = 1
	w := NewBatchWriter(testWriterConfig(), store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 5)))

	require.Eventually(t, func() bool {
		return store.totalReadings("tenant-1") == 5
	}, time.Second, 5*time.Millisecond)
}

func TestBatchWriter_DropsAfterRetriesExhausted(t *testing.T) {
	store := newFakeReadingStore()
	store.fail = 10 // 超过重试上限，批次最终被丢弃
	w := NewBatchWriter(testWriterConfig(), store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 5)))

	// 初次 + 2 次重试后丢弃，缓冲清空
	require.Eventually(t, func() bool {
		store.mu.Lock()
		calls := store.calls
		store.mu.Unlock()
		return calls == 3 && w.Pending() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, store.totalReadings("tenant-1"))
}

func TestBatchWriter_BackpressureBlocksUntilSpace(t *testing.T) {
	store := newFakeReadingStore()
	cfg := testWriterConfig()
	cfg.BufferCap = 10
	cfg.FlushInterval = 20 * time.Millisecond
	w := NewBatchWriter(cfg, store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 先填满缓冲（Run 尚未启动，不会被刷掉）
	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 10)))

	accepted := make(chan error, 1)
	go func() {
		accepted <- w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 5))
	}()

	select {
	case <-accepted:
		t.Fatal("Accept must block while the buffer is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	// 启动刷写循环腾出空间后，阻塞的 Accept 应当完成
	go w.Run(ctx)

	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Accept did not unblock after flush freed buffer space")
	}
}

func TestBatchWriter_OversizedBatchIsChunked(t *testing.T) {
	store := newFakeReadingStore()
	cfg := testWriterConfig()
	cfg.BatchSize = 10
	cfg.BufferCap = 10
	cfg.FlushInterval = 20 * time.Millisecond
	w := NewBatchWriter(cfg, store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	accepted := make(chan error, 1)
	go func() {
		// 单批超过缓冲容量，必须分块接收而不是永久阻塞
		accepted <- w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 25))
	}()

	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept must not deadlock on a batch larger than the buffer")
	}

	require.Eventually(t, func() bool {
		return store.totalReadings("tenant-1") == 25
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Pending())
}

func TestBatchWriter_AcceptUnblocksOnCancel(t *testing.T) {
	store := newFakeReadingStore()
	cfg := testWriterConfig()
	cfg.BufferCap = 10
	w := NewBatchWriter(cfg, store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 10)))

	// 存储被打爆：让后续刷写失败以保持缓冲占用
	store.mu.Lock()
	store.fail = 1000
	store.mu.Unlock()

	accepted := make(chan error, 1)
	go func() {
		accepted <- w.Accept(ctx, "tenant-2", makeReadings("tenant-2", 10)) // 超出容量，阻塞
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-accepted:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Accept must return once the writer shuts down")
	}
}

func TestBatchWriter_PublishesWakeupAfterFlush(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newFakeReadingStore()
	cfg := testWriterConfig()
	cfg.WakeupStream = "telemetry:ingested"
	w := NewBatchWriter(cfg, store, client, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 2)))

	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), "telemetry:ingested").Result()
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatchWriter_DrainsOnShutdown(t *testing.T) {
	store := newFakeReadingStore()
	cfg := testWriterConfig()
	cfg.FlushInterval = time.Hour // 定时器不参与，验证退出路径排空
	w := NewBatchWriter(cfg, store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, w.Accept(ctx, "tenant-1", makeReadings("tenant-1", 7)))
	cancel()
	<-done

	assert.Equal(t, 7, store.totalReadings("tenant-1"))
	assert.Zero(t, w.Pending())
}
