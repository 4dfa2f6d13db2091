package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// lastSeenHashKey 设备 last_seen 暂存哈希键
// 热路径只写 Redis，由后台刷写器批量回写数据库
const lastSeenHashKey = "device:lastseen"

// Registry 设备注册表查询接口（外部开通服务的数据，最终一致）
type Registry interface {
	GetRegistryEntry(ctx context.Context, tenantID, deviceID string) (*domain.RegistryEntry, error)
}

// Authenticator 信封校验与设备认证器
// 两条摄入路径（MQTT 消费、HTTP 上报）共用同一入口，订阅状态检查因此在每条路径上都生效
type Authenticator struct {
	registry    Registry
	cache       *DeviceCache
	quarantine  *QuarantineWriter
	redisClient *redis.Client

	seqTolerance int64
	mu           sync.Mutex
	lastSeq      map[string]int64 // tenant/device → 最近一次接受的序列号

	logger *zap.Logger
}

// NewAuthenticator 创建认证器
func NewAuthenticator(
	registry Registry,
	cache *DeviceCache,
	quarantine *QuarantineWriter,
	redisClient *redis.Client,
	seqTolerance int64,
	logger *zap.Logger,
) *Authenticator {
	return &Authenticator{
		registry:     registry,
		cache:        cache,
		quarantine:   quarantine,
		redisClient:  redisClient,
		seqTolerance: seqTolerance,
		lastSeq:      make(map[string]int64),
		logger:       logger,
	}
}

// HashCredential 凭证摘要（注册表保存的即此格式）
func HashCredential(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Process 完整处理一条原始消息：解析信封 → 认证 → 展开读数
// 任何拒绝都会先写隔离事件再返回 *RejectError；基础设施故障返回普通错误（不隔离）
func (a *Authenticator) Process(ctx context.Context, tenantID, deviceID, transport string, payload []byte) ([]domain.Reading, error) {
	env, rej := ParseEnvelope(payload)
	if rej != nil {
		a.quarantine.Write(ctx, tenantID, deviceID, rej.Reason, transport, payload)
		return nil, rej
	}

	if err := a.authenticate(ctx, tenantID, deviceID, env, transport, payload); err != nil {
		return nil, err
	}

	// 序列号建议性检查：回退超出容忍度记录隔离事件并告警，但消息仍然接受
	a.checkSequence(ctx, tenantID, deviceID, env.Sequence, transport, payload)

	// 成功路径副作用：last_seen 暂存到 Redis，不在热路径上写库
	a.stageLastSeen(ctx, tenantID, deviceID)

	return Readings(tenantID, deviceID, env), nil
}

// authenticate 设备身份与订阅状态检查
func (a *Authenticator) authenticate(ctx context.Context, tenantID, deviceID string, env *domain.Envelope, transport string, payload []byte) error {
	entry, ok := a.cache.Get(tenantID, deviceID)
	if !ok {
		fresh, err := a.registry.GetRegistryEntry(ctx, tenantID, deviceID)
		if err != nil {
			return fmt.Errorf("registry lookup failed for %s/%s: %w", tenantID, deviceID, err)
		}
		if fresh == nil {
			rej := Reject(domain.ReasonUnknownDevice, deviceID)
			a.quarantine.Write(ctx, tenantID, deviceID, rej.Reason, transport, payload)
			return rej
		}
		a.cache.Set(*fresh)
		entry = fresh
	}

	proof := HashCredential(env.ProvisionToken)
	if subtle.ConstantTimeCompare([]byte(proof), []byte(entry.CredentialHash)) != 1 {
		rej := Reject(domain.ReasonBadCredential, deviceID)
		a.quarantine.Write(ctx, tenantID, deviceID, rej.Reason, transport, payload)
		return rej
	}

	if !entry.Active {
		rej := Reject(domain.ReasonDeviceDecommissioned, deviceID)
		a.quarantine.Write(ctx, tenantID, deviceID, rej.Reason, transport, payload)
		return rej
	}

	if entry.SubscriptionStatus != domain.SubscriptionActive {
		rej := Reject(domain.ReasonSubscriptionSuspended, tenantID)
		a.quarantine.Write(ctx, tenantID, deviceID, rej.Reason, transport, payload)
		return rej
	}

	return nil
}

// checkSequence 设备内序列号单调性建议检查（跨设备无顺序保证）
func (a *Authenticator) checkSequence(ctx context.Context, tenantID, deviceID string, seq int64, transport string, payload []byte) {
	key := tenantID + "/" + deviceID

	a.mu.Lock()
	last, seen := a.lastSeq[key]
	if !seen || seq > last {
		a.lastSeq[key] = seq
	}
	a.mu.Unlock()

	if seen && seq <= last-a.seqTolerance {
		a.logger.Warn("Device sequence regression",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Int64("last_sequence", last),
			zap.Int64("sequence", seq),
		)
		a.quarantine.Write(ctx, tenantID, deviceID, domain.ReasonSequenceRegression, transport, payload)
	}
}

// stageLastSeen 将 last_seen 暂存到 Redis 哈希
func (a *Authenticator) stageLastSeen(ctx context.Context, tenantID, deviceID string) {
	if a.redisClient == nil {
		return
	}
	field := tenantID + "/" + deviceID
	if err := a.redisClient.HSet(ctx, lastSeenHashKey, field, time.Now().Unix()).Err(); err != nil {
		a.logger.Warn("Failed to stage device last_seen",
			zap.String("device", field),
			zap.Error(err),
		)
	}
}

// LastSeenFlusher 设备 last_seen 后台刷写器
type LastSeenFlusher struct {
	redisClient *redis.Client
	devices     LastSeenStore
	interval    time.Duration
	logger      *zap.Logger
}

// LastSeenStore last_seen 回写接口
type LastSeenStore interface {
	UpdateLastSeen(ctx context.Context, updates []repository.LastSeenUpdate) error
}

// NewLastSeenFlusher 创建刷写器
func NewLastSeenFlusher(redisClient *redis.Client, devices LastSeenStore, interval time.Duration, logger *zap.Logger) *LastSeenFlusher {
	return &LastSeenFlusher{
		redisClient: redisClient,
		devices:     devices,
		interval:    interval,
		logger:      logger,
	}
}

// Run 周期性地将暂存的 last_seen 回写数据库
func (f *LastSeenFlusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 退出前尽力刷一次
			f.flush(context.Background())
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *LastSeenFlusher) flush(ctx context.Context) {
	staged, err := f.redisClient.HGetAll(ctx, lastSeenHashKey).Result()
	if err != nil {
		f.logger.Warn("Failed to read staged last_seen", zap.Error(err))
		return
	}
	if len(staged) == 0 {
		return
	}

	updates := make([]repository.LastSeenUpdate, 0, len(staged))
	fields := make([]string, 0, len(staged))
	for field, value := range staged {
		tenantID, deviceID, ok := splitDeviceField(field)
		if !ok {
			fields = append(fields, field)
			continue
		}
		unix, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			fields = append(fields, field)
			continue
		}
		updates = append(updates, repository.LastSeenUpdate{
			TenantID: tenantID,
			DeviceID: deviceID,
			SeenAt:   time.Unix(unix, 0).UTC(),
		})
		fields = append(fields, field)
	}

	if err := f.devices.UpdateLastSeen(ctx, updates); err != nil {
		// 回写失败保留暂存，下个周期重试
		f.logger.Error("Failed to flush device last_seen", zap.Error(err))
		return
	}

	if err := f.redisClient.HDel(ctx, lastSeenHashKey, fields...).Err(); err != nil {
		f.logger.Warn("Failed to clear staged last_seen", zap.Error(err))
	}
}

func splitDeviceField(field string) (tenantID, deviceID string, ok bool) {
	for i := 0; i < len(field); i++ {
		if field[i] == '/' {
			return field[:i], field[i+1:], field[:i] != "" && field[i+1:] != ""
		}
	}
	return "", "", false
}
