package ingest

import (
	"fmt"
	"time"

	"wisefido-telemetry/internal/domain"

	gocache "github.com/patrickmn/go-cache"
)

// DeviceCache 设备注册表短 TTL 内存缓存
// 注册表数据最终一致即可；缓存作为可注入组件存在，测试自行构造实例
type DeviceCache struct {
	cache *gocache.Cache
}

// NewDeviceCache 创建设备缓存
func NewDeviceCache(ttl time.Duration) *DeviceCache {
	return &DeviceCache{
		cache: gocache.New(ttl, 2*ttl),
	}
}

func cacheKey(tenantID, deviceID string) string {
	return fmt.Sprintf("%s/%s", tenantID, deviceID)
}

// Get 查询缓存
func (c *DeviceCache) Get(tenantID, deviceID string) (*domain.RegistryEntry, bool) {
	if v, ok := c.cache.Get(cacheKey(tenantID, deviceID)); ok {
		entry := v.(domain.RegistryEntry)
		return &entry, true
	}
	return nil, false
}

// Set 写入缓存（按默认 TTL 过期）
func (c *DeviceCache) Set(entry domain.RegistryEntry) {
	c.cache.SetDefault(cacheKey(entry.TenantID, entry.DeviceID), entry)
}

// Invalidate 显式失效（设备退役、凭证轮换时由外部调用）
func (c *DeviceCache) Invalidate(tenantID, deviceID string) {
	c.cache.Delete(cacheKey(tenantID, deviceID))
}
