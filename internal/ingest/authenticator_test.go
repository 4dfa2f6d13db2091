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

type fakeRegistry struct {
	mu      sync.Mutex
	entries map[string]*domain.RegistryEntry
	err     error
	lookups int
}

func (f *fakeRegistry) GetRegistryEntry(ctx context.Context, tenantID, deviceID string) (*domain.RegistryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	entry, ok := f.entries[tenantID+"/"+deviceID]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

type fakeQuarantineStore struct {
	mu     sync.Mutex
	events []*domain.QuarantineEvent
}

func (f *fakeQuarantineStore) InsertEvent(ctx context.Context, event *domain.QuarantineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeQuarantineStore) reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reasons []string
	for _, e := range f.events {
		reasons = append(reasons, e.Reason)
	}
	return reasons
}

func activeEntry(tenantID, deviceID, token string) *domain.RegistryEntry {
	return &domain.RegistryEntry{
		TenantID:           tenantID,
		DeviceID:           deviceID,
		CredentialHash:     HashCredential(token),
		Status:             domain.DeviceStatusOnline,
		Active:             true,
		SubscriptionStatus: domain.SubscriptionActive,
	}
}

func setupAuthenticator(t *testing.T, registry *fakeRegistry) (*Authenticator, *fakeQuarantineStore, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	quarantineStore := &fakeQuarantineStore{}
	writer := NewQuarantineWriter(quarantineStore, nil, "", zap.NewNop())
	auth := NewAuthenticator(registry, NewDeviceCache(time.Minute), writer, client, 5, zap.NewNop())
	return auth, quarantineStore, client
}

func envelopePayload(token string, seq int64) []byte {
	return []byte(fmt.Sprintf(
		`{"version":"1","ts":1756200000,"seq":%d,"site_id":"site-a","metrics":{"temperature":21.5},"provision_token":"%s"}`,
		seq, token,
	))
}

func TestProcess_AcceptedEnvelope(t *testing.T) {
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{
		"tenant-1/dev-1": activeEntry("tenant-1", "dev-1", "good-token"),
	}}
	auth, quarantine, client := setupAuthenticator(t, registry)

	readings, err := auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", envelopePayload("good-token", 1))

	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "temperature", readings[0].Metric)
	assert.Empty(t, quarantine.reasons())

	// 成功路径副作用：last_seen 暂存到 Redis 哈希
	staged, err := client.HGetAll(context.Background(), lastSeenHashKey).Result()
	require.NoError(t, err)
	assert.Contains(t, staged, "tenant-1/dev-1")
}

func TestProcess_UnknownDeviceQuarantined(t *testing.T) {
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{}}
	auth, quarantine, _ := setupAuthenticator(t, registry)

	_, err := auth.Process(context.Background(), "tenant-1", "ghost", "mqtt", envelopePayload("x", 1))

	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonUnknownDevice, rej.Reason)
	assert.Equal(t, []string{domain.ReasonUnknownDevice}, quarantine.reasons())
}

func TestProcess_BadCredentialQuarantined(t *testing.T) {
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{
		"tenant-1/dev-1": activeEntry("tenant-1", "dev-1", "good-token"),
	}}
	auth, quarantine, _ := setupAuthenticator(t, registry)

	_, err := auth.Process(context.Background(), "tenant-1", "dev-1", "http", envelopePayload("wrong-token", 1))

	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonBadCredential, rej.Reason)
	assert.Equal(t, []string{domain.ReasonBadCredential}, quarantine.reasons())
}

func TestProcess_DecommissionedDeviceQuarantined(t *testing.T) {
	entry := activeEntry("tenant-1", "dev-1", "good-token")
	entry.Active = false
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{"tenant-1/dev-1": entry}}
	auth, quarantine, _ := setupAuthenticator(t, registry)

	_, err := auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", envelopePayload("good-token", 1))

	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonDeviceDecommissioned, rej.Reason)
	assert.Equal(t, []string{domain.ReasonDeviceDecommissioned}, quarantine.reasons())
}

func TestProcess_SuspendedSubscriptionQuarantinedOnEveryTransport(t *testing.T) {
	entry := activeEntry("tenant-1", "dev-1", "good-token")
	entry.SubscriptionStatus = domain.SubscriptionSuspended
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{"tenant-1/dev-1": entry}}
	auth, quarantine, _ := setupAuthenticator(t, registry)

	for _, transport := range []string{"mqtt", "http"} {
		_, err := auth.Process(context.Background(), "tenant-1", "dev-1", transport, envelopePayload("good-token", 1))
		var rej *RejectError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, domain.ReasonSubscriptionSuspended, rej.Reason)
	}
	assert.Len(t, quarantine.reasons(), 2)
}

func TestProcess_RegistryFailureIsNotQuarantined(t *testing.T) {
	registry := &fakeRegistry{err: fmt.Errorf("connection refused")}
	auth, quarantine, _ := setupAuthenticator(t, registry)

	_, err := auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", envelopePayload("x", 1))

	require.Error(t, err)
	_, isReject := err.(*RejectError)
	assert.False(t, isReject, "infrastructure failures are plain errors, not rejections")
	assert.Empty(t, quarantine.reasons())
}

func TestProcess_MalformedPayloadQuarantined(t *testing.T) {
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{}}
	auth, quarantine, _ := setupAuthenticator(t, registry)

	_, err := auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", []byte(`{broken`))

	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonMalformedPayload, rej.Reason)
	assert.Equal(t, []string{domain.ReasonMalformedPayload}, quarantine.reasons())
	assert.Zero(t, registry.lookups, "malformed envelopes never reach the registry")
}

func TestProcess_RegistryCacheHit(t *testing.T) {
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{
		"tenant-1/dev-1": activeEntry("tenant-1", "dev-1", "good-token"),
	}}
	auth, _, _ := setupAuthenticator(t, registry)

	for i := 0; i < 3; i++ {
		_, err := auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", envelopePayload("good-token", int64(i+1)))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, registry.lookups, "repeat messages within TTL must hit the cache")
}

func TestProcess_SequenceRegressionIsAdvisory(t *testing.T) {
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{
		"tenant-1/dev-1": activeEntry("tenant-1", "dev-1", "good-token"),
	}}
	auth, quarantine, _ := setupAuthenticator(t, registry)

	_, err := auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", envelopePayload("good-token", 100))
	require.NoError(t, err)

	// 容忍度内的回退不记录
	_, err = auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", envelopePayload("good-token", 97))
	require.NoError(t, err)
	assert.Empty(t, quarantine.reasons())

	// 超出容忍度：记录隔离事件，但消息仍然接受
	readings, err := auth.Process(context.Background(), "tenant-1", "dev-1", "mqtt", envelopePayload("good-token", 1))
	require.NoError(t, err)
	assert.NotEmpty(t, readings)
	assert.Equal(t, []string{domain.ReasonSequenceRegression}, quarantine.reasons())
}

func TestHashCredential_Deterministic(t *testing.T) {
	assert.Equal(t, HashCredential("abc"), HashCredential("abc"))
	assert.NotEqual(t, HashCredential("abc"), HashCredential("abd"))
	assert.Len(t, HashCredential("abc"), 64)
}
