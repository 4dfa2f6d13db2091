package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/ingest"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeRegistry struct {
	entries map[string]*domain.RegistryEntry
}

func (f *fakeRegistry) GetRegistryEntry(ctx context.Context, tenantID, deviceID string) (*domain.RegistryEntry, error) {
	return f.entries[tenantID+"/"+deviceID], nil
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

func (f *fakeQuarantineStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeReadingStore struct {
	mu       sync.Mutex
	accepted int
}

func (f *fakeReadingStore) InsertReadings(ctx context.Context, tenantID string, readings []domain.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted += len(readings)
	return nil
}

const testToken = "provision-token-1"

// newIngestPipeline 组装认证器与缓冲写入器（不启动刷写循环，仅验证缓冲行为）
func newIngestPipeline(t *testing.T) (*ingest.Authenticator, *ingest.BatchWriter, *fakeQuarantineStore) {
	registry := &fakeRegistry{entries: map[string]*domain.RegistryEntry{
		"tenant-1/dev-1": {
			TenantID:           "tenant-1",
			DeviceID:           "dev-1",
			CredentialHash:     ingest.HashCredential(testToken),
			Active:             true,
			SubscriptionStatus: domain.SubscriptionActive,
		},
	}}

	store := &fakeQuarantineStore{}
	qw := ingest.NewQuarantineWriter(store, nil, "", zap.NewNop())
	auth := ingest.NewAuthenticator(registry, ingest.NewDeviceCache(time.Minute), qw, nil, 5, zap.NewNop())

	writer := ingest.NewBatchWriter(ingest.BatchWriterConfig{
		BatchSize:     1000,
		BufferCap:     10000,
		FlushInterval: time.Hour,
	}, &fakeReadingStore{}, nil, zap.NewNop())

	return auth, writer, store
}

func validEnvelope() []byte {
	return []byte(`{"version":"1","ts":1750000000,"seq":7,"site_id":"site-1","metrics":{"temperature":21.5,"humidity":40.2},"provision_token":"` + testToken + `"}`)
}

func TestParseTelemetryTopic(t *testing.T) {
	tests := []struct {
		topic    string
		tenantID string
		deviceID string
		ok       bool
	}{
		{"telemetry/tenant-1/dev-1", "tenant-1", "dev-1", true},
		{"telemetry/tenant-1", "", "", false},
		{"telemetry/tenant-1/dev-1/extra", "", "", false},
		{"commands/tenant-1/dev-1", "", "", false},
		{"telemetry//dev-1", "", "", false},
		{"telemetry/tenant-1/", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		tenantID, deviceID, ok := parseTelemetryTopic(tt.topic)
		assert.Equal(t, tt.ok, ok, "topic %q", tt.topic)
		assert.Equal(t, tt.tenantID, tenantID, "topic %q", tt.topic)
		assert.Equal(t, tt.deviceID, deviceID, "topic %q", tt.topic)
	}
}

func TestMQTTConsumer_ValidMessageBuffered(t *testing.T) {
	auth, writer, store := newIngestPipeline(t)
	c := &MQTTConsumer{
		config:        &config.Config{},
		authenticator: auth,
		writer:        writer,
		logger:        zap.NewNop(),
	}

	c.handleMessage(context.Background(), "telemetry/tenant-1/dev-1", validEnvelope())

	assert.Equal(t, 2, writer.Pending(), "one reading per metric")
	assert.Equal(t, 0, store.count())
}

func TestMQTTConsumer_RejectedMessageQuarantinedNotBuffered(t *testing.T) {
	auth, writer, store := newIngestPipeline(t)
	c := &MQTTConsumer{
		config:        &config.Config{},
		authenticator: auth,
		writer:        writer,
		logger:        zap.NewNop(),
	}

	c.handleMessage(context.Background(), "telemetry/tenant-1/dev-unknown", validEnvelope())

	assert.Equal(t, 0, writer.Pending())
	assert.Equal(t, 1, store.count())
	assert.Equal(t, domain.ReasonUnknownDevice, store.events[0].Reason)
}

func TestMQTTConsumer_MalformedTopicIgnored(t *testing.T) {
	auth, writer, store := newIngestPipeline(t)
	c := &MQTTConsumer{
		config:        &config.Config{},
		authenticator: auth,
		writer:        writer,
		logger:        zap.NewNop(),
	}

	c.handleMessage(context.Background(), "telemetry/only-one-segment", validEnvelope())

	assert.Equal(t, 0, writer.Pending())
	assert.Equal(t, 0, store.count())
}
