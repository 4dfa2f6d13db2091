package evaluator

import (
	"context"
	"testing"
	"time"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEscalationStore struct {
	due   map[string][]domain.Alert
	swept []string
}

func (f *fakeEscalationStore) EscalateDue(ctx context.Context, tenantID string, now time.Time) ([]domain.Alert, error) {
	f.swept = append(f.swept, tenantID)
	return f.due[tenantID], nil
}

func TestSweeper_DispatchesEscalatedAlerts(t *testing.T) {
	cfg := &config.Config{}
	cfg.Evaluator.EscalationInterval = time.Minute

	escalated := domain.Alert{
		AlertID:         "alert-1",
		TenantID:        "tenant-1",
		DeviceID:        "dev-1",
		RuleID:          "rule-1",
		Severity:        domain.SeverityEmergency,
		Status:          domain.AlertStatusOpen,
		EscalationLevel: 1,
	}
	store := &fakeEscalationStore{due: map[string][]domain.Alert{"tenant-1": {escalated}}}
	tenants := &fakeTenants{tenants: []*domain.Tenant{
		{TenantID: "tenant-1", SubscriptionStatus: domain.SubscriptionActive},
		{TenantID: "tenant-2", SubscriptionStatus: domain.SubscriptionActive},
	}}
	sink := &fakeSink{}
	sweeper := NewSweeper(cfg, tenants, store, sink, zap.NewNop())

	sweeper.Sweep(context.Background(), time.Now().UTC())

	assert.Equal(t, []string{"tenant-1", "tenant-2"}, store.swept)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, domain.AlertTriggerEscalated, sink.events[0].Trigger)
	assert.Equal(t, "alert-1", sink.events[0].Alert.AlertID)
}

func TestSweeper_SkipsTenantsInMaintenance(t *testing.T) {
	cfg := &config.Config{}
	cfg.Evaluator.EscalationInterval = time.Minute

	now := time.Now().UTC()
	until := now.Add(time.Hour)
	store := &fakeEscalationStore{due: map[string][]domain.Alert{"tenant-1": {{AlertID: "alert-1", TenantID: "tenant-1"}}}}
	tenants := &fakeTenants{tenants: []*domain.Tenant{
		{TenantID: "tenant-1", MaintenanceUntil: &until},
	}}
	sink := &fakeSink{}
	sweeper := NewSweeper(cfg, tenants, store, sink, zap.NewNop())

	sweeper.Sweep(context.Background(), now)

	assert.Empty(t, store.swept, "maintenance window suppresses escalation")
	assert.Zero(t, sink.count())
}
