package telemetry_test

import (
	"context"
	"testing"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/hearthwire/sentryhub/core/csql"
	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
	"github.com/hearthwire/sentryhub/internal/telemetry"
)

type testConfig struct {
	Postgres         string `env:"POSTGRES,required"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional"`
}

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	var cfg testConfig
	if err := envdecode.Decode(&cfg); err != nil {
		t.Skip("skipping telemetry tests, no postgres configured:", err)
	}
	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_telemetry_unit_test_")
	t.Cleanup(func() {
		db.ClearSchema()
		db.Close()
	})
	db.ClearSchema()
	return registry.NewStore(db)
}

func TestIngestAcceptsTelemetryFromApprovedDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	serial := "IOT-2025-0001"
	mac := "AA:BB:CC:DD:EE:FF"
	d, err := s.UpsertDeviceIfAbsent(ctx, model.Device{
		Type:          model.DeviceTypeTempSensor,
		SerialHash:    identity.Hash(serial),
		MACHash:       identity.Hash(mac),
		CompositeHash: identity.HashComposite(serial, mac),
	})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, d.ID, model.StatusApproved, "admin1", false)
	require.NoError(t, err)

	ing := telemetry.New(s, 0)
	body := []byte(`{"temperature":22.5,"timestamp":"2025-01-01T00:00:00"}`)
	require.NoError(t, ing.Ingest(ctx, "home/controller-01/devices/"+serial+"/telemetry", body))
}

func TestIngestDropsOversizePayload(t *testing.T) {
	s := openTestStore(t)
	ing := telemetry.New(s, 4)
	require.NoError(t, ing.Ingest(context.Background(), "home/controller-01/devices/IOT-2025-0001/telemetry", []byte("12345")))
}

func TestIngestDropsUnknownDevice(t *testing.T) {
	s := openTestStore(t)
	ing := telemetry.New(s, 0)
	require.NoError(t, ing.Ingest(context.Background(), "home/controller-01/devices/IOT-2025-9999/telemetry", []byte(`{}`)))
}

func TestIngestIgnoresTopicsNotMatchingGrammar(t *testing.T) {
	s := openTestStore(t)
	ing := telemetry.New(s, 0)
	require.NoError(t, ing.Ingest(context.Background(), "home/controller-01/devices/IOT-2025-0001/register", []byte(`{}`)))
}
