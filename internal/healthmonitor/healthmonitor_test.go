package healthmonitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/hearthwire/sentryhub/core/csql"
	"github.com/hearthwire/sentryhub/internal/healthmonitor"
	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
)

type testConfig struct {
	Postgres         string `env:"POSTGRES,required"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional"`
}

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	var cfg testConfig
	if err := envdecode.Decode(&cfg); err != nil {
		t.Skip("skipping healthmonitor tests, no postgres configured:", err)
	}
	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_healthmonitor_unit_test_")
	t.Cleanup(func() {
		db.ClearSchema()
		db.Close()
	})
	db.ClearSchema()
	return registry.NewStore(db)
}

func TestHealthMonitorStartStop(t *testing.T) {
	s := openTestStore(t)
	m := healthmonitor.New(s, 20*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	m.Stop()
}

func TestHealthMonitorFlagsNeverCheckedDeviceOffline(t *testing.T) {
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

	m := healthmonitor.New(s, time.Hour, time.Minute)
	require.NoError(t, m.RunOnce(ctx))

	alerts, err := s.FindAlertsBySerialHash(ctx, d.SerialHash)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertDeviceOffline, alerts[0].Type)
}

func TestHealthMonitorSkipsDeviceWithActiveConnection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	serial := "IOT-2025-0002"
	mac := "AA:BB:CC:DD:EE:01"
	d, err := s.UpsertDeviceIfAbsent(ctx, model.Device{
		Type:          model.DeviceTypeTempSensor,
		SerialHash:    identity.Hash(serial),
		MACHash:       identity.Hash(mac),
		CompositeHash: identity.HashComposite(serial, mac),
	})
	require.NoError(t, err)
	_, err = s.CreateConnection(ctx, d.ID, "10.0.0.2:1883", "")
	require.NoError(t, err)

	m := healthmonitor.New(s, time.Hour, time.Minute)
	require.NoError(t, m.RunOnce(ctx))

	alerts, err := s.FindAlertsBySerialHash(ctx, d.SerialHash)
	require.NoError(t, err)
	require.Empty(t, alerts)
}
