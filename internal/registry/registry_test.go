package registry_test

import (
	"context"
	"os"
	"testing"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/hearthwire/sentryhub/core/csql"
	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
)

// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type testConfig struct {
	Postgres         string `env:"POSTGRES,required"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional"`
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	var cfg testConfig
	if err := envdecode.Decode(&cfg); err != nil {
		t.Skip("skipping registry tests, no postgres configured:", err)
	}
	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_registry_unit_test_")
	t.Cleanup(func() {
		db.ClearSchema()
		db.Close()
	})
	db.ClearSchema()
	return registry.NewStore(db)
}

func newDevice(serial, mac string) model.Device {
	return model.Device{
		Type:          model.DeviceTypeTempSensor,
		SerialHash:    identity.Hash(serial),
		MACHash:       identity.Hash(mac),
		CompositeHash: identity.HashComposite(serial, mac),
	}
}

func TestUpsertDeviceIfAbsentIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := newDevice("IOT-2025-0001", "AA:BB:CC:DD:EE:FF")
	first, err := s.UpsertDeviceIfAbsent(ctx, d)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, first.Status)

	second, err := s.UpsertDeviceIfAbsent(ctx, d)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestUpdateStatusFollowsFSM(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.UpsertDeviceIfAbsent(ctx, newDevice("IOT-2025-0002", "AA:BB:CC:DD:EE:01"))
	require.NoError(t, err)

	approved, err := s.UpdateStatus(ctx, d.ID, model.StatusApproved, "admin1", false)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)

	_, err = s.UpdateStatus(ctx, d.ID, model.StatusPending, "admin1", false)
	require.Error(t, err)
}

func TestActiveConnectionInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.UpsertDeviceIfAbsent(ctx, newDevice("IOT-2025-0003", "AA:BB:CC:DD:EE:02"))
	require.NoError(t, err)

	conn, err := s.CreateConnection(ctx, d.ID, "10.0.0.1:1883", "")
	require.NoError(t, err)

	active, err := s.FindActiveByDeviceID(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, conn.ID, active.ID)

	require.NoError(t, s.CloseConnection(ctx, conn.ID))

	_, err = s.FindActiveByDeviceID(ctx, d.ID)
	require.Error(t, err)
}

func TestInsertAlertRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	serialHash := identity.Hash("IOT-2025-0004")
	require.NoError(t, s.InsertAlert(ctx, model.AlertDeviceRegistration, serialHash, map[string]interface{}{"a": 1.0}))

	alerts, err := s.FindAlertsBySerialHash(ctx, serialHash)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertDeviceRegistration, alerts[0].Type)
	require.Equal(t, 1.0, alerts[0].Details["a"])
}
