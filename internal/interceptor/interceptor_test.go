package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/hearthwire/sentryhub/core/csql"
	"github.com/hearthwire/sentryhub/internal/deviceauth"
	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
	"github.com/hearthwire/sentryhub/internal/telemetry"
	"github.com/hearthwire/sentryhub/internal/topicacl"
)

type testConfig struct {
	Postgres         string `env:"POSTGRES,required"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional"`
}

func newTestInterceptor(t *testing.T) (*Interceptor, *registry.Store) {
	t.Helper()
	var cfg testConfig
	if err := envdecode.Decode(&cfg); err != nil {
		t.Skip("skipping interceptor tests, no postgres configured:", err)
	}
	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_interceptor_unit_test_")
	t.Cleanup(func() {
		db.ClearSchema()
		db.Close()
	})
	db.ClearSchema()
	store := registry.NewStore(db)
	auth := deviceauth.New(store)
	acl := topicacl.New(store, "controller-01")
	ing := telemetry.New(store, 0)
	ic := New(store, auth, acl, ing, "controller-01", 2, 0)
	t.Cleanup(ic.Close)
	return ic, store
}

func TestValidMACFormat(t *testing.T) {
	require.True(t, validMACFormat("AA:BB:CC:DD:EE:FF"))
	require.True(t, validMACFormat("aa-bb-cc-dd-ee-ff"))
	require.False(t, validMACFormat("AA:BB:CC:DD:EE"))
	require.False(t, validMACFormat("AABBCCDDEEFF"))
	require.False(t, validMACFormat("GG:BB:CC:DD:EE:FF"))
}

func TestHandleRegisterInsertsPendingDevice(t *testing.T) {
	ic, store := newTestInterceptor(t)
	ctx := context.Background()

	body := []byte(`{"serial":"IOT-2025-0001","mac":"AA:BB:CC:DD:EE:FF","device_type":"TEMP_SENSOR"}`)
	ic.handleRegister(ctx, body)

	d, err := store.FindBySerialHash(ctx, identity.Hash("IOT-2025-0001"))
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, d.Status)
}

func TestHandleRegisterAutoApprovesPreSeededSerial(t *testing.T) {
	ic, store := newTestInterceptor(t)
	ctx := context.Background()

	serial := "IOT-2025-0002"
	seeded, err := store.UpsertDeviceIfAbsent(ctx, model.Device{
		Type:          model.DeviceTypeSmartPlug,
		SerialHash:    identity.Hash(serial),
		MACHash:       identity.Hash("00:00:00:00:00:00"),
		CompositeHash: identity.HashComposite(serial, "00:00:00:00:00:00"),
	})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, seeded.ID, model.StatusApproved, "admin1", false)
	require.NoError(t, err)

	body := []byte(`{"serial":"` + serial + `","mac":"AA:BB:CC:DD:EE:01","device_type":"SMART_PLUG"}`)
	ic.handleRegister(ctx, body)

	d, err := store.FindByCompositeHash(ctx, identity.HashComposite(serial, "AA:BB:CC:DD:EE:01"))
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, d.Status)
}

func TestHandleRegisterRejectsInvalidMAC(t *testing.T) {
	ic, store := newTestInterceptor(t)
	ctx := context.Background()

	body := []byte(`{"serial":"IOT-2025-0003","mac":"not-a-mac","device_type":"TEMP_SENSOR"}`)
	ic.handleRegister(ctx, body)

	alerts, err := store.FindAlertsBySerialHash(ctx, identity.Hash("IOT-2025-0003"))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertInvalidMACFormat, alerts[0].Type)
}

func TestHandleHealthRejectsMACMismatch(t *testing.T) {
	ic, store := newTestInterceptor(t)
	ctx := context.Background()

	serial := "IOT-2025-0004"
	mac := "AA:BB:CC:DD:EE:02"
	d, err := store.UpsertDeviceIfAbsent(ctx, model.Device{
		Type:          model.DeviceTypeTempSensor,
		SerialHash:    identity.Hash(serial),
		MACHash:       identity.Hash(mac),
		CompositeHash: identity.HashComposite(serial, mac),
	})
	require.NoError(t, err)
	_, err = store.CreateConnection(ctx, d.ID, "10.0.0.3:1883", "")
	require.NoError(t, err)

	body := []byte(`{"serial":"` + serial + `","mac":"FF:FF:FF:FF:FF:FF","timestamp":"2025-01-01T00:00:00"}`)
	ic.handleHealth(ctx, body)

	alerts, err := store.FindAlertsBySerialHash(ctx, d.SerialHash)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertMACMismatch, alerts[0].Type)
}

func TestHandleHealthRejectsNoActiveConnection(t *testing.T) {
	ic, store := newTestInterceptor(t)
	ctx := context.Background()

	serial := "IOT-2025-0005"
	mac := "AA:BB:CC:DD:EE:03"
	d, err := store.UpsertDeviceIfAbsent(ctx, model.Device{
		Type:          model.DeviceTypeTempSensor,
		SerialHash:    identity.Hash(serial),
		MACHash:       identity.Hash(mac),
		CompositeHash: identity.HashComposite(serial, mac),
	})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, d.ID, model.StatusApproved, "admin1", false)
	require.NoError(t, err)

	now := time.Now().UTC().Format("2006-01-02T15:04:05")
	body := []byte(`{"serial":"` + serial + `","mac":"` + mac + `","timestamp":"` + now + `"}`)
	ic.handleHealth(ctx, body)

	alerts, err := store.FindAlertsBySerialHash(ctx, d.SerialHash)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, model.AlertHealthCheckRejectedNoConn, alerts[0].Type)
}
