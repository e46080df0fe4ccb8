package adminapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/hearthwire/sentryhub/core/csql"
	"github.com/hearthwire/sentryhub/internal/adminapi"
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
		t.Skip("skipping adminapi tests, no postgres configured:", err)
	}
	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_adminapi_unit_test_")
	t.Cleanup(func() {
		db.ClearSchema()
		db.Close()
	})
	db.ClearSchema()
	return registry.NewStore(db)
}

func TestListDevicesReturnsSeededDevice(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertDeviceIfAbsent(ctx, model.Device{
		Type:          model.DeviceTypeTempSensor,
		SerialHash:    identity.Hash("IOT-2025-0001"),
		MACHash:       identity.Hash("AA:BB:CC:DD:EE:FF"),
		CompositeHash: identity.HashComposite("IOT-2025-0001", "AA:BB:CC:DD:EE:FF"),
	})
	require.NoError(t, err)

	api := adminapi.New(store, ":0")
	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTPForTest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var devices []model.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
}

func TestGetDeviceNotFound(t *testing.T) {
	store := openTestStore(t)
	api := adminapi.New(store, ":0")
	req := httptest.NewRequest(http.MethodGet, "/devices/999", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTPForTest(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
