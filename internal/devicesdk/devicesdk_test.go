package devicesdk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hearthwire/sentryhub/internal/model"
)

func TestClientIDMatchesBrokerParsingScheme(t *testing.T) {
	c := &Client{cfg: Config{Serial: "IOT-2025-0001", MAC: "AA:BB:CC:DD:EE:FF"}}
	require.Equal(t, "IOT0001AABBCC", c.clientID())
}

func TestStripMACSeparators(t *testing.T) {
	require.Equal(t, "AABBCCDDEEFF", stripMACSeparators("AA:BB:CC:DD:EE:FF"))
	require.Equal(t, "aabbccddeeff", stripMACSeparators("aa-bb-cc-dd-ee-ff"))
}

func TestSensorTypesUseQoS0(t *testing.T) {
	require.True(t, sensorTypes[model.DeviceTypeTempSensor])
	require.True(t, sensorTypes[model.DeviceTypeEnergySensor])
	require.False(t, sensorTypes[model.DeviceTypeSmartPlug])
	require.False(t, sensorTypes[model.DeviceTypeSmartSwitch])
}
