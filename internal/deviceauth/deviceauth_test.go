package deviceauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyClientID(t *testing.T) {
	require.Equal(t, ClassController, ClassifyClientID("controller-cmd"))
	require.Equal(t, ClassAdmin, ClassifyClientID("ADMIN_ops"))
	require.Equal(t, ClassDevice, ClassifyClientID("IOT0001AABBCC"))
	require.Equal(t, ClassUnauthenticated, ClassifyClientID("anything-else"))
}

func TestParseDeviceClientID(t *testing.T) {
	tail, mac, err := ParseDeviceClientID("IOT0001AABBCC")
	require.NoError(t, err)
	require.Equal(t, "0001", tail)
	require.Equal(t, "AABBCC", mac)
	require.Equal(t, "IOT-2025-0001", NominalSerial(tail))
}

func TestParseDeviceClientIDWithAuxiliarySuffix(t *testing.T) {
	tail, mac, err := ParseDeviceClientID("IOT0001AABBCC-aux2")
	require.NoError(t, err)
	require.Equal(t, "0001", tail)
	require.Equal(t, "AABBCC", mac)
}

func TestParseDeviceClientIDTooShort(t *testing.T) {
	_, _, err := ParseDeviceClientID("IOT001")
	require.ErrorIs(t, err, ErrClientIDTooShort)
}

func TestParseDeviceClientIDNotADevice(t *testing.T) {
	_, _, err := ParseDeviceClientID("ADMIN_x")
	require.ErrorIs(t, err, ErrNotADevice)
}

func TestSerialTail(t *testing.T) {
	require.Equal(t, "0001", SerialTail("IOT-2025-0001"))
	require.Equal(t, "ab", SerialTail("ab"))
}

func TestDecideCloneSamePeerReconnects(t *testing.T) {
	d := DecideClone(true, true)
	require.True(t, d.AcceptNew)
	require.True(t, d.CloseExisting)
	require.False(t, d.BlockDevice)

	d2 := DecideClone(false, true)
	require.Equal(t, d.AlertType, d2.AlertType)
}

func TestDecideCloneCriticalDifferentPeerRejectsNew(t *testing.T) {
	d := DecideClone(true, false)
	require.False(t, d.AcceptNew)
	require.False(t, d.CloseExisting)
	require.False(t, d.BlockDevice)
}

func TestDecideCloneNonCriticalDifferentPeerBlocksDevice(t *testing.T) {
	d := DecideClone(false, false)
	require.False(t, d.AcceptNew)
	require.True(t, d.CloseExisting)
	require.True(t, d.BlockDevice)
}
