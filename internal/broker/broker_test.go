package broker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRNG() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func TestNextRotationDelayWithinBounds(t *testing.T) {
	b := &Broker{rot: RotationConfig{MinInterval: 7 * 24 * time.Hour, MaxInterval: 30 * 24 * time.Hour}}
	b.rng = newTestRNG()

	for i := 0; i < 100; i++ {
		d := b.nextRotationDelay()
		require.GreaterOrEqual(t, d, b.rot.MinInterval)
		require.Less(t, d, b.rot.MaxInterval)
	}
}

func TestNextRotationDelayZeroJitterOnEqualBounds(t *testing.T) {
	b := &Broker{rot: RotationConfig{MinInterval: 7 * 24 * time.Hour, MaxInterval: 7 * 24 * time.Hour}}
	b.rng = newTestRNG()

	d := b.nextRotationDelay()
	require.Equal(t, 7*24*time.Hour, d)
}

func TestMtimesChanged(t *testing.T) {
	require.False(t, mtimesChanged([]int64{1, 2, 3}, []int64{1, 2, 3}))
	require.True(t, mtimesChanged([]int64{1, 2, 3}, []int64{1, 2, 4}))
	require.True(t, mtimesChanged([]int64{1, 2}, []int64{1, 2, 3}))
}
