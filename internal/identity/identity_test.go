package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	a := Hash("IOT-2025-0001")
	b := Hash("IOT-2025-0001")
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestHashMatchesSHA256Hex(t *testing.T) {
	sum := sha256.Sum256([]byte("hello"))
	require.Equal(t, hex.EncodeToString(sum[:]), Hash("hello"))
}

func TestHashCompositeIsConcatenationWithPipe(t *testing.T) {
	serial := "IOT-2025-0001"
	mac := "AA:BB:CC:DD:EE:FF"
	require.Equal(t, Hash(serial+"|"+mac), HashComposite(serial, mac))
}

func TestHashCompositeDistinguishesOrderAndSeparator(t *testing.T) {
	require.NotEqual(t, HashComposite("a", "b"), HashComposite("b", "a"))
	require.NotEqual(t, HashComposite("a", "bc"), HashComposite("ab", "c"))
}
