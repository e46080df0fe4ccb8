package tlsconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hearthwire/sentryhub/internal/tlsconfig"
)

func TestMtimesReadsAllFourFiles(t *testing.T) {
	dir := t.TempDir()
	paths := tlsconfig.Paths{
		KeyStoreFile:           filepath.Join(dir, "keystore.p12"),
		KeyStorePasswordFile:   filepath.Join(dir, "keystore.pass"),
		TrustStoreFile:         filepath.Join(dir, "truststore.p12"),
		TrustStorePasswordFile: filepath.Join(dir, "truststore.pass"),
	}
	for _, p := range paths.All() {
		require.NoError(t, os.WriteFile(p, []byte("placeholder"), 0600))
	}

	mtimes, err := tlsconfig.Mtimes(paths)
	require.NoError(t, err)
	require.Len(t, mtimes, 4)
}

func TestMtimesFailsOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	paths := tlsconfig.Paths{
		KeyStoreFile:           filepath.Join(dir, "missing.p12"),
		KeyStorePasswordFile:   filepath.Join(dir, "missing.pass"),
		TrustStoreFile:         filepath.Join(dir, "missing2.p12"),
		TrustStorePasswordFile: filepath.Join(dir, "missing2.pass"),
	}
	_, err := tlsconfig.Mtimes(paths)
	require.Error(t, err)
}

func TestBuildFailsOnUnreadableKeyStore(t *testing.T) {
	dir := t.TempDir()
	paths := tlsconfig.Paths{
		KeyStoreFile:           filepath.Join(dir, "missing.p12"),
		KeyStorePasswordFile:   filepath.Join(dir, "pass.txt"),
		TrustStoreFile:         filepath.Join(dir, "missing2.p12"),
		TrustStorePasswordFile: filepath.Join(dir, "pass2.txt"),
	}
	require.NoError(t, os.WriteFile(paths.KeyStorePasswordFile, []byte("secret"), 0600))
	require.NoError(t, os.WriteFile(paths.TrustStorePasswordFile, []byte("secret"), 0600))

	_, err := tlsconfig.Build(paths)
	require.Error(t, err)
}
