package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedTempDir_DefaultsToOSTempDir(t *testing.T) {
	var cfg Config
	require.Equal(t, os.TempDir(), cfg.ResolvedTempDir())
}

func TestResolvedTempDir_UsesConfiguredValue(t *testing.T) {
	cfg := Config{TempDir: " /tmp/custom-dir "}
	require.Equal(t, "/tmp/custom-dir", cfg.ResolvedTempDir())
}

func TestSigningKeys_Empty(t *testing.T) {
	var cfg Config
	require.Nil(t, cfg.SigningKeys())
}

func TestSigningKeys_SplitsAndTrims(t *testing.T) {
	cfg := Config{AttachmentSigningKeys: "primary, legacy-1 ,,legacy-2"}
	keys := cfg.SigningKeys()
	require.Len(t, keys, 3)
	require.Equal(t, []byte("primary"), keys[0])
	require.Equal(t, []byte("legacy-1"), keys[1])
	require.Equal(t, []byte("legacy-2"), keys[2])
}
