package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
	require.Equal(t, "127.0.0.1:8888", cfg.Backend.Addr())
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	data := `{
		"backend": {"host": "0.0.0.0", "port": 9999},
		"hotkeys": {"run": "ctrl+alt+x"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Backend.Host)
	require.Equal(t, 9999, cfg.Backend.Port)
	require.Equal(t, "ctrl+alt+x", cfg.Hotkeys.Run)

	// Fields absent from the file keep their defaults.
	require.Equal(t, Defaults().Frontend, cfg.Frontend)
	require.Equal(t, Defaults().Hotkeys.Stop, cfg.Hotkeys.Stop)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"backend": `), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	require.Equal(t, 8888, d.Backend.Port)
	require.Equal(t, 8866, d.Frontend.Port)
	require.Equal(t, 8877, d.FrameworkHub.Port)
	require.NotEmpty(t, d.Hotkeys.Run)
	require.False(t, d.Tracing.Enabled)
}
