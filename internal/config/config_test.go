package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.DefaultFrequency)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Snapshot.Gitignore)
	assert.Equal(t, os.Getenv(HomeEnv), cfg.Home)
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
home: /var/lib/tabasco
frequency: 30s
snapshot:
  ignore: ["*.log", "tmp/"]
storage:
  cache_size: 10
`)
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tabasco", cfg.Home)
	assert.Equal(t, 30*time.Second, cfg.DefaultFrequency)
	assert.Equal(t, []string{"*.log", "tmp/"}, cfg.Snapshot.Ignore)
	assert.Equal(t, 10, cfg.Storage.CacheSize)
	assert.Equal(t, 4, cfg.Snapshot.Workers)
	assert.Equal(t, "/var/lib/tabasco/db", cfg.DBDir())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frequency: [nope"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.DefaultFrequency = time.Minute
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, loaded.DefaultFrequency)
}
