package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/buda/internal/config"
	"github.com/spachava753/buda/internal/dataset"
	"github.com/spachava753/buda/internal/schema"
)

func TestResolveConfigPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "manager.yaml")
	require.NoError(t, os.WriteFile(file, []byte("port: 9000\nruntime: docker\nstorage: memory://\nspawn_timeout: 20s\n"), 0644))

	t.Setenv("BUDA_RUNTIME", "apple")
	t.Setenv("BUDA_METRICS_ADDR", ":9400")
	t.Setenv("BUDA_SHUTDOWN_TIMEOUT", "3s")

	flags := newRootCommand().PersistentFlags()
	require.NoError(t, flags.Set("config", file))
	require.NoError(t, flags.Set("runtime", "engine"))
	require.NoError(t, flags.Set("log-format", "json"))

	cfg, err := resolveConfig(flags)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port, "file over default")
	assert.Equal(t, "engine", cfg.Runtime, "flag over env and file")
	assert.Equal(t, ":9400", cfg.MetricsAddr, "env over default")
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 20*time.Second, cfg.SpawnTimeout)
	assert.Equal(t, "/var/run/buda", cfg.Home)
	assert.Equal(t, "2810-2890", cfg.Range)
}

func TestResolveConfigRejectsInvalid(t *testing.T) {
	flags := newRootCommand().PersistentFlags()
	require.NoError(t, flags.Set("range", "10-5"))
	_, err := resolveConfig(flags)
	assert.Error(t, err)

	flags = newRootCommand().PersistentFlags()
	require.NoError(t, flags.Set("config", filepath.Join(t.TempDir(), "missing.toml")))
	_, err = resolveConfig(flags)
	assert.Error(t, err)
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	h, err := newLogHandler(&buf, "warn", "json")
	require.NoError(t, err)
	assert.False(t, h.Enabled(t.Context(), -4))

	_, err = newLogHandler(&buf, "loud", "text")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	schemas, err := schema.New("")
	require.NoError(t, err)

	good := `{"version":"1","metadata":{"title":"t","description":"d","organization":"o"},` +
		`"data":{"format":"csv","storage":{"collection":"readings"},"hotspot":{"type":"tcp"}}}`
	reserved := strings.Replace(good, `"readings"`, `"sys.datasets"`, 1)

	var out bytes.Buffer
	err = validate(&out, schemas, []dataset.Source{
		{Origin: "good.json", JSON: []byte(good)},
		{Origin: "reserved.json", JSON: []byte(reserved)},
	}, "mongodb://localhost:27017/buda")
	assert.ErrorIs(t, err, errInvalidDatasets)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "good.json: ok "), lines[0])
	assert.Contains(t, lines[1], "RESERVED_COLLECTION")
	assert.Contains(t, lines[1], "data.storage.collection")
}

func TestOrchestratorOptionsKeepsCredentials(t *testing.T) {
	cfg := config.DefaultManagerConfig()
	cfg.Storage = "postgres://buda:secret@db:5432/buda"
	assert.Equal(t, cfg.Storage, orchestratorOptions(cfg).StorageHost)
	assert.Equal(t, cfg.ShutdownTimeout, orchestratorOptions(cfg).ShutdownTimeout)

	cfg.Storage = "bolt:///var/lib/buda/registry.db"
	assert.Empty(t, orchestratorOptions(cfg).StorageHost)
}
