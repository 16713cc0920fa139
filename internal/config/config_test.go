package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.AutoExportInterval)
	assert.Equal(t, 1000, cfg.RingBufferCapacity)
	assert.Equal(t, 5000, cfg.DefaultGraceMS)
	assert.Equal(t, "os", cfg.Spawner)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "snapshot.yaml"), cfg.ImportFile)
	assert.Equal(t, filepath.Join(cfg.DataDir, "snapshot.yaml"), cfg.ExportFile)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_LOG_LEVEL", "debug")
	t.Setenv("KESTREL_LOG_FORMAT", "json")
	t.Setenv("KESTREL_AUTO_EXPORT_INTERVAL", "15")

	t.Setenv("KESTREL_SPAWNER", "container")
	t.Setenv("KESTREL_CONTAINER_IMAGE", "debian:stable-slim")

	dataDir := t.TempDir()
	t.Setenv("KESTREL_DATA_DIR", dataDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 15, cfg.AutoExportInterval)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "container", cfg.Spawner)
	assert.Equal(t, "debian:stable-slim", cfg.ContainerImage)
}

func TestLoad_ImportExportOverride(t *testing.T) {
	importPath := filepath.Join(t.TempDir(), "custom-import.yaml")
	exportPath := filepath.Join(t.TempDir(), "custom-export.yaml")
	t.Setenv("KESTREL_IMPORT_FILE", importPath)
	t.Setenv("KESTREL_EXPORT_FILE", exportPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, importPath, cfg.ImportFile)
	assert.Equal(t, exportPath, cfg.ExportFile)
}

func TestConfig_AutoStartFileAndLogDir(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/kestrel-test"}
	assert.Equal(t, "/tmp/kestrel-test/auto_start.yaml", cfg.AutoStartFile())
	assert.Equal(t, "/tmp/kestrel-test/logs", cfg.LogDir())
}
