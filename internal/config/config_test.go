package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/maf/internal/store"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, store.BackendDurable, cfg.Backend)
	assert.Equal(t, []store.Backend{store.BackendFile, store.BackendMemory}, cfg.Fallback)
	require.NoError(t, validate(cfg))
}

func TestLoadWithNoConfigDirReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().StorePath, cfg.StorePath)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maf.yaml"), []byte(
		"backend: file\nstore_path: /tmp/maf-test\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, store.BackendFile, cfg.Backend)
	assert.Equal(t, "/tmp/maf-test", cfg.StorePath)
	// Fields not set in the file keep their built-in default.
	assert.Equal(t, Defaults().HeartbeatWindow, cfg.HeartbeatWindow)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maf.yaml"), []byte("backend: file\n"), 0o644))
	t.Setenv("MAF_BACKEND", "memory")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, store.BackendMemory, cfg.Backend)
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MAF_BACKEND", "not-a-backend")

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maf.yaml"), []byte("backend: [unterminated\n"), 0o644))

	_, err := Load(dir)
	require.ErrorIs(t, err, ErrInvalidYAML)
}

func TestOverrideActiveReadsConfiguredSignal(t *testing.T) {
	cfg := Defaults()
	cfg.OverrideSignal = "MY_OVERRIDE"

	assert.False(t, cfg.OverrideActive())

	t.Setenv("MY_OVERRIDE", "true")
	assert.True(t, cfg.OverrideActive())

	t.Setenv("MY_OVERRIDE", "false")
	assert.False(t, cfg.OverrideActive())

	t.Setenv("MY_OVERRIDE", "anything")
	assert.True(t, cfg.OverrideActive())
}

func TestDefaultLeaseDurationEnvOverride(t *testing.T) {
	t.Setenv("MAF_DEFAULT_LEASE_DURATION", "90s")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.DefaultLeaseDuration)
}
