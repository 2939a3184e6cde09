package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arthur-debert/pakt/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("DPKG_ADMINDIR", "")
	t.Setenv("DPKG_ROOT", "")
	t.Setenv("DPKG_FORCE", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pakt", cfg.AdminDir)
	assert.Equal(t, "/", cfg.Root)
	assert.Empty(t, cfg.Force)
}

func TestFlagWinsOverEnvironment(t *testing.T) {
	t.Setenv("DPKG_ADMINDIR", "/from/env")

	cfg, err := config.Load("/from/flag")
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.AdminDir)
}

func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("DPKG_ADMINDIR", "/env/admin")
	t.Setenv("DPKG_ROOT", "/env/root")
	t.Setenv("DPKG_FORCE", "confold,overwrite")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/admin", cfg.AdminDir)
	assert.Equal(t, "/env/root", cfg.Root)
	assert.Equal(t, "confold,overwrite", cfg.Force)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pakt.toml"),
		[]byte("force = \"depends\"\nlax-versions = true\n"), 0644))
	t.Setenv("DPKG_FORCE", "")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.AdminDir)
	assert.Equal(t, "depends", cfg.Force)
	assert.True(t, cfg.LaxVersions)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pakt.toml"),
		[]byte("force = \"depends\"\n"), 0644))
	t.Setenv("DPKG_FORCE", "breaks")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "breaks", cfg.Force)
}

func TestPathsDerivation(t *testing.T) {
	cfg := config.Default()
	cfg.AdminDir = "/a"
	cfg.Root = "/r"
	p := cfg.Paths()
	assert.Equal(t, "/a/status", p.StatusFile())
	assert.Equal(t, "/r/usr/bin/x", p.InRoot("/usr/bin/x"))
}
