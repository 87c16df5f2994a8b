package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{SearchPaths: []string{t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 17*time.Minute, cfg.Sessions.InactivityLimit)
	assert.Equal(t, time.Minute, cfg.Sessions.GCInterval)
	assert.True(t, cfg.Sessions.OrphanSweep)
	assert.Equal(t, "host", cfg.Sandbox.Type)
	assert.Equal(t, "latex", cfg.Compile.TypesetCommand)
	assert.Equal(t, []string{"-interaction=nonstopmode", "document.tex"}, cfg.Compile.TypesetArgs)
	assert.Equal(t, []string{"document"}, cfg.Compile.BibArgs)
	assert.Equal(t, int64(4), cfg.Compile.MaxConcurrent)
	assert.Equal(t, 64<<10, cfg.Compile.MaxLogBytes)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
http:
  addr: 127.0.0.1:9000
sessions:
  inactivity_limit: 5m
sandbox:
  type: docker
  docker:
    container: miktex-container
compile:
  max_concurrent: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bibforge.yaml"), []byte(yaml), 0o644))
	t.Setenv("BIBFORGE_COMPILE_MAX_CONCURRENT", "8")
	t.Setenv("BIBFORGE_COMPILE_PASS_TIMEOUT", "90s")

	cfg, err := Load(Options{SearchPaths: []string{dir}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.InactivityLimit)
	assert.Equal(t, "docker", cfg.Sandbox.Type)
	assert.Equal(t, "miktex-container", cfg.Sandbox.Docker.Container)
	assert.Equal(t, int64(8), cfg.Compile.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.Compile.PassTimeout)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("BIBFORGE_SANDBOX_TYPE", "vm")
	t.Setenv("BIBFORGE_COMPILE_MAX_CONCURRENT", "0")
	_, err := Load(Options{SearchPaths: []string{t.TempDir()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Sandbox.Type")
	assert.Contains(t, err.Error(), "Config.Compile.MaxConcurrent")
}
