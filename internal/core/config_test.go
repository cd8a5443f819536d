package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "batchkit")
	require.NoError(t, os.MkdirAll(cfgDir, 0700))
	path := filepath.Join(cfgDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("XDG_CONFIG_HOME", dir)
	return path
}

func TestLoadConfigResolvesXDGPath(t *testing.T) {
	writeConfig(t, `
backends:
  default: cloud
  cloud:
    endpoint: https://batch.example.com
defaults:
  retries: 2
`)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "cloud", cfg.Backends.Default)
	require.Equal(t, "https://batch.example.com", cfg.Backends.Cloud.Endpoint)
	require.Equal(t, 2, cfg.Defaults.Retries)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "backends: {}\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Backends.Default)
	require.Equal(t, 22, cfg.Defaults.SSHPort)
	require.Equal(t, 5, cfg.Defaults.PollSeconds)
	require.Equal(t, 60, cfg.Defaults.MonitorMinutes)
}

func TestLoadConfigMergesSecretsEnv(t *testing.T) {
	path := writeConfig(t, "backends:\n  default: cloud\n")
	secrets := filepath.Join(filepath.Dir(path), "secrets.env")
	require.NoError(t, os.WriteFile(secrets, []byte("# comment\nBATCH_TOKEN=s3cret\nSTORAGE_ACCESS_KEY = minio\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Backends.Cloud.Token)
	require.Equal(t, "minio", cfg.Storage.AccessKey)
}

func TestLoadConfigEnvOverridesSecretsFile(t *testing.T) {
	path := writeConfig(t, "backends:\n  default: cloud\n")
	secrets := filepath.Join(filepath.Dir(path), "secrets.env")
	require.NoError(t, os.WriteFile(secrets, []byte("BATCH_TOKEN=from-file\n"), 0600))
	t.Setenv("BATCH_TOKEN", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Backends.Cloud.Token)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := LoadConfig("")
	require.Error(t, err)
}

func TestLoadSecretsEnvShellStyleLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"export BATCH_TOKEN=\"quoted value\"\nSTORAGE_SECRET_KEY='s3cret'\nno-equals-line\n"), 0600))

	out, err := LoadSecretsEnv(path)
	require.NoError(t, err)
	require.Equal(t, "quoted value", out["BATCH_TOKEN"])
	require.Equal(t, "s3cret", out["STORAGE_SECRET_KEY"])
	require.Len(t, out, 2)
}

func TestLoadSecretsEnvMissingFileIsEmpty(t *testing.T) {
	out, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "nope.env"))
	require.NoError(t, err)
	require.Empty(t, out)
}
