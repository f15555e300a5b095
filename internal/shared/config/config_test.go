package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/shared/types"
)

const sampleIni = `
[common]
engine_path = /opt/xray/xray
engine_args = run -config {config}

[tester]
timeout = 8s
max_success = 20

[ports]
base = 30000
size = 16

[security]
ip_blacklist = 10.0.0.0/8, 1.2.3.4
`

func TestLoadIniKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tester.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleIni), 0o644))

	cfg := Default()
	require.NoError(t, LoadIni(cfg, path))

	assert.Equal(t, "/opt/xray/xray", cfg.CommonConf.EnginePath)
	assert.Equal(t, "run -config {config}", cfg.CommonConf.EngineArgs)
	assert.Equal(t, 8*time.Second, cfg.TesterConf.Timeout)
	assert.Equal(t, 20, cfg.TesterConf.MaxSuccess)
	assert.Equal(t, 30000, cfg.PortsConf.Base)
	assert.Equal(t, 16, cfg.PortsConf.Size)
	assert.Equal(t, []string{"10.0.0.0/8", "1.2.3.4"}, cfg.SecurityConf.IPBlacklist)
	// 未出现的键保持默认值
	assert.Equal(t, 3, cfg.BlacklistConf.Threshold)
	assert.Equal(t, "socks", cfg.CommonConf.Inbound)
	assert.Equal(t, 64, cfg.AdaptiveConf.Ceiling)
	assert.Equal(t, "ytcfg", cfg.ProbeConf.BypassMarker)
	assert.NotEmpty(t, cfg.ProbeConf.NetworkCheckURLs)
	assert.False(t, cfg.TesterConf.SNIFallback)
	assert.Contains(t, cfg.TesterConf.SNIPool, "www.speedtest.net")
}

func TestLoadIniEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tester.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleIni), 0o644))
	t.Setenv("ENGINE_PATH", "/usr/local/bin/xray")
	t.Setenv("TESTER_WEB_PORT", "8090")

	cfg := Default()
	require.NoError(t, LoadIni(cfg, path))
	assert.Equal(t, "/usr/local/bin/xray", cfg.CommonConf.EnginePath)
	assert.Equal(t, 8090, cfg.WebConf.Port)
}

func TestLoadIniMissingFile(t *testing.T) {
	err := LoadIni(Default(), filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}

func TestSourcesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")

	profiles, err := LoadSources(path)
	require.NoError(t, err)
	assert.Empty(t, profiles)

	want := []*types.SourceProfile{
		{Name: "sub", URL: "https://example.com/sub", Kind: "subscription"},
		{Name: "local", URL: "nodes.txt", Kind: "file"},
	}
	require.NoError(t, SaveSources(path, want))
	got, err := LoadSources(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = LoadSources(path)
	assert.Error(t, err)
}
