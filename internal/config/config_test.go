package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	require.Equal(t, 100, cfg.Pool.MinSize)
	require.Equal(t, 500, cfg.Pool.MaxSize)
	require.Equal(t, 2000, cfg.Pool.DebounceMs)
	require.Len(t, cfg.Pool.Sources, 3)
	require.Len(t, cfg.Checker.ValidationURLs, 6)
	require.Equal(t, DefaultTargetProbeURL, cfg.Checker.TargetProbeURL)
	require.Equal(t, 3, cfg.Fetcher.MaxRetries)
	require.Equal(t, 200, cfg.Fetcher.BackoffMs)
	require.Equal(t, 20, cfg.Runner.MaxWorkers)
	require.Same(t, cfg, GetGlobal())
}

func TestLoadKeepsFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"pool": {"min_size": 5, "max_size": 10, "sources": [{"url": "http://example.test/list", "type": "html", "enabled": true}]},
		"checker": {"disable_target_probe": true, "scheme": "socks5"},
		"storage": {"type": "sqlite", "path": "x.db"}
	}`))
	require.NoError(t, err)

	require.Equal(t, 5, cfg.Pool.MinSize)
	require.Equal(t, "html", cfg.Pool.Sources[0].Type)
	require.Empty(t, cfg.Checker.TargetProbeURL)
	require.Equal(t, "socks5", cfg.Checker.Scheme)
	require.Equal(t, "sqlite", cfg.Storage.Type)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PFC_CACHE_DIR", "/tmp/pages")
	t.Setenv("PFC_MAX_WORKERS", "7")
	t.Setenv("PFC_POOL_MIN_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/pages", cfg.Fetcher.CacheDir)
	require.Equal(t, 7, cfg.Runner.MaxWorkers)
	require.Equal(t, 100, cfg.Pool.MinSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"max below min":  `{"pool": {"min_size": 10, "max_size": 5}}`,
		"scheme":         `{"checker": {"scheme": "ftp"}}`,
		"storage":        `{"storage": {"type": "mongo"}}`,
		"source type":    `{"pool": {"sources": [{"url": "http://x", "type": "pdf"}]}}`,
		"negative ttl":   `{"pool": {"seen_ttl_seconds": -1}}`,
		"negative pace":  `{"fetcher": {"requests_per_second": -2}}`,
		"broken json":    `{"pool": `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadReplacesGlobalConfig(t *testing.T) {
	first, err := Load(writeConfig(t, `{"runner": {"max_workers": 3}}`))
	require.NoError(t, err)
	second, err := Load(writeConfig(t, `{"runner": {"max_workers": 9}}`))
	require.NoError(t, err)

	require.Same(t, second, GetGlobal())
	require.Equal(t, 3, first.Runner.MaxWorkers)
	require.Equal(t, 9, GetGlobal().Runner.MaxWorkers)
}
