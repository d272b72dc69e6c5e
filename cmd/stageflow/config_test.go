package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, backendRedis, cfg.StoreBackend)
	require.Equal(t, time.Hour, cfg.SessionTTL)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 5*time.Minute, cfg.StreamTimeout)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stageflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
storeBackend: mongo
mongoDatabase: runs
sessionTTL: 30m
pollInterval: 1s
streamBurst: 7
`), 0o600))
	t.Setenv("STAGEFLOW_ADDR", ":9100")
	t.Setenv("STREAM_TIMEOUT", "90s")
	t.Setenv("STREAM_BURST", "not-a-number")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Addr)
	require.Equal(t, backendMongo, cfg.StoreBackend)
	require.Equal(t, "runs", cfg.MongoDatabase)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, 90*time.Second, cfg.StreamTimeout)
	require.Equal(t, 7, cfg.StreamBurst, "unparsable overrides keep the file value")
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"backend":      {"STORE_BACKEND": "sqlite"},
		"ttl":          {"SESSION_TTL": "-1s"},
		"rate":         {"STREAM_RATE": "0"},
		"pulse memory": {"STORE_BACKEND": "memory", "PULSE_MIRROR": "true"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := loadConfig("")
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
