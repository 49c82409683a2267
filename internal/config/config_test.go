package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/netscan")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 64, cfg.ProbeConcurrency)
	assert.Equal(t, 5, cfg.ClassificationHistory)
	assert.Equal(t, 6*time.Hour, cfg.FeedSyncInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.HostStaleAfter)
	assert.Zero(t, cfg.ScanTimeout)
	assert.Nil(t, cfg.ScanPorts)
	assert.False(t, cfg.S3UseSSL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/netscan")
	t.Setenv("SCAN_PORTS", "22, 80,443")
	t.Setenv("SCAN_TIMEOUT", "15m")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("PROBE_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80, 443}, cfg.ScanPorts)
	assert.Equal(t, 15*time.Minute, cfg.ScanTimeout)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, 64, cfg.ProbeConcurrency)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing database": {},
		"bad duration":     {"DATABASE_URL": "x", "HOST_TIMEOUT": "soon"},
		"bad port":         {"DATABASE_URL": "x", "SCAN_PORTS": "22,70000"},
		"bucket required":  {"DATABASE_URL": "x", "S3_ENDPOINT": "minio:9000"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
