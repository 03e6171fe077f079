package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapkit/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pcapkit.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 2*time.Minute, cfg.Follower.IdleTimeout)
	assert.Equal(t, core.LinkTypeStream, cfg.Follower.LinkType)
	assert.False(t, cfg.Defrag.Enabled)
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
pcapkit:
  pool:
    pool_size: 8
    max_pool_size: 16
    max_buffer_capacity: 2048
    zeroing: true
  follower:
    enabled: true
    max_streams: 100
    idle_timeout: 30s
  defrag:
    enabled: true
    max_frags_per_second: 500
  source:
    type: file
    options:
      path: /tmp/capture.pcap
      filter: "40 0 0 12; 21 0 1 2048; 6 0 0 262144; 6 0 0 0"
  log:
    level: debug
  metrics:
    enabled: true
    listen: "127.0.0.1:9100"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.PoolSize)
	assert.Equal(t, 16, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 2048, cfg.Pool.MaxBufferCapacity)
	assert.True(t, cfg.Pool.Zeroing)
	assert.Equal(t, "frames", cfg.Pool.Name, "unset keys keep their defaults")

	assert.True(t, cfg.Follower.Enabled)
	assert.Equal(t, 100, cfg.Follower.MaxStreams)
	assert.Equal(t, 30*time.Second, cfg.Follower.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Follower.SweepInterval)

	assert.True(t, cfg.Defrag.Enabled)
	assert.Equal(t, 500.0, cfg.Defrag.MaxFragsPerSecond)
	assert.Equal(t, 60*time.Second, cfg.Defrag.Timeout)

	assert.Equal(t, "file", cfg.Source.Type)
	assert.Equal(t, "/tmp/capture.pcap", cfg.Source.Options["path"])

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	stages := cfg.Stages()
	assert.True(t, stages.Follower.Enabled)
	assert.True(t, stages.Defrag.Enabled)
	assert.Equal(t, 256, stages.QueueSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PCAPKIT_LOG_LEVEL", "warn")
	t.Setenv("PCAPKIT_FOLLOWER_IDLE_TIMEOUT", "45s")

	cfg, err := Load(writeConfig(t, "pcapkit:\n  log:\n    level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Follower.IdleTimeout)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "pcapkit:\n  log:\n    level: loud\n"},
		{"pool sizes", "pcapkit:\n  pool:\n    pool_size: 10\n    max_pool_size: 5\n"},
		{"follower", "pcapkit:\n  follower:\n    max_streams: 0\n"},
		{"defrag", "pcapkit:\n  defrag:\n    max_datagram_size: 70000\n"},
		{"source type", "pcapkit:\n  source:\n    type: afpacket\n"},
		{"metrics path", "pcapkit:\n  metrics:\n    enabled: true\n    path: metrics\n"},
		{"log file", "pcapkit:\n  log:\n    file:\n      enabled: true\n      filename: \"\"\n"},
		{"queue", "pcapkit:\n  engine:\n    queue_size: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestValidateCollectsEverySection(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "nope"
	cfg.Pool.MaxPoolSize = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.ErrorIs(t, err, core.ErrArgument)
	assert.Contains(t, err.Error(), "log:")
	assert.Contains(t, err.Error(), "pool:")
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Follower.Enabled = true
	cfg.Follower.IdleTimeout = 90 * time.Second
	cfg.Source.Type = "file"
	cfg.Source.Options = map[string]any{"path": "/data/trace.pcapng"}

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "pcapkit:")
	assert.Contains(t, string(out), "idle_timeout: 1m30s")

	loaded, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
