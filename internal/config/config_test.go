package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/switchboard/pkg/types"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		EnvServerAddr, EnvServerPath, EnvLogLevel, EnvLogFormat, EnvLogOutput,
		EnvUpstreamHost, EnvUpstreamTLS, EnvUpstreamDevMode, EnvUpstreamWebSocket,
		EnvUpstreamMetrics, EnvPollInterval, EnvReconnectDelay, EnvStoreDriver,
		EnvStoreDir, EnvRedisAddr, EnvStoreSeed, EnvClientURL, EnvRequestTimeout,
		EnvMaxChannels,
	} {
		if v, ok := os.LookupEnv(env); ok {
			t.Cleanup(func() { os.Setenv(env, v) })
			os.Unsetenv(env)
		}
	}
}

func TestConfigPrecedence(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("defaults are used when nothing else is specified", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
		assert.Equal(t, DefaultServerPath, cfg.Server.Path)
		assert.Equal(t, DefaultPollInterval, cfg.Poller.Interval)
		assert.Equal(t, DefaultReconnectDelay, cfg.Relay.ReconnectDelay)
		assert.Equal(t, DefaultMetricLimit, cfg.Poller.MetricLimit)
		assert.Equal(t, DefaultStoreName, cfg.Store.Name)
		assert.Equal(t, DefaultStoreVersion, cfg.Store.Version)
		assert.Equal(t, DefaultCollections, cfg.Store.Collections)
		assert.Equal(t, DefaultRequestTimeout, cfg.Client.RequestTimeout)
	})

	t.Run("YAML overrides defaults", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(tmpDir, "override.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: 127.0.0.1:9000
poller:
  interval: 500ms
store:
  driver: memory
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
		assert.Equal(t, 500*time.Millisecond, cfg.Poller.Interval)
		assert.Equal(t, "memory", cfg.Store.Driver)
		// untouched sections still get defaults
		assert.Equal(t, DefaultReconnectDelay, cfg.Relay.ReconnectDelay)
	})

	t.Run("environment overrides YAML", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(tmpDir, "env.yaml")
		require.NoError(t, os.WriteFile(path, []byte("poller:\n  interval: 500ms\n"), 0o600))

		t.Setenv(EnvPollInterval, "2s")
		t.Setenv(EnvUpstreamDevMode, "true")
		t.Setenv(EnvStoreDriver, "memory")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.Poller.Interval)
		assert.True(t, cfg.Upstream.DevMode)
		assert.Equal(t, "memory", cfg.Store.Driver)
	})

	t.Run("invalid duration in environment", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")
		t.Setenv(EnvReconnectDelay, "soon")

		_, err := Load("")
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	})
}

func TestUpstreamURLs(t *testing.T) {
	tests := []struct {
		name        string
		upstream    UpstreamConfig
		wantWS      string
		wantMetrics string
	}{
		{
			name:        "dev mode uses dev host over plain transport",
			upstream:    UpstreamConfig{Host: "example.com", TLS: true, DevMode: true, DevHost: "localhost:3000", WebSocketPath: "/ws", MetricsPath: "/metrics"},
			wantWS:      "ws://localhost:3000/ws",
			wantMetrics: "http://localhost:3000/metrics",
		},
		{
			name:        "tls upstream",
			upstream:    UpstreamConfig{Host: "example.com", TLS: true, WebSocketPath: "/ws", MetricsPath: "/metrics"},
			wantWS:      "wss://example.com/ws",
			wantMetrics: "https://example.com/metrics",
		},
		{
			name:        "plain upstream",
			upstream:    UpstreamConfig{Host: "example.com", WebSocketPath: "/ws", MetricsPath: "/metrics"},
			wantWS:      "ws://example.com/ws",
			wantMetrics: "http://example.com/metrics",
		},
		{
			name:        "explicit urls win",
			upstream:    UpstreamConfig{Host: "example.com", DevMode: true, WebSocketURL: "ws://other/socket", MetricsURL: "http://other/m"},
			wantWS:      "ws://other/socket",
			wantMetrics: "http://other/m",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantWS, tt.upstream.ResolveWebSocketURL())
			assert.Equal(t, tt.wantMetrics, tt.upstream.ResolveMetricsURL())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero poll interval", func(c *Config) { c.Poller.Interval = 0 }},
		{"negative metric limit", func(c *Config) { c.Poller.MetricLimit = -1 }},
		{"zero reconnect delay", func(c *Config) { c.Relay.ReconnectDelay = 0 }},
		{"bad reconnect strategy", func(c *Config) { c.Relay.ReconnectStrategy = "random" }},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "indexeddb" }},
		{"redis without addr", func(c *Config) { c.Store.Driver = "redis"; c.Store.RedisAddr = "" }},
		{"empty store name", func(c *Config) { c.Store.Name = "" }},
		{"store version zero", func(c *Config) { c.Store.Version = 0 }},
		{"no collections", func(c *Config) { c.Store.Collections = nil }},
		{"zero request timeout", func(c *Config) { c.Client.RequestTimeout = 0 }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
		})
	}
}

func TestDefaultStoreConfigCopiesCollections(t *testing.T) {
	a := DefaultStoreConfig()
	a.Collections[0] = "mutated"
	b := DefaultStoreConfig()
	assert.Equal(t, "jsonservers", b.Collections[0])
	assert.NotEmpty(t, b.Dir)
}
