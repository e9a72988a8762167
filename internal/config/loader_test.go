package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/switchboard/pkg/types"
)

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		file     string
		content  string
		wantCode string
	}{
		{
			name: "valid config",
			file: "valid.yaml",
			content: `
server:
  addr: ":9090"
  path: /socket
upstream:
  host: example.com
  tls: true
store:
  driver: memory
  collections: [meta, panel]
`,
		},
		{name: "wrong extension", file: "config.json", content: "{}", wantCode: types.ErrCodeInvalidArgument},
		{name: "empty file", file: "empty.yaml", content: "", wantCode: types.ErrCodeInvalid},
		{name: "whitespace only", file: "blank.yml", content: "   \n\t\n", wantCode: types.ErrCodeInvalid},
		{name: "bad syntax", file: "bad.yaml", content: "server: [unclosed", wantCode: types.ErrCodeInvalid},
		{name: "fails validation", file: "invalid.yaml", content: "logging:\n  level: loud\n", wantCode: types.ErrCodeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := LoadFromFile(path)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ":9090", cfg.Server.Addr)
			assert.Equal(t, "/socket", cfg.Server.Path)
			assert.Equal(t, "wss://example.com/ws", cfg.Upstream.ResolveWebSocketURL())
			assert.Equal(t, []string{"meta", "panel"}, cfg.Store.Collections)
		})
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("SB_TEST_HOST", "upstream.internal")
	os.Unsetenv("SB_TEST_UNSET")

	tests := []struct {
		in   string
		want string
	}{
		{"${SB_TEST_HOST}", "upstream.internal"},
		{"${SB_TEST_UNSET:-fallback}", "fallback"},
		{"${SB_TEST_UNSET}", ""},
		{"wss://${SB_TEST_HOST}/ws", "wss://upstream.internal/ws"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, interpolateEnvVars(tt.in), tt.in)
	}
}

func TestLoadFromFileInterpolatesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SB_TEST_REDIS", "redis.internal:6380")
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: redis
  redis_addr: ${SB_TEST_REDIS}
upstream:
  host: ${SB_TEST_UPSTREAM:-fallback.example}
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Store.RedisAddr)
	assert.Equal(t, "fallback.example", cfg.Upstream.Host)
}

func TestReloaderAppliesCallbacks(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "reload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	initial, err := Load(path)
	require.NoError(t, err)

	r := NewReloader(path, initial, nil)
	var seen string
	r.AddCallback(func(_ context.Context, c *Config) error {
		seen = c.Logging.Level
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Reload(ctx))

	assert.Equal(t, "debug", seen)
	assert.Equal(t, "debug", r.GetConfig().Logging.Level)
	assert.Equal(t, ReloadStateIdle, r.State())
}

func TestReloaderKeepsConfigOnFailure(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "reload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))
	initial, err := Load(path)
	require.NoError(t, err)

	r := NewReloader(path, initial, nil)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))

	require.Error(t, r.Reload(context.Background()))
	assert.Same(t, initial, r.GetConfig())

	r.Start()
	r.Stop()
	r.Stop()
	assert.Equal(t, ReloadStateStopped, r.State())
}
