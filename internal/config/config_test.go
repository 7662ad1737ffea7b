package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWhenNothingExists(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load(Options{Environ: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "twin.yaml", `
server:
  addr: ":9000"
  call_timeout: 5s
  rate_limit: 2.5
store:
  driver: redis
  redis_addr: "cache:6379"
log:
  level: debug
`)
	envFile := writeFile(t, dir, "test.env", `
TWIN_SERVER_ADDR=:9100
TWIN_LOG_FORMAT=json
TWIN_STORE_REDIS_DB=3
`)

	cfg, err := Load(Options{
		File:    file,
		EnvFile: envFile,
		Environ: map[string]string{
			"TWIN_SERVER_ADDR": ":9200",
			"UNRELATED":        "x",
		},
	})
	require.NoError(t, err)

	// Environment beats dotenv beats file beats defaults.
	assert.Equal(t, ":9200", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Store.RedisDB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "cache:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.CallTimeout)
	assert.Equal(t, 2.5, cfg.Server.RateLimit)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 30*time.Second, cfg.Client.CallTimeout)
}

func TestLoad_EnvDurations(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(Options{Environ: map[string]string{
		"TWIN_CLIENT_DIAL_TIMEOUT": "250ms",
		"TWIN_CLIENT_URL":          "ws://example:1/ws",
		"TWIN_MANIFEST":            "build/twin.cue",
	}})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.DialTimeout)
	assert.Equal(t, "ws://example:1/ws", cfg.Client.URL)
	assert.Equal(t, "build/twin.cue", cfg.Manifest)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := Load(Options{File: filepath.Join(dir, "missing.yaml"), Environ: map[string]string{}})
	assert.ErrorContains(t, err, "read config")

	_, err = Load(Options{EnvFile: filepath.Join(dir, "missing.env"), Environ: map[string]string{}})
	assert.ErrorContains(t, err, "load env file")

	bad := writeFile(t, dir, "bad.yaml", "server: [")
	_, err = Load(Options{File: bad, Environ: map[string]string{}})
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(Options{Environ: map[string]string{"TWIN_SERVER_RATE_BURST": "lots"}})
	assert.ErrorContains(t, err, "parse env")

	_, err = Load(Options{Environ: map[string]string{"TWIN_STORE_DRIVER": "postgres"}})
	assert.ErrorContains(t, err, `invalid store.driver "postgres"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path is required"},
		{"redis without addr", func(c *Config) { c.Store.Driver = DriverRedis; c.Store.RedisAddr = "" }, "store.redis_addr is required"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "invalid log.format"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "invalid log.level"},
		{"negative rate", func(c *Config) { c.Server.RateLimit = -1 }, "must not be negative"},
		{"zero timeout", func(c *Config) { c.Client.CallTimeout = 0 }, "call_timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	memory := Default()
	memory.Store.Driver = DriverMemory
	memory.Store.Path = ""
	assert.NoError(t, memory.Validate())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: FormatJSON}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "info", Format: FormatJSON}.NewLogger(&buf).Info("shown", "key", "value")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"key":"value"`)

	buf.Reset()
	LogConfig{Level: "info", Format: FormatText}.NewLogger(&buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	buf.Reset()
	LogConfig{Level: "info", Format: FormatTint}.NewLogger(&buf).Info("pretty")
	assert.Contains(t, buf.String(), "pretty")
}
