package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	_ = os.Unsetenv(EnvKeryxEnv)
	_ = os.Unsetenv(EnvNodeEnv)

	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "keryx", cfg.ServerName)
	assert.Equal(t, "server", cfg.Process.Name)
	assert.Len(t, cfg.Process.ID, 36, "process id should be a UUID")
	assert.Equal(t, 30000, cfg.Process.ShutdownTimeoutMs)
	assert.Equal(t, 30*time.Second, cfg.Process.ShutdownTimeout())

	// Web defaults
	assert.True(t, cfg.Web.Enabled)
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "localhost", cfg.Web.Host)
	assert.Equal(t, "/api", cfg.Web.APIRoute)
	assert.Equal(t, []string{"*"}, cfg.Web.AllowedOrigins)
	assert.True(t, cfg.Web.Static.Enabled)
	assert.Equal(t, "assets", cfg.Web.Static.Directory)
	assert.Equal(t, "/", cfg.Web.Static.Route)
	assert.True(t, cfg.Web.Static.ETag)
	assert.Equal(t, 3600, cfg.Web.Static.CacheMaxAge)

	// Session defaults
	assert.Equal(t, 86400, cfg.Session.TTL)
	assert.Equal(t, "__session", cfg.Session.CookieName)

	// Task defaults
	assert.True(t, cfg.Tasks.Enabled)
	assert.Equal(t, 1, cfg.Tasks.Processors)
	assert.Equal(t, 5000, cfg.Tasks.TimeoutMs)
	assert.Equal(t, []string{"*"}, cfg.Tasks.Queues)

	// Rate limit defaults
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 60000, cfg.RateLimit.WindowMs)
	assert.Equal(t, 20, cfg.RateLimit.UnauthenticatedLimit)
	assert.Equal(t, 200, cfg.RateLimit.AuthenticatedLimit)
	assert.Equal(t, "ratelimit", cfg.RateLimit.KeyPrefix)

	// Presence defaults
	assert.Equal(t, 90, cfg.Presence.TTL)
	assert.Equal(t, 30, cfg.Presence.HeartbeatInterval)

	// Development conveniences
	assert.Equal(t, "text", cfg.Logger.Format)
	assert.True(t, cfg.Errors.IncludeStack)
}

// TestDetectEnvironment verifies environment resolution precedence
func TestDetectEnvironment(t *testing.T) {
	t.Run("production via KERYX_ENV", func(t *testing.T) {
		_ = os.Setenv(EnvKeryxEnv, "production")
		defer func() { _ = os.Unsetenv(EnvKeryxEnv) }()

		cfg := DefaultConfig()
		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "json", cfg.Logger.Format)
		assert.False(t, cfg.Errors.IncludeStack)
	})

	t.Run("NODE_ENV honored as fallback", func(t *testing.T) {
		_ = os.Unsetenv(EnvKeryxEnv)
		_ = os.Setenv(EnvNodeEnv, "staging")
		defer func() { _ = os.Unsetenv(EnvNodeEnv) }()

		cfg := DefaultConfig()
		assert.Equal(t, "staging", cfg.Environment)
	})

	t.Run("KERYX_ENV wins over NODE_ENV", func(t *testing.T) {
		_ = os.Setenv(EnvKeryxEnv, "test")
		_ = os.Setenv(EnvNodeEnv, "production")
		defer func() {
			_ = os.Unsetenv(EnvKeryxEnv)
			_ = os.Unsetenv(EnvNodeEnv)
		}()

		cfg := DefaultConfig()
		assert.Equal(t, "test", cfg.Environment)
	})
}

// TestLoadFromEnv verifies plain environment overrides
func TestLoadFromEnv(t *testing.T) {
	vars := map[string]string{
		EnvWebServerPort:             "9090",
		EnvWebServerHost:             "0.0.0.0",
		EnvWebServerAPIRoute:         "/v1",
		EnvWebServerAllowedOrigins:   "https://a.example.com, https://b.example.com",
		EnvSessionTTL:                "3600",
		EnvSessionCookieName:         "sid",
		EnvRedisURL:                  "redis://redis.internal:6379",
		EnvTasksEnabled:              "false",
		EnvTaskProcessors:            "4",
		EnvRateLimitWindowMs:         "1000",
		EnvPresenceTTL:               "10",
		EnvPresenceHeartbeatInterval: "4",
		EnvProcessName:               "api",
	}
	for k, v := range vars {
		_ = os.Setenv(k, v)
	}
	defer func() {
		for k := range vars {
			_ = os.Unsetenv(k)
		}
	}()

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, "0.0.0.0", cfg.Web.Host)
	assert.Equal(t, "/v1", cfg.Web.APIRoute)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Web.AllowedOrigins)
	assert.Equal(t, 3600, cfg.Session.TTL)
	assert.Equal(t, "sid", cfg.Session.CookieName)
	assert.Equal(t, "redis://redis.internal:6379", cfg.Redis.URL)
	assert.False(t, cfg.Tasks.Enabled)
	assert.Equal(t, 4, cfg.Tasks.Processors)
	assert.Equal(t, 1000, cfg.RateLimit.WindowMs)
	assert.Equal(t, 10, cfg.Presence.TTL)
	assert.Equal(t, 4, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, "api", cfg.Process.Name)
}

// TestEnvironmentSuffixOverride verifies the _<environment> suffix rule
func TestEnvironmentSuffixOverride(t *testing.T) {
	_ = os.Setenv(EnvKeryxEnv, "production")
	_ = os.Setenv(EnvWebServerPort, "1111")
	_ = os.Setenv(EnvWebServerPort+"_production", "2222")
	_ = os.Setenv(EnvSessionTTL+"_staging", "1")
	defer func() {
		_ = os.Unsetenv(EnvKeryxEnv)
		_ = os.Unsetenv(EnvWebServerPort)
		_ = os.Unsetenv(EnvWebServerPort + "_production")
		_ = os.Unsetenv(EnvSessionTTL + "_staging")
	}()

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 2222, cfg.Web.Port, "suffixed key must win for the active environment")
	assert.Equal(t, 86400, cfg.Session.TTL, "suffixed keys for other environments are ignored")
}

// TestLoadFromFile verifies the YAML config layer
func TestLoadFromFile(t *testing.T) {
	t.Run("valid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keryx.yaml")
		content := []byte(`
server_name: file-server
web:
  port: 7070
  api_route: /file
session:
  ttl: 120
`)
		require.NoError(t, os.WriteFile(path, content, 0o600))

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromFile(path))

		assert.Equal(t, "file-server", cfg.ServerName)
		assert.Equal(t, 7070, cfg.Web.Port)
		assert.Equal(t, "/file", cfg.Web.APIRoute)
		assert.Equal(t, 120, cfg.Session.TTL)
		// Untouched sections keep their defaults.
		assert.Equal(t, "localhost", cfg.Web.Host)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.LoadFromFile("settings.toml")
		require.Error(t, err)
		te, ok := AsTypedError(err)
		require.True(t, ok)
		assert.Equal(t, KindConfigError, te.Kind)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Equal(t, KindConfigError, KindOf(err))
	})
}

// TestValidate verifies CONFIG_ERROR reporting with the offending key
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Web.Port = -1 },
			wantKey: EnvWebServerPort,
		},
		{
			name:    "api route without slash",
			mutate:  func(c *Config) { c.Web.APIRoute = "api" },
			wantKey: EnvWebServerAPIRoute,
		},
		{
			name:    "zero session ttl",
			mutate:  func(c *Config) { c.Session.TTL = 0 },
			wantKey: EnvSessionTTL,
		},
		{
			name:    "empty cookie name",
			mutate:  func(c *Config) { c.Session.CookieName = "" },
			wantKey: EnvSessionCookieName,
		},
		{
			name:    "zero task processors",
			mutate:  func(c *Config) { c.Tasks.Processors = 0 },
			wantKey: EnvTaskProcessors,
		},
		{
			name:    "heartbeat above ttl",
			mutate:  func(c *Config) { c.Presence.HeartbeatInterval = 90 },
			wantKey: EnvPresenceHeartbeatInterval,
		},
		{
			name:    "missing redis url",
			mutate:  func(c *Config) { c.Redis.URL = "" },
			wantKey: EnvRedisURL,
		},
		{
			name:    "missing process name",
			mutate:  func(c *Config) { c.Process.Name = "" },
			wantKey: EnvProcessName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			te, ok := AsTypedError(err)
			require.True(t, ok, "validation errors must be typed")
			assert.Equal(t, KindConfigError, te.Kind)
			assert.Equal(t, tt.wantKey, te.Key)
		})
	}
}

// TestNewConfigPrecedence verifies option > env > default ordering
func TestNewConfigPrecedence(t *testing.T) {
	_ = os.Setenv(EnvWebServerPort, "9999")
	defer func() { _ = os.Unsetenv(EnvWebServerPort) }()

	cfg, err := NewConfig(WithWebPort(4242))
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.Web.Port, "options override environment")

	cfg, err = NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Web.Port, "environment overrides defaults")
}

// TestOptions verifies selected functional options
func TestOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithProcessName("worker"),
		WithRedisURL("redis://example:6379"),
		WithSessionTTL(60),
		WithPresenceTTL(2),
		WithRateLimit(true, 1000, 5, 50),
		WithTasks(true, 3),
		WithStaticFiles(false, "", ""),
	)
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Process.Name)
	assert.Equal(t, "redis://example:6379", cfg.Redis.URL)
	assert.Equal(t, 60, cfg.Session.TTL)
	assert.Equal(t, 2, cfg.Presence.TTL)
	assert.Equal(t, 1, cfg.Presence.HeartbeatInterval,
		"heartbeat must be pulled under a shrunken presence TTL")
	assert.Equal(t, 1000, cfg.RateLimit.WindowMs)
	assert.Equal(t, 5, cfg.RateLimit.UnauthenticatedLimit)
	assert.Equal(t, 50, cfg.RateLimit.AuthenticatedLimit)
	assert.Equal(t, 3, cfg.Tasks.Processors)
	assert.False(t, cfg.Web.Static.Enabled)
	assert.Equal(t, "assets", cfg.Web.Static.Directory, "empty option arguments keep defaults")
}
