package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a keryx process. It supports four-layer
// configuration priority:
//  1. Default values (lowest priority)
//  2. Optional YAML file named by KERYX_CONFIG_FILE
//  3. Environment variables, each with a _<environment> suffixed override
//  4. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithProcessName("api"),
//	    core.WithRedisURL("redis://localhost:6379"),
//	    core.WithWebPort(8080),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Environment is the running environment name (development, test,
	// production, ...). Resolved from KERYX_ENV, then NODE_ENV.
	Environment string `yaml:"environment"`

	// ServerName is emitted as the X-SERVER-NAME response header and used
	// as the telemetry service name.
	ServerName string `yaml:"server_name" env:"SERVER_NAME" default:"keryx"`

	Process   ProcessConfig   `yaml:"process"`
	Logger    LoggerConfig    `yaml:"logger"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Web       WebConfig       `yaml:"web"`
	Session   SessionConfig   `yaml:"session"`
	Tasks     TasksConfig     `yaml:"tasks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Presence  PresenceConfig  `yaml:"presence"`
	Errors    ErrorsConfig    `yaml:"errors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProcessConfig identifies this process and bounds its shutdown.
type ProcessConfig struct {
	// Name groups processes into a cluster: the pub/sub channel and
	// scheduler lock are derived from it.
	Name string `yaml:"name" env:"PROCESS_NAME" default:"server"`

	// ID is unique per process. Generated at startup, never configured.
	ID string `yaml:"-"`

	// ShutdownTimeoutMs bounds the reverse-priority stop sequence.
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms" env:"PROCESS_SHUTDOWN_TIMEOUT" default:"30000"`
}

// ShutdownTimeout returns the stop budget as a duration.
func (p ProcessConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutMs) * time.Millisecond
}

// LoggerConfig controls the production logger.
type LoggerConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"json"`
	Output string `yaml:"output" default:"stderr"`

	// Flood control for error-level lines.
	ErrorBurst      int `yaml:"error_burst" default:"10"`
	ErrorIntervalMs int `yaml:"error_interval_ms" default:"1000"`
}

// RedisConfig locates the Redis backing store. One URL serves both the
// command client and the dedicated subscriber connection.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL" default:"redis://localhost:6379"`

	// Pool tuning for the command client.
	PoolSize     int `yaml:"pool_size" default:"10"`
	MinIdleConns int `yaml:"min_idle_conns" default:"2"`
}

// DatabaseConfig carries the connection string for the external persistence
// collaborator. The framework never opens it; applications do.
type DatabaseConfig struct {
	URL string `yaml:"url" env:"DATABASE_URL"`
}

// WebConfig controls the HTTP/WebSocket server.
type WebConfig struct {
	Enabled        bool     `yaml:"enabled" default:"true"`
	Port           int      `yaml:"port" env:"WEB_SERVER_PORT" default:"8080"`
	Host           string   `yaml:"host" env:"WEB_SERVER_HOST" default:"localhost"`
	APIRoute       string   `yaml:"api_route" env:"WEB_SERVER_API_ROUTE" default:"/api"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"WEB_SERVER_ALLOWED_ORIGINS" default:"*"`

	Static StaticConfig `yaml:"static"`

	// Correlation id echo. Never generated, only reflected when trusted.
	CorrelationHeader     string `yaml:"correlation_header" env:"CORRELATION_HEADER" default:"X-Request-Id"`
	CorrelationTrustProxy bool   `yaml:"correlation_trust_proxy" env:"CORRELATION_TRUST_PROXY" default:"false"`

	// Server timeouts.
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"30s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" default:"120s"`
}

// StaticConfig controls static file serving.
type StaticConfig struct {
	Enabled     bool   `yaml:"enabled" env:"WEB_SERVER_STATIC_ENABLED" default:"true"`
	Directory   string `yaml:"directory" env:"WEB_SERVER_STATIC_DIRECTORY" default:"assets"`
	Route       string `yaml:"route" env:"WEB_SERVER_STATIC_ROUTE" default:"/"`
	ETag        bool   `yaml:"etag" default:"true"`
	CacheMaxAge int    `yaml:"cache_max_age" default:"3600"` // seconds
}

// SessionConfig controls the Redis session store and its cookie.
type SessionConfig struct {
	TTL        int    `yaml:"ttl" env:"SESSION_TTL" default:"86400"` // seconds
	CookieName string `yaml:"cookie_name" env:"SESSION_COOKIE_NAME" default:"__session"`
}

// TTLDuration returns the session TTL as a duration.
func (s SessionConfig) TTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// TasksConfig controls the background job runtime.
type TasksConfig struct {
	Enabled    bool `yaml:"enabled" env:"TASKS_ENABLED" default:"true"`
	Processors int  `yaml:"processors" env:"TASK_PROCESSORS" default:"1"`
	TimeoutMs  int  `yaml:"timeout_ms" env:"TASK_TIMEOUT" default:"5000"`

	// Queues drained by the workers, in priority order. The literal "*"
	// expands to every known queue.
	Queues []string `yaml:"queues" env:"TASK_QUEUES" default:"*"`

	SchedulerIntervalMs int `yaml:"scheduler_interval_ms" env:"TASK_SCHEDULER_INTERVAL" default:"5000"`
	MaxEventLoopDelayMs int `yaml:"max_event_loop_delay_ms" env:"TASK_MAX_EVENT_LOOP_DELAY" default:"5"`
}

// Timeout returns the per-job execution budget.
func (t TasksConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// SchedulerInterval returns the delayed-queue polling period.
func (t TasksConfig) SchedulerInterval() time.Duration {
	return time.Duration(t.SchedulerIntervalMs) * time.Millisecond
}

// RateLimitConfig controls the fixed-window dispatch rate limiter.
type RateLimitConfig struct {
	Enabled              bool   `yaml:"enabled" env:"RATE_LIMIT_ENABLED" default:"true"`
	WindowMs             int    `yaml:"window_ms" env:"RATE_LIMIT_WINDOW_MS" default:"60000"`
	UnauthenticatedLimit int    `yaml:"unauthenticated_limit" env:"RATE_LIMIT_UNAUTH_LIMIT" default:"20"`
	AuthenticatedLimit   int    `yaml:"authenticated_limit" env:"RATE_LIMIT_AUTH_LIMIT" default:"200"`
	KeyPrefix            string `yaml:"key_prefix" env:"RATE_LIMIT_KEY_PREFIX" default:"ratelimit"`
}

// PresenceConfig controls presence TTLs and the heartbeat that refreshes
// them. Both values are in seconds; the heartbeat must stay below the TTL or
// live keys would expire between refreshes.
type PresenceConfig struct {
	TTL               int `yaml:"ttl" env:"PRESENCE_TTL" default:"90"`
	HeartbeatInterval int `yaml:"heartbeat_interval" env:"PRESENCE_HEARTBEAT_INTERVAL" default:"30"`
}

// TTLDuration returns the presence TTL as a duration.
func (p PresenceConfig) TTLDuration() time.Duration {
	return time.Duration(p.TTL) * time.Second
}

// HeartbeatDuration returns the heartbeat period as a duration.
func (p PresenceConfig) HeartbeatDuration() time.Duration {
	return time.Duration(p.HeartbeatInterval) * time.Second
}

// ErrorsConfig controls error serialization.
type ErrorsConfig struct {
	// IncludeStack attaches captured stacks to error envelopes. Keep off
	// outside development.
	IncludeStack bool `yaml:"include_stack" env:"ERRORS_INCLUDE_STACK" default:"false"`
}

// TelemetryConfig controls the OpenTelemetry integration.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TELEMETRY_ENABLED" default:"false"`
	Endpoint string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Option mutates a Config during NewConfig. Options run last and therefore
// override both the file and the environment.
type Option func(*Config) error

// DefaultConfig returns the framework defaults, adjusted for the detected
// environment.
func DefaultConfig() *Config {
	cfg := &Config{
		Environment: DefaultEnvironment,
		ServerName:  "keryx",
		Process: ProcessConfig{
			Name:              "server",
			ID:                uuid.New().String(),
			ShutdownTimeoutMs: 30000,
		},
		Logger: LoggerConfig{
			Level:           "info",
			Format:          "json",
			Output:          "stderr",
			ErrorBurst:      10,
			ErrorIntervalMs: 1000,
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Web: WebConfig{
			Enabled:               true,
			Port:                  8080,
			Host:                  "localhost",
			APIRoute:              "/api",
			AllowedOrigins:        []string{"*"},
			CorrelationHeader:     "X-Request-Id",
			CorrelationTrustProxy: false,
			ReadTimeout:           30 * time.Second,
			WriteTimeout:          30 * time.Second,
			IdleTimeout:           120 * time.Second,
			Static: StaticConfig{
				Enabled:     true,
				Directory:   "assets",
				Route:       "/",
				ETag:        true,
				CacheMaxAge: 3600,
			},
		},
		Session: SessionConfig{
			TTL:        86400,
			CookieName: "__session",
		},
		Tasks: TasksConfig{
			Enabled:             true,
			Processors:          1,
			TimeoutMs:           5000,
			Queues:              []string{"*"},
			SchedulerIntervalMs: 5000,
			MaxEventLoopDelayMs: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:              true,
			WindowMs:             60000,
			UnauthenticatedLimit: 20,
			AuthenticatedLimit:   200,
			KeyPrefix:            "ratelimit",
		},
		Presence: PresenceConfig{
			TTL:               90,
			HeartbeatInterval: 30,
		},
		Errors: ErrorsConfig{
			IncludeStack: false,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment resolves the environment name and adjusts defaults.
// Development gets human-readable logs and stacks in error envelopes;
// everything else keeps the JSON defaults.
func (c *Config) DetectEnvironment() {
	env := os.Getenv(EnvKeryxEnv)
	if env == "" {
		env = os.Getenv(EnvNodeEnv)
	}
	if env == "" {
		env = DefaultEnvironment
	}
	c.Environment = env

	if env == DefaultEnvironment {
		c.Logger.Format = "text"
		c.Errors.IncludeStack = true
	}
}

// lookupEnv resolves key honoring the _<environment> suffix override:
// WEB_SERVER_PORT_production beats WEB_SERVER_PORT when Environment is
// production.
func (c *Config) lookupEnv(key string) string {
	if v := os.Getenv(key + "_" + c.Environment); v != "" {
		return v
	}
	return os.Getenv(key)
}

// LoadFromEnv loads configuration from environment variables. Environment
// variables take precedence over defaults and the config file but are
// overridden by functional options. Unparseable numeric values are ignored
// in favor of the current value.
func (c *Config) LoadFromEnv() error {
	// Process
	if v := c.lookupEnv(EnvProcessName); v != "" {
		c.Process.Name = v
	}
	if v := c.lookupEnv(EnvProcessShutdownTimeout); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Process.ShutdownTimeoutMs = ms
		}
	}

	// Logger
	if v := c.lookupEnv(EnvLogLevel); v != "" {
		c.Logger.Level = v
	}
	if v := c.lookupEnv(EnvLogFormat); v != "" {
		c.Logger.Format = v
	}
	if v := c.lookupEnv(EnvServerName); v != "" {
		c.ServerName = v
	}

	// Redis / database
	if v := c.lookupEnv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := c.lookupEnv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}

	// Web server
	if v := c.lookupEnv(EnvWebServerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Web.Port = port
		}
	}
	if v := c.lookupEnv(EnvWebServerHost); v != "" {
		c.Web.Host = v
	}
	if v := c.lookupEnv(EnvWebServerAPIRoute); v != "" {
		c.Web.APIRoute = v
	}
	if v := c.lookupEnv(EnvWebServerAllowedOrigins); v != "" {
		c.Web.AllowedOrigins = parseStringList(v)
	}
	if v := c.lookupEnv(EnvWebServerStaticEnabled); v != "" {
		c.Web.Static.Enabled = parseBool(v)
	}
	if v := c.lookupEnv(EnvWebServerStaticDir); v != "" {
		c.Web.Static.Directory = v
	}
	if v := c.lookupEnv(EnvWebServerStaticRoute); v != "" {
		c.Web.Static.Route = v
	}
	if v := c.lookupEnv(EnvCorrelationHeader); v != "" {
		c.Web.CorrelationHeader = v
	}
	if v := c.lookupEnv(EnvCorrelationTrustProxy); v != "" {
		c.Web.CorrelationTrustProxy = parseBool(v)
	}

	// Session
	if v := c.lookupEnv(EnvSessionTTL); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Session.TTL = ttl
		}
	}
	if v := c.lookupEnv(EnvSessionCookieName); v != "" {
		c.Session.CookieName = v
	}

	// Tasks
	if v := c.lookupEnv(EnvTasksEnabled); v != "" {
		c.Tasks.Enabled = parseBool(v)
	}
	if v := c.lookupEnv(EnvTaskProcessors); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tasks.Processors = n
		}
	}
	if v := c.lookupEnv(EnvTaskTimeout); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Tasks.TimeoutMs = ms
		}
	}
	if v := c.lookupEnv(EnvTaskQueues); v != "" {
		c.Tasks.Queues = parseStringList(v)
	}
	if v := c.lookupEnv(EnvTaskSchedulerInterval); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Tasks.SchedulerIntervalMs = ms
		}
	}
	if v := c.lookupEnv(EnvTaskMaxEventLoopDelay); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Tasks.MaxEventLoopDelayMs = ms
		}
	}

	// Rate limiter
	if v := c.lookupEnv(EnvRateLimitEnabled); v != "" {
		c.RateLimit.Enabled = parseBool(v)
	}
	if v := c.lookupEnv(EnvRateLimitWindowMs); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.RateLimit.WindowMs = ms
		}
	}
	if v := c.lookupEnv(EnvRateLimitUnauth); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.UnauthenticatedLimit = n
		}
	}
	if v := c.lookupEnv(EnvRateLimitAuth); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.AuthenticatedLimit = n
		}
	}
	if v := c.lookupEnv(EnvRateLimitKeyPrefix); v != "" {
		c.RateLimit.KeyPrefix = v
	}

	// Presence
	if v := c.lookupEnv(EnvPresenceTTL); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Presence.TTL = secs
		}
	}
	if v := c.lookupEnv(EnvPresenceHeartbeatInterval); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Presence.HeartbeatInterval = secs
		}
	}

	// Errors / telemetry
	if v := c.lookupEnv(EnvErrorsIncludeStack); v != "" {
		c.Errors.IncludeStack = parseBool(v)
	}
	if v := c.lookupEnv(EnvTelemetryEnabled); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := c.lookupEnv(EnvOTLPEndpoint); v != "" {
		c.Telemetry.Endpoint = v
	}

	return nil
}

// LoadFromFile merges settings from a YAML (or JSON, which YAML subsumes)
// file into the config. File values override defaults and are overridden by
// environment variables and options.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return &TypedError{
			Kind:    KindConfigError,
			Message: fmt.Sprintf("unsupported config file extension %q", ext),
			Key:     EnvConfigFile,
		}
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return WrapError(KindConfigError, "failed to resolve working directory", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath))
	if err != nil {
		return WrapError(KindConfigError, fmt.Sprintf("failed to read config file %s", cleanPath), err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return WrapError(KindConfigError, fmt.Sprintf("failed to parse config file %s", cleanPath), err)
	}
	return nil
}

// Validate checks the configuration and returns a CONFIG_ERROR naming the
// offending key when it is unusable.
func (c *Config) Validate() error {
	if c.Process.Name == "" {
		return &TypedError{Kind: KindConfigError, Message: "process name is required", Key: EnvProcessName}
	}
	if c.Redis.URL == "" {
		return &TypedError{Kind: KindConfigError, Message: "redis URL is required", Key: EnvRedisURL}
	}
	if c.Web.Enabled {
		// Port 0 asks the OS for an ephemeral port.
		if c.Web.Port < 0 || c.Web.Port > 65535 {
			return &TypedError{
				Kind:    KindConfigError,
				Message: fmt.Sprintf("invalid web server port: %d", c.Web.Port),
				Key:     EnvWebServerPort,
				Value:   c.Web.Port,
			}
		}
		if !strings.HasPrefix(c.Web.APIRoute, "/") {
			return &TypedError{
				Kind:    KindConfigError,
				Message: fmt.Sprintf("api route must start with /: %q", c.Web.APIRoute),
				Key:     EnvWebServerAPIRoute,
				Value:   c.Web.APIRoute,
			}
		}
		if c.Web.Static.Enabled && !strings.HasPrefix(c.Web.Static.Route, "/") {
			return &TypedError{
				Kind:    KindConfigError,
				Message: fmt.Sprintf("static route must start with /: %q", c.Web.Static.Route),
				Key:     EnvWebServerStaticRoute,
				Value:   c.Web.Static.Route,
			}
		}
	}
	if c.Session.TTL <= 0 {
		return &TypedError{
			Kind:    KindConfigError,
			Message: fmt.Sprintf("session TTL must be positive: %d", c.Session.TTL),
			Key:     EnvSessionTTL,
			Value:   c.Session.TTL,
		}
	}
	if c.Session.CookieName == "" {
		return &TypedError{Kind: KindConfigError, Message: "session cookie name is required", Key: EnvSessionCookieName}
	}
	if c.Tasks.Enabled {
		if c.Tasks.Processors < 1 {
			return &TypedError{
				Kind:    KindConfigError,
				Message: fmt.Sprintf("task processors must be at least 1: %d", c.Tasks.Processors),
				Key:     EnvTaskProcessors,
				Value:   c.Tasks.Processors,
			}
		}
		if c.Tasks.TimeoutMs <= 0 {
			return &TypedError{
				Kind:    KindConfigError,
				Message: fmt.Sprintf("task timeout must be positive: %d", c.Tasks.TimeoutMs),
				Key:     EnvTaskTimeout,
				Value:   c.Tasks.TimeoutMs,
			}
		}
		if len(c.Tasks.Queues) == 0 {
			return &TypedError{Kind: KindConfigError, Message: "task queues must not be empty", Key: EnvTaskQueues}
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.WindowMs <= 0 {
			return &TypedError{
				Kind:    KindConfigError,
				Message: fmt.Sprintf("rate limit window must be positive: %d", c.RateLimit.WindowMs),
				Key:     EnvRateLimitWindowMs,
				Value:   c.RateLimit.WindowMs,
			}
		}
		if c.RateLimit.UnauthenticatedLimit < 1 || c.RateLimit.AuthenticatedLimit < 1 {
			return &TypedError{Kind: KindConfigError, Message: "rate limits must be at least 1", Key: EnvRateLimitUnauth}
		}
		if c.RateLimit.KeyPrefix == "" {
			return &TypedError{Kind: KindConfigError, Message: "rate limit key prefix is required", Key: EnvRateLimitKeyPrefix}
		}
	}
	if c.Presence.TTL <= 0 {
		return &TypedError{
			Kind:    KindConfigError,
			Message: fmt.Sprintf("presence TTL must be positive: %d", c.Presence.TTL),
			Key:     EnvPresenceTTL,
			Value:   c.Presence.TTL,
		}
	}
	if c.Presence.HeartbeatInterval <= 0 || c.Presence.HeartbeatInterval >= c.Presence.TTL {
		return &TypedError{
			Kind:    KindConfigError,
			Message: fmt.Sprintf("presence heartbeat interval must be positive and below the TTL: %d", c.Presence.HeartbeatInterval),
			Key:     EnvPresenceHeartbeatInterval,
			Value:   c.Presence.HeartbeatInterval,
		}
	}
	return nil
}

// NewConfig builds a validated Config: defaults, then the optional file,
// then environment variables, then the given options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, WrapError(KindConfigError, "failed to apply option", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Functional options

// WithProcessName sets the cluster process name.
func WithProcessName(name string) Option {
	return func(c *Config) error {
		c.Process.Name = name
		return nil
	}
}

// WithEnvironment overrides the detected environment name.
func WithEnvironment(environment string) Option {
	return func(c *Config) error {
		c.Environment = environment
		return nil
	}
}

// WithShutdownTimeout bounds the reverse-priority stop sequence.
func WithShutdownTimeout(ms int) Option {
	return func(c *Config) error {
		c.Process.ShutdownTimeoutMs = ms
		return nil
	}
}

// WithServerName sets the X-SERVER-NAME header value.
func WithServerName(name string) Option {
	return func(c *Config) error {
		c.ServerName = name
		return nil
	}
}

// WithRedisURL points the framework at a Redis instance.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithDatabaseURL records the external database URL for applications.
func WithDatabaseURL(url string) Option {
	return func(c *Config) error {
		c.Database.URL = url
		return nil
	}
}

// WithWebServer enables or disables the HTTP listener.
func WithWebServer(enabled bool) Option {
	return func(c *Config) error {
		c.Web.Enabled = enabled
		return nil
	}
}

// WithWebPort sets the HTTP listen port.
func WithWebPort(port int) Option {
	return func(c *Config) error {
		c.Web.Port = port
		return nil
	}
}

// WithWebHost sets the HTTP bind host.
func WithWebHost(host string) Option {
	return func(c *Config) error {
		c.Web.Host = host
		return nil
	}
}

// WithAPIRoute sets the prefix under which actions are routed.
func WithAPIRoute(route string) Option {
	return func(c *Config) error {
		c.Web.APIRoute = route
		return nil
	}
}

// WithAllowedOrigins sets the CORS origin list. Use ["*"] for wildcard.
func WithAllowedOrigins(origins []string) Option {
	return func(c *Config) error {
		c.Web.AllowedOrigins = origins
		return nil
	}
}

// WithStaticFiles configures static serving in one call.
func WithStaticFiles(enabled bool, directory, route string) Option {
	return func(c *Config) error {
		c.Web.Static.Enabled = enabled
		if directory != "" {
			c.Web.Static.Directory = directory
		}
		if route != "" {
			c.Web.Static.Route = route
		}
		return nil
	}
}

// WithSessionTTL sets the session lifetime in seconds.
func WithSessionTTL(seconds int) Option {
	return func(c *Config) error {
		c.Session.TTL = seconds
		return nil
	}
}

// WithCookieName sets the session cookie name.
func WithCookieName(name string) Option {
	return func(c *Config) error {
		c.Session.CookieName = name
		return nil
	}
}

// WithTasks enables the job runtime with the given worker count.
func WithTasks(enabled bool, processors int) Option {
	return func(c *Config) error {
		c.Tasks.Enabled = enabled
		if processors > 0 {
			c.Tasks.Processors = processors
		}
		return nil
	}
}

// WithTaskQueues sets the worker queue priority list.
func WithTaskQueues(queues []string) Option {
	return func(c *Config) error {
		c.Tasks.Queues = queues
		return nil
	}
}

// WithRateLimit configures the dispatch rate limiter in one call.
func WithRateLimit(enabled bool, windowMs, unauthenticated, authenticated int) Option {
	return func(c *Config) error {
		c.RateLimit.Enabled = enabled
		if windowMs > 0 {
			c.RateLimit.WindowMs = windowMs
		}
		if unauthenticated > 0 {
			c.RateLimit.UnauthenticatedLimit = unauthenticated
		}
		if authenticated > 0 {
			c.RateLimit.AuthenticatedLimit = authenticated
		}
		return nil
	}
}

// WithPresenceTTL sets the presence TTL and keeps the heartbeat under it.
func WithPresenceTTL(seconds int) Option {
	return func(c *Config) error {
		c.Presence.TTL = seconds
		if c.Presence.HeartbeatInterval >= seconds {
			c.Presence.HeartbeatInterval = seconds / 2
			if c.Presence.HeartbeatInterval < 1 {
				c.Presence.HeartbeatInterval = 1
			}
		}
		return nil
	}
}

// WithLogLevel sets the minimum log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logger.Level = level
		return nil
	}
}

// WithLogFormat selects json or text log output.
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logger.Format = format
		return nil
	}
}

// WithStackInErrors toggles stack traces in error envelopes.
func WithStackInErrors(include bool) Option {
	return func(c *Config) error {
		c.Errors.IncludeStack = include
		return nil
	}
}

// WithTelemetry enables OTel export to the given endpoint. An empty
// endpoint keeps the no-op providers.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
