package core

// Environment selection
const (
	// EnvKeryxEnv names the running environment (development, test,
	// production, ...). It wins over EnvNodeEnv, which is honored for
	// compatibility with deployments that already export it.
	EnvKeryxEnv = "KERYX_ENV"
	EnvNodeEnv  = "NODE_ENV"

	// EnvConfigFile points at an optional YAML settings file loaded between
	// the defaults and the environment overrides.
	EnvConfigFile = "KERYX_CONFIG_FILE"

	// DefaultEnvironment is assumed when neither variable is set.
	DefaultEnvironment = "development"
)

// Configuration environment variables. Every key also accepts a
// _<environment> suffixed override that takes precedence, e.g.
// WEB_SERVER_PORT_production.
const (
	EnvWebServerPort           = "WEB_SERVER_PORT"
	EnvWebServerHost           = "WEB_SERVER_HOST"
	EnvWebServerAPIRoute       = "WEB_SERVER_API_ROUTE"
	EnvWebServerAllowedOrigins = "WEB_SERVER_ALLOWED_ORIGINS"
	EnvWebServerStaticEnabled  = "WEB_SERVER_STATIC_ENABLED"
	EnvWebServerStaticDir      = "WEB_SERVER_STATIC_DIRECTORY"
	EnvWebServerStaticRoute    = "WEB_SERVER_STATIC_ROUTE"

	EnvSessionTTL        = "SESSION_TTL"
	EnvSessionCookieName = "SESSION_COOKIE_NAME"

	EnvRedisURL    = "REDIS_URL"
	EnvDatabaseURL = "DATABASE_URL"

	EnvTasksEnabled          = "TASKS_ENABLED"
	EnvTaskProcessors        = "TASK_PROCESSORS"
	EnvTaskTimeout           = "TASK_TIMEOUT"
	EnvTaskQueues            = "TASK_QUEUES"
	EnvTaskSchedulerInterval = "TASK_SCHEDULER_INTERVAL"
	EnvTaskMaxEventLoopDelay = "TASK_MAX_EVENT_LOOP_DELAY"

	EnvRateLimitEnabled   = "RATE_LIMIT_ENABLED"
	EnvRateLimitWindowMs  = "RATE_LIMIT_WINDOW_MS"
	EnvRateLimitUnauth    = "RATE_LIMIT_UNAUTH_LIMIT"
	EnvRateLimitAuth      = "RATE_LIMIT_AUTH_LIMIT"
	EnvRateLimitKeyPrefix = "RATE_LIMIT_KEY_PREFIX"

	EnvPresenceTTL               = "PRESENCE_TTL"
	EnvPresenceHeartbeatInterval = "PRESENCE_HEARTBEAT_INTERVAL"

	EnvProcessName            = "PROCESS_NAME"
	EnvProcessShutdownTimeout = "PROCESS_SHUTDOWN_TIMEOUT"

	EnvLogLevel              = "LOG_LEVEL"
	EnvLogFormat             = "LOG_FORMAT"
	EnvServerName            = "SERVER_NAME"
	EnvErrorsIncludeStack    = "ERRORS_INCLUDE_STACK"
	EnvCorrelationHeader     = "CORRELATION_HEADER"
	EnvCorrelationTrustProxy = "CORRELATION_TRUST_PROXY"

	EnvTelemetryEnabled = "TELEMETRY_ENABLED"
	EnvOTLPEndpoint     = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Redis key layout shared across packages. Queue, presence, and fan-out key
// builders live with their subsystems; the session prefix sits here because
// both the session store and the transports reference it.
const (
	// SessionKeyPrefix forms the session record key: session:<connectionId>.
	SessionKeyPrefix = "session:"
)

// SecretPlaceholder replaces secret-marked parameter values in every log
// line and error payload emitted by the dispatcher.
const SecretPlaceholder = "[[secret]]"
