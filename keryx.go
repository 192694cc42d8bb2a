// Package keryx is the top-level entry point for the framework. It wires the
// core subsystems (actions, sessions, pub/sub, background tasks, web) into a
// single App and re-exports the types applications touch most, so most
// programs only import this package plus the subpackage of whatever they
// extend:
//   - github.com/keryx-io/keryx/core - actions, config, errors, middleware
//   - github.com/keryx-io/keryx/pubsub - channels and presence
//   - github.com/keryx-io/keryx/tasks - queue, scheduler, workers, fan-out
//   - github.com/keryx-io/keryx/web - the HTTP/WebSocket transport
package keryx

import (
	"github.com/keryx-io/keryx/core"
	"github.com/keryx-io/keryx/pubsub"
	"github.com/keryx-io/keryx/tasks"
)

// Re-export core types so simple applications need one import.
type (
	// Action types
	Action       = core.Action
	ActionParams = core.ActionParams
	Input        = core.Input
	WebBinding   = core.WebBinding
	TaskBinding  = core.TaskBinding
	UploadedFile = core.UploadedFile

	// Dispatch types
	Connection       = core.Connection
	Session          = core.Session
	ActionMiddleware = core.ActionMiddleware
	MiddlewareResult = core.MiddlewareResult

	// Configuration types
	Config  = core.Config
	Option  = core.Option
	RunMode = core.RunMode

	// Interfaces
	Logger    = core.Logger
	Telemetry = core.Telemetry

	// Errors
	ErrorKind  = core.ErrorKind
	TypedError = core.TypedError

	// Lifecycle
	Initializer = core.Initializer

	// Pub/sub types
	Channel       = pubsub.Channel
	PubSubMessage = core.PubSubMessage

	// Task types
	FanOutOptions = tasks.FanOutOptions
	FanOutReceipt = tasks.FanOutReceipt
	FanOutStatus  = tasks.FanOutStatus
)

// Re-export run modes.
const (
	RunModeServer = core.RunModeServer
	RunModeWorker = core.RunModeWorker
	RunModeCLI    = core.RunModeCLI
)

// Re-export core functions and configuration options.
var (
	DefaultConfig = core.DefaultConfig
	NewConfig     = core.NewConfig

	NewTypedError = core.NewTypedError
	WrapError     = core.WrapError
	ParamError    = core.ParamError
	AsTypedError  = core.AsTypedError
	KindOf        = core.KindOf

	SessionMiddleware = core.SessionMiddleware

	// Configuration options
	WithProcessName     = core.WithProcessName
	WithEnvironment     = core.WithEnvironment
	WithServerName      = core.WithServerName
	WithLogLevel        = core.WithLogLevel
	WithLogFormat       = core.WithLogFormat
	WithRedisURL        = core.WithRedisURL
	WithDatabaseURL     = core.WithDatabaseURL
	WithWebServer       = core.WithWebServer
	WithWebPort         = core.WithWebPort
	WithWebHost         = core.WithWebHost
	WithAPIRoute        = core.WithAPIRoute
	WithAllowedOrigins  = core.WithAllowedOrigins
	WithStaticFiles     = core.WithStaticFiles
	WithSessionTTL      = core.WithSessionTTL
	WithCookieName      = core.WithCookieName
	WithTasks           = core.WithTasks
	WithTaskQueues      = core.WithTaskQueues
	WithRateLimit       = core.WithRateLimit
	WithPresenceTTL     = core.WithPresenceTTL
	WithShutdownTimeout = core.WithShutdownTimeout
	WithStackInErrors   = core.WithStackInErrors
	WithTelemetry       = core.WithTelemetry
)
