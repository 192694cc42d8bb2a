package keryx

import (
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/keryx-io/keryx/core"
	"github.com/keryx-io/keryx/pubsub"
	"github.com/keryx-io/keryx/tasks"
	"github.com/keryx-io/keryx/telemetry"
	"github.com/keryx-io/keryx/web"
)

// Framework initializer priorities. User initializers default to 1000, so
// they start after the framework is up and stop before it tears down.
const (
	priorityTelemetry = 100
	priorityRedis     = 200
	priorityCore      = 300
	priorityTasks     = 400
	priorityScheduler = 450
	priorityPubSub    = 500
	priorityWorkers   = 600
	priorityWeb       = 700
)

// App assembles one framework process: config, logger, telemetry, Redis, the
// action and connection registries, dispatcher, rate limiter, pub/sub bus,
// job runtime and web server, sequenced by the initializer runner. Fields are
// exported for application code; the I/O-bearing ones are nil until Start.
type App struct {
	Config      *core.Config
	Logger      core.Logger
	Telemetry   core.Telemetry
	Redis       *core.RedisClient
	Actions     *core.ActionRegistry
	Connections *core.ConnectionRegistry
	Channels    *pubsub.ChannelRegistry
	Sessions    *core.SessionStore
	Dispatcher  *core.Dispatcher
	RateLimiter *core.RateLimiter
	Bus         *pubsub.Bus
	Queue       *tasks.Queue
	Scheduler   *tasks.Scheduler
	Workers     *tasks.WorkerPool
	Server      *web.Server

	mode       core.RunMode
	runner     *core.InitializerRunner
	middleware []*core.ActionMiddleware

	started atomic.Bool
}

// New builds an App for the given run mode. Options layer on top of the
// defaults, an optional YAML file and the environment; see core.NewConfig.
// Nothing connects to the network until Start.
func New(mode core.RunMode, opts ...core.Option) (*App, error) {
	config, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	// Each process gets its own identity; scheduler locks and presence
	// entries are keyed by it.
	config.Process.ID = fmt.Sprintf("%s-%s", config.Process.Name, uuid.New().String()[:8])

	logger := core.NewProductionLogger(config.Logger, config.ServerName)

	app := &App{
		Config:      config,
		Logger:      logger,
		Telemetry:   &core.NoOpTelemetry{},
		Actions:     core.NewActionRegistry(logger),
		Connections: core.NewConnectionRegistry(logger),
		Channels:    pubsub.NewChannelRegistry(logger),
		mode:        mode,
		runner:      core.NewInitializerRunner(mode, logger),
	}
	if err := app.registerFrameworkInitializers(); err != nil {
		return nil, err
	}
	return app, nil
}

// Mode returns the run mode this App was built for.
func (a *App) Mode() core.RunMode {
	return a.mode
}

// RegisterAction adds actions to the registry. Call before Start.
func (a *App) RegisterAction(actions ...*core.Action) error {
	for _, action := range actions {
		if err := a.Actions.Register(action); err != nil {
			return err
		}
	}
	return nil
}

// RegisterChannel adds channel definitions to the registry. Call before
// Start.
func (a *App) RegisterChannel(channels ...*pubsub.Channel) error {
	for _, ch := range channels {
		if err := a.Channels.Register(ch); err != nil {
			return err
		}
	}
	return nil
}

// RegisterInitializer hooks application code into the lifecycle alongside
// the framework's own initializers.
func (a *App) RegisterInitializer(init *core.Initializer) error {
	return a.runner.Register(init)
}

// Use registers a global action middleware. Call before Start; the
// middleware is attached when the dispatcher is assembled.
func (a *App) Use(mw *core.ActionMiddleware) {
	a.middleware = append(a.middleware, mw)
}

// Start initializes every applicable subsystem (ascending load priority),
// then starts them (ascending start priority). A start failure rolls back
// whatever already started.
func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return core.NewTypedError(core.KindServerStart, "app is already started")
	}

	a.Logger.Info("Starting", map[string]interface{}{
		"name":        a.Config.Process.Name,
		"process_id":  a.Config.Process.ID,
		"mode":        string(a.mode),
		"environment": a.Config.Environment,
	})

	if err := a.runner.Initialize(ctx); err != nil {
		a.releaseResources(ctx)
		a.started.Store(false)
		return err
	}
	if err := a.runner.Start(ctx); err != nil {
		a.releaseResources(ctx)
		a.started.Store(false)
		return err
	}
	return nil
}

// Stop shuts the started subsystems down in descending stop priority within
// the configured shutdown budget.
func (a *App) Stop(ctx context.Context) error {
	if !a.started.CompareAndSwap(true, false) {
		return nil
	}
	err := a.runner.Stop(ctx, a.Config.Process.ShutdownTimeout())
	a.Logger.Info("Stopped", map[string]interface{}{
		"process_id": a.Config.Process.ID,
	})
	return err
}

// Run starts the App and blocks until the context is canceled or the process
// receives SIGINT/SIGTERM, then stops it.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop(context.Background())
}

// releaseResources closes what Initialize opened when startup fails before
// the runner has taken ownership of it.
func (a *App) releaseResources(ctx context.Context) {
	if provider, ok := a.Telemetry.(*telemetry.Provider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			a.Logger.Error("Telemetry shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		a.Telemetry = &core.NoOpTelemetry{}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
		a.Redis = nil
	}
}

// --- Convenience pass-throughs ---

// Broadcast publishes a message to a channel, cluster-wide.
func (a *App) Broadcast(ctx context.Context, channel string, message interface{}, sender string) error {
	if a.Bus == nil {
		return core.NewTypedError(core.KindServerStart, "pub/sub bus is not running")
	}
	return a.Bus.Broadcast(ctx, channel, message, sender)
}

// Members lists the presence keys currently on a channel.
func (a *App) Members(ctx context.Context, channel string) ([]string, error) {
	if a.Bus == nil {
		return nil, core.NewTypedError(core.KindServerStart, "pub/sub bus is not running")
	}
	return a.Bus.Members(ctx, channel)
}

// Enqueue pushes a job for the named action onto a queue.
func (a *App) Enqueue(ctx context.Context, actionName string, args core.ActionParams, queue string) (bool, error) {
	if a.Queue == nil {
		return false, core.NewTypedError(core.KindServerStart, "task queue is not running")
	}
	return a.Queue.Enqueue(ctx, actionName, args, queue)
}

// EnqueueIn schedules a job to run after the given delay.
func (a *App) EnqueueIn(ctx context.Context, delay time.Duration, actionName string, args core.ActionParams, queue string) (bool, error) {
	if a.Queue == nil {
		return false, core.NewTypedError(core.KindServerStart, "task queue is not running")
	}
	return a.Queue.EnqueueIn(ctx, delay, actionName, args, queue)
}

// EnqueueAt schedules a job to run at the given time.
func (a *App) EnqueueAt(ctx context.Context, at time.Time, actionName string, args core.ActionParams, queue string) (bool, error) {
	if a.Queue == nil {
		return false, core.NewTypedError(core.KindServerStart, "task queue is not running")
	}
	return a.Queue.EnqueueAt(ctx, at, actionName, args, queue)
}

// FanOut enqueues one child job per input and returns the aggregate receipt.
func (a *App) FanOut(ctx context.Context, actionName string, inputs []core.ActionParams, queue string, opts tasks.FanOutOptions) (*tasks.FanOutReceipt, error) {
	if a.Queue == nil {
		return nil, core.NewTypedError(core.KindServerStart, "task queue is not running")
	}
	return a.Queue.FanOut(ctx, actionName, inputs, queue, opts)
}

// FanOutStatus reads the aggregate state of a fan-out.
func (a *App) FanOutStatus(ctx context.Context, id string) (*tasks.FanOutStatus, error) {
	if a.Queue == nil {
		return nil, core.NewTypedError(core.KindServerStart, "task queue is not running")
	}
	return a.Queue.FanOutStatus(ctx, id)
}

// --- Framework initializers ---

func (a *App) registerFrameworkInitializers() error {
	inits := []*core.Initializer{
		{
			Name:          "telemetry",
			LoadPriority:  priorityTelemetry,
			StartPriority: priorityTelemetry,
			StopPriority:  priorityTelemetry,
			Initialize:    a.initTelemetry,
			Stop:          a.stopTelemetry,
		},
		{
			Name:          "redis",
			LoadPriority:  priorityRedis,
			StartPriority: priorityRedis,
			StopPriority:  priorityRedis,
			Initialize:    a.initRedis,
			Stop:          a.stopRedis,
		},
		{
			Name:          "core",
			LoadPriority:  priorityCore,
			StartPriority: priorityCore,
			StopPriority:  priorityCore,
			Initialize:    a.initCore,
		},
		{
			Name:          "tasks",
			LoadPriority:  priorityTasks,
			StartPriority: priorityTasks,
			StopPriority:  priorityTasks,
			Initialize:    a.initQueue,
		},
		{
			Name:          "scheduler",
			LoadPriority:  priorityScheduler,
			StartPriority: priorityScheduler,
			StopPriority:  priorityScheduler,
			RunModes:      []core.RunMode{core.RunModeServer, core.RunModeWorker},
			Initialize:    a.initScheduler,
			Start:         a.startScheduler,
			Stop:          a.stopScheduler,
		},
		{
			Name:          "pubsub",
			LoadPriority:  priorityPubSub,
			StartPriority: priorityPubSub,
			StopPriority:  priorityPubSub,
			RunModes:      []core.RunMode{core.RunModeServer, core.RunModeWorker},
			Initialize:    a.initBus,
			Start:         a.startBus,
			Stop:          a.stopBus,
		},
		{
			Name:          "workers",
			LoadPriority:  priorityWorkers,
			StartPriority: priorityWorkers,
			StopPriority:  priorityWorkers,
			RunModes:      []core.RunMode{core.RunModeServer, core.RunModeWorker},
			Initialize:    a.initWorkers,
			Start:         a.startWorkers,
			Stop:          a.stopWorkers,
		},
		{
			Name:          "web",
			LoadPriority:  priorityWeb,
			StartPriority: priorityWeb,
			StopPriority:  priorityWeb,
			RunModes:      []core.RunMode{core.RunModeServer},
			Initialize:    a.initWeb,
			Start:         a.startWeb,
			Stop:          a.stopWeb,
		},
	}
	for _, init := range inits {
		if err := a.runner.Register(init); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if !a.Config.Telemetry.Enabled {
		return nil
	}
	provider, err := telemetry.New(ctx, a.Config.ServerName, a.Config.Telemetry.Endpoint, a.Logger)
	if err != nil {
		return err
	}
	a.Telemetry = provider
	return nil
}

func (a *App) stopTelemetry(ctx context.Context) error {
	provider, ok := a.Telemetry.(*telemetry.Provider)
	if !ok {
		return nil
	}
	a.Telemetry = &core.NoOpTelemetry{}
	return provider.Shutdown(ctx)
}

func (a *App) initRedis(ctx context.Context) error {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:     a.Config.Redis.URL,
		PoolSize:     a.Config.Redis.PoolSize,
		MinIdleConns: a.Config.Redis.MinIdleConns,
		Logger:       a.Logger,
	})
	if err != nil {
		return err
	}
	a.Redis = client
	return nil
}

func (a *App) stopRedis(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	err := a.Redis.Close()
	a.Redis = nil
	return err
}

// initCore assembles the session store, dispatcher and rate limiter. The
// rate limiter is the first global middleware so nothing runs for throttled
// callers.
func (a *App) initCore(ctx context.Context) error {
	a.Sessions = core.NewSessionStore(a.Redis, a.Config.Session, a.Logger)
	a.Dispatcher = core.NewDispatcher(a.Actions, a.Sessions, a.Logger, a.Telemetry)

	if a.Config.RateLimit.Enabled {
		a.RateLimiter = core.NewRateLimiter(a.Redis, a.Config.RateLimit, a.Logger)
		a.Dispatcher.Use(a.RateLimiter.Middleware())
	}
	for _, mw := range a.middleware {
		a.Dispatcher.Use(mw)
	}
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	a.Queue = tasks.NewQueue(a.Redis, a.Actions, a.Logger)
	return nil
}

func (a *App) initScheduler(ctx context.Context) error {
	a.Scheduler = tasks.NewScheduler(a.Queue, a.Redis, a.Actions, a.Config.Tasks, a.Config.Process.ID, a.Logger)
	return nil
}

func (a *App) startScheduler(ctx context.Context) error {
	if !a.Config.Tasks.Enabled {
		return nil
	}
	return a.Scheduler.Start(ctx)
}

func (a *App) stopScheduler(ctx context.Context) error {
	if a.Scheduler == nil {
		return nil
	}
	return a.Scheduler.Stop(ctx)
}

func (a *App) initBus(ctx context.Context) error {
	bus, err := pubsub.NewBus(pubsub.BusOptions{
		Redis:       a.Redis,
		Sessions:    a.Sessions,
		Connections: a.Connections,
		Channels:    a.Channels,
		Config:      a.Config,
		Logger:      a.Logger,
		Telemetry:   a.Telemetry,
	})
	if err != nil {
		return err
	}
	a.Bus = bus
	return nil
}

func (a *App) startBus(ctx context.Context) error {
	return a.Bus.Start(ctx)
}

func (a *App) stopBus(ctx context.Context) error {
	if a.Bus == nil {
		return nil
	}
	return a.Bus.Stop(ctx)
}

func (a *App) initWorkers(ctx context.Context) error {
	pool, err := tasks.NewWorkerPool(tasks.WorkerPoolOptions{
		Queue:      a.Queue,
		Dispatcher: a.Dispatcher,
		Actions:    a.Actions,
		Redis:      a.Redis,
		Config:     a.Config.Tasks,
		ProcessID:  a.Config.Process.ID,
		Logger:     a.Logger,
		Telemetry:  a.Telemetry,
	})
	if err != nil {
		return err
	}
	a.Workers = pool
	return nil
}

func (a *App) startWorkers(ctx context.Context) error {
	if !a.Config.Tasks.Enabled {
		return nil
	}
	return a.Workers.Start(ctx)
}

func (a *App) stopWorkers(ctx context.Context) error {
	if a.Workers == nil {
		return nil
	}
	return a.Workers.Stop(ctx)
}

func (a *App) initWeb(ctx context.Context) error {
	if !a.Config.Web.Enabled {
		return nil
	}
	server, err := web.NewServer(web.ServerOptions{
		Config:      a.Config,
		Dispatcher:  a.Dispatcher,
		Actions:     a.Actions,
		Connections: a.Connections,
		Channels:    a.Bus,
		Logger:      a.Logger,
		Telemetry:   a.Telemetry,
	})
	if err != nil {
		return err
	}
	a.Server = server
	return nil
}

func (a *App) startWeb(ctx context.Context) error {
	if a.Server == nil {
		return nil
	}
	return a.Server.Start(ctx)
}

func (a *App) stopWeb(ctx context.Context) error {
	if a.Server == nil {
		return nil
	}
	return a.Server.Stop(ctx)
}
