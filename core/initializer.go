package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RunMode gates which initializers participate in a process run. A server
// process runs everything, a worker process skips the web listener, and a
// cli process runs only what a one-shot command needs.
type RunMode string

const (
	RunModeServer RunMode = "server"
	RunModeWorker RunMode = "worker"
	RunModeCLI    RunMode = "cli"
)

// DefaultPriority is assigned to initializers that do not set their own.
const DefaultPriority = 1000

// Initializer hooks one subsystem into the ordered lifecycle. Initialize
// runs for every initializer (ascending LoadPriority) before any Start runs
// (ascending StartPriority). Stop runs in descending StopPriority, which for
// unset priorities is the exact reverse of the start order.
type Initializer struct {
	Name          string
	LoadPriority  int
	StartPriority int
	StopPriority  int
	RunModes      []RunMode // empty means every mode

	Initialize func(ctx context.Context) error
	Start      func(ctx context.Context) error
	Stop       func(ctx context.Context) error
}

func (i *Initializer) runsIn(mode RunMode) bool {
	if len(i.RunModes) == 0 {
		return true
	}
	for _, m := range i.RunModes {
		if m == mode {
			return true
		}
	}
	return false
}

// InitializerRunner drives the lifecycle for one process run mode.
type InitializerRunner struct {
	mu      sync.Mutex
	mode    RunMode
	inits   []*Initializer
	started []*Initializer
	logger  Logger
}

// NewInitializerRunner creates a runner for the given mode.
func NewInitializerRunner(mode RunMode, logger Logger) *InitializerRunner {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/lifecycle")
	}
	return &InitializerRunner{
		mode:   mode,
		logger: logger,
	}
}

// Register validates and adds an initializer. Names must be unique.
func (r *InitializerRunner) Register(init *Initializer) error {
	if init.Name == "" {
		return NewTypedError(KindInitializerValidation, "initializer name is required")
	}
	if init.LoadPriority < 0 || init.StartPriority < 0 || init.StopPriority < 0 {
		return NewTypedError(KindInitializerValidation,
			fmt.Sprintf("initializer %s has a negative priority", init.Name))
	}

	if init.LoadPriority == 0 {
		init.LoadPriority = DefaultPriority
	}
	if init.StartPriority == 0 {
		init.StartPriority = DefaultPriority
	}
	if init.StopPriority == 0 {
		init.StopPriority = init.StartPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.inits {
		if existing.Name == init.Name {
			return NewTypedError(KindInitializerValidation,
				fmt.Sprintf("initializer %s is already registered", init.Name))
		}
	}
	r.inits = append(r.inits, init)
	return nil
}

// Initialize runs every applicable Initialize hook in ascending load
// priority.
func (r *InitializerRunner) Initialize(ctx context.Context) error {
	for _, init := range r.ordered(func(i *Initializer) int { return i.LoadPriority }, false) {
		if init.Initialize == nil {
			continue
		}
		r.logger.Debug("Initializing", map[string]interface{}{
			"initializer": init.Name,
			"priority":    init.LoadPriority,
		})
		if err := init.Initialize(ctx); err != nil {
			return WrapError(KindServerInitialization,
				fmt.Sprintf("initializer %s failed to initialize", init.Name), err)
		}
	}
	return nil
}

// Start runs every applicable Start hook in ascending start priority. A
// failure rolls back the subsystems already started, in reverse.
func (r *InitializerRunner) Start(ctx context.Context) error {
	for _, init := range r.ordered(func(i *Initializer) int { return i.StartPriority }, false) {
		if init.Start != nil {
			r.logger.Debug("Starting", map[string]interface{}{
				"initializer": init.Name,
				"priority":    init.StartPriority,
			})
			if err := init.Start(ctx); err != nil {
				startErr := WrapError(KindServerStart,
					fmt.Sprintf("initializer %s failed to start", init.Name), err)
				r.rollback(ctx)
				return startErr
			}
		}
		r.mu.Lock()
		r.started = append(r.started, init)
		r.mu.Unlock()
	}

	r.logger.Info("All initializers started", map[string]interface{}{
		"mode":  string(r.mode),
		"count": len(r.started),
	})
	return nil
}

// Stop shuts the started subsystems down in descending stop priority within
// the given budget. Stopping continues past individual failures; the first
// error is returned.
func (r *InitializerRunner) Stop(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.Lock()
	toStop := make([]*Initializer, len(r.started))
	copy(toStop, r.started)
	r.started = nil
	r.mu.Unlock()

	sort.SliceStable(toStop, func(i, j int) bool {
		return toStop[i].StopPriority > toStop[j].StopPriority
	})

	var firstErr error
	for _, init := range toStop {
		if init.Stop == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return WrapError(KindServerStop, "shutdown timed out", ctx.Err())
		default:
		}

		r.logger.Debug("Stopping", map[string]interface{}{
			"initializer": init.Name,
			"priority":    init.StopPriority,
		})
		if err := init.Stop(ctx); err != nil {
			r.logger.Error("Initializer failed to stop", map[string]interface{}{
				"initializer": init.Name,
				"error":       err.Error(),
			})
			if firstErr == nil {
				firstErr = WrapError(KindServerStop,
					fmt.Sprintf("initializer %s failed to stop", init.Name), err)
			}
		}
	}
	return firstErr
}

// rollback stops whatever Start managed to bring up before a failure.
func (r *InitializerRunner) rollback(ctx context.Context) {
	r.mu.Lock()
	started := make([]*Initializer, len(r.started))
	copy(started, r.started)
	r.started = nil
	r.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		if started[i].Stop == nil {
			continue
		}
		if err := started[i].Stop(ctx); err != nil {
			r.logger.Error("Rollback stop failed", map[string]interface{}{
				"initializer": started[i].Name,
				"error":       err.Error(),
			})
		}
	}
}

// ordered returns the initializers applicable to this run mode sorted by the
// given priority key. Registration order breaks ties.
func (r *InitializerRunner) ordered(key func(*Initializer) int, descending bool) []*Initializer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Initializer
	for _, init := range r.inits {
		if init.runsIn(r.mode) {
			out = append(out, init)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return key(out[i]) > key(out[j])
		}
		return key(out[i]) < key(out[j])
	})
	return out
}
