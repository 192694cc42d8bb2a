package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keryx-io/keryx/core"
)

const (
	// blpopTimeout bounds one blocking pop so workers notice shutdown.
	blpopTimeout = 2 * time.Second

	// throttlePause is how long a worker backs off while the process is
	// overloaded.
	throttlePause = 100 * time.Millisecond

	// requeueDelay reschedules a job that lost the execution lock race.
	requeueDelay = 2 * time.Second

	// failedAtLayout matches Resque's failure timestamps.
	failedAtLayout = "2006/01/02 15:04:05 MST"
)

// WorkerPoolOptions wires the pool's collaborators.
type WorkerPoolOptions struct {
	Queue      *Queue
	Dispatcher *core.Dispatcher
	Actions    *core.ActionRegistry
	Redis      *core.RedisClient
	Config     core.TasksConfig
	ProcessID  string
	Logger     core.Logger
	Telemetry  core.Telemetry
}

// WorkerPool drains the configured queues with N workers. Every job becomes a
// transient job-type connection dispatched through the same pipeline as HTTP
// requests, so middleware, validation and logging behave identically.
type WorkerPool struct {
	queue      *Queue
	dispatcher *core.Dispatcher
	actions    *core.ActionRegistry
	redis      *core.RedisClient
	config     core.TasksConfig
	processID  string
	logger     core.Logger
	telemetry  core.Telemetry

	probe *loadProbe

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorkerPool(opts WorkerPoolOptions) (*WorkerPool, error) {
	if opts.Queue == nil || opts.Dispatcher == nil || opts.Actions == nil || opts.Redis == nil {
		return nil, core.NewTypedError(core.KindServerInitialization,
			"worker pool requires a queue, dispatcher, action registry and redis client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/workers")
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	maxDelay := time.Duration(opts.Config.MaxEventLoopDelayMs) * time.Millisecond
	return &WorkerPool{
		queue:      opts.Queue,
		dispatcher: opts.Dispatcher,
		actions:    opts.Actions,
		redis:      opts.Redis,
		config:     opts.Config,
		processID:  opts.ProcessID,
		logger:     logger,
		telemetry:  telemetry,
		probe:      &loadProbe{maxDelay: maxDelay},
	}, nil
}

// Start launches the workers. The passed context only bounds startup; the
// workers run until Stop.
func (p *WorkerPool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	count := p.config.Processors
	if count < 1 {
		count = 1
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.probe.run(loopCtx)
	}()

	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go p.runWorker(loopCtx, i)
	}

	p.logger.Info("Workers started", map[string]interface{}{
		"count":  count,
		"queues": strings.Join(p.config.Queues, ","),
	})
	return nil
}

// Stop cancels dequeuing and waits for in-flight jobs. Jobs run on their own
// timeout context, so an in-flight job completes (or times out) even while
// the pool is stopping.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Workers stopped", nil)
		return nil
	case <-ctx.Done():
		return core.NewTypedError(core.KindServerStop, "workers did not finish in time")
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.probe.overloaded() {
			sleepCtx(ctx, throttlePause)
			continue
		}

		keys, err := p.dequeueTargets(ctx)
		if err != nil {
			p.logger.Error("Queue discovery failed", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(keys) == 0 {
			sleepCtx(ctx, blpopTimeout)
			continue
		}

		res, err := p.redis.Client().BLPop(ctx, blpopTimeout, keys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Job pop failed", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(res) != 2 {
			continue
		}

		queueName := strings.TrimPrefix(res[0], queueKeyPrefix)
		p.process(queueName, res[1], id)
	}
}

// dequeueTargets expands the configured queue priority list into BLPOP keys.
// The literal "*" splices in every known queue, sorted for determinism.
func (p *WorkerPool) dequeueTargets(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(p.config.Queues))
	seen := make(map[string]struct{})

	appendQueue := func(name string) {
		if _, dup := seen[name]; dup || name == "" {
			return
		}
		seen[name] = struct{}{}
		keys = append(keys, queueKey(name))
	}

	for _, name := range p.config.Queues {
		if name != "*" {
			appendQueue(name)
			continue
		}
		known, err := p.queue.Queues(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range known {
			appendQueue(k)
		}
	}
	return keys, nil
}

// process runs one popped job end to end. It deliberately takes no context:
// the job gets its own timeout so shutdown does not cancel in-flight work.
func (p *WorkerPool) process(queueName, raw string, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout())
	defer cancel()

	job, err := decodeJob(raw)
	if err != nil {
		p.recordFailure(ctx, queueName, raw, err, workerID)
		return
	}
	args := job.ArgsMap()

	action, known := p.actions.Get(job.Class)
	recurring := known && action.Recurring()

	if recurring {
		acquired, err := p.acquireExecLock(ctx, queueName, job.Class, args)
		if err != nil {
			p.logger.Warn("Execution lock check failed, running anyway", map[string]interface{}{
				"action": job.Class,
				"error":  err.Error(),
			})
		} else if !acquired {
			// Another process is running the same job. Push this copy a
			// little into the future rather than dropping it.
			if err := p.queue.requeueRecordAt(ctx, time.Now().Add(requeueDelay).Unix(), raw); err != nil {
				p.logger.Error("Contended job requeue failed", map[string]interface{}{
					"action": job.Class,
					"error":  err.Error(),
				})
			}
			return
		}
	}

	start := time.Now()
	conn := core.NewConnection(core.ConnectionJob, fmt.Sprintf("%s:worker:%d", p.processID, workerID), "")
	response, dispatchErr := p.dispatcher.Act(ctx, conn, job.Class, args, "", "")
	conn.Destroy()

	if fanOutID := args.GetString(FanOutParam); fanOutID != "" {
		p.recordFanOutOutcome(ctx, fanOutID, response, dispatchErr)
	}

	if recurring {
		p.releaseExecLock(ctx, queueName, job.Class, args)
		p.queue.releaseEnqueueLock(ctx, queueName, job.Class, args)
	}

	status := "ok"
	if dispatchErr != nil {
		status = "error"
		p.recordFailure(ctx, queueName, raw, dispatchErr, workerID)
	} else if recurring {
		if _, err := p.queue.EnqueueIn(ctx, action.Task.Frequency, job.Class, args, queueName); err != nil {
			p.logger.Error("Recurring re-enqueue failed", map[string]interface{}{
				"action": job.Class,
				"error":  err.Error(),
			})
		}
	}

	p.telemetry.RecordMetric("tasks.processed", 1, map[string]string{
		"queue":  queueName,
		"status": status,
	})
	p.logger.Debug("Job processed", map[string]interface{}{
		"action":      job.Class,
		"queue":       queueName,
		"worker":      workerID,
		"status":      status,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (p *WorkerPool) acquireExecLock(ctx context.Context, queueName, class string, args core.ActionParams) (bool, error) {
	ttl := 2 * p.config.Timeout()
	if ttl < 10*time.Second {
		ttl = 10 * time.Second
	}
	key := execLockPrefix + jobSignature(queueName, class, args)
	acquired, err := p.redis.SetNX(ctx, key, p.processID, ttl)
	if err != nil {
		return false, core.WrapError(core.KindRedisConnection, "execution lock acquire failed", err)
	}
	return acquired, nil
}

func (p *WorkerPool) releaseExecLock(ctx context.Context, queueName, class string, args core.ActionParams) {
	key := execLockPrefix + jobSignature(queueName, class, args)
	if err := p.redis.Del(ctx, key); err != nil {
		p.logger.Warn("Execution lock release failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// recordFailure appends a Resque failure record so existing dashboards can
// read it.
func (p *WorkerPool) recordFailure(ctx context.Context, queueName, raw string, dispatchErr error, workerID int) {
	typed := core.EnsureTyped(dispatchErr)

	var payload json.RawMessage
	if json.Valid([]byte(raw)) {
		payload = json.RawMessage(raw)
	} else {
		payload, _ = json.Marshal(raw)
	}

	backtrace := []string{}
	if typed.Stack != "" {
		backtrace = strings.Split(typed.Stack, "\n")
	}

	record, err := json.Marshal(map[string]interface{}{
		"failed_at": time.Now().UTC().Format(failedAtLayout),
		"payload":   payload,
		"exception": string(typed.Kind),
		"error":     typed.Message,
		"backtrace": backtrace,
		"worker":    fmt.Sprintf("%s:%d", p.processID, workerID),
		"queue":     queueName,
	})
	if err != nil {
		p.logger.Error("Failure record marshal failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if err := p.redis.Client().RPush(ctx, failedKey, record).Err(); err != nil {
		p.logger.Error("Failure record write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// recordFanOutOutcome folds one child completion into its aggregate. Counter
// and list move together in one transaction; the lists inherit the hash TTL
// on first touch so every fan-out key expires as a unit.
func (p *WorkerPool) recordFanOutOutcome(ctx context.Context, fanOutID string, response interface{}, dispatchErr error) {
	client := p.redis.Client()

	var listKey string
	pipe := client.TxPipeline()
	if dispatchErr != nil {
		listKey = fanOutErrorsKey(fanOutID)
		pipe.HIncrBy(ctx, fanOutHashKey(fanOutID), "failed", 1)
		pipe.RPush(ctx, listKey, core.EnsureTyped(dispatchErr).Message)
	} else {
		listKey = fanOutResultsKey(fanOutID)
		result, err := json.Marshal(response)
		if err != nil {
			result = []byte("null")
		}
		pipe.HIncrBy(ctx, fanOutHashKey(fanOutID), "completed", 1)
		pipe.RPush(ctx, listKey, result)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Error("Fan-out completion write failed", map[string]interface{}{
			"fan_out_id": fanOutID,
			"error":      err.Error(),
		})
		return
	}

	if ttl, err := client.TTL(ctx, fanOutHashKey(fanOutID)).Result(); err == nil && ttl > 0 {
		client.Expire(ctx, listKey, ttl)
	}
}

// loadProbe measures scheduling latency. A short timer firing late means the
// scheduler cannot keep up, so workers pause dequeuing until it recovers.
type loadProbe struct {
	maxDelay time.Duration
	delayed  atomic.Bool
}

func (l *loadProbe) run(ctx context.Context) {
	if l.maxDelay <= 0 {
		return
	}
	const probeInterval = 100 * time.Millisecond
	for {
		start := time.Now()
		select {
		case <-ctx.Done():
			return
		case <-time.After(probeInterval):
		}
		drift := time.Since(start) - probeInterval
		l.delayed.Store(drift > l.maxDelay)
	}
}

func (l *loadProbe) overloaded() bool {
	return l.delayed.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
