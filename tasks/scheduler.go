package tasks

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keryx-io/keryx/core"
)

// Scheduler promotes due delayed jobs into their queues and seeds recurring
// actions. Every process runs one, but only the current leader touches Redis:
// leadership is a SET NX lock refreshed each poll, so a crashed leader is
// replaced within two polling intervals.
type Scheduler struct {
	queue     *Queue
	redis     *core.RedisClient
	actions   *core.ActionRegistry
	config    core.TasksConfig
	processID string
	logger    core.Logger

	running      atomic.Bool
	leader       atomic.Bool
	bootstrapped atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewScheduler(queue *Queue, redisClient *core.RedisClient, actions *core.ActionRegistry, config core.TasksConfig, processID string, logger core.Logger) *Scheduler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/scheduler")
	}
	return &Scheduler{
		queue:     queue,
		redis:     redisClient,
		actions:   actions,
		config:    config,
		processID: processID,
		logger:    logger,
	}
}

// Start launches the polling loop. The loop runs until Stop; the passed
// context only bounds startup.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(loopCtx)

	s.logger.Info("Scheduler started", map[string]interface{}{
		"interval": s.config.SchedulerInterval().String(),
	})
	return nil
}

// Stop halts polling and releases leadership so another process can take
// over immediately instead of waiting for the lock to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return core.NewTypedError(core.KindServerStop, "scheduler did not stop in time")
	}

	if s.leader.Load() {
		s.releaseLeadership(context.Background())
	}
	return nil
}

// IsLeader reports whether this process currently owns the scheduler lock.
func (s *Scheduler) IsLeader() bool {
	return s.leader.Load()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SchedulerInterval())
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	wasLeader := s.leader.Load()
	isLeader := s.ensureLeadership(ctx)
	s.leader.Store(isLeader)

	if !isLeader {
		if wasLeader {
			s.logger.Warn("Scheduler leadership lost", map[string]interface{}{
				"process": s.processID,
			})
		}
		return
	}
	if !wasLeader {
		s.logger.Info("Scheduler leadership acquired", map[string]interface{}{
			"process": s.processID,
		})
	}

	if s.bootstrapped.CompareAndSwap(false, true) {
		s.bootstrapRecurring(ctx)
	}
	s.promoteDue(ctx)
}

// ensureLeadership acquires or refreshes the scheduler lock. The TTL is twice
// the polling interval so a single missed poll does not forfeit leadership.
func (s *Scheduler) ensureLeadership(ctx context.Context) bool {
	ttl := 2 * s.config.SchedulerInterval()

	acquired, err := s.redis.SetNX(ctx, schedulerLockKey, s.processID, ttl)
	if err != nil {
		s.logger.Error("Scheduler lock acquire failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	if acquired {
		return true
	}

	holder, err := s.redis.Get(ctx, schedulerLockKey)
	if err != nil || holder != s.processID {
		return false
	}
	if err := s.redis.Expire(ctx, schedulerLockKey, ttl); err != nil {
		s.logger.Error("Scheduler lock refresh failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	return true
}

func (s *Scheduler) releaseLeadership(ctx context.Context) {
	holder, err := s.redis.Get(ctx, schedulerLockKey)
	if err != nil || holder != s.processID {
		return
	}
	if err := s.redis.Del(ctx, schedulerLockKey); err != nil {
		s.logger.Warn("Scheduler lock release failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.leader.Store(false)
}

// bootstrapRecurring gives every recurring action its first delayed enqueue.
// The pending-job lock makes this a no-op for actions another process already
// scheduled.
func (s *Scheduler) bootstrapRecurring(ctx context.Context) {
	for _, action := range s.actions.Recurring() {
		enqueued, err := s.queue.EnqueueIn(ctx, action.Task.Frequency, action.Name, nil, "")
		if err != nil {
			s.logger.Error("Recurring bootstrap failed", map[string]interface{}{
				"action": action.Name,
				"error":  err.Error(),
			})
			continue
		}
		if enqueued {
			s.logger.Info("Recurring task scheduled", map[string]interface{}{
				"action":    action.Name,
				"queue":     action.QueueName(),
				"frequency": action.Task.Frequency.String(),
			})
		}
	}
}

// promoteDue moves every job whose timestamp has passed into its target
// queue, preserving order, then drops the drained timestamp list.
func (s *Scheduler) promoteDue(ctx context.Context) {
	client := s.redis.Client()
	now := time.Now().Unix()

	due, err := client.ZRangeByScore(ctx, delayedScheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil && err != redis.Nil {
		s.logger.Error("Delayed schedule read failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for _, member := range due {
		ts, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			client.ZRem(ctx, delayedScheduleKey, member)
			continue
		}
		s.promoteTimestamp(ctx, ts)
	}
}

func (s *Scheduler) promoteTimestamp(ctx context.Context, ts int64) {
	client := s.redis.Client()
	key := delayedKey(ts)
	promoted := 0

	for {
		raw, err := client.LPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			s.logger.Error("Delayed job pop failed", map[string]interface{}{
				"timestamp": ts,
				"error":     err.Error(),
			})
			return
		}

		job, err := decodeJob(raw)
		if err != nil {
			s.logger.Warn("Dropping malformed delayed job", map[string]interface{}{
				"timestamp": ts,
				"error":     err.Error(),
			})
			continue
		}

		pipe := client.TxPipeline()
		pipe.SAdd(ctx, queuesKey, job.Queue)
		pipe.RPush(ctx, queueKey(job.Queue), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			// Push the record back so it is not lost; it will be retried
			// next poll.
			client.RPush(ctx, key, raw)
			s.logger.Error("Delayed job promotion failed", map[string]interface{}{
				"timestamp": ts,
				"queue":     job.Queue,
				"error":     err.Error(),
			})
			return
		}
		promoted++
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, delayedScheduleKey, strconv.FormatInt(ts, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Delayed timestamp cleanup failed", map[string]interface{}{
			"timestamp": ts,
			"error":     err.Error(),
		})
		return
	}

	if promoted > 0 {
		s.logger.Debug("Delayed jobs promoted", map[string]interface{}{
			"timestamp": ts,
			"count":     promoted,
		})
	}
}
