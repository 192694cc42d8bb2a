// Package tasks is the background job runtime: a Resque wire-compatible
// queue, a leader-elected scheduler for delayed and recurring jobs, and a
// worker pool that dispatches jobs through the same action pipeline the web
// transports use.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keryx-io/keryx/core"
)

// Redis key layout, shared with every Resque-compatible consumer.
const (
	queueKeyPrefix     = "resque:queue:"
	queuesKey          = "resque:queues"
	delayedKeyPrefix   = "resque:delayed:"
	delayedScheduleKey = "resque:delayed_queue_schedule"
	failedKey          = "resque:failed"
	schedulerLockKey   = "resque:scheduler_lock"
	enqueueLockPrefix  = "resque:lock:"
	execLockPrefix     = "resque:workerslock:"

	// DefaultQueue receives jobs whose action declares no queue.
	DefaultQueue = "default"

	// enqueueLockTTL caps how long a pending-job lock can outlive a
	// crashed worker that never released it.
	enqueueLockTTL = time.Hour
)

func queueKey(queue string) string {
	return queueKeyPrefix + queue
}

func delayedKey(ts int64) string {
	return delayedKeyPrefix + strconv.FormatInt(ts, 10)
}

// JobRecord is the Resque wire record for one queued job. Args holds exactly
// one element, per Resque convention.
type JobRecord struct {
	Class string              `json:"class"`
	Queue string              `json:"queue"`
	Args  []core.ActionParams `json:"args"`
}

// ArgsMap returns the job's single argument mapping, never nil.
func (j JobRecord) ArgsMap() core.ActionParams {
	if len(j.Args) == 0 {
		return core.ActionParams{}
	}
	if j.Args[0] == nil {
		return core.ActionParams{}
	}
	return j.Args[0]
}

func encodeJob(class, queue string, args core.ActionParams) (string, error) {
	if args == nil {
		args = core.ActionParams{}
	}
	data, err := json.Marshal(JobRecord{
		Class: class,
		Queue: queue,
		Args:  []core.ActionParams{args},
	})
	if err != nil {
		return "", core.WrapError(core.KindTaskValidation,
			fmt.Sprintf("cannot serialize job for %s", class), err)
	}
	return string(data), nil
}

func decodeJob(raw string) (JobRecord, error) {
	var job JobRecord
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return JobRecord{}, core.WrapError(core.KindTaskValidation,
			"cannot parse job record", err)
	}
	return job, nil
}

// jobSignature is the stable lock suffix for one class+args on a queue.
// json.Marshal sorts map keys, so identical args always produce the same
// signature.
func jobSignature(queue, class string, args core.ActionParams) string {
	if args == nil {
		args = core.ActionParams{}
	}
	data, _ := json.Marshal(args)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s:%s:%x", queue, class, sum[:8])
}

// Queue is the enqueue side of the job runtime plus its inspection surface.
type Queue struct {
	redis   *core.RedisClient
	actions *core.ActionRegistry
	logger  core.Logger
}

func NewQueue(redisClient *core.RedisClient, actions *core.ActionRegistry, logger core.Logger) *Queue {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/tasks")
	}
	return &Queue{redis: redisClient, actions: actions, logger: logger}
}

// resolve maps an action name to its target queue. Queue precedence: explicit
// argument, then the action's task binding, then the default queue.
func (q *Queue) resolve(actionName, explicit string) (string, *core.Action, error) {
	action, ok := q.actions.Get(actionName)
	if !ok {
		return "", nil, core.NewTypedError(core.KindTaskDefinition,
			fmt.Sprintf("cannot enqueue unknown action: %s", actionName))
	}
	if explicit != "" {
		return explicit, action, nil
	}
	return action.QueueName(), action, nil
}

// Enqueue pushes one job. The returned bool is false when a recurring
// action's pending-job lock suppressed the enqueue: an identical job is
// already queued or running.
func (q *Queue) Enqueue(ctx context.Context, actionName string, args core.ActionParams, queue string) (bool, error) {
	queueName, action, err := q.resolve(actionName, queue)
	if err != nil {
		return false, err
	}

	if action.Recurring() {
		acquired, err := q.acquireEnqueueLock(ctx, queueName, actionName, args)
		if err != nil {
			return false, err
		}
		if !acquired {
			return false, nil
		}
	}

	record, err := encodeJob(actionName, queueName, args)
	if err != nil {
		return false, err
	}

	pipe := q.redis.Client().TxPipeline()
	pipe.SAdd(ctx, queuesKey, queueName)
	pipe.RPush(ctx, queueKey(queueName), record)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, core.WrapError(core.KindRedisConnection,
			fmt.Sprintf("enqueue to %s failed", queueName), err)
	}
	return true, nil
}

// EnqueueIn schedules a job delay from now.
func (q *Queue) EnqueueIn(ctx context.Context, delay time.Duration, actionName string, args core.ActionParams, queue string) (bool, error) {
	return q.EnqueueAt(ctx, time.Now().Add(delay), actionName, args, queue)
}

// EnqueueAt schedules a job for a wall-clock time, at one-second granularity.
// An identical payload already waiting at the same timestamp is rejected, and
// recurring actions additionally go through the pending-job lock.
func (q *Queue) EnqueueAt(ctx context.Context, at time.Time, actionName string, args core.ActionParams, queue string) (bool, error) {
	queueName, action, err := q.resolve(actionName, queue)
	if err != nil {
		return false, err
	}

	if action.Recurring() {
		acquired, err := q.acquireEnqueueLock(ctx, queueName, actionName, args)
		if err != nil {
			return false, err
		}
		if !acquired {
			return false, nil
		}
	}

	record, err := encodeJob(actionName, queueName, args)
	if err != nil {
		return false, err
	}

	ts := at.Unix()
	key := delayedKey(ts)

	duplicate, err := q.scheduledAlready(ctx, key, record)
	if err != nil {
		return false, err
	}
	if duplicate {
		return false, nil
	}

	pipe := q.redis.Client().TxPipeline()
	pipe.RPush(ctx, key, record)
	pipe.ZAdd(ctx, delayedScheduleKey, redis.Z{
		Score:  float64(ts),
		Member: strconv.FormatInt(ts, 10),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, core.WrapError(core.KindRedisConnection,
			"delayed enqueue failed", err)
	}
	return true, nil
}

// requeueRecordAt reschedules an already-encoded record, bypassing the
// pending lock: the job was enqueued once and is only being moved.
func (q *Queue) requeueRecordAt(ctx context.Context, ts int64, record string) error {
	key := delayedKey(ts)
	duplicate, err := q.scheduledAlready(ctx, key, record)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}
	pipe := q.redis.Client().TxPipeline()
	pipe.RPush(ctx, key, record)
	pipe.ZAdd(ctx, delayedScheduleKey, redis.Z{
		Score:  float64(ts),
		Member: strconv.FormatInt(ts, 10),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.KindRedisConnection, "job requeue failed", err)
	}
	return nil
}

func (q *Queue) scheduledAlready(ctx context.Context, key, record string) (bool, error) {
	pending, err := q.redis.Client().LRange(ctx, key, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return false, core.WrapError(core.KindRedisConnection,
			"delayed duplicate check failed", err)
	}
	for _, existing := range pending {
		if existing == record {
			return true, nil
		}
	}
	return false, nil
}

// acquireEnqueueLock takes the queue-level pending lock for a recurring job.
// The worker releases it after the run.
func (q *Queue) acquireEnqueueLock(ctx context.Context, queueName, actionName string, args core.ActionParams) (bool, error) {
	key := enqueueLockPrefix + jobSignature(queueName, actionName, args)
	acquired, err := q.redis.SetNX(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), enqueueLockTTL)
	if err != nil {
		return false, core.WrapError(core.KindRedisConnection,
			"pending lock acquire failed", err)
	}
	return acquired, nil
}

func (q *Queue) releaseEnqueueLock(ctx context.Context, queueName, actionName string, args core.ActionParams) {
	key := enqueueLockPrefix + jobSignature(queueName, actionName, args)
	if err := q.redis.Del(ctx, key); err != nil {
		q.logger.Warn("Pending lock release failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Queues lists the known queue names, sorted.
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	names, err := q.redis.SMembers(ctx, queuesKey)
	if err != nil {
		return nil, core.WrapError(core.KindRedisConnection, "queue list failed", err)
	}
	sort.Strings(names)
	return names, nil
}

// QueueLength returns the number of pending jobs in one queue.
func (q *Queue) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := q.redis.Client().LLen(ctx, queueKey(queue)).Result()
	if err != nil && err != redis.Nil {
		return 0, core.WrapError(core.KindRedisConnection, "queue length failed", err)
	}
	return n, nil
}

// DelQueue drops a queue and its pending jobs.
func (q *Queue) DelQueue(ctx context.Context, queue string) error {
	pipe := q.redis.Client().TxPipeline()
	pipe.Del(ctx, queueKey(queue))
	pipe.SRem(ctx, queuesKey, queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.KindRedisConnection, "queue delete failed", err)
	}
	return nil
}

// DelayedTimestamps returns the scheduled timestamps, ascending.
func (q *Queue) DelayedTimestamps(ctx context.Context) ([]int64, error) {
	members, err := q.redis.Client().ZRange(ctx, delayedScheduleKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, core.WrapError(core.KindRedisConnection,
			"delayed schedule read failed", err)
	}
	timestamps := make([]int64, 0, len(members))
	for _, member := range members {
		ts, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps, nil
}

// AllDelayed returns every scheduled job keyed by timestamp.
func (q *Queue) AllDelayed(ctx context.Context) (map[int64][]JobRecord, error) {
	timestamps, err := q.DelayedTimestamps(ctx)
	if err != nil {
		return nil, err
	}

	all := make(map[int64][]JobRecord, len(timestamps))
	for _, ts := range timestamps {
		raws, err := q.redis.Client().LRange(ctx, delayedKey(ts), 0, -1).Result()
		if err != nil && err != redis.Nil {
			return nil, core.WrapError(core.KindRedisConnection,
				"delayed list read failed", err)
		}
		jobs := make([]JobRecord, 0, len(raws))
		for _, raw := range raws {
			job, err := decodeJob(raw)
			if err != nil {
				q.logger.Warn("Skipping malformed delayed job", map[string]interface{}{
					"timestamp": ts,
					"error":     err.Error(),
				})
				continue
			}
			jobs = append(jobs, job)
		}
		all[ts] = jobs
	}
	return all, nil
}
