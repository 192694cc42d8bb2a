package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/keryx-io/keryx/core"
)

const (
	// FanOutParam is the reserved argument carrying the aggregate id into
	// each child job.
	FanOutParam = "_fanOutId"

	fanOutKeyPrefix = "fanout:"

	// DefaultFanOutBatchSize bounds concurrent enqueues per batch.
	DefaultFanOutBatchSize = 10

	// DefaultFanOutResultTTL is how long aggregate state outlives the last
	// write to it.
	DefaultFanOutResultTTL = 600 * time.Second
)

func fanOutHashKey(id string) string    { return fanOutKeyPrefix + id }
func fanOutResultsKey(id string) string { return fanOutKeyPrefix + id + ":results" }
func fanOutErrorsKey(id string) string  { return fanOutKeyPrefix + id + ":errors" }

// FanOutOptions tunes one fan-out call. Zero values take the defaults.
type FanOutOptions struct {
	BatchSize int
	ResultTTL time.Duration
}

// FanOutReceipt is returned from FanOut. Enqueued plus the error count always
// equals the number of inputs.
type FanOutReceipt struct {
	FanOutID   string   `json:"fanOutId"`
	ActionName string   `json:"actionName"`
	Queue      string   `json:"queue"`
	Enqueued   int      `json:"enqueued"`
	Errors     []string `json:"errors"`
}

// FanOutStatus is the aggregate view of one fan-out. An unknown id yields the
// zero value.
type FanOutStatus struct {
	FanOutID   string        `json:"fanOutId"`
	ActionName string        `json:"actionName"`
	Queue      string        `json:"queue"`
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Results    []interface{} `json:"results"`
	Errors     []string      `json:"errors"`
}

// FanOut enqueues one child job per input, all tagged with a fresh aggregate
// id, and returns immediately; workers fold their completions into the
// aggregate as they run.
func (q *Queue) FanOut(ctx context.Context, actionName string, inputs []core.ActionParams, queue string, opts FanOutOptions) (*FanOutReceipt, error) {
	queueName, _, err := q.resolve(actionName, queue)
	if err != nil {
		return nil, err
	}
	for i, input := range inputs {
		if input.Exists(FanOutParam) {
			return nil, core.NewTypedError(core.KindTaskValidation,
				fmt.Sprintf("input %d already carries %s", i, FanOutParam))
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultFanOutBatchSize
	}
	resultTTL := opts.ResultTTL
	if resultTTL <= 0 {
		resultTTL = DefaultFanOutResultTTL
	}

	id := uuid.New().String()
	client := q.redis.Client()

	if err := client.HSet(ctx, fanOutHashKey(id), map[string]interface{}{
		"total":      len(inputs),
		"completed":  0,
		"failed":     0,
		"actionName": actionName,
		"queue":      queueName,
	}).Err(); err != nil {
		return nil, core.WrapError(core.KindRedisConnection, "fan-out aggregate create failed", err)
	}

	receipt := &FanOutReceipt{
		FanOutID:   id,
		ActionName: actionName,
		Queue:      queueName,
		Errors:     []string{},
	}

	var mu sync.Mutex
	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, input := range inputs[start:end] {
			input := input
			g.Go(func() error {
				args := input.Clone()
				if args == nil {
					args = core.ActionParams{}
				}
				args[FanOutParam] = id

				enqueued, err := q.Enqueue(gctx, actionName, args, queueName)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					receipt.Errors = append(receipt.Errors, err.Error())
				case !enqueued:
					receipt.Errors = append(receipt.Errors, "enqueue suppressed by pending job lock")
				default:
					receipt.Enqueued++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	pipe := client.TxPipeline()
	pipe.Expire(ctx, fanOutHashKey(id), resultTTL)
	pipe.Expire(ctx, fanOutResultsKey(id), resultTTL)
	pipe.Expire(ctx, fanOutErrorsKey(id), resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("Fan-out TTL apply failed", map[string]interface{}{
			"fan_out_id": id,
			"error":      err.Error(),
		})
	}

	q.logger.Info("Fan-out enqueued", map[string]interface{}{
		"fan_out_id": id,
		"action":     actionName,
		"queue":      queueName,
		"total":      len(inputs),
		"enqueued":   receipt.Enqueued,
		"errors":     len(receipt.Errors),
	})
	return receipt, nil
}

// FanOutStatus reads the aggregate for one fan-out id.
func (q *Queue) FanOutStatus(ctx context.Context, id string) (*FanOutStatus, error) {
	client := q.redis.Client()

	fields, err := client.HGetAll(ctx, fanOutHashKey(id)).Result()
	if err != nil && err != redis.Nil {
		return nil, core.WrapError(core.KindRedisConnection, "fan-out aggregate read failed", err)
	}

	status := &FanOutStatus{
		FanOutID:   id,
		ActionName: fields["actionName"],
		Queue:      fields["queue"],
		Results:    []interface{}{},
		Errors:     []string{},
	}
	status.Total, _ = strconv.Atoi(fields["total"])
	status.Completed, _ = strconv.Atoi(fields["completed"])
	status.Failed, _ = strconv.Atoi(fields["failed"])

	results, err := client.LRange(ctx, fanOutResultsKey(id), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, core.WrapError(core.KindRedisConnection, "fan-out results read failed", err)
	}
	for _, raw := range results {
		var decoded interface{}
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			decoded = raw
		}
		status.Results = append(status.Results, decoded)
	}

	errorsList, err := client.LRange(ctx, fanOutErrorsKey(id), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, core.WrapError(core.KindRedisConnection, "fan-out errors read failed", err)
	}
	status.Errors = append(status.Errors, errorsList...)

	return status, nil
}
