package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartpick/engine/internal/core"
)

const (
	operationEnqueue = "enqueue_mutation"
	operationDrain   = "drain_queue"

	defaultMaxRetries = 3
	drainBatchSize    = 100
)

// Replayer applies one queued mutation against live state.
type Replayer interface {
	Replay(ctx context.Context, mutation core.QueuedMutation) error
}

// Queue is the durable mutation queue. Writes that fail with a connectivity
// error are parked here and replayed when the backend is reachable again.
type Queue struct {
	store    core.Store
	replayer Replayer
	nowFn    func() int64
	logger   core.OperationLogger
	draining atomic.Bool
}

// QueueOption configures a Queue instance.
type QueueOption func(*Queue)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger core.OperationLogger) QueueOption {
	return func(queue *Queue) {
		queue.logger = logger
	}
}

// NewQueue wires a Queue.
func NewQueue(store core.Store, replayer Replayer, now func() int64, options ...QueueOption) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", core.ErrInvalidServiceConfig)
	}
	if replayer == nil {
		return nil, fmt.Errorf("%w: replayer dependency is nil", core.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", core.ErrInvalidServiceConfig)
	}
	queue := &Queue{store: store, replayer: replayer, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(queue)
		}
	}
	return queue, nil
}

// Enqueue stores a mutation for later replay. The payload must already be
// JSON; callers marshal their own payload types.
func (queue *Queue) Enqueue(ctx context.Context, mutationType core.MutationType, payload any) (core.QueuedMutation, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return core.QueuedMutation{}, fmt.Errorf("%w: payload not serializable: %v", core.ErrInvalidAction, err)
	}
	mutation := core.QueuedMutation{
		MutationID:      uuid.NewString(),
		Type:            mutationType,
		PayloadJSON:     string(encoded),
		MaxRetries:      defaultMaxRetries,
		EnqueuedUnixUTC: queue.nowFn(),
	}
	operationError := queue.store.InsertQueuedMutation(ctx, mutation)
	queue.logOperation(ctx, core.OperationLog{
		Operation: operationEnqueue,
		Reason:    core.Reason(mutationType),
		Error:     operationError,
	})
	if operationError != nil {
		return core.QueuedMutation{}, operationError
	}
	return mutation, nil
}

// Report summarizes one drain pass.
type Report struct {
	Processed int
	Succeeded int
	Failed    int
	Dropped   int
}

// Drain replays queued mutations in enqueue order. At most one drain runs at
// a time; a concurrent call returns immediately with an empty report. A
// mutation that keeps failing is dropped once its retry budget is spent.
func (queue *Queue) Drain(ctx context.Context) (Report, error) {
	if !queue.draining.CompareAndSwap(false, true) {
		return Report{}, nil
	}
	defer queue.draining.Store(false)

	var report Report
	mutations, err := queue.store.ListQueuedMutations(ctx, drainBatchSize)
	if err != nil {
		return Report{}, err
	}
	for _, mutation := range mutations {
		report.Processed++
		replayErr := queue.replayer.Replay(ctx, mutation)
		if replayErr == nil {
			if err := queue.store.DeleteQueuedMutation(ctx, mutation.MutationID); err != nil {
				return report, err
			}
			report.Succeeded++
			continue
		}
		mutation.Retries++
		if mutation.Retries >= mutation.MaxRetries {
			if err := queue.store.DeleteQueuedMutation(ctx, mutation.MutationID); err != nil {
				return report, err
			}
			report.Dropped++
			queue.logOperation(ctx, core.OperationLog{
				Operation: operationDrain,
				Reason:    core.Reason(mutation.Type),
				Status:    core.OperationStatusError,
				Error:     fmt.Errorf("mutation %s dropped after %d retries: %w", mutation.MutationID, mutation.Retries, replayErr),
			})
			continue
		}
		if err := queue.store.UpdateQueuedMutationRetries(ctx, mutation.MutationID, mutation.Retries, replayErr.Error()); err != nil {
			return report, err
		}
		report.Failed++
	}
	queue.logOperation(ctx, core.OperationLog{Operation: operationDrain})
	return report, nil
}

// Run drains on every tick and on every signal from online until ctx ends.
// online may be nil.
func (queue *Queue) Run(ctx context.Context, online <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-online:
		}
		if _, err := queue.Drain(ctx); err != nil {
			queue.logOperation(ctx, core.OperationLog{
				Operation: operationDrain,
				Status:    core.OperationStatusError,
				Error:     err,
			})
		}
	}
}

// Pending returns queued mutations awaiting replay.
func (queue *Queue) Pending(ctx context.Context, limit int) ([]core.QueuedMutation, error) {
	return queue.store.ListQueuedMutations(ctx, limit)
}

func (queue *Queue) logOperation(ctx context.Context, entry core.OperationLog) {
	if queue.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = core.OperationStatusError
		} else {
			entry.Status = core.OperationStatusOK
		}
	}
	queue.logger.LogOperation(ctx, entry)
}
