package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrLaneDropped is returned to tasks still queued when their lane is dropped.
var ErrLaneDropped = errors.New("lane dropped")

// ErrClosed is returned when enqueueing on a closed queue.
var ErrClosed = errors.New("command queue closed")

// Task represents an operation executed in a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides per-task configuration
type TaskOptions struct {
	// DedupKey makes the task idempotent within the lane: a later task with
	// the same key returns the first successful result without running.
	DedupKey string
	// WarnAfter logs a warning when the task waits longer than this in the lane.
	WarnAfter time.Duration
}

// Options configures a CommandQueue
type Options struct {
	DedupTTL time.Duration
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	generation int
	queue      []*taskRecord
	running    bool
	mu         sync.Mutex
}

// CommandQueue serializes tasks per lane. Lanes are created on first use and
// run one task at a time; different lanes run concurrently.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedup     *dedupCache
}

// New creates a new CommandQueue
func New(opts Options) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		dedup:  newDedupCache(ctx, opts.DedupTTL),
	}
}

// Enqueue adds a task to the lane and blocks until it has run.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "vice.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane))
	defer span.End()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	if opts.DedupKey != "" {
		if cached, ok := cq.dedup.Get(lane, opts.DedupKey); ok {
			log.Debug().Str("lane", lane).Str("dedup_key", opts.DedupKey).Msg("Returning deduplicated result")
			return cached.value, cached.err
		}
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls)
	}

	cq.processLane(lane, ls)

	select {
	case result := <-record.result:
		if result.err != nil {
			tracing.Fail(span, result.err)
		}
		return result.value, result.err
	case <-ctx.Done():
		// The task still runs when it reaches the head of the lane; only the
		// caller stops waiting.
		return nil, ctx.Err()
	}
}

// processLane starts the head task if the lane is idle.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for !ls.running && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneDropped}
			continue
		}

		ls.running = true
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "vice.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	// Tasks outlive a caller that stopped waiting, but not the queue.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(taskCtx))
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()

	var result taskResult
	if cached, ok := cq.dedup.Get(lane, record.options.DedupKey); ok && record.options.DedupKey != "" {
		result = cached
	} else {
		value, err := record.task(runCtx)
		result = taskResult{value: value, err: err}
		if err == nil && record.options.DedupKey != "" {
			cq.dedup.Set(lane, record.options.DedupKey, result)
		}
	}

	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running = false
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- result

	if result.err != nil {
		tracing.Fail(span, result.err)
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(result.err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(duration, result.err == nil, queueSize)

	cq.processLane(lane, ls)
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Dur("wait", wait).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")
		}
	case <-cq.ctx.Done():
	}
}

// Stats returns the lane count and total queued tasks
func (cq *CommandQueue) Stats() (lanes int, queued int) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	for _, ls := range cq.lanes {
		ls.mu.Lock()
		queued += len(ls.queue)
		ls.mu.Unlock()
	}
	return len(cq.lanes), queued
}

// DropLane rejects every queued task in the lane with ErrLaneDropped and
// forgets its dedup keys. A task already running finishes normally.
func (cq *CommandQueue) DropLane(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	if exists {
		delete(cq.lanes, lane)
	}
	cq.mu.Unlock()

	cq.dedup.DropLane(lane)

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneDropped}
	}
	ls.queue = nil

	log.Debug().Str("lane", lane).Int("dropped", count).Msg("Lane dropped")
	return count
}

// WaitForActive waits for running tasks to complete, up to timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close cancels running tasks, rejects queued ones and waits for workers.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]string, 0, len(cq.lanes))
	for lane := range cq.lanes {
		lanes = append(lanes, lane)
	}
	cq.mu.Unlock()

	for _, lane := range lanes {
		cq.DropLane(lane)
	}

	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}
