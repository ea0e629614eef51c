// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"agentflow/platform/shared/events"
)

const (
	// DefaultMaxConcurrentTasks bounds how many tasks run at once.
	DefaultMaxConcurrentTasks = 5
	// queuePollInterval is how often a full queue rechecks for a free slot.
	queuePollInterval = 100 * time.Millisecond
)

// TaskFunc is the work a queued task performs.
type TaskFunc func(ctx context.Context) (interface{}, error)

// TaskHandle settles when its task completes or fails.
type TaskHandle struct {
	TaskID      string
	Description string

	done chan struct{}

	mu       sync.Mutex
	settled  bool
	result   interface{}
	err      error
	enqueued time.Time
	started  time.Time
}

// Done is closed once the task has settled.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task settles or ctx is cancelled.
func (h *TaskHandle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the task outcome. Valid only after the handle settles.
func (h *TaskHandle) Result() (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *TaskHandle) settle(result interface{}, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return false
	}
	h.settled = true
	h.result = result
	h.err = err
	close(h.done)
	return true
}

type queuedTask struct {
	handle *TaskHandle
	ctx    context.Context
	fn     TaskFunc
}

// QueueStats is a read-only snapshot of queue state.
type QueueStats struct {
	Depth          int   `json:"depth"`
	Active         int   `json:"active"`
	MaxConcurrency int   `json:"max_concurrency"`
	TotalEnqueued  int64 `json:"total_enqueued"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
}

// TaskQueue dispatches tasks FIFO under a concurrency bound. When a slot
// frees, the next task starts immediately; while the queue is at capacity a
// fixed-delay poll rechecks for free slots.
type TaskQueue struct {
	mu             sync.Mutex
	pending        []*queuedTask
	active         map[string]*TaskHandle
	maxConcurrency int
	accepting      bool
	started        bool
	totalEnqueued  int64
	totalCompleted int64
	totalFailed    int64

	bus    *events.Bus
	logger *log.Logger
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewTaskQueue creates a queue with the given concurrency bound; zero or
// negative means DefaultMaxConcurrentTasks.
func NewTaskQueue(maxConcurrency int, bus *events.Bus) *TaskQueue {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrentTasks
	}
	return &TaskQueue{
		active:         make(map[string]*TaskHandle),
		maxConcurrency: maxConcurrency,
		accepting:      true,
		bus:            bus,
		logger:         log.New(os.Stdout, "[TASK_QUEUE] ", log.LstdFlags),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (q *TaskQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.dispatch()
}

// Stop refuses new tasks and halts the dispatcher once called. Queued tasks
// that have not started yet stay pending; use ForceClear to settle them.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.accepting = false
		q.mu.Unlock()
		return
	}
	q.started = false
	q.accepting = false
	q.mu.Unlock()

	close(q.stop)
	<-q.done
}

// Enqueue adds a task to the back of the queue and returns its handle.
func (q *TaskQueue) Enqueue(ctx context.Context, taskID, description string, fn TaskFunc) (*TaskHandle, error) {
	handle := &TaskHandle{
		TaskID:      taskID,
		Description: description,
		done:        make(chan struct{}),
		enqueued:    time.Now(),
	}

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return nil, fmt.Errorf("task queue is not accepting new tasks")
	}
	q.pending = append(q.pending, &queuedTask{handle: handle, ctx: ctx, fn: fn})
	q.totalEnqueued++
	q.mu.Unlock()

	q.kick()
	return handle, nil
}

// kick nudges the dispatcher without blocking.
func (q *TaskQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) dispatch() {
	defer close(q.done)

	for {
		// Start everything we have room for.
		for {
			task := q.takeNext()
			if task == nil {
				break
			}
			go q.run(task)
		}

		q.mu.Lock()
		blocked := len(q.pending) > 0
		q.mu.Unlock()

		if blocked {
			// At capacity with work waiting: recheck on a fixed delay, or
			// sooner when a slot frees.
			select {
			case <-q.stop:
				return
			case <-q.wake:
			case <-time.After(queuePollInterval):
			}
		} else {
			select {
			case <-q.stop:
				return
			case <-q.wake:
			}
		}
	}
}

// takeNext pops the head of the queue if a slot is free, marking it active.
func (q *TaskQueue) takeNext() *queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || len(q.active) >= q.maxConcurrency {
		return nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	q.active[task.handle.TaskID] = task.handle
	return task
}

func (q *TaskQueue) run(task *queuedTask) {
	handle := task.handle
	handle.mu.Lock()
	handle.started = time.Now()
	handle.mu.Unlock()

	q.publish(events.Event{
		Type:   events.TaskStarted,
		TaskID: handle.TaskID,
		Data:   map[string]interface{}{"description": handle.Description},
	})

	result, err := task.fn(task.ctx)

	q.mu.Lock()
	delete(q.active, handle.TaskID)
	if err != nil {
		q.totalFailed++
	} else {
		q.totalCompleted++
	}
	q.mu.Unlock()

	if handle.settle(result, err) {
		if err != nil {
			q.logger.Printf("task %s failed: %v", handle.TaskID, err)
			q.publish(events.Event{
				Type:   events.TaskFailed,
				TaskID: handle.TaskID,
				Data:   map[string]interface{}{"error": err.Error()},
			})
		} else {
			q.publish(events.Event{
				Type:   events.TaskCompleted,
				TaskID: handle.TaskID,
				Data:   map[string]interface{}{"duration_ms": time.Since(handle.started).Milliseconds()},
			})
		}
	}

	// A slot just freed: dispatch the next task immediately.
	q.kick()
}

// Depth returns how many tasks are waiting to start.
func (q *TaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ActiveCount returns how many tasks are currently running.
func (q *TaskQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// ActiveTasks returns the ids of the currently running tasks.
func (q *TaskQueue) ActiveTasks() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a snapshot of queue counters.
func (q *TaskQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:          len(q.pending),
		Active:         len(q.active),
		MaxConcurrency: q.maxConcurrency,
		TotalEnqueued:  q.totalEnqueued,
		TotalCompleted: q.totalCompleted,
		TotalFailed:    q.totalFailed,
	}
}

// ForceClear settles every pending and active handle with an error and
// clears the bookkeeping. In-flight work is abandoned, not aborted: a
// goroutine still running simply finds its handle already settled.
func (q *TaskQueue) ForceClear() int {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	active := make([]*TaskHandle, 0, len(q.active))
	for _, handle := range q.active {
		active = append(active, handle)
	}
	q.active = make(map[string]*TaskHandle)
	q.mu.Unlock()

	cleared := 0
	for _, task := range pending {
		if task.handle.settle(nil, fmt.Errorf("task %s cleared before it started", task.handle.TaskID)) {
			cleared++
		}
	}
	for _, handle := range active {
		if handle.settle(nil, fmt.Errorf("task %s cleared while running", handle.TaskID)) {
			cleared++
		}
	}

	if cleared > 0 {
		q.logger.Printf("force-cleared %d unsettled task(s)", cleared)
	}
	return cleared
}

func (q *TaskQueue) publish(evt events.Event) {
	if q.bus != nil {
		q.bus.Publish(evt)
	}
}
