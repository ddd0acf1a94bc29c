// Package queue runs deferred background work from a bounded priority queue.
//
// Tasks are ordered by descending priority with FIFO ties. A single consumer
// loop wakes on a fixed tick, admits the head task (subject to an in-flight
// limit and an optional resource Admitter), and runs it with a timeout.
// Failed or timed-out tasks are reinserted until their retry budget is spent.
// Failures are counted, logged, and published; they never propagate back to
// the caller that enqueued the task.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/randalmurphal/taskvault/internal/boundary"
	"github.com/randalmurphal/taskvault/internal/clock"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/events"
)

// OverflowPolicy decides what happens to a task enqueued at capacity that
// does not outrank any queued task.
type OverflowPolicy string

const (
	// OverflowAccept accepts the task anyway and counts an overflow.
	OverflowAccept OverflowPolicy = "accept"
	// OverflowReject refuses the task.
	OverflowReject OverflowPolicy = "reject"
)

// Topic is the event topic queue events are published under.
const Topic = "queue"

// Config holds queue tuning. Zero fields take the defaults.
type Config struct {
	Capacity          int
	TickInterval      time.Duration
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	MaxInFlight       int
	OverflowPolicy    OverflowPolicy
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:          100,
		TickInterval:      100 * time.Millisecond,
		DefaultTimeout:    30 * time.Second,
		DefaultMaxRetries: 3,
		MaxInFlight:       4,
		OverflowPolicy:    OverflowAccept,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = d.OverflowPolicy
	}
	return c
}

// Admitter gates task starts on available resources. Admit returns an
// error to leave the task queued until a later tick, or an error wrapped
// with boundary.Permanent to fail the task without running it. On success
// the returned done func is called exactly once when the attempt finishes.
type Admitter interface {
	Admit(task *Task) (done func(elapsed time.Duration, err error), err error)
}

// FailureHook observes tasks that failed permanently.
type FailureHook func(info Info, err error)

// Queue is a bounded priority queue with a single consumer loop.
type Queue struct {
	cfg          Config
	logger       *slog.Logger
	publisher    events.Publisher
	clock        clock.Clock
	validate     *validator.Validate
	admitter     Admitter
	boundaries   *boundary.Registry
	boundaryOpts boundary.Options
	onFailure    FailureHook

	mu       sync.Mutex
	heap     taskHeap
	seq      uint64
	inFlight int
	running  bool
	closed   bool
	c        counters

	cancel     context.CancelFunc
	loop       sync.WaitGroup
	tasks      sync.WaitGroup
	taskCtx    context.Context
	abandonAll context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithPublisher sets the publisher for task events.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) {
		q.publisher = events.OrNop(p)
	}
}

// WithClock sets the clock used for enqueue times and durations.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) {
		q.clock = clock.OrReal(clk)
	}
}

// WithAdmitter gates task starts on a resource admitter.
func WithAdmitter(a Admitter) Option {
	return func(q *Queue) {
		q.admitter = a
	}
}

// WithBoundaries runs every handler under the boundary "task:<type>" from
// reg. The queue does its own retrying, so opts.MaxRetries is forced to 1.
func WithBoundaries(reg *boundary.Registry, opts boundary.Options) Option {
	return func(q *Queue) {
		opts.MaxRetries = 1
		q.boundaries = reg
		q.boundaryOpts = opts
	}
}

// WithFailureHook registers a hook called for each permanently failed task.
func WithFailureHook(h FailureHook) Option {
	return func(q *Queue) {
		q.onFailure = h
	}
}

// New creates a stopped Queue.
func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		publisher: events.NopPublisher{},
		clock:     clock.Real{},
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		heap:      make(taskHeap, 0),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.taskCtx, q.abandonAll = context.WithCancel(context.Background())
	heap.Init(&q.heap)
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue submits task. It reports whether the task was accepted. At
// capacity, a task that strictly outranks the lowest-priority queued task
// evicts it; otherwise the task is accepted with an overflow count, or
// refused under OverflowReject. A closed queue refuses with QUEUE_CLOSED.
func (q *Queue) Enqueue(task Task) (bool, error) {
	if err := q.validate.Struct(task); err != nil {
		return false, fmt.Errorf("invalid task: %w", err)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	e := &entry{
		task:       task,
		maxRetries: task.MaxRetries,
		timeout:    task.Timeout,
		enqueuedAt: q.clock.Now(),
		state:      StateQueued,
	}
	switch {
	case e.maxRetries < 0:
		e.maxRetries = 0
	case e.maxRetries == 0:
		e.maxRetries = q.cfg.DefaultMaxRetries
	}
	if e.timeout == 0 {
		e.timeout = q.cfg.DefaultTimeout
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, verrors.ErrQueueClosed
	}

	var evicted *entry
	overflowed := false
	if len(q.heap) >= q.cfg.Capacity {
		v := q.heap.victim()
		switch {
		case v != nil && task.Priority > v.task.Priority:
			heap.Remove(&q.heap, v.index)
			v.state = StatePermanentlyFailed
			evicted = v
			q.c.evicted++
		case q.cfg.OverflowPolicy == OverflowReject:
			q.c.rejected++
			size := len(q.heap)
			q.mu.Unlock()
			q.logger.Warn("task rejected, queue full",
				"task_id", task.ID,
				"task_type", task.Type,
				"priority", task.Priority,
				"size", size,
			)
			return false, nil
		default:
			q.c.overflow++
			overflowed = true
		}
	}

	q.seq++
	e.seq = q.seq
	heap.Push(&q.heap, e)
	q.c.queued++
	size := len(q.heap)
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Warn("task evicted by higher priority task",
			"task_id", evicted.task.ID,
			"task_type", evicted.task.Type,
			"priority", evicted.task.Priority,
			"by_task_id", task.ID,
			"by_priority", task.Priority,
		)
		q.publish(events.EventTaskEvicted, taskData(evicted, ""))
	}
	if overflowed {
		q.logger.Warn("queue over capacity, task accepted",
			"task_id", task.ID,
			"priority", task.Priority,
			"size", size,
			"capacity", q.cfg.Capacity,
		)
	}
	q.logger.Debug("task queued",
		"task_id", task.ID,
		"task_type", task.Type,
		"priority", task.Priority,
		"size", size,
	)
	return true, nil
}

// Start begins the consumer loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return verrors.ErrQueueClosed
	}
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue already running")
	}
	var loopCtx context.Context
	loopCtx, q.cancel = context.WithCancel(ctx)
	q.running = true
	q.mu.Unlock()

	q.logger.Info("task queue started",
		"capacity", q.cfg.Capacity,
		"tick_interval", q.cfg.TickInterval,
		"max_in_flight", q.cfg.MaxInFlight,
	)

	q.loop.Add(1)
	go q.mainLoop(loopCtx)
	return nil
}

func (q *Queue) mainLoop(ctx context.Context) {
	defer q.loop.Done()

	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick()
		}
	}
}

// tick starts as many head tasks as the in-flight limit and admitter allow.
func (q *Queue) tick() {
	for {
		e, done, refused := q.next()
		if e == nil {
			return
		}
		if refused != nil {
			q.refuse(e, refused)
			continue
		}
		q.tasks.Add(1)
		go q.run(e, done)
	}
}

// next pops the head task if it may start. A head the admitter refuses
// permanently is popped and returned with the refusal so it cannot block
// the tasks behind it; a temporary refusal leaves it queued.
func (q *Queue) next() (*entry, func(time.Duration, error), error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running || q.inFlight >= q.cfg.MaxInFlight {
		return nil, nil, nil
	}
	head := q.heap.peek()
	if head == nil {
		return nil, nil, nil
	}

	var done func(time.Duration, error)
	if q.admitter != nil {
		d, err := q.admitter.Admit(&head.task)
		if err != nil {
			if boundary.IsPermanent(err) {
				heap.Pop(&q.heap)
				head.state = StatePermanentlyFailed
				head.lastError = err.Error()
				q.c.failed++
				return head, nil, err
			}
			q.c.deferred++
			q.logger.Debug("task start deferred",
				"task_id", head.task.ID,
				"task_type", head.task.Type,
				"reason", err,
			)
			return nil, nil, nil
		}
		done = d
	}

	heap.Pop(&q.heap)
	head.state = StateInFlight
	q.inFlight++
	return head, done, nil
}

// refuse reports a task that was dropped without running.
func (q *Queue) refuse(e *entry, err error) {
	q.logger.Error("task can never be admitted",
		"task_id", e.task.ID,
		"task_type", e.task.Type,
		"priority", e.task.Priority,
		"error", err,
	)
	q.publish(events.EventTaskFailed, taskData(e, err.Error()))
	if q.onFailure != nil {
		q.onFailure(e.info(), err)
	}
}

func (q *Queue) run(e *entry, done func(time.Duration, error)) {
	defer q.tasks.Done()

	start := q.clock.Now()
	err := q.execute(e)
	elapsed := q.clock.Since(start)
	if done != nil {
		done(elapsed, err)
	}
	q.finish(e, elapsed, err)
}

// execute races the handler against the task timeout. On timeout the
// handler's result is discarded; its goroutine is left to finish.
func (q *Queue) execute(e *entry) error {
	ctx, cancel := context.WithTimeout(q.taskCtx, e.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- q.call(ctx, e)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("task %s exceeded %s: %w", e.task.ID, e.timeout, verrors.ErrTaskTimeout)
		}
		return boundary.Permanent(fmt.Errorf("task %s abandoned: %w", e.task.ID, ctx.Err()))
	}
}

func (q *Queue) call(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = boundary.Permanent(fmt.Errorf("task %s panicked: %v", e.task.ID, r))
		}
	}()

	if q.boundaries == nil {
		return e.task.Handler(ctx, e.task.Data)
	}
	b := q.boundaries.GetWith("task:"+e.task.Type, q.boundaryOpts)
	return b.Execute(ctx, func(ctx context.Context) error {
		return e.task.Handler(ctx, e.task.Data)
	})
}

func (q *Queue) finish(e *entry, elapsed time.Duration, err error) {
	q.mu.Lock()
	q.inFlight--
	q.c.attempts++

	if err == nil {
		q.c.processed++
		q.c.recordDuration(elapsed)
		e.state = StateCompleted
		data := taskData(e, "")
		q.mu.Unlock()

		q.logger.Debug("task completed",
			"task_id", data.TaskID,
			"task_type", data.TaskType,
			"duration", elapsed,
		)
		q.publish(events.EventTaskCompleted, data)
		return
	}

	if errors.Is(err, verrors.ErrTaskTimeout) {
		q.c.timeouts++
	}
	e.lastError = err.Error()

	retry := e.retryCount < e.maxRetries && !boundary.IsPermanent(err) && !q.closed
	if retry {
		e.retryCount++
		e.enqueuedAt = q.clock.Now()
		e.state = StateQueued
		q.seq++
		e.seq = q.seq
		heap.Push(&q.heap, e)
		q.c.retried++
	} else {
		e.state = StatePermanentlyFailed
		q.c.failed++
	}
	// e may be picked up again once unlocked; copy what is reported.
	data := taskData(e, err.Error())
	info := e.info()
	q.mu.Unlock()

	if retry {
		q.logger.Warn("task failed, requeued",
			"task_id", data.TaskID,
			"task_type", data.TaskType,
			"retry", data.RetryCount,
			"max_retries", info.MaxRetries,
			"error", err,
		)
		q.publish(events.EventTaskRetrying, data)
		return
	}

	q.logger.Error("task failed permanently",
		"task_id", data.TaskID,
		"task_type", data.TaskType,
		"retries", data.RetryCount,
		"error", err,
	)
	q.publish(events.EventTaskFailed, data)
	if q.onFailure != nil {
		q.onFailure(info, err)
	}
}

func taskData(e *entry, errMsg string) events.TaskData {
	return events.TaskData{
		TaskID:     e.task.ID,
		TaskType:   e.task.Type,
		Priority:   e.task.Priority,
		RetryCount: e.retryCount,
		Error:      errMsg,
	}
}

func (q *Queue) publish(t events.EventType, data events.TaskData) {
	q.publisher.Publish(events.NewEvent(t, Topic, data))
}

// Shutdown stops the consumer loop immediately, refuses new tasks, and
// waits up to timeout for in-flight tasks to finish. It reports whether
// shutdown was clean (no task still in flight). Tasks still queued are
// dropped; tasks still running when the timeout elapses are abandoned.
func (q *Queue) Shutdown(timeout time.Duration) bool {
	q.mu.Lock()
	q.closed = true
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.loop.Wait()

	clean := q.waitIdle(timeout)
	if !clean {
		q.abandonAll()
	}

	q.mu.Lock()
	dropped := len(q.heap)
	inFlight := q.inFlight
	q.mu.Unlock()

	q.logger.Info("task queue stopped",
		"clean", clean,
		"in_flight", inFlight,
		"dropped", dropped,
	)
	return clean
}

func (q *Queue) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.InFlight() == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// InFlight returns the number of running tasks.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Pending returns the queued tasks in the order they would run.
func (q *Queue) Pending() []Info {
	type ranked struct {
		info Info
		seq  uint64
	}

	q.mu.Lock()
	list := make([]ranked, 0, len(q.heap))
	for _, e := range q.heap {
		list = append(list, ranked{info: e.info(), seq: e.seq})
	}
	q.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].info.Priority != list[j].info.Priority {
			return list[i].info.Priority > list[j].info.Priority
		}
		return list[i].seq < list[j].seq
	})
	out := make([]Info, len(list))
	for i, r := range list {
		out[i] = r.info
	}
	return out
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Metrics{
		Size:              len(q.heap),
		InFlight:          q.inFlight,
		Processed:         q.c.processed,
		Queued:            q.c.queued,
		Failed:            q.c.failed,
		Retried:           q.c.retried,
		Evicted:           q.c.evicted,
		Rejected:          q.c.rejected,
		Overflow:          q.c.overflow,
		Timeouts:          q.c.timeouts,
		Deferred:          q.c.deferred,
		AvgProcessingTime: q.c.avgDuration(),
		Efficiency:        q.c.efficiency(),
	}
}
