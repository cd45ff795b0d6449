// Package scheduler runs independent units of work on a fixed pool of
// workers, highest priority first, each under its own timeout.
//
// Ordering holds only among items queued when a worker frees up: a HIGH
// item never preempts a NORMAL item that is already running.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/domain"
)

// Priority tiers. Lower values run first.
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts "high", "normal" or "low". Empty means Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "normal", "":
		return Normal, nil
	case "low":
		return Low, nil
	}
	return Normal, fmt.Errorf("unknown priority %q (use high, normal or low)", s)
}

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Work is one unit of work. ctx is canceled when the task times out.
type Work func(ctx context.Context) (any, error)

// Handle is the caller's view of a submitted task.
type Handle struct {
	ID       string
	Priority Priority

	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newHandle(p Priority) *Handle {
	return &Handle{ID: uuid.NewString(), Priority: p, done: make(chan struct{})}
}

func (h *Handle) resolve(v any, err error) {
	h.once.Do(func() {
		h.value, h.err = v, err
		close(h.done)
	})
}

// Done is closed once the task has a result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	handle *Handle
	work   Work
	seq    uint64
	queued time.Time
}

// taskQueue orders by priority, then admission order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].handle.Priority != q[j].handle.Priority {
		return q[i].handle.Priority < q[j].handle.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics records queue and task metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithTaskTimeout overrides the configured per-task timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithWorkers overrides the configured worker count.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// Pool is a bounded worker pool fed by a priority heap.
type Pool struct {
	workers int
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskQueue
	seq      uint64
	started  bool
	stopping bool
	ctx      context.Context
	wg       sync.WaitGroup
}

// New creates a pool from config. Call Start to launch the workers.
func New(cfg *config.SchedulerConfig, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		workers: cfg.Workers(),
		timeout: cfg.TaskTimeout(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Work contexts derive from ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("scheduler already started")
	}
	if p.stopping {
		return ErrStopped
	}
	p.started = true
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("scheduler started",
		slog.Int("workers", p.workers),
		slog.Duration("task_timeout", p.timeout),
	)
	return nil
}

// Submit enqueues work and returns immediately. After Stop the returned
// handle is already failed with ErrStopped.
func (p *Pool) Submit(work Work, priority Priority) *Handle {
	h := newHandle(priority)

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		h.resolve(nil, ErrStopped)
		return h
	}
	p.seq++
	heap.Push(&p.queue, &task{handle: h, work: work, seq: p.seq, queued: time.Now()})
	depth := p.queue.Len()
	p.cond.Signal()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Submitted.WithLabelValues(priority.String()).Inc()
		p.metrics.QueueDepth.Set(float64(depth))
	}
	return h
}

// Pending returns the number of queued tasks not yet picked by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Stop refuses new work, lets the workers drain the queue, then waits
// for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopping = true
	started := p.started
	p.cond.Broadcast()
	p.mu.Unlock()

	if !started {
		// Nothing will ever run the queue.
		p.failPending()
		return
	}
	p.wg.Wait()
	p.logger.Info("scheduler stopped")
}

func (p *Pool) failPending() {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, t := range pending {
		t.handle.resolve(nil, ErrStopped)
	}
}

func (p *Pool) next() (*task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() == 0 {
		if p.stopping {
			return nil, false
		}
		p.cond.Wait()
	}
	t := heap.Pop(&p.queue).(*task)
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	}
	return t, true
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.run(id, t)
	}
}

type outcome struct {
	value any
	err   error
}

// run races the work against the timeout. A timed-out task keeps running
// in its own goroutine with a canceled context; its result is discarded.
func (p *Pool) run(worker int, t *task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	if p.metrics != nil {
		p.metrics.QueueWait.Observe(time.Since(t.queued).Seconds())
	}

	result := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		v, err := t.work(ctx)
		result <- outcome{value: v, err: err}
	}()

	start := time.Now()
	status := "success"
	select {
	case out := <-result:
		if out.err != nil {
			status = "error"
		}
		t.handle.resolve(out.value, out.err)
	case <-ctx.Done():
		status = "timeout"
		if p.ctx.Err() != nil {
			status = "canceled"
			t.handle.resolve(nil, p.ctx.Err())
		} else {
			p.logger.Warn("scheduled task timed out",
				slog.String("task_id", t.handle.ID),
				slog.Int("worker", worker),
				slog.Duration("timeout", p.timeout),
			)
			t.handle.resolve(nil, fmt.Errorf("%w: task %s after %s", domain.ErrTimeout, t.handle.ID, p.timeout))
		}
	}

	if p.metrics != nil {
		p.metrics.Completed.WithLabelValues(status).Inc()
		p.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	}
	p.logger.Debug("scheduled task finished",
		slog.String("task_id", t.handle.ID),
		slog.String("priority", t.handle.Priority.String()),
		slog.String("status", status),
	)
}
