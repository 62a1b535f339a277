// Package opqueue runs tasks through serial queues that share one worker
// pool. Each queue runs its own tasks one at a time in submission order;
// queue priority only decides which ready queue an idle worker serves first.
package opqueue

import (
	"context"
	"log/slog"
	"sync"
)

type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityDefault
	PriorityHigh
)

type Task func(ctx context.Context) error

type Executor struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*Queue
	closed  bool
	readSeq uint64
}

func NewExecutor(workers int, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		logger: logger.With(slog.String("component", "opqueue")),
		ctx:    ctx,
		cancel: cancel,
	}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) NewQueue(name string, priority Priority) *Queue {
	return &Queue{name: name, priority: priority, exec: e}
}

// Close cancels running tasks and stops the workers. Queued tasks are dropped.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.ready = nil
	e.cond.Broadcast()
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.ready) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		q := e.popReadyLocked()
		e.mu.Unlock()

		task, ok := q.begin()
		if !ok {
			continue
		}
		if err := task.run(e.ctx); err != nil {
			e.logger.Warn("queued task failed", slog.String("queue", q.name), slog.Any("error", err))
		}
		q.finish()
	}
}

func (e *Executor) popReadyLocked() *Queue {
	best := 0
	for i := 1; i < len(e.ready); i++ {
		candidate := e.ready[i]
		current := e.ready[best]
		if candidate.priority > current.priority ||
			(candidate.priority == current.priority && candidate.readySeq < current.readySeq) {
			best = i
		}
	}
	q := e.ready[best]
	e.ready = append(e.ready[:best], e.ready[best+1:]...)
	return q
}

func (e *Executor) markReady(q *Queue) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.readSeq++
	q.readySeq = e.readSeq
	e.ready = append(e.ready, q)
	e.cond.Signal()
	return true
}

type queuedTask struct {
	fn   Task
	done chan struct{}
}

func (t queuedTask) run(ctx context.Context) error {
	if t.done != nil {
		close(t.done)
		return nil
	}
	return t.fn(ctx)
}

type Queue struct {
	name     string
	priority Priority
	exec     *Executor

	// guarded by exec.mu
	readySeq uint64

	mu        sync.Mutex
	tasks     []queuedTask
	scheduled bool
	stopped   bool
}

func (q *Queue) Enqueue(task Task) bool {
	if task == nil {
		return false
	}
	return q.push(queuedTask{fn: task})
}

// WaitForCurrentOperations blocks until every task enqueued before the call
// has finished. Tasks enqueued afterwards are not waited for.
func (q *Queue) WaitForCurrentOperations(ctx context.Context) error {
	done := make(chan struct{})
	if !q.push(queuedTask{done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drops every task that has not started. The running task, if any, is
// allowed to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for _, task := range q.tasks {
		if task.done != nil {
			close(task.done)
		}
	}
	q.tasks = nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) push(task queuedTask) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	schedule := !q.scheduled
	q.scheduled = true
	q.mu.Unlock()
	if schedule && !q.exec.markReady(q) {
		q.mu.Lock()
		q.scheduled = false
		q.mu.Unlock()
		return false
	}
	return true
}

func (q *Queue) begin() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		q.scheduled = false
		return queuedTask{}, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

func (q *Queue) finish() {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.scheduled = false
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.exec.markReady(q)
}
