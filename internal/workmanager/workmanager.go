// Package workmanager runs named units of background work. At most one
// execution per work ID is in flight; failed work is retried with backoff and
// every execution first waits on the rate limit rules it names.
package workmanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/contactsync/internal/ratelimit"
	"github.com/agentworkforce/contactsync/internal/transport"
)

type Result int

const (
	Success Result = iota
	Failure
)

func (r Result) String() string {
	if r == Failure {
		return "failure"
	}
	return "success"
}

type ConflictPolicy int

const (
	// Keep ignores a dispatch while an earlier request for the same work ID
	// is still waiting to run.
	Keep ConflictPolicy = iota
	// Replace swaps the waiting request for the new one.
	Replace
)

type Request struct {
	WorkID         string
	Extras         map[string]string
	ConflictPolicy ConflictPolicy
	RateLimitIDs   []string
	InitialDelay   time.Duration
}

type Worker func(ctx context.Context, req Request) (Result, error)

type Options struct {
	Limiter        *ratelimit.Limiter
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

type Manager struct {
	limiter        *ratelimit.Limiter
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]Worker
	pending map[string]Request
	running map[string]bool
	closed  bool
}

func New(opts Options) *Manager {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 120 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		limiter:        opts.Limiter,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		logger:         opts.Logger.With(slog.String("component", "workmanager")),
		ctx:            ctx,
		cancel:         cancel,
		workers:        map[string]Worker{},
		pending:        map[string]Request{},
		running:        map[string]bool{},
	}
}

func (m *Manager) Limiter() *ratelimit.Limiter {
	return m.limiter
}

func (m *Manager) SetRateLimit(id string, rate int, interval time.Duration) error {
	return m.limiter.SetRule(id, rate, interval)
}

func (m *Manager) RegisterWorker(workID string, worker Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[workID] = worker
}

func (m *Manager) Dispatch(req Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || req.WorkID == "" {
		return
	}
	if _, waiting := m.pending[req.WorkID]; waiting && req.ConflictPolicy == Keep {
		return
	}
	m.pending[req.WorkID] = req
	if m.running[req.WorkID] {
		return
	}
	m.running[req.WorkID] = true
	m.wg.Add(1)
	go m.run(req.WorkID)
}

// Idle reports whether nothing is running or waiting to run.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running) == 0 && len(m.pending) == 0
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) run(workID string) {
	defer m.wg.Done()
	logger := m.logger.With(slog.String("work_id", workID))
	attempt := 0
	for {
		req, worker, ok := m.next(workID)
		if !ok {
			return
		}
		if worker == nil {
			logger.Warn("dropping work with no registered worker")
			continue
		}
		if attempt == 0 && req.InitialDelay > 0 {
			if err := transport.WaitWithContext(m.ctx, req.InitialDelay); err != nil {
				m.stop(workID)
				return
			}
		}
		if len(req.RateLimitIDs) > 0 {
			if err := m.limiter.Wait(m.ctx, req.RateLimitIDs...); err != nil {
				if m.ctx.Err() != nil {
					m.stop(workID)
					return
				}
				logger.Warn("rate limit wait failed", slog.Any("error", err))
			}
		}

		result, err := worker(m.ctx, req)
		if result == Success {
			attempt = 0
			continue
		}
		attempt++
		delay := transport.RetryDelay(attempt, m.initialBackoff, m.maxBackoff, "")
		logger.Info("work failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if err := transport.WaitWithContext(m.ctx, delay); err != nil {
			m.stop(workID)
			return
		}
		m.mu.Lock()
		if _, newer := m.pending[workID]; !newer && !m.closed {
			m.pending[workID] = req
		}
		m.mu.Unlock()
	}
}

func (m *Manager) next(workID string) (Request, Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[workID]
	if !ok || m.closed {
		delete(m.running, workID)
		return Request{}, nil, false
	}
	delete(m.pending, workID)
	return req, m.workers[workID], true
}

func (m *Manager) stop(workID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, workID)
}
