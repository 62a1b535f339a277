// Package ratelimit enforces named rules of the form "at most Rate permits per
// Interval". Callers that hit a limit are deferred, never dropped.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidRule = errors.New("invalid rate limit rule")
	ErrUnknownRule = errors.New("unknown rate limit rule")
)

type Rule struct {
	Rate     int
	Interval time.Duration
}

type Limiter struct {
	mu    sync.Mutex
	rules map[string]*ruleState
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type ruleState struct {
	rule Rule
	hits []time.Time
}

func New() *Limiter {
	return &Limiter{
		rules: map[string]*ruleState{},
		now:   time.Now,
		sleep: sleepWithContext,
	}
}

// NewWithClock is New with an injected clock, used by tests.
func NewWithClock(now func() time.Time) *Limiter {
	l := New()
	if now != nil {
		l.now = now
	}
	return l
}

// SetRule registers or replaces the rule with the given id. Replacing a rule
// keeps its recorded permits.
func (l *Limiter) SetRule(id string, rate int, interval time.Duration) error {
	id = strings.TrimSpace(id)
	if id == "" || rate < 1 || interval <= 0 {
		return fmt.Errorf("%w: id=%q rate=%d interval=%s", ErrInvalidRule, id, rate, interval)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.rules[id]; ok {
		state.rule = Rule{Rate: rate, Interval: interval}
		return nil
	}
	l.rules[id] = &ruleState{rule: Rule{Rate: rate, Interval: interval}}
	return nil
}

func (l *Limiter) Rules() map[string]Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Rule, len(l.rules))
	for id, state := range l.rules {
		out[id] = state.rule
	}
	return out
}

// TryAcquire takes one permit from every listed rule, or from none of them.
func (l *Limiter) TryAcquire(ids ...string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	wait, err := l.waitLocked(now, ids)
	if err != nil {
		return false, 0, err
	}
	if wait > 0 {
		return false, wait, nil
	}
	for _, id := range ids {
		state := l.rules[id]
		state.hits = append(state.hits, now)
	}
	return true, 0, nil
}

// Wait blocks until a permit is available on every listed rule, then takes it.
func (l *Limiter) Wait(ctx context.Context, ids ...string) error {
	for {
		ok, wait, err := l.TryAcquire(ids...)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) waitLocked(now time.Time, ids []string) (time.Duration, error) {
	var longest time.Duration
	for _, id := range ids {
		state, ok := l.rules[id]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownRule, id)
		}
		state.prune(now)
		if len(state.hits) < state.rule.Rate {
			continue
		}
		// The oldest permit inside the window decides when a slot frees up.
		oldest := state.hits[len(state.hits)-state.rule.Rate]
		wait := oldest.Add(state.rule.Interval).Sub(now)
		if wait > longest {
			longest = wait
		}
	}
	return longest, nil
}

func (s *ruleState) prune(now time.Time) {
	cutoff := now.Add(-s.rule.Interval)
	keep := 0
	for keep < len(s.hits) && !s.hits[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		s.hits = append([]time.Time(nil), s.hits[keep:]...)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
