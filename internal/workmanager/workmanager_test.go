package workmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return New(Options{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
}

func TestDispatchRunsRegisteredWorker(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	done := make(chan Request, 1)
	m.RegisterWorker("Contact.update", func(ctx context.Context, req Request) (Result, error) {
		done <- req
		return Success, nil
	})
	m.Dispatch(Request{WorkID: "Contact.update", Extras: map[string]string{"reason": "test"}})

	select {
	case req := <-done:
		assert.Equal(t, "test", req.Extras["reason"])
	case <-time.After(time.Second):
		t.Fatalf("worker never ran")
	}
	assert.Eventually(t, m.Idle, time.Second, 5*time.Millisecond)
}

func TestFailureIsRetriedWithBackoff(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	var calls atomic.Int32
	m.RegisterWorker("RemoteData.refresh", func(ctx context.Context, req Request) (Result, error) {
		if calls.Add(1) < 3 {
			return Failure, errors.New("server error")
		}
		return Success, nil
	})
	m.Dispatch(Request{WorkID: "RemoteData.refresh"})

	assert.Eventually(t, func() bool { return calls.Load() == 3 && m.Idle() }, 2*time.Second, 5*time.Millisecond)
}

func TestAtMostOneExecutionPerWorkID(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	release := make(chan struct{})
	var (
		running atomic.Int32
		overlap atomic.Bool
		calls   atomic.Int32
	)
	m.RegisterWorker("Contact.update", func(ctx context.Context, req Request) (Result, error) {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		defer running.Add(-1)
		if calls.Add(1) == 1 {
			<-release
		}
		return Success, nil
	})
	m.Dispatch(Request{WorkID: "Contact.update"})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		m.Dispatch(Request{WorkID: "Contact.update", ConflictPolicy: Replace})
	}
	close(release)

	assert.Eventually(t, m.Idle, time.Second, 5*time.Millisecond)
	assert.False(t, overlap.Load())
	// Dispatches made while running collapse into a single follow-up run.
	assert.Equal(t, int32(2), calls.Load())
}

func TestConflictPolicy(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []string
	)
	m.RegisterWorker("work", func(ctx context.Context, req Request) (Result, error) {
		mu.Lock()
		seen = append(seen, req.Extras["n"])
		first := len(seen) == 1
		mu.Unlock()
		if first {
			<-release
		}
		return Success, nil
	})
	m.Dispatch(Request{WorkID: "work", Extras: map[string]string{"n": "1"}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)

	m.Dispatch(Request{WorkID: "work", Extras: map[string]string{"n": "2"}, ConflictPolicy: Keep})
	m.Dispatch(Request{WorkID: "work", Extras: map[string]string{"n": "3"}, ConflictPolicy: Keep})
	m.Dispatch(Request{WorkID: "work", Extras: map[string]string{"n": "4"}, ConflictPolicy: Replace})
	close(release)

	require.Eventually(t, m.Idle, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "4"}, seen)
}

func TestRateLimitGatesExecution(t *testing.T) {
	m := newTestManager()
	defer m.Close()
	require.NoError(t, m.SetRateLimit("identity", 1, 150*time.Millisecond))

	var (
		mu    sync.Mutex
		times []time.Time
	)
	m.RegisterWorker("work", func(ctx context.Context, req Request) (Result, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return Success, nil
	})
	m.Dispatch(Request{WorkID: "work", RateLimitIDs: []string{"identity"}})
	require.Eventually(t, m.Idle, time.Second, time.Millisecond)
	m.Dispatch(Request{WorkID: "work", RateLimitIDs: []string{"identity"}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 100*time.Millisecond)
}
