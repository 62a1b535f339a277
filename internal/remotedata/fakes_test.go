package remotedata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/agentworkforce/contactsync/internal/store"
	"github.com/agentworkforce/contactsync/internal/workmanager"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fetchReply struct {
	status   int
	payloads []Payload
	err      error
}

// fakeDelegate treats data as current while it was fetched from the URL
// derived from its current url field.
type fakeDelegate struct {
	source Source

	mu      sync.Mutex
	url     string
	replies []fetchReply
	calls   []*Info
}

func newFakeDelegate(source Source) *fakeDelegate {
	return &fakeDelegate{source: source, url: "https://example.test/" + string(source)}
}

func (d *fakeDelegate) Source() Source { return d.source }

func (d *fakeDelegate) IsRemoteDataInfoUpToDate(_ context.Context, info Info, _ language.Tag, _ int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return info.URL == d.url
}

func (d *fakeDelegate) FetchRemoteData(_ context.Context, _ language.Tag, _ int, last *Info) (FetchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last != nil {
		copied := *last
		last = &copied
	}
	d.calls = append(d.calls, last)
	if len(d.replies) == 0 {
		return FetchResult{}, errors.New("no reply queued")
	}
	reply := d.replies[0]
	d.replies = d.replies[1:]
	if reply.err != nil {
		return FetchResult{}, reply.err
	}
	result := FetchResult{StatusCode: reply.status}
	if reply.status >= 200 && reply.status <= 299 {
		result.Info = Info{URL: d.url, LastModified: "Fri, 01 Mar 2024 12:00:00 GMT", Source: d.source}
		result.Payloads = reply.payloads
	}
	return result, nil
}

func (d *fakeDelegate) queue(replies ...fetchReply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, replies...)
}

func (d *fakeDelegate) setURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
}

func (d *fakeDelegate) fetches() []*Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Info(nil), d.calls...)
}

func payload(t string, data string) Payload {
	return Payload{
		Type:      t,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      json.RawMessage(data),
	}
}

func ok(payloads ...Payload) fetchReply {
	return fetchReply{status: 200, payloads: payloads}
}

type fakeScheduler struct {
	mu         sync.Mutex
	workers    map[string]workmanager.Worker
	dispatched []workmanager.Request
	signal     chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{workers: map[string]workmanager.Worker{}, signal: make(chan struct{}, 16)}
}

func (s *fakeScheduler) RegisterWorker(workID string, worker workmanager.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workID] = worker
}

func (s *fakeScheduler) Dispatch(req workmanager.Request) {
	s.mu.Lock()
	s.dispatched = append(s.dispatched, req)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *fakeScheduler) dispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatched)
}

func (s *fakeScheduler) run(ctx context.Context, workID string) (workmanager.Result, error) {
	s.mu.Lock()
	worker := s.workers[workID]
	s.mu.Unlock()
	return worker(ctx, workmanager.Request{WorkID: workID})
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(nil)
	require.NoError(t, err)
	return s
}

func newProvider(t *testing.T, d Delegate, s *store.Store, clock *fakeClock) *Provider {
	t.Helper()
	p, err := NewProvider(d, s, clock.Now, nil)
	require.NoError(t, err)
	return p
}
