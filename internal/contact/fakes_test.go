package contact

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/oplog"
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

type fakeChannel struct {
	mu sync.Mutex
	id string
}

func (c *fakeChannel) Identifier() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *fakeChannel) set(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

type rateRule struct {
	rate     int
	interval time.Duration
}

type fakeScheduler struct {
	mu         sync.Mutex
	workers    map[string]workmanager.Worker
	rules      map[string]rateRule
	dispatched []workmanager.Request
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{workers: map[string]workmanager.Worker{}, rules: map[string]rateRule{}}
}

func (s *fakeScheduler) RegisterWorker(workID string, worker workmanager.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workID] = worker
}

func (s *fakeScheduler) SetRateLimit(id string, rate int, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[id] = rateRule{rate: rate, interval: interval}
	return nil
}

func (s *fakeScheduler) Dispatch(req workmanager.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, req)
}

func (s *fakeScheduler) lastDispatch() (workmanager.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dispatched) == 0 {
		return workmanager.Request{}, false
	}
	return s.dispatched[len(s.dispatched)-1], true
}

type apiCall struct {
	Method      string
	ChannelID   string
	ContactID   string
	NamedUserID string
	Orphaned    string
	Token       string
	Address     string
	Tags        []audience.TagGroupUpdate
	Attributes  []audience.AttributeUpdate
	Lists       []audience.ScopedSubscriptionListUpdate
}

type identityReply struct {
	status int
	result IdentityResult
	err    error
}

type statusReply struct {
	status int
	err    error
}

// fakeAPI answers with queued replies per method and falls back to
// successful defaults.
type fakeAPI struct {
	mu         sync.Mutex
	calls      []apiCall
	identity   map[string][]identityReply
	statuses   map[string][]statusReply
	lists      map[string][]audience.Scope
	resetCount int
	current    *IdentityResult
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		identity: map[string][]identityReply{},
		statuses: map[string][]statusReply{},
	}
}

func (a *fakeAPI) queueIdentity(method string, reply identityReply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity[method] = append(a.identity[method], reply)
}

func (a *fakeAPI) queueStatus(method string, status int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[method] = append(a.statuses[method], statusReply{status: status, err: err})
}

func (a *fakeAPI) recorded() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

func (a *fakeAPI) methods() []string {
	var out []string
	for _, call := range a.recorded() {
		out = append(out, call.Method)
	}
	return out
}

func (a *fakeAPI) identityCall(call apiCall, fallback IdentityResult) (Response[IdentityResult], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	reply := identityReply{status: 200, result: fallback}
	if queued := a.identity[call.Method]; len(queued) > 0 {
		reply = queued[0]
		a.identity[call.Method] = queued[1:]
	}
	if reply.err == nil && reply.status == 200 {
		result := reply.result
		a.current = &result
	}
	return Response[IdentityResult]{StatusCode: reply.status, Result: reply.result}, reply.err
}

func (a *fakeAPI) statusCall(call apiCall) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	if queued := a.statuses[call.Method]; len(queued) > 0 {
		reply := queued[0]
		a.statuses[call.Method] = queued[1:]
		return reply.status, reply.err
	}
	return 200, nil
}

func (a *fakeAPI) Resolve(_ context.Context, channelID, contactID, orphaned string) (Response[IdentityResult], error) {
	fallback := IdentityResult{ContactID: "contact-anon", IsAnonymous: true, Token: "token-anon", TokenExpiresIn: time.Hour}
	a.mu.Lock()
	if a.current != nil {
		fallback = *a.current
	}
	a.mu.Unlock()
	return a.identityCall(apiCall{Method: "resolve", ChannelID: channelID, ContactID: contactID, Orphaned: orphaned}, fallback)
}

func (a *fakeAPI) Identify(_ context.Context, channelID, namedUserID, contactID, orphaned string) (Response[IdentityResult], error) {
	fallback := IdentityResult{ContactID: "contact-" + namedUserID, Token: "token-" + namedUserID, TokenExpiresIn: time.Hour}
	return a.identityCall(apiCall{Method: "identify", ChannelID: channelID, NamedUserID: namedUserID, ContactID: contactID, Orphaned: orphaned}, fallback)
}

func (a *fakeAPI) Reset(_ context.Context, channelID, orphaned string) (Response[IdentityResult], error) {
	a.mu.Lock()
	a.resetCount++
	n := a.resetCount
	a.mu.Unlock()
	fallback := IdentityResult{
		ContactID:      fmt.Sprintf("contact-reset-%d", n),
		IsAnonymous:    true,
		Token:          fmt.Sprintf("token-reset-%d", n),
		TokenExpiresIn: time.Hour,
	}
	return a.identityCall(apiCall{Method: "reset", ChannelID: channelID, Orphaned: orphaned}, fallback)
}

func (a *fakeAPI) Update(_ context.Context, token, contactID string, tags []audience.TagGroupUpdate, attributes []audience.AttributeUpdate, lists []audience.ScopedSubscriptionListUpdate) (Response[struct{}], error) {
	status, err := a.statusCall(apiCall{Method: "update", Token: token, ContactID: contactID, Tags: tags, Attributes: attributes, Lists: lists})
	return Response[struct{}]{StatusCode: status}, err
}

func (a *fakeAPI) register(method, token, contactID, address string, channelType ChannelType) (Response[AssociatedChannel], error) {
	status, err := a.statusCall(apiCall{Method: method, Token: token, ContactID: contactID, Address: address})
	return Response[AssociatedChannel]{StatusCode: status, Result: AssociatedChannel{ChannelType: channelType, ChannelID: "channel-" + address}}, err
}

func (a *fakeAPI) RegisterEmail(_ context.Context, token, contactID, address string, _ EmailOptions, _ string) (Response[AssociatedChannel], error) {
	return a.register("registerEmail", token, contactID, address, ChannelTypeEmail)
}

func (a *fakeAPI) RegisterSMS(_ context.Context, token, contactID, msisdn string, _ SMSOptions, _ string) (Response[AssociatedChannel], error) {
	return a.register("registerSMS", token, contactID, msisdn, ChannelTypeSMS)
}

func (a *fakeAPI) RegisterOpen(_ context.Context, token, contactID, address string, _ OpenOptions, _ string) (Response[AssociatedChannel], error) {
	return a.register("registerOpen", token, contactID, address, ChannelTypeOpen)
}

func (a *fakeAPI) AssociateChannel(_ context.Context, token, contactID, channelID string, channelType ChannelType) (Response[AssociatedChannel], error) {
	status, err := a.statusCall(apiCall{Method: "associate", Token: token, ContactID: contactID, Address: channelID})
	return Response[AssociatedChannel]{StatusCode: status, Result: AssociatedChannel{ChannelType: channelType, ChannelID: channelID}}, err
}

func (a *fakeAPI) DisassociateChannel(_ context.Context, token, contactID string, channel AssociatedChannel) (Response[AssociatedChannel], error) {
	status, err := a.statusCall(apiCall{Method: "disassociate", Token: token, ContactID: contactID, Address: channel.ChannelID})
	return Response[AssociatedChannel]{StatusCode: status, Result: channel}, err
}

func (a *fakeAPI) Resend(_ context.Context, token string, options ResendOptions) (Response[bool], error) {
	status, err := a.statusCall(apiCall{Method: "resend", Token: token, Address: options.Address})
	return Response[bool]{StatusCode: status, Result: status == 200}, err
}

func (a *fakeAPI) FetchSubscriptionLists(_ context.Context, token, contactID string) (Response[map[string][]audience.Scope], error) {
	status, err := a.statusCall(apiCall{Method: "subscriptionLists", Token: token, ContactID: contactID})
	a.mu.Lock()
	defer a.mu.Unlock()
	lists := map[string][]audience.Scope{}
	for listID, scopes := range a.lists {
		lists[listID] = append([]audience.Scope(nil), scopes...)
	}
	return Response[map[string][]audience.Scope]{StatusCode: status, Result: lists}, err
}

type managerHarness struct {
	manager   *Manager
	api       *fakeAPI
	clock     *fakeClock
	channel   *fakeChannel
	scheduler *fakeScheduler
	store     *store.Store
	log       oplog.Log
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	s, err := store.Open(nil)
	require.NoError(t, err)
	h := &managerHarness{
		api:       newFakeAPI(),
		clock:     newFakeClock(),
		channel:   &fakeChannel{id: "channel-1"},
		scheduler: newFakeScheduler(),
		store:     s,
		log:       oplog.NewInMemoryLog(0),
	}
	h.manager = h.newManager(t)
	return h
}

func (h *managerHarness) newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		Store:   h.store,
		Log:     h.log,
		Client:  h.api,
		Channel: h.channel,
		Work:    h.scheduler,
		Now:     h.clock.Now,
	})
	require.NoError(t, err)
	return m
}

func (h *managerHarness) perform(t *testing.T) workmanager.Result {
	t.Helper()
	result, _ := h.manager.PerformNextOperation(context.Background(), workmanager.Request{WorkID: UpdateWorkID})
	return result
}

// drain runs the worker until the log is empty or a run fails.
func (h *managerHarness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 20 && len(h.manager.Operations()) > 0; i++ {
		require.Equal(t, workmanager.Success, h.perform(t))
	}
	require.Empty(t, h.manager.Operations())
}

func (h *managerHarness) add(t *testing.T, op Operation) {
	t.Helper()
	require.NoError(t, h.manager.AddOperation(op))
}

func collectUpdates(sub interface{ C() <-chan Update }, wait time.Duration) []Update {
	var out []Update
	timeout := time.After(wait)
	for {
		select {
		case update, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, update)
		case <-timeout:
			return out
		}
	}
}
