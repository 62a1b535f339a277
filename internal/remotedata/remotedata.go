package remotedata

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/text/language"

	"github.com/agentworkforce/contactsync/internal/pubsub"
	"github.com/agentworkforce/contactsync/internal/store"
	"github.com/agentworkforce/contactsync/internal/workmanager"
)

const (
	RefreshWorkID = "RemoteData.refresh"

	DefaultForegroundRefreshInterval = 10 * time.Second

	changeTokenKey = "RemoteData.changeToken"
	randomValueKey = "RemoteData.randomValue"

	maxRandomValue = 9999
)

type WorkScheduler interface {
	RegisterWorker(workID string, worker workmanager.Worker)
	Dispatch(req workmanager.Request)
}

type Options struct {
	Store     *store.Store
	Providers []*Provider
	Work      WorkScheduler
	// Locale returns the locale remote data is requested for.
	Locale                    func() language.Tag
	ForegroundRefreshInterval time.Duration
	Now                       func() time.Time
	Logger                    *slog.Logger
}

// RefreshEvent reports the outcome of one provider refresh.
type RefreshEvent struct {
	Source Source
	Result RefreshResult
}

// RemoteData refreshes every provider under one change token and merges
// their cached payloads.
type RemoteData struct {
	store     *store.Store
	providers []*Provider
	bySource  map[Source]*Provider
	work      WorkScheduler
	locale    func() language.Tag
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	payloads  *pubsub.Broadcaster[[]Payload]
	refreshes *pubsub.Broadcaster[RefreshEvent]

	mu             sync.Mutex
	changeToken    int
	randomValue    int
	lastForeground time.Time
	closed         bool
}

func New(opts Options) (*RemoteData, error) {
	if opts.Work == nil {
		return nil, fmt.Errorf("%w: work scheduler is required", ErrInvalidInput)
	}
	if opts.Store == nil {
		var err error
		if opts.Store, err = store.Open(nil); err != nil {
			return nil, err
		}
	}
	if opts.Locale == nil {
		opts.Locale = func() language.Tag { return language.Und }
	}
	if opts.ForegroundRefreshInterval <= 0 {
		opts.ForegroundRefreshInterval = DefaultForegroundRefreshInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &RemoteData{
		store:     opts.Store,
		bySource:  map[Source]*Provider{},
		work:      opts.Work,
		locale:    opts.Locale,
		interval:  opts.ForegroundRefreshInterval,
		now:       opts.Now,
		logger:    opts.Logger.With(slog.String("component", "remote_data")),
		payloads:  pubsub.NewBroadcaster[[]Payload](),
		refreshes: pubsub.NewBroadcaster[RefreshEvent](),
	}
	for _, p := range opts.Providers {
		if _, dup := r.bySource[p.Source()]; dup {
			return nil, fmt.Errorf("%w: duplicate provider for source %s", ErrInvalidInput, p.Source())
		}
		r.bySource[p.Source()] = p
		r.providers = append(r.providers, p)
	}

	if _, err := r.store.Get(changeTokenKey, &r.changeToken); err != nil {
		return nil, err
	}
	found, err := r.store.Get(randomValueKey, &r.randomValue)
	if err != nil {
		return nil, err
	}
	if !found || r.randomValue < 0 || r.randomValue > maxRandomValue {
		r.randomValue = rand.Intn(maxRandomValue + 1)
		if err := r.store.Set(randomValueKey, r.randomValue); err != nil {
			return nil, err
		}
	}

	r.work.RegisterWorker(RefreshWorkID, func(ctx context.Context, _ workmanager.Request) (workmanager.Result, error) {
		if err := r.Refresh(ctx); err != nil {
			return workmanager.Failure, err
		}
		return workmanager.Success, nil
	})
	return r, nil
}

func (r *RemoteData) RandomValue() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.randomValue
}

func (r *RemoteData) ChangeToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strconv.Itoa(r.changeToken)
}

func (r *RemoteData) params() (string, language.Tag, int) {
	r.mu.Lock()
	token, rv := r.changeToken, r.randomValue
	r.mu.Unlock()
	return strconv.Itoa(token), r.locale(), rv
}

// Refresh refreshes every provider concurrently with the current change
// token. It fails if any provider fails.
func (r *RemoteData) Refresh(ctx context.Context) error {
	token, locale, rv := r.params()

	results := make([]RefreshResult, len(r.providers))
	errs := make([]error, len(r.providers))
	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Add(1)
		go func(i int, p *Provider) {
			defer wg.Done()
			results[i], errs[i] = p.Refresh(ctx, token, locale, rv)
		}(i, p)
	}
	wg.Wait()

	var err error
	newData := false
	for i, p := range r.providers {
		r.refreshes.Publish(RefreshEvent{Source: p.Source(), Result: results[i]})
		switch results[i] {
		case NewData:
			newData = true
		case Failed:
			if errs[i] == nil {
				errs[i] = fmt.Errorf("%s: %w", p.Source(), ErrRefreshFailed)
			}
		}
		err = multierr.Append(err, errs[i])
	}
	if newData {
		r.publishPayloads()
	}
	if err != nil {
		r.logger.Warn("remote data refresh failed", slog.Any("error", err))
	}
	return err
}

func (r *RemoteData) publishPayloads() {
	r.payloads.Publish(r.Payloads())
}

// Payloads merges the cached payloads of every provider. Results follow the
// order of types, with app payloads ahead of contact payloads of the same
// type. With no types every payload is returned.
func (r *RemoteData) Payloads(types ...string) []Payload {
	var all []Payload
	for _, p := range r.providers {
		all = append(all, p.Payloads(types...)...)
	}
	sortPayloads(all, types)
	return all
}

func sortPayloads(payloads []Payload, types []string) {
	order := make(map[string]int, len(types))
	for i, t := range types {
		if _, seen := order[t]; !seen {
			order[t] = i
		}
	}
	source := func(p Payload) Source {
		if p.Info == nil {
			return ""
		}
		return p.Info.Source
	}
	sort.SliceStable(payloads, func(i, j int) bool {
		a, b := payloads[i], payloads[j]
		if len(order) > 0 && order[a.Type] != order[b.Type] {
			return order[a.Type] < order[b.Type]
		}
		return source(a).rank() < source(b).rank()
	})
}

func filterPayloads(payloads []Payload, types []string) []Payload {
	if len(types) == 0 {
		return payloads
	}
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	out := make([]Payload, 0, len(payloads))
	for _, p := range payloads {
		if _, ok := want[p.Type]; ok {
			out = append(out, p)
		}
	}
	sortPayloads(out, types)
	return out
}

func samePayloads(a, b []Payload) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !a[i].Timestamp.Equal(b[i].Timestamp) || !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
		if (a[i].Info == nil) != (b[i].Info == nil) || (a[i].Info != nil && *a[i].Info != *b[i].Info) {
			return false
		}
	}
	return true
}

// Subscribe delivers the merged payloads for types whenever they change.
// The current value is available from Payloads.
func (r *RemoteData) Subscribe(types ...string) *pubsub.Subscription[[]Payload] {
	var mu sync.Mutex
	last := r.Payloads(types...)
	return r.payloads.SubscribeFunc(func(all []Payload) ([]Payload, bool) {
		filtered := filterPayloads(all, types)
		mu.Lock()
		defer mu.Unlock()
		if samePayloads(last, filtered) {
			return nil, false
		}
		last = filtered
		return filtered, true
	})
}

func (r *RemoteData) RefreshEvents() *pubsub.Subscription[RefreshEvent] {
	return r.refreshes.Subscribe()
}

// WaitRefresh blocks until source holds data fetched with the current
// change token, locale and random value. An up to date source returns
// immediately.
func (r *RemoteData) WaitRefresh(ctx context.Context, source Source) error {
	p, ok := r.bySource[source]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	sub := r.refreshes.SubscribeFunc(func(event RefreshEvent) (RefreshEvent, bool) {
		return event, event.Source == source
	})
	defer sub.Unsubscribe()

	upToDate := func() bool {
		token, locale, rv := r.params()
		return p.Status(ctx, token, locale, rv) == UpToDate
	}
	if upToDate() {
		return nil
	}
	r.dispatch()
	for {
		select {
		case event := <-sub.C():
			if event.Result == NewData {
				return nil
			}
			if event.Result == Skipped && upToDate() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *RemoteData) dispatch() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.work.Dispatch(workmanager.Request{WorkID: RefreshWorkID, ConflictPolicy: workmanager.Replace})
}

func (r *RemoteData) bumpChangeToken() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bumpChangeTokenLocked()
}

func (r *RemoteData) bumpChangeTokenLocked() {
	r.changeToken++
	if err := r.store.Set(changeTokenKey, r.changeToken); err != nil {
		r.logger.Warn("failed to persist change token", slog.Any("error", err))
	}
}

// OnForeground refreshes. The change token only moves when the previous
// foreground was at least the foreground interval ago.
func (r *RemoteData) OnForeground() {
	r.mu.Lock()
	now := r.now()
	if r.lastForeground.IsZero() || now.Sub(r.lastForeground) >= r.interval {
		r.bumpChangeTokenLocked()
	}
	r.lastForeground = now
	r.mu.Unlock()
	r.dispatch()
}

func (r *RemoteData) OnLocaleChanged() {
	r.bumpChangeToken()
	r.dispatch()
}

func (r *RemoteData) OnRemoteConfigUpdated() {
	r.bumpChangeToken()
	r.dispatch()
}

// Invalidate forces every provider to fetch again on the next refresh.
func (r *RemoteData) Invalidate() {
	r.bumpChangeToken()
	r.dispatch()
}

// OnContactIDChanged refreshes so the contact source can drop data fetched
// for the previous contact.
func (r *RemoteData) OnContactIDChanged() {
	r.dispatch()
}

// NotifyOutdated marks info as outdated and refreshes if it described the
// cached data of its source.
func (r *RemoteData) NotifyOutdated(info Info) bool {
	p, ok := r.bySource[info.Source]
	if !ok || !p.NotifyOutdated(info) {
		return false
	}
	r.dispatch()
	return true
}

func (r *RemoteData) IsCurrent(ctx context.Context) bool {
	_, locale, rv := r.params()
	for _, p := range r.providers {
		if p.Enabled() && !p.IsCurrent(ctx, locale, rv) {
			return false
		}
	}
	return true
}

func (r *RemoteData) Status(ctx context.Context, source Source) (Status, error) {
	p, ok := r.bySource[source]
	if !ok {
		return OutOfDate, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	token, locale, rv := r.params()
	return p.Status(ctx, token, locale, rv), nil
}

func (r *RemoteData) SetEnabled(source Source, enabled bool) error {
	p, ok := r.bySource[source]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	changed, err := p.SetEnabled(enabled)
	if err != nil || !changed {
		return err
	}
	if enabled {
		r.dispatch()
	} else {
		r.publishPayloads()
	}
	return nil
}

func (r *RemoteData) Sources() []Source {
	out := make([]Source, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Source())
	}
	return out
}

func (r *RemoteData) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
