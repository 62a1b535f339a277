package remotedata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/agentworkforce/contactsync/internal/store"
	"github.com/agentworkforce/contactsync/internal/transport"
)

type providerState struct {
	Info        Info      `json:"info"`
	Payloads    []Payload `json:"payloads"`
	ChangeToken string    `json:"changeToken"`
	Outdated    bool      `json:"outdated,omitempty"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// Provider caches the payloads of a single source. Refreshes run one at a
// time; reads see only committed state.
type Provider struct {
	delegate Delegate
	store    *store.Store
	now      func() time.Time
	logger   *slog.Logger

	stateKey   string
	enabledKey string

	refreshMu sync.Mutex

	mu      sync.Mutex
	enabled bool
	state   *providerState
}

func NewProvider(delegate Delegate, s *store.Store, now func() time.Time, logger *slog.Logger) (*Provider, error) {
	if delegate == nil {
		return nil, fmt.Errorf("%w: delegate is required", ErrInvalidInput)
	}
	if s == nil {
		var err error
		if s, err = store.Open(nil); err != nil {
			return nil, err
		}
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	source := delegate.Source()
	p := &Provider{
		delegate:   delegate,
		store:      s,
		now:        now,
		logger:     logger.With(slog.String("component", "remote_data_provider"), slog.String("source", string(source))),
		stateKey:   "RemoteDataProvider." + string(source) + ".state",
		enabledKey: "RemoteDataProvider." + string(source) + ".enabled",
		enabled:    true,
	}
	if _, err := s.Get(p.enabledKey, &p.enabled); err != nil {
		return nil, err
	}
	var state providerState
	found, err := s.Get(p.stateKey, &state)
	if err != nil {
		return nil, err
	}
	if found && p.enabled {
		p.state = &state
	}
	return p, nil
}

func (p *Provider) Source() Source { return p.delegate.Source() }

func (p *Provider) snapshot() (providerState, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return providerState{}, false, p.enabled
	}
	return *p.state, true, p.enabled
}

func (p *Provider) commit(state *providerState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return nil
	}
	if err := p.store.Set(p.stateKey, state); err != nil {
		return err
	}
	p.state = state
	return nil
}

// Refresh fetches the source unless the cached data was fetched with the
// same change token and the delegate still considers it current.
func (p *Provider) Refresh(ctx context.Context, changeToken string, locale language.Tag, randomValue int) (RefreshResult, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	state, cached, enabled := p.snapshot()
	if !enabled {
		return Skipped, nil
	}
	upToDate := cached && !state.Outdated && p.delegate.IsRemoteDataInfoUpToDate(ctx, state.Info, locale, randomValue)
	if upToDate && state.ChangeToken == changeToken {
		return Skipped, nil
	}

	var last *Info
	if upToDate {
		info := state.Info
		last = &info
	}
	result, err := p.delegate.FetchRemoteData(ctx, locale, randomValue, last)
	if err != nil {
		p.logger.Warn("remote data fetch failed", slog.Any("error", err))
		return Failed, fmt.Errorf("%s: %w: %w", p.Source(), ErrRefreshFailed, err)
	}

	switch {
	case transport.IsSuccess(result.StatusCode):
		next := &providerState{
			Info:        result.Info,
			Payloads:    result.Payloads,
			ChangeToken: changeToken,
			RefreshedAt: p.now().UTC(),
		}
		if err := p.commit(next); err != nil {
			return Failed, err
		}
		p.logger.Debug("remote data refreshed", slog.Int("payloads", len(result.Payloads)))
		return NewData, nil
	case result.StatusCode == http.StatusNotModified:
		if last == nil || last.LastModified == "" {
			return Failed, fmt.Errorf("%s: %w: not modified without a cached baseline", p.Source(), ErrRefreshFailed)
		}
		state.ChangeToken = changeToken
		state.RefreshedAt = p.now().UTC()
		if err := p.commit(&state); err != nil {
			return Failed, err
		}
		return Skipped, nil
	}
	return Failed, fmt.Errorf("%s: %w: status %d", p.Source(), ErrRefreshFailed, result.StatusCode)
}

// Status classifies the cache without touching it.
func (p *Provider) Status(ctx context.Context, changeToken string, locale language.Tag, randomValue int) Status {
	state, cached, enabled := p.snapshot()
	if !enabled || !cached || state.Outdated {
		return OutOfDate
	}
	if !p.delegate.IsRemoteDataInfoUpToDate(ctx, state.Info, locale, randomValue) {
		return OutOfDate
	}
	if state.ChangeToken != changeToken {
		return Stale
	}
	return UpToDate
}

// IsCurrent reports whether the cached payloads still match locale and
// randomValue, regardless of change token.
func (p *Provider) IsCurrent(ctx context.Context, locale language.Tag, randomValue int) bool {
	state, cached, enabled := p.snapshot()
	if !enabled || !cached || state.Outdated {
		return false
	}
	return p.delegate.IsRemoteDataInfoUpToDate(ctx, state.Info, locale, randomValue)
}

// NotifyOutdated invalidates the cache if info describes the cached data.
func (p *Provider) NotifyOutdated(info Info) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil || p.state.Outdated || p.state.Info != info {
		return false
	}
	next := *p.state
	next.Outdated = true
	if err := p.store.Set(p.stateKey, &next); err != nil {
		p.logger.Warn("failed to persist outdated remote data", slog.Any("error", err))
	}
	p.state = &next
	return true
}

// Payloads returns cached payloads whose type is in types, or all payloads
// when types is empty.
func (p *Provider) Payloads(types ...string) []Payload {
	state, cached, enabled := p.snapshot()
	if !enabled || !cached {
		return nil
	}
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	var out []Payload
	for _, payload := range state.Payloads {
		if len(want) > 0 {
			if _, ok := want[payload.Type]; !ok {
				continue
			}
		}
		if payload.Info == nil {
			info := state.Info
			payload.Info = &info
		}
		out = append(out, payload)
	}
	return out
}

func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetEnabled toggles the source. Disabling clears the cache.
func (p *Provider) SetEnabled(enabled bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled == enabled {
		return false, nil
	}
	if err := p.store.Set(p.enabledKey, enabled); err != nil {
		return false, err
	}
	p.enabled = enabled
	if !enabled {
		if err := p.store.Remove(p.stateKey); err != nil {
			return true, err
		}
		p.state = nil
	}
	return true, nil
}
