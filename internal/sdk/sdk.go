// Package sdk assembles the contact and remote data engines from a
// config.Config and keeps them wired to each other.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/text/language"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/channel"
	"github.com/agentworkforce/contactsync/internal/config"
	"github.com/agentworkforce/contactsync/internal/contact"
	"github.com/agentworkforce/contactsync/internal/oplog"
	"github.com/agentworkforce/contactsync/internal/opqueue"
	"github.com/agentworkforce/contactsync/internal/ratelimit"
	"github.com/agentworkforce/contactsync/internal/remotedata"
	"github.com/agentworkforce/contactsync/internal/store"
	"github.com/agentworkforce/contactsync/internal/transport"
	"github.com/agentworkforce/contactsync/internal/workmanager"
)

type Options struct {
	Config config.Config
	// HTTPClient overrides the client built from Config.API.Timeout.
	HTTPClient *http.Client
	// WorkBackoff overrides the work manager's initial retry backoff.
	WorkBackoff time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// SDK owns every engine component and the goroutines that connect them.
type SDK struct {
	store      *store.Store
	log        oplog.Log
	channel    *channel.Channel
	work       *workmanager.Manager
	executor   *opqueue.Executor
	overrides  *audience.OverridesProvider
	contact    *contact.Contact
	remoteData *remotedata.RemoteData
	push       *remotedata.PushListener
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	cfg       config.Config
	locale    language.Tag
	closed    bool
	pushError error
}

func New(opts Options) (*SDK, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	locale, err := cfg.LocaleTag()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &SDK{
		cfg:    cfg,
		locale: locale,
		logger: logger.With(slog.String("component", "sdk")),
	}
	ok := false
	defer func() {
		if !ok {
			_ = s.closeResources()
		}
	}()

	if s.store, err = store.OpenDSN(cfg.Storage.StateDSN); err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if s.log, err = oplog.BuildFromDSN(cfg.Storage.LogDSN, cfg.Storage.LogCapacity); err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	if s.channel, err = channel.New(s.store, logger); err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout.Std()}
	}
	userAgent := "contactsync"
	if cfg.API.SDKVersion != "" {
		userAgent += "/" + cfg.API.SDKVersion
	}
	api := transport.NewClient(transport.Options{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: httpClient,
		MaxRetries: cfg.API.MaxRetries,
		UserAgent:  userAgent,
	})

	s.work = workmanager.New(workmanager.Options{InitialBackoff: opts.WorkBackoff, Logger: logger})
	s.executor = opqueue.NewExecutor(1, logger)
	s.overrides = audience.NewOverridesProvider(now)

	s.contact, err = contact.New(contact.Options{
		Store:                     s.store,
		Log:                       s.log,
		Client:                    contact.NewHTTPClient(api, cfg.API.AppToken, cfg.API.Platform),
		Channel:                   s.channel,
		Work:                      s.work,
		Queue:                     s.executor.NewQueue("contact", opqueue.PriorityDefault),
		Overrides:                 s.overrides,
		Locale:                    func() string { return s.Locale().String() },
		ForegroundResolveInterval: cfg.Contact.ForegroundResolveInterval.Std(),
		MaxResolveAge:             cfg.Contact.MaxResolveAge.Std(),
		Now:                       now,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}

	remoteClient, err := remotedata.NewHTTPClient(api, cfg.API.AppKey, cfg.API.Platform, cfg.API.SDKVersion)
	if err != nil {
		return nil, err
	}
	appProvider, err := remotedata.NewProvider(remotedata.NewAppDelegate(remoteClient), s.store, now, logger)
	if err != nil {
		return nil, err
	}
	contactProvider, err := remotedata.NewProvider(remotedata.NewContactDelegate(remoteClient, s.contact.Manager()), s.store, now, logger)
	if err != nil {
		return nil, err
	}
	s.remoteData, err = remotedata.New(remotedata.Options{
		Store:                     s.store,
		Providers:                 []*remotedata.Provider{appProvider, contactProvider},
		Work:                      s.work,
		Locale:                    s.Locale,
		ForegroundRefreshInterval: cfg.RemoteData.ForegroundRefreshInterval.Std(),
		Now:                       now,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote data: %w", err)
	}
	if err := s.applySources(cfg.RemoteData.DisabledSources); err != nil {
		return nil, err
	}
	if cfg.RemoteData.PushURL != "" {
		s.push, err = remotedata.NewPushListener(s.remoteData, remotedata.PushOptions{
			URL:    cfg.RemoteData.PushURL,
			Token:  cfg.API.AppToken,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.start(ctx)
	ok = true
	return s, nil
}

// start connects channel creation to contact resolution, contact ID
// changes to remote data refreshes, and runs the push listener.
func (s *SDK) start(ctx context.Context) {
	channelUpdates := s.channel.IdentifierUpdates()
	contactUpdates := s.contact.Manager().Updates()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer channelUpdates.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-channelUpdates.C():
				if !ok {
					return
				}
				if id != "" {
					s.contact.OnChannelCreated()
				}
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		defer contactUpdates.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-contactUpdates.C():
				if !ok {
					return
				}
				if update.Kind == contact.ContactIDUpdate {
					s.remoteData.OnContactIDChanged()
				}
			}
		}
	}()

	if s.push != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.push.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("push listener stopped", slog.Any("error", err))
				s.mu.Lock()
				s.pushError = err
				s.mu.Unlock()
			}
		}()
	}
}

func (s *SDK) Contact() *contact.Contact               { return s.contact }
func (s *SDK) RemoteData() *remotedata.RemoteData      { return s.remoteData }
func (s *SDK) Channel() *channel.Channel               { return s.channel }
func (s *SDK) Overrides() *audience.OverridesProvider { return s.overrides }

// RateLimitRules returns the rules gating contact network work.
func (s *SDK) RateLimitRules() map[string]ratelimit.Rule {
	return s.work.Limiter().Rules()
}

func (s *SDK) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *SDK) Locale() language.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locale
}

// PushError reports why the push listener gave up, if it did.
func (s *SDK) PushError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushError
}

// CreateChannel assigns the channel identifier if it has none yet. The
// first assignment triggers a contact resolve.
func (s *SDK) CreateChannel() (string, error) {
	return s.channel.EnsureIdentifier()
}

// SetLocale changes the locale used for registrations and remote data.
// Remote data is refreshed when the locale actually changes.
func (s *SDK) SetLocale(tag language.Tag) {
	s.mu.Lock()
	changed := s.locale != tag
	s.locale = tag
	s.mu.Unlock()
	if changed {
		s.remoteData.OnLocaleChanged()
	}
}

// OnForeground tells both engines the app came to the foreground.
func (s *SDK) OnForeground() {
	s.contact.OnForeground()
	s.remoteData.OnForeground()
}

// ContactOverrides returns the audience edits that should be layered over
// server data for the current contact.
func (s *SDK) ContactOverrides() (string, audience.Overrides) {
	info, ok := s.contact.ContactIDInfo()
	if !ok {
		return "", audience.Overrides{}
	}
	return info.ContactID, s.overrides.ContactOverrides(info.ContactID)
}

// ApplyConfig takes the reloadable parts of cfg: locale, resolve age and
// enabled remote data sources. Connection settings need a new SDK.
func (s *SDK) ApplyConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tag, err := cfg.LocaleTag()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.contact.SetMaxResolveAge(cfg.Contact.MaxResolveAge.Std())
	err = s.applySources(cfg.RemoteData.DisabledSources)
	s.SetLocale(tag)
	s.remoteData.OnRemoteConfigUpdated()
	return err
}

func (s *SDK) applySources(disabled []string) error {
	off := make(map[remotedata.Source]bool, len(disabled))
	for _, name := range disabled {
		off[remotedata.Source(name)] = true
	}
	var errs error
	for name := range off {
		if !s.knownSource(name) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", remotedata.ErrUnknownSource, name))
		}
	}
	for _, source := range s.remoteData.Sources() {
		errs = multierr.Append(errs, s.remoteData.SetEnabled(source, !off[source]))
	}
	return errs
}

func (s *SDK) knownSource(source remotedata.Source) bool {
	for _, known := range s.remoteData.Sources() {
		if known == source {
			return true
		}
	}
	return false
}

// Flush waits until queued contact operations have been handed to the
// manager.
func (s *SDK) Flush(ctx context.Context) error {
	return s.contact.Flush(ctx)
}

// Close stops the wiring goroutines and releases storage.
func (s *SDK) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.closeResources()
}

func (s *SDK) closeResources() error {
	var errs error
	if s.remoteData != nil {
		s.remoteData.Close()
	}
	if s.contact != nil {
		errs = multierr.Append(errs, s.contact.Close())
	}
	if s.work != nil {
		s.work.Close()
	}
	if s.executor != nil {
		s.executor.Close()
	}
	if s.log != nil {
		errs = multierr.Append(errs, s.log.Close())
	}
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Close())
	}
	return errs
}
