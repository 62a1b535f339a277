package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/oplog"
	"github.com/agentworkforce/contactsync/internal/opqueue"
	"github.com/agentworkforce/contactsync/internal/pubsub"
	"github.com/agentworkforce/contactsync/internal/store"
)

var ErrClosed = errors.New("contact closed")

const (
	DefaultForegroundResolveInterval = 60 * time.Second

	subscriptionListCacheAge = 10 * time.Minute
	maxNamedUserIDLength     = 128
)

type Options struct {
	Store   *store.Store
	Log     oplog.Log
	Client  APIClient
	Channel ChannelIDProvider
	Work    WorkScheduler
	// Queue orders the fire-and-forget calls. A private single-worker
	// executor is used when nil.
	Queue                     *opqueue.Queue
	Overrides                 *audience.OverridesProvider
	ConflictDelegate          ConflictDelegate
	Locale                    func() string
	ForegroundResolveInterval time.Duration
	MaxResolveAge             time.Duration
	Now                       func() time.Time
	Logger                    *slog.Logger
}

type subscriptionListCache struct {
	contactID string
	lists     map[string][]audience.Scope
	fetchedAt time.Time
}

// Contact is the application-facing contact API. Mutations are queued and
// return once accepted; the Manager delivers them to the server.
type Contact struct {
	manager   *Manager
	client    APIClient
	store     *store.Store
	queue     *opqueue.Queue
	executor  *opqueue.Executor
	overrides *audience.OverridesProvider
	now       func() time.Time
	logger    *slog.Logger
	updates   *pubsub.Subscription[Update]
	done      chan struct{}

	mu                        sync.Mutex
	conflictDelegate          ConflictDelegate
	foregroundResolveInterval time.Duration
	lastForegroundResolve     time.Time
	subscriptionCache         *subscriptionListCache
}

func New(opts Options) (*Contact, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := opts.Store
	if s == nil {
		var err error
		if s, err = store.Open(nil); err != nil {
			return nil, err
		}
	}
	manager, err := NewManager(ManagerOptions{
		Store:         s,
		Log:           opts.Log,
		Client:        opts.Client,
		Channel:       opts.Channel,
		Work:          opts.Work,
		Locale:        opts.Locale,
		MaxResolveAge: opts.MaxResolveAge,
		Now:           now,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Contact{
		manager:                   manager,
		client:                    opts.Client,
		store:                     s,
		queue:                     opts.Queue,
		overrides:                 opts.Overrides,
		now:                       now,
		logger:                    logger.With(slog.String("component", "contact")),
		done:                      make(chan struct{}),
		conflictDelegate:          opts.ConflictDelegate,
		foregroundResolveInterval: opts.ForegroundResolveInterval,
	}
	if c.queue == nil {
		c.executor = opqueue.NewExecutor(1, logger)
		c.queue = c.executor.NewQueue("contact", opqueue.PriorityDefault)
	}
	if c.overrides == nil {
		c.overrides = audience.NewOverridesProvider(now)
	}
	if c.conflictDelegate == nil {
		c.conflictDelegate = noopConflictDelegate{}
	}
	if c.foregroundResolveInterval <= 0 {
		c.foregroundResolveInterval = DefaultForegroundResolveInterval
	}

	c.overrides.SetPendingFunc(manager.PendingAudienceOverrides)
	manager.OnAudienceUpdated(c.recordAudienceUpdate)

	if err := c.migrateLegacyData(); err != nil {
		c.logger.Warn("legacy contact data migration failed", slog.Any("error", err))
	}

	sub := manager.Updates()
	c.updates = sub
	go func() {
		defer close(c.done)
		for update := range sub.C() {
			if update.Kind != ConflictUpdate || update.Conflict == nil {
				continue
			}
			c.mu.Lock()
			delegate := c.conflictDelegate
			c.mu.Unlock()
			delegate.ContactConflict(*update.Conflict)
		}
	}()
	return c, nil
}

func (c *Contact) Manager() *Manager { return c.manager }

func (c *Contact) SetConflictDelegate(delegate ConflictDelegate) {
	if delegate == nil {
		delegate = noopConflictDelegate{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflictDelegate = delegate
}

func (c *Contact) recordAudienceUpdate(update AudienceUpdate) {
	c.overrides.RecordContactUpdate(update.ContactID, audience.Overrides{
		Tags:              update.Tags,
		Attributes:        update.Attributes,
		SubscriptionLists: update.SubscriptionLists,
	})
}

func (c *Contact) enqueue(op Operation) error {
	accepted := c.queue.Enqueue(func(context.Context) error {
		err := c.manager.AddOperation(op)
		if errors.Is(err, ErrDisabled) {
			return nil
		}
		return err
	})
	if !accepted {
		return ErrClosed
	}
	return nil
}

// Flush waits until every call made so far has reached the operation log.
func (c *Contact) Flush(ctx context.Context) error {
	return c.queue.WaitForCurrentOperations(ctx)
}

// Identify associates the device with namedUserID.
func (c *Contact) Identify(namedUserID string) error {
	namedUserID = strings.TrimSpace(namedUserID)
	if namedUserID == "" || len(namedUserID) > maxNamedUserIDLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidNamedUser, maxNamedUserIDLength)
	}
	return c.enqueue(IdentifyOperation(namedUserID))
}

func (c *Contact) Reset() error {
	return c.enqueue(ResetOperation())
}

// NotifyRemoteLogin forces a re-resolve after the user signed in elsewhere.
func (c *Contact) NotifyRemoteLogin() error {
	return c.enqueue(VerifyOperation(c.now(), true))
}

func (c *Contact) NamedUserID() string {
	return c.manager.CurrentNamedUserID()
}

func (c *Contact) ContactIDInfo() (IDInfo, bool) {
	return c.manager.CurrentContactIDInfo()
}

func (c *Contact) StableContactIDInfo(ctx context.Context) (IDInfo, error) {
	return c.manager.StableContactIDInfo(ctx)
}

func (c *Contact) EditTagGroups() *audience.TagGroupsEditor {
	return audience.NewTagGroupsEditor(func(updates []audience.TagGroupUpdate) {
		c.enqueueUpdate(UpdateOperation(updates, nil, nil))
	})
}

func (c *Contact) EditAttributes() *audience.AttributesEditor {
	return audience.NewAttributesEditor(c.now, func(updates []audience.AttributeUpdate) {
		c.enqueueUpdate(UpdateOperation(nil, updates, nil))
	})
}

func (c *Contact) EditSubscriptionLists() *audience.SubscriptionListEditor {
	return audience.NewSubscriptionListEditor(c.now, func(updates []audience.ScopedSubscriptionListUpdate) {
		c.enqueueUpdate(UpdateOperation(nil, nil, updates))
	})
}

func (c *Contact) enqueueUpdate(op Operation) {
	if !op.hasAudienceChanges() {
		return
	}
	if err := c.enqueue(op); err != nil {
		c.logger.Warn("dropping audience edit", slog.Any("error", err))
	}
}

func (c *Contact) RegisterEmail(address string, options EmailOptions) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: email address is required", ErrInvalidInput)
	}
	return c.enqueue(RegisterEmailOperation(strings.TrimSpace(address), options))
}

func (c *Contact) RegisterSMS(msisdn string, options SMSOptions) error {
	if strings.TrimSpace(msisdn) == "" || strings.TrimSpace(options.SenderID) == "" {
		return fmt.Errorf("%w: msisdn and sender id are required", ErrInvalidInput)
	}
	return c.enqueue(RegisterSMSOperation(strings.TrimSpace(msisdn), options))
}

func (c *Contact) RegisterOpen(address string, options OpenOptions) error {
	if strings.TrimSpace(address) == "" || strings.TrimSpace(options.PlatformName) == "" {
		return fmt.Errorf("%w: address and platform name are required", ErrInvalidInput)
	}
	return c.enqueue(RegisterOpenOperation(strings.TrimSpace(address), options))
}

func (c *Contact) AssociateChannel(channelID string, channelType ChannelType) error {
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidInput)
	}
	return c.enqueue(AssociateChannelOperation(channelID, channelType))
}

func (c *Contact) DisassociateChannel(channel AssociatedChannel) error {
	if strings.TrimSpace(channel.ChannelID) == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidInput)
	}
	return c.enqueue(DisassociateChannelOperation(channel))
}

func (c *Contact) Resend(options ResendOptions) error {
	if options.ChannelID == "" && options.Address == "" {
		return fmt.Errorf("%w: channel id or address is required", ErrInvalidInput)
	}
	return c.enqueue(ResendOperation(options))
}

// AuthToken returns a contact token for the stable contact.
func (c *Contact) AuthToken(ctx context.Context) (string, error) {
	info, err := c.manager.StableContactIDInfo(ctx)
	if err != nil {
		return "", err
	}
	return c.manager.ResolveAuth(ctx, info.ContactID)
}

// FetchSubscriptionLists returns the stable contact's subscription lists with
// recent and pending local edits applied.
func (c *Contact) FetchSubscriptionLists(ctx context.Context) (map[string][]audience.Scope, error) {
	info, err := c.manager.StableContactIDInfo(ctx)
	if err != nil {
		return nil, err
	}
	lists, err := c.cachedOrFetchSubscriptionLists(ctx, info.ContactID)
	if err != nil {
		return nil, err
	}
	overrides := c.overrides.ContactOverrides(info.ContactID)
	return audience.ApplySubscriptionListUpdates(lists, overrides.SubscriptionLists), nil
}

func (c *Contact) cachedOrFetchSubscriptionLists(ctx context.Context, contactID string) (map[string][]audience.Scope, error) {
	c.mu.Lock()
	cached := c.subscriptionCache
	c.mu.Unlock()
	if cached != nil && cached.contactID == contactID && c.now().Sub(cached.fetchedAt) < subscriptionListCacheAge {
		return cached.lists, nil
	}

	token, err := c.manager.ResolveAuth(ctx, contactID)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.FetchSubscriptionLists(ctx, token, contactID)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription lists: %w: %w", ErrTransient, err)
	}
	if !resp.IsSuccess() {
		if resp.StatusCode == http.StatusUnauthorized {
			c.manager.AuthTokenExpired(token)
		}
		return nil, &RequestError{Operation: "fetch subscription lists", StatusCode: resp.StatusCode}
	}
	lists := resp.Result
	if lists == nil {
		lists = map[string][]audience.Scope{}
	}
	c.mu.Lock()
	c.subscriptionCache = &subscriptionListCache{contactID: contactID, lists: lists, fetchedAt: c.now()}
	c.mu.Unlock()
	return lists, nil
}

// OnForeground queues a resolve when the last foreground resolve is older
// than the foreground resolve interval.
func (c *Contact) OnForeground() {
	now := c.now()
	c.mu.Lock()
	due := c.lastForegroundResolve.IsZero() || now.Sub(c.lastForegroundResolve) >= c.foregroundResolveInterval
	if due {
		c.lastForegroundResolve = now
	}
	c.mu.Unlock()
	if due {
		if err := c.enqueue(ResolveOperation()); err != nil {
			c.logger.Warn("foreground resolve not queued", slog.Any("error", err))
		}
	}
}

// OnChannelCreated resolves the contact once the channel has an ID.
func (c *Contact) OnChannelCreated() {
	if err := c.enqueue(ResolveOperation()); err != nil {
		c.logger.Warn("channel created resolve not queued", slog.Any("error", err))
	}
}

// SetMaxResolveAge applies the remote config value for how long a resolve
// stays fresh.
func (c *Contact) SetMaxResolveAge(age time.Duration) {
	c.manager.SetMaxResolveAge(age)
}

func (c *Contact) SetEnabled(enabled bool) error {
	return c.manager.SetEnabled(enabled)
}

func (c *Contact) Close() error {
	c.updates.Unsubscribe()
	<-c.done
	if c.executor != nil {
		c.queue.Stop()
		c.executor.Close()
	}
	return nil
}
