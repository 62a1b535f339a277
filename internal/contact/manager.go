package contact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/oplog"
	"github.com/agentworkforce/contactsync/internal/pubsub"
	"github.com/agentworkforce/contactsync/internal/store"
	"github.com/agentworkforce/contactsync/internal/transport"
	"github.com/agentworkforce/contactsync/internal/workmanager"
)

const (
	UpdateWorkID        = "Contact.update"
	UpdateRateLimitID   = "update"
	IdentityRateLimitID = "identity"

	contactInfoKey     = "Contact.contactInfo"
	anonContactDataKey = "Contact.anonContactData"

	DefaultMaxResolveAge = 60 * time.Second
)

// ChannelIDProvider returns the device channel ID, or "" before the channel
// has been created.
type ChannelIDProvider interface {
	Identifier() string
}

type WorkScheduler interface {
	RegisterWorker(workID string, worker workmanager.Worker)
	SetRateLimit(id string, rate int, interval time.Duration) error
	Dispatch(req workmanager.Request)
}

type ManagerOptions struct {
	Store   *store.Store
	Log     oplog.Log
	Client  APIClient
	Channel ChannelIDProvider
	Work    WorkScheduler
	// Locale returns the locale sent with channel registrations.
	Locale        func() string
	MaxResolveAge time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

type pendingEntry struct {
	id        string
	createdAt time.Time
	op        Operation
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeUnchanged
	outcomeRejected
	outcomeFailed
)

// Manager owns the contact operation log and drains it against the identity
// API one group at a time.
type Manager struct {
	store   *store.Store
	log     oplog.Log
	client  APIClient
	channel ChannelIDProvider
	work    WorkScheduler
	locale  func() string
	now     func() time.Time
	logger  *slog.Logger
	updates *pubsub.Broadcaster[Update]

	// sem serializes network work: draining the log and auth refreshes.
	sem chan struct{}

	mu            sync.Mutex
	enabled       bool
	maxResolveAge time.Duration
	info          *contactInfo
	anon          anonContactData
	token         *authToken
	entries       []pendingEntry
	inFlight      map[string]struct{}
	lastIDInfo    *IDInfo
	lastNamedUser string
	onAudience    func(AudienceUpdate)
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidInput)
	}
	if opts.Work == nil {
		return nil, fmt.Errorf("%w: work scheduler is required", ErrInvalidInput)
	}
	s := opts.Store
	if s == nil {
		var err error
		if s, err = store.Open(nil); err != nil {
			return nil, err
		}
	}
	log := opts.Log
	if log == nil {
		log = oplog.NewInMemoryLog(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	locale := opts.Locale
	if locale == nil {
		locale = func() string { return "" }
	}
	maxResolveAge := opts.MaxResolveAge
	if maxResolveAge <= 0 {
		maxResolveAge = DefaultMaxResolveAge
	}

	m := &Manager{
		store:         s,
		log:           log,
		client:        opts.Client,
		channel:       opts.Channel,
		work:          opts.Work,
		locale:        locale,
		now:           now,
		logger:        logger.With(slog.String("component", "contact_manager")),
		updates:       pubsub.NewBroadcaster[Update](),
		sem:           make(chan struct{}, 1),
		enabled:       true,
		maxResolveAge: maxResolveAge,
		inFlight:      map[string]struct{}{},
	}

	var info contactInfo
	found, err := s.Get(contactInfoKey, &info)
	if err != nil {
		return nil, err
	}
	if found && info.ContactID != "" {
		m.info = &info
	}
	if _, err := s.Get(anonContactDataKey, &m.anon); err != nil {
		return nil, err
	}
	if err := m.loadEntries(); err != nil {
		return nil, err
	}

	m.work.RegisterWorker(UpdateWorkID, m.PerformNextOperation)
	if err := m.work.SetRateLimit(UpdateRateLimitID, 1, 500*time.Millisecond); err != nil {
		return nil, err
	}
	if err := m.work.SetRateLimit(IdentityRateLimitID, 1, 5*time.Second); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if current, ok := m.currentIDInfoLocked(); ok {
		m.lastIDInfo = &current
	}
	m.lastNamedUser = m.currentNamedUserLocked()
	m.dispatchLocked()
	m.mu.Unlock()
	return m, nil
}

func (m *Manager) loadEntries() error {
	stored, err := m.log.Entries()
	if err != nil {
		return err
	}
	var corrupt []string
	for _, entry := range stored {
		var op Operation
		if err := json.Unmarshal(entry.Payload, &op); err != nil || op.Type == "" {
			m.logger.Warn("dropping unreadable contact operation", slog.String("entry_id", entry.ID))
			corrupt = append(corrupt, entry.ID)
			continue
		}
		m.entries = append(m.entries, pendingEntry{id: entry.ID, createdAt: entry.CreatedAt, op: op})
	}
	if len(corrupt) > 0 {
		return m.log.Remove(corrupt...)
	}
	return nil
}

func (m *Manager) Updates() *pubsub.Subscription[Update] {
	return m.updates.Subscribe()
}

// OnAudienceUpdated registers the callback invoked after the server accepts
// audience or channel changes.
func (m *Manager) OnAudienceUpdated(fn func(AudienceUpdate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAudience = fn
}

func (m *Manager) SetMaxResolveAge(age time.Duration) {
	if age <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxResolveAge = age
}

// AddOperation appends op to the durable log and schedules a drain. While
// disabled only resets are accepted.
func (m *Manager) AddOperation(op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled && op.Type != OpReset {
		m.logger.Debug("contacts disabled, ignoring operation", slog.String("type", string(op.Type)))
		return ErrDisabled
	}
	if op.Type == OpIdentify && len(m.entries) > 0 {
		last := m.entries[len(m.entries)-1]
		if _, busy := m.inFlight[last.id]; !busy && last.op.Type == OpIdentify {
			if err := m.removeEntriesLocked(last.id); err != nil {
				return err
			}
		}
	}
	if err := m.appendEntryLocked(op); err != nil {
		return err
	}
	m.yieldUpdatesLocked()
	m.dispatchLocked()
	return nil
}

func (m *Manager) appendEntryLocked(op Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	entry := pendingEntry{id: uuid.NewString(), createdAt: m.now().UTC(), op: op}
	if err := m.log.Append(oplog.Entry{ID: entry.id, CreatedAt: entry.createdAt, Payload: payload}); err != nil {
		return err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Manager) removeEntriesLocked(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.log.Remove(ids...); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := m.entries[:0]
	for _, entry := range m.entries {
		if _, ok := drop[entry.id]; !ok {
			kept = append(kept, entry)
		}
	}
	m.entries = kept
	return nil
}

func (m *Manager) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]Operation, 0, len(m.entries))
	for _, entry := range m.entries {
		ops = append(ops, entry.op)
	}
	return ops
}

func (m *Manager) dispatchLocked() {
	if len(m.entries) == 0 || m.channel.Identifier() == "" {
		return
	}
	rateLimitIDs := []string{UpdateRateLimitID}
	// An unrefreshed contact resolves before anything else runs.
	if m.entries[0].op.usesIdentityEndpoint() || !m.isRefreshedLocked(m.now()) {
		rateLimitIDs = []string{IdentityRateLimitID, UpdateRateLimitID}
	}
	m.work.Dispatch(workmanager.Request{
		WorkID:         UpdateWorkID,
		ConflictPolicy: workmanager.Replace,
		RateLimitIDs:   rateLimitIDs,
	})
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.sem }

// PerformNextOperation drains the next group of operations from the log. It
// is the worker registered for UpdateWorkID.
func (m *Manager) PerformNextOperation(ctx context.Context, _ workmanager.Request) (workmanager.Result, error) {
	if err := m.acquire(ctx); err != nil {
		return workmanager.Failure, err
	}
	defer m.release()

	channelID := m.channel.Identifier()
	if channelID == "" {
		return workmanager.Success, nil
	}

	m.mu.Lock()
	group, op, err := m.nextGroupLocked()
	m.mu.Unlock()
	if err != nil {
		return workmanager.Failure, err
	}
	if len(group) == 0 {
		return workmanager.Success, nil
	}

	result, opErr := m.performGroup(ctx, channelID, op)

	ids := make([]string, 0, len(group))
	for _, entry := range group {
		ids = append(ids, entry.id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.inFlight, id)
	}
	if result == outcomeFailed {
		m.logger.Warn("contact operation failed, will retry",
			slog.String("type", string(op.Type)),
			slog.Any("error", opErr),
		)
		return workmanager.Failure, opErr
	}
	if result == outcomeRejected {
		m.logger.Warn("contact operation rejected, dropping",
			slog.String("type", string(op.Type)),
			slog.Any("error", opErr),
		)
	}
	if err := m.removeEntriesLocked(ids...); err != nil {
		return workmanager.Failure, err
	}
	m.yieldUpdatesLocked()
	m.dispatchLocked()
	return workmanager.Success, nil
}

// nextGroupLocked drops skippable operations at the head of the log and
// returns the entries to send together with the operation that represents
// them. Consecutive updates are merged and consecutive identifies collapse
// to the last one.
func (m *Manager) nextGroupLocked() ([]pendingEntry, Operation, error) {
	now := m.now()
	for len(m.entries) > 0 && m.isSkippableLocked(m.entries[0].op, now) {
		head := m.entries[0]
		m.logger.Debug("skipping contact operation", slog.String("type", string(head.op.Type)))
		if err := m.removeEntriesLocked(head.id); err != nil {
			return nil, Operation{}, err
		}
	}
	if len(m.entries) == 0 {
		m.yieldUpdatesLocked()
		return nil, Operation{}, nil
	}

	first := m.entries[0]
	group := []pendingEntry{first}
	op := first.op
	switch first.op.Type {
	case OpUpdate:
		merged := UpdateOperation(nil, nil, nil)
		merged.Tags = append(merged.Tags, first.op.Tags...)
		merged.Attributes = append(merged.Attributes, first.op.Attributes...)
		merged.SubscriptionLists = append(merged.SubscriptionLists, first.op.SubscriptionLists...)
		for _, next := range m.entries[1:] {
			if next.op.Type != OpUpdate {
				break
			}
			group = append(group, next)
			merged.Tags = append(merged.Tags, next.op.Tags...)
			merged.Attributes = append(merged.Attributes, next.op.Attributes...)
			merged.SubscriptionLists = append(merged.SubscriptionLists, next.op.SubscriptionLists...)
		}
		merged.Tags = audience.CollapseTagGroupUpdates(merged.Tags)
		merged.Attributes = audience.CollapseAttributeUpdates(merged.Attributes)
		merged.SubscriptionLists = audience.CollapseSubscriptionListUpdates(merged.SubscriptionLists)
		op = merged
	case OpIdentify:
		for _, next := range m.entries[1:] {
			if next.op.Type != OpIdentify {
				break
			}
			group = append(group, next)
			op = next.op
		}
	}
	for _, entry := range group {
		m.inFlight[entry.id] = struct{}{}
	}
	return group, op, nil
}

func (m *Manager) isSkippableLocked(op Operation, now time.Time) bool {
	switch op.Type {
	case OpUpdate:
		return !op.hasAudienceChanges()
	case OpResolve:
		return m.isRefreshedLocked(now) && now.Sub(m.info.ResolveDate) < m.maxResolveAge
	case OpVerify:
		if m.info == nil {
			return false
		}
		resolvedSince := !m.info.ResolveDate.Before(op.Date)
		if op.Required {
			return resolvedSince && m.isRefreshedLocked(now)
		}
		return resolvedSince
	case OpIdentify:
		return m.isRefreshedLocked(now) && !m.info.IsAnonymous && m.info.NamedUserID == op.NamedUserID
	case OpReset:
		return m.isRefreshedLocked(now) && m.info.IsAnonymous && m.anon.isEmpty()
	}
	return false
}

// isRefreshedLocked reports whether the contact holds an unexpired token for
// the current contact ID.
func (m *Manager) isRefreshedLocked(now time.Time) bool {
	if m.info == nil || m.token == nil {
		return false
	}
	return m.token.ContactID == m.info.ContactID && now.Before(m.token.ExpiresAt)
}

func (m *Manager) performGroup(ctx context.Context, channelID string, op Operation) (outcome, error) {
	switch op.Type {
	case OpResolve, OpVerify:
		return m.performResolve(ctx, channelID)
	}

	m.mu.Lock()
	refreshed := m.isRefreshedLocked(m.now())
	m.mu.Unlock()
	if !refreshed {
		result, err := m.performResolve(ctx, channelID)
		if result != outcomeApplied {
			return result, err
		}
	}

	switch op.Type {
	case OpIdentify:
		return m.performIdentify(ctx, channelID, op.NamedUserID)
	case OpReset:
		return m.performReset(ctx, channelID)
	case OpUpdate:
		return m.performUpdate(ctx, op)
	case OpRegisterEmail, OpRegisterSMS, OpRegisterOpen, OpAssociateChannel, OpDisassociateChannel:
		return m.performChannelOperation(ctx, op)
	case OpResend:
		return m.performResend(ctx, op)
	}
	return outcomeRejected, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, op.Type)
}

func classify(operation string, statusCode int, err error) (outcome, error) {
	if err != nil {
		return outcomeFailed, fmt.Errorf("%s: %w: %w", operation, ErrTransient, err)
	}
	switch {
	case transport.IsSuccess(statusCode):
		return outcomeApplied, nil
	case statusCode == http.StatusNotModified:
		return outcomeUnchanged, nil
	case transport.IsRetryable(statusCode):
		return outcomeFailed, &RequestError{Operation: operation, StatusCode: statusCode}
	}
	return outcomeRejected, &RequestError{Operation: operation, StatusCode: statusCode}
}

func (m *Manager) possiblyOrphanedLocked() string {
	if m.info != nil && m.info.IsAnonymous && m.anon.isEmpty() {
		return m.info.ContactID
	}
	return ""
}

func (m *Manager) performResolve(ctx context.Context, channelID string) (outcome, error) {
	m.mu.Lock()
	contactID := ""
	if m.info != nil {
		contactID = m.info.ContactID
	}
	orphaned := m.possiblyOrphanedLocked()
	m.mu.Unlock()

	resp, err := m.client.Resolve(ctx, channelID, contactID, orphaned)
	result, err := classify("resolve", resp.StatusCode, err)
	if result == outcomeApplied {
		m.mu.Lock()
		err = m.applyIdentityResultLocked(resp.Result, OpResolve, "")
		m.mu.Unlock()
		if err != nil {
			return outcomeFailed, err
		}
	}
	if result == outcomeUnchanged {
		result = outcomeRejected
	}
	return result, err
}

func (m *Manager) performIdentify(ctx context.Context, channelID, namedUserID string) (outcome, error) {
	m.mu.Lock()
	contactID := ""
	if m.info != nil && m.info.IsAnonymous {
		contactID = m.info.ContactID
	}
	orphaned := m.possiblyOrphanedLocked()
	m.mu.Unlock()

	resp, err := m.client.Identify(ctx, channelID, namedUserID, contactID, orphaned)
	result, err := classify("identify", resp.StatusCode, err)
	if result == outcomeApplied {
		m.mu.Lock()
		err = m.applyIdentityResultLocked(resp.Result, OpIdentify, namedUserID)
		m.mu.Unlock()
		if err != nil {
			return outcomeFailed, err
		}
	}
	return result, err
}

func (m *Manager) performReset(ctx context.Context, channelID string) (outcome, error) {
	m.mu.Lock()
	orphaned := m.possiblyOrphanedLocked()
	m.mu.Unlock()

	resp, err := m.client.Reset(ctx, channelID, orphaned)
	result, err := classify("reset", resp.StatusCode, err)
	if result == outcomeApplied {
		m.mu.Lock()
		err = m.applyIdentityResultLocked(resp.Result, OpReset, "")
		m.mu.Unlock()
		if err != nil {
			return outcomeFailed, err
		}
	}
	return result, err
}

// applyIdentityResultLocked records a successful resolve, identify or reset.
// Losing an anonymous contact that carried audience data to a different
// named contact publishes a conflict.
func (m *Manager) applyIdentityResultLocked(result IdentityResult, kind OperationType, requestedNamedUserID string) error {
	now := m.now().UTC()
	prev := m.info

	namedUserID := ""
	switch kind {
	case OpIdentify:
		namedUserID = requestedNamedUserID
	case OpResolve:
		if prev != nil && prev.ContactID == result.ContactID {
			namedUserID = prev.NamedUserID
		}
	}

	var conflict *ConflictEvent
	if prev != nil && prev.ContactID != result.ContactID {
		if prev.IsAnonymous && !result.IsAnonymous && !m.anon.isEmpty() {
			conflict = &ConflictEvent{
				Tags:                   m.anon.Tags,
				Attributes:             m.anon.Attributes,
				SubscriptionLists:      m.anon.SubscriptionLists,
				Channels:               m.anon.Channels,
				ConflictingNamedUserID: namedUserID,
			}
		}
		m.token = nil
	}
	if kind == OpReset || !result.IsAnonymous || (prev != nil && prev.ContactID != result.ContactID) {
		if err := m.setAnonDataLocked(anonContactData{}); err != nil {
			return err
		}
	}

	info := &contactInfo{
		ContactID:             result.ContactID,
		IsAnonymous:           result.IsAnonymous,
		NamedUserID:           namedUserID,
		ChannelAssociatedDate: result.ChannelAssociatedDate,
		ResolveDate:           now,
	}
	if err := m.store.Set(contactInfoKey, info); err != nil {
		return err
	}
	m.info = info
	if result.Token != "" {
		m.token = &authToken{
			ContactID: result.ContactID,
			Token:     result.Token,
			ExpiresAt: now.Add(result.TokenExpiresIn),
		}
	}
	m.yieldUpdatesLocked()
	if conflict != nil {
		m.logger.Info("anonymous contact data conflicts with identified contact",
			slog.String("contact_id", result.ContactID),
		)
		m.updates.Publish(Update{Kind: ConflictUpdate, Conflict: conflict})
	}
	return nil
}

func (m *Manager) setAnonDataLocked(data anonContactData) error {
	if data.isEmpty() {
		if err := m.store.Remove(anonContactDataKey); err != nil {
			return err
		}
		m.anon = anonContactData{}
		return nil
	}
	if err := m.store.Set(anonContactDataKey, data); err != nil {
		return err
	}
	m.anon = data
	return nil
}

func (m *Manager) contactCredentials() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil || m.token == nil {
		return "", ""
	}
	return m.info.ContactID, m.token.Token
}

// unauthorized drops the cached token on a 401 so the retry resolves first.
func (m *Manager) unauthorized(statusCode int, token string) bool {
	if statusCode != http.StatusUnauthorized {
		return false
	}
	m.AuthTokenExpired(token)
	return true
}

func (m *Manager) performUpdate(ctx context.Context, op Operation) (outcome, error) {
	contactID, token := m.contactCredentials()
	resp, err := m.client.Update(ctx, token, contactID, op.Tags, op.Attributes, op.SubscriptionLists)
	if err == nil && m.unauthorized(resp.StatusCode, token) {
		return outcomeFailed, &RequestError{Operation: "update", StatusCode: resp.StatusCode}
	}
	result, err := classify("update", resp.StatusCode, err)
	if result != outcomeApplied {
		return result, err
	}

	m.mu.Lock()
	if m.info != nil && m.info.IsAnonymous && m.info.ContactID == contactID {
		if err := m.setAnonDataLocked(m.anon.withAudience(op.Tags, op.Attributes, op.SubscriptionLists)); err != nil {
			m.mu.Unlock()
			return outcomeFailed, err
		}
	}
	notify := m.onAudience
	m.mu.Unlock()
	if notify != nil {
		notify(AudienceUpdate{
			ContactID:         contactID,
			Tags:              op.Tags,
			Attributes:        op.Attributes,
			SubscriptionLists: op.SubscriptionLists,
		})
	}
	return outcomeApplied, nil
}

func (m *Manager) performChannelOperation(ctx context.Context, op Operation) (outcome, error) {
	contactID, token := m.contactCredentials()

	var (
		resp       Response[AssociatedChannel]
		err        error
		updateType = ChannelAssociated
	)
	switch op.Type {
	case OpRegisterEmail:
		resp, err = m.client.RegisterEmail(ctx, token, contactID, op.Address, derefOr(op.Email), m.locale())
	case OpRegisterSMS:
		resp, err = m.client.RegisterSMS(ctx, token, contactID, op.Address, derefOr(op.SMS), m.locale())
	case OpRegisterOpen:
		resp, err = m.client.RegisterOpen(ctx, token, contactID, op.Address, derefOr(op.Open), m.locale())
	case OpAssociateChannel:
		channel := derefOr(op.Channel)
		resp, err = m.client.AssociateChannel(ctx, token, contactID, channel.ChannelID, channel.ChannelType)
	case OpDisassociateChannel:
		updateType = ChannelDisassociated
		resp, err = m.client.DisassociateChannel(ctx, token, contactID, derefOr(op.Channel))
	}
	if err == nil && m.unauthorized(resp.StatusCode, token) {
		return outcomeFailed, &RequestError{Operation: string(op.Type), StatusCode: resp.StatusCode}
	}
	result, err := classify(string(op.Type), resp.StatusCode, err)
	if result != outcomeApplied {
		return result, err
	}

	update := ChannelUpdate{Type: updateType, Channel: resp.Result}
	if update.Channel.ChannelID == "" && op.Channel != nil {
		update.Channel = *op.Channel
	}
	m.mu.Lock()
	if m.info != nil && m.info.IsAnonymous && m.info.ContactID == contactID {
		if err := m.setAnonDataLocked(m.anon.withChannel(update)); err != nil {
			m.mu.Unlock()
			return outcomeFailed, err
		}
	}
	notify := m.onAudience
	m.mu.Unlock()
	if notify != nil {
		notify(AudienceUpdate{ContactID: contactID, Channels: []ChannelUpdate{update}})
	}
	return outcomeApplied, nil
}

func (m *Manager) performResend(ctx context.Context, op Operation) (outcome, error) {
	_, token := m.contactCredentials()
	resp, err := m.client.Resend(ctx, token, derefOr(op.Resend))
	if err == nil && m.unauthorized(resp.StatusCode, token) {
		return outcomeFailed, &RequestError{Operation: "resend", StatusCode: resp.StatusCode}
	}
	return classify("resend", resp.StatusCode, err)
}

func derefOr[T any](value *T) T {
	if value == nil {
		var zero T
		return zero
	}
	return *value
}

func (m *Manager) identityOpPendingLocked() bool {
	for _, entry := range m.entries {
		if entry.op.changesIdentity() {
			return true
		}
	}
	return false
}

func (m *Manager) currentIDInfoLocked() (IDInfo, bool) {
	if m.info == nil {
		return IDInfo{}, false
	}
	return IDInfo{
		ContactID:   m.info.ContactID,
		IsStable:    !m.identityOpPendingLocked(),
		NamedUserID: m.info.NamedUserID,
		ResolveDate: m.info.ResolveDate,
	}, true
}

// currentNamedUserLocked is the named user the contact will have once the
// log drains: the last queued identify or reset wins over server state.
func (m *Manager) currentNamedUserLocked() string {
	for i := len(m.entries) - 1; i >= 0; i-- {
		switch m.entries[i].op.Type {
		case OpIdentify:
			return m.entries[i].op.NamedUserID
		case OpReset:
			return ""
		}
	}
	if m.info == nil {
		return ""
	}
	return m.info.NamedUserID
}

func (m *Manager) yieldUpdatesLocked() {
	if current, ok := m.currentIDInfoLocked(); ok {
		last := m.lastIDInfo
		if last == nil || last.ContactID != current.ContactID || last.IsStable != current.IsStable || last.NamedUserID != current.NamedUserID {
			m.lastIDInfo = &current
			m.updates.Publish(Update{Kind: ContactIDUpdate, IDInfo: current})
		}
	}
	if named := m.currentNamedUserLocked(); named != m.lastNamedUser {
		m.lastNamedUser = named
		m.updates.Publish(Update{Kind: NamedUserUpdate, NamedUserID: named})
	}
}

func (m *Manager) CurrentContactIDInfo() (IDInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentIDInfoLocked()
}

func (m *Manager) CurrentNamedUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentNamedUserLocked()
}

// StableContactIDInfo blocks until no identify or reset is pending.
func (m *Manager) StableContactIDInfo(ctx context.Context) (IDInfo, error) {
	sub := m.updates.Subscribe()
	defer sub.Unsubscribe()
	if info, ok := m.CurrentContactIDInfo(); ok && info.IsStable {
		return info, nil
	}
	for {
		select {
		case update, ok := <-sub.C():
			if !ok {
				return IDInfo{}, ErrDisabled
			}
			if update.Kind == ContactIDUpdate && update.IDInfo.IsStable {
				return update.IDInfo, nil
			}
		case <-ctx.Done():
			return IDInfo{}, ctx.Err()
		}
	}
}

// GenerateDefaultContactIDIfNotSet seeds an anonymous contact so callers have
// an ID before the first resolve completes.
func (m *Manager) GenerateDefaultContactIDIfNotSet() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info != nil {
		return nil
	}
	info := &contactInfo{
		ContactID:   strings.ToLower(uuid.NewString()),
		IsAnonymous: true,
	}
	if err := m.store.Set(contactInfoKey, info); err != nil {
		return err
	}
	m.info = info
	m.yieldUpdatesLocked()
	return nil
}

func (m *Manager) cachedToken(contactID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || m.token.ContactID != contactID || !m.isRefreshedLocked(m.now()) {
		return "", false
	}
	return m.token.Token, true
}

// ResolveAuth returns a bearer token for contactID, resolving the contact
// when the cached token is missing or expired. It fails with
// ErrIdentityMismatch when the channel now maps to a different contact.
func (m *Manager) ResolveAuth(ctx context.Context, contactID string) (string, error) {
	if token, ok := m.cachedToken(contactID); ok {
		return token, nil
	}
	if err := m.acquire(ctx); err != nil {
		return "", err
	}
	defer m.release()
	if token, ok := m.cachedToken(contactID); ok {
		return token, nil
	}
	channelID := m.channel.Identifier()
	if channelID == "" {
		return "", ErrNoChannel
	}
	result, err := m.performResolve(ctx, channelID)
	if result != outcomeApplied {
		if err == nil {
			err = &RequestError{Operation: "resolve", StatusCode: http.StatusNotModified}
		}
		return "", err
	}
	if token, ok := m.cachedToken(contactID); ok {
		return token, nil
	}
	current, _ := m.CurrentContactIDInfo()
	return "", fmt.Errorf("%w: requested %s, channel resolved to %s", ErrIdentityMismatch, contactID, current.ContactID)
}

func (m *Manager) AuthTokenExpired(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != nil && m.token.Token == token {
		m.token = nil
	}
}

// PendingAudienceOverrides returns queued audience edits that apply to
// contactID. Scanning stops at the first operation that may move the device
// to another contact, and subscription list edits are left out once such an
// operation is queued.
func (m *Manager) PendingAudienceOverrides(contactID string) audience.Overrides {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil || m.info.ContactID != contactID {
		return audience.Overrides{}
	}
	var overrides audience.Overrides
	identityPending := false
scan:
	for _, entry := range m.entries {
		switch entry.op.Type {
		case OpReset:
			identityPending = true
			break scan
		case OpIdentify:
			if m.info.IsAnonymous || m.info.NamedUserID != entry.op.NamedUserID {
				identityPending = true
				break scan
			}
		case OpUpdate:
			overrides.Tags = append(overrides.Tags, entry.op.Tags...)
			overrides.Attributes = append(overrides.Attributes, entry.op.Attributes...)
			overrides.SubscriptionLists = append(overrides.SubscriptionLists, entry.op.SubscriptionLists...)
		}
	}
	if identityPending {
		overrides.SubscriptionLists = nil
	}
	return overrides.Collapse()
}

// SetEnabled toggles contact operations. Disabling drops everything queued
// and, when the device holds a named contact or anonymous data, queues a
// reset.
func (m *Manager) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled == enabled {
		return nil
	}
	m.enabled = enabled
	if enabled {
		m.dispatchLocked()
		return nil
	}

	var drop []string
	for _, entry := range m.entries {
		if _, busy := m.inFlight[entry.id]; !busy {
			drop = append(drop, entry.id)
		}
	}
	if err := m.removeEntriesLocked(drop...); err != nil {
		return err
	}
	if m.info != nil && (!m.info.IsAnonymous || !m.anon.isEmpty()) {
		if err := m.appendEntryLocked(ResetOperation()); err != nil {
			return err
		}
	}
	m.yieldUpdatesLocked()
	m.dispatchLocked()
	return nil
}

func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}
