package contact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/oplog"
	"github.com/agentworkforce/contactsync/internal/store"
)

type recordingDelegate struct {
	conflicts chan ConflictEvent
}

func (d *recordingDelegate) ContactConflict(event ConflictEvent) {
	d.conflicts <- event
}

func newContactHarness(t *testing.T, s *store.Store) (*Contact, *managerHarness) {
	t.Helper()
	if s == nil {
		var err error
		s, err = store.Open(nil)
		require.NoError(t, err)
	}
	h := &managerHarness{
		api:       newFakeAPI(),
		clock:     newFakeClock(),
		channel:   &fakeChannel{id: "channel-1"},
		scheduler: newFakeScheduler(),
		store:     s,
		log:       oplog.NewInMemoryLog(0),
	}
	c, err := New(Options{
		Store:   h.store,
		Log:     h.log,
		Client:  h.api,
		Channel: h.channel,
		Work:    h.scheduler,
		Now:     h.clock.Now,
	})
	require.NoError(t, err)
	h.manager = c.Manager()
	t.Cleanup(func() { _ = c.Close() })
	return c, h
}

func flush(t *testing.T, c *Contact) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}

func TestIdentifyValidatesNamedUser(t *testing.T) {
	c, h := newContactHarness(t, nil)

	assert.ErrorIs(t, c.Identify(""), ErrInvalidNamedUser)
	assert.ErrorIs(t, c.Identify("   "), ErrInvalidNamedUser)
	assert.ErrorIs(t, c.Identify(strings.Repeat("x", 129)), ErrInvalidNamedUser)

	require.NoError(t, c.Identify("  bob  "))
	flush(t, c)
	ops := h.manager.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "bob", ops[0].NamedUserID)
	assert.Equal(t, "bob", c.NamedUserID())
}

func TestRegisterValidatesInput(t *testing.T) {
	c, _ := newContactHarness(t, nil)
	assert.ErrorIs(t, c.RegisterEmail(" ", EmailOptions{}), ErrInvalidInput)
	assert.ErrorIs(t, c.RegisterSMS("15035556789", SMSOptions{}), ErrInvalidInput)
	assert.ErrorIs(t, c.RegisterOpen("addr", OpenOptions{}), ErrInvalidInput)
	assert.ErrorIs(t, c.AssociateChannel("", ChannelTypeEmail), ErrInvalidInput)
	assert.ErrorIs(t, c.Resend(ResendOptions{ChannelType: ChannelTypeEmail}), ErrInvalidInput)
}

func TestFetchSubscriptionListsAppliesOverrides(t *testing.T) {
	c, h := newContactHarness(t, nil)
	h.api.lists = map[string][]audience.Scope{
		"news":   {audience.ScopeApp},
		"promos": {audience.ScopeApp},
	}
	h.add(t, ResolveOperation())
	h.drain(t)

	require.NoError(t, c.EditSubscriptionLists().
		Unsubscribe("news", audience.ScopeApp).
		Subscribe("offers", audience.ScopeWeb).
		Apply())
	flush(t, c)

	want := map[string][]audience.Scope{
		"promos": {audience.ScopeApp},
		"offers": {audience.ScopeWeb},
	}
	ctx := context.Background()
	lists, err := c.FetchSubscriptionLists(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, lists)

	// Once sent, the edits are still applied from the recent-update record.
	h.drain(t)
	lists, err = c.FetchSubscriptionLists(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, lists)

	fetches := 0
	for _, method := range h.api.methods() {
		if method == "subscriptionLists" {
			fetches++
		}
	}
	assert.Equal(t, 1, fetches)
}

func TestFetchSubscriptionListsReportsRejection(t *testing.T) {
	c, h := newContactHarness(t, nil)
	h.add(t, ResolveOperation())
	h.drain(t)
	h.api.queueStatus("subscriptionLists", 403, nil)

	_, err := c.FetchSubscriptionLists(context.Background())
	assert.ErrorIs(t, err, ErrClientRejected)
}

func TestConflictDelegateReceivesConflict(t *testing.T) {
	c, h := newContactHarness(t, nil)
	delegate := &recordingDelegate{conflicts: make(chan ConflictEvent, 1)}
	c.SetConflictDelegate(delegate)

	require.NoError(t, c.EditTagGroups().Add("cool", "neat").Apply())
	flush(t, c)
	h.drain(t)

	require.NoError(t, c.Identify("some-user"))
	flush(t, c)
	h.drain(t)

	select {
	case event := <-delegate.conflicts:
		assert.Equal(t, "some-user", event.ConflictingNamedUserID)
		assert.Equal(t, map[string][]string{"cool": {"neat"}}, event.Tags)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected conflict event")
	}
}

func TestLegacyDataMigratesOnce(t *testing.T) {
	s, err := store.Open(nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(legacyNamedUserKey, "legacy-user"))
	require.NoError(t, s.Set(legacyPendingTagGroupsKey, []audience.TagGroupUpdate{tagAdd("g", "a")}))
	require.NoError(t, s.Set(legacyPendingAttributesKey, []audience.AttributeUpdate{{Attribute: "k", Type: audience.AttributeSet, Value: "v"}}))

	_, h := newContactHarness(t, s)

	ops := h.manager.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, OpIdentify, ops[0].Type)
	assert.Equal(t, "legacy-user", ops[0].NamedUserID)
	assert.Equal(t, OpUpdate, ops[1].Type)
	assert.Len(t, ops[1].Tags, 1)
	assert.Len(t, ops[1].Attributes, 1)

	assert.False(t, s.Has(legacyNamedUserKey))
	assert.False(t, s.Has(legacyPendingTagGroupsKey))
	assert.False(t, s.Has(legacyPendingAttributesKey))
}

func TestOnForegroundRespectsInterval(t *testing.T) {
	c, h := newContactHarness(t, nil)

	c.OnForeground()
	c.OnForeground()
	flush(t, c)
	assert.Len(t, h.manager.Operations(), 1)

	h.clock.Advance(DefaultForegroundResolveInterval)
	c.OnForeground()
	flush(t, c)
	assert.Len(t, h.manager.Operations(), 2)
}

func TestNotifyRemoteLoginQueuesRequiredVerify(t *testing.T) {
	c, h := newContactHarness(t, nil)
	require.NoError(t, c.NotifyRemoteLogin())
	flush(t, c)

	ops := h.manager.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, OpVerify, ops[0].Type)
	assert.True(t, ops[0].Required)
	assert.True(t, ops[0].Date.Equal(h.clock.Now()))
}

func TestAuthTokenUsesStableContact(t *testing.T) {
	c, h := newContactHarness(t, nil)
	h.add(t, ResolveOperation())
	h.drain(t)

	token, err := c.AuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-anon", token)
}

func TestDisabledContactIgnoresEdits(t *testing.T) {
	c, h := newContactHarness(t, nil)
	h.add(t, ResolveOperation())
	h.drain(t)
	require.NoError(t, c.SetEnabled(false))

	require.NoError(t, c.EditTagGroups().Add("g", "a").Apply())
	flush(t, c)
	assert.Empty(t, h.manager.Operations())
}
