package sdk

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/agentworkforce/contactsync/internal/config"
	"github.com/agentworkforce/contactsync/internal/contact"
	"github.com/agentworkforce/contactsync/internal/fakeserver"
	"github.com/agentworkforce/contactsync/internal/ratelimit"
	"github.com/agentworkforce/contactsync/internal/remotedata"
)

type harness struct {
	fake   *fakeserver.Server
	server *httptest.Server
	sdk    *SDK
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	fake := fakeserver.New(fakeserver.Config{})
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	t.Cleanup(fake.Close)

	cfg := config.Default()
	cfg.API.BaseURL = server.URL
	cfg.API.AppKey = fake.AppKey()
	cfg.API.AppToken = fake.AppToken()
	cfg.API.SDKVersion = "1.0.0"
	cfg.Storage.StateDSN = "memory://"
	cfg.Storage.LogDSN = "memory://"
	cfg.Contact.Locale = "en-US"
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(Options{Config: cfg, WorkBackoff: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &harness{fake: fake, server: server, sdk: s}
}

func stableContact(t *testing.T, s *SDK) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := s.Contact().StableContactIDInfo(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, info.ContactID)
	return info.ContactID
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	_, err := New(Options{Config: cfg})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewRejectsUnknownDisabledSource(t *testing.T) {
	cfg := config.Default()
	cfg.API.AppKey = "app-key"
	cfg.Storage.StateDSN = "memory://"
	cfg.Storage.LogDSN = "memory://"
	cfg.RemoteData.DisabledSources = []string{"inbox"}
	_, err := New(Options{Config: cfg})
	assert.ErrorIs(t, err, remotedata.ErrUnknownSource)
}

func TestRateLimitRules(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, map[string]ratelimit.Rule{
		contact.UpdateRateLimitID:   {Rate: 1, Interval: 500 * time.Millisecond},
		contact.IdentityRateLimitID: {Rate: 1, Interval: 5 * time.Second},
	}, h.sdk.RateLimitRules())
}

func TestChannelCreationResolvesContact(t *testing.T) {
	h := newHarness(t, nil)

	channelID, err := h.sdk.CreateChannel()
	require.NoError(t, err)
	contactID := stableContact(t, h.sdk)

	serverContact, ok := h.fake.ContactForChannel(channelID)
	require.True(t, ok)
	assert.Equal(t, serverContact, contactID)
	assert.GreaterOrEqual(t, h.fake.Hits(fakeserver.RouteIdentity), 1)
}

func TestAudienceEditsReachServer(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sdk.CreateChannel()
	require.NoError(t, err)
	contactID := stableContact(t, h.sdk)

	require.NoError(t, h.sdk.Contact().EditTagGroups().Add("interests", "cats").Apply())
	require.NoError(t, h.sdk.Contact().EditAttributes().SetString("name", "Bob").Apply())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sdk.Flush(ctx))

	require.Eventually(t, func() bool {
		rec, ok := h.fake.Contact(contactID)
		return ok && len(rec.Tags["interests"]) == 1 && rec.Attributes["name"] == "Bob"
	}, 5*time.Second, 20*time.Millisecond)

	// Confirmed edits stay visible as overrides until the server data catches up.
	require.Eventually(t, func() bool {
		id, overrides := h.sdk.ContactOverrides()
		return id == contactID && len(overrides.Tags) == 1 && overrides.Tags[0].Group == "interests"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRemoteDataFollowsPushUpdates(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		// The push endpoint lives on the same test server.
		cfg.RemoteData.PushURL = "ws" + strings.TrimPrefix(cfg.API.BaseURL, "http") + "/api/remote-data/push"
	})
	_, err := h.sdk.CreateChannel()
	require.NoError(t, err)
	contactID := stableContact(t, h.sdk)

	require.Eventually(t, func() bool { return h.fake.PushSubscribers() == 1 }, 5*time.Second, 20*time.Millisecond)

	_, err = h.fake.SetRemoteData("app", "", []fakeserver.RemoteDataPayload{{Type: "message", Data: json.RawMessage(`{"from":"app"}`)}})
	require.NoError(t, err)
	_, err = h.fake.SetRemoteData("contact", contactID, []fakeserver.RemoteDataPayload{{Type: "message", Data: json.RawMessage(`{"from":"contact"}`)}})
	require.NoError(t, err)

	rd := h.sdk.RemoteData()
	require.Eventually(t, func() bool { return len(rd.Payloads("message")) == 2 }, 5*time.Second, 20*time.Millisecond)

	payloads := rd.Payloads("message")
	assert.JSONEq(t, `{"from":"app"}`, string(payloads[0].Data))
	assert.JSONEq(t, `{"from":"contact"}`, string(payloads[1].Data))
	require.NotNil(t, payloads[1].Info)
	assert.Equal(t, contactID, payloads[1].Info.ContactID)
	assert.NoError(t, h.sdk.PushError())
}

func TestApplyConfigTogglesSourcesAndLocale(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sdk.CreateChannel()
	require.NoError(t, err)
	stableContact(t, h.sdk)
	_, err = h.fake.SetRemoteData("app", "", []fakeserver.RemoteDataPayload{{Type: "message"}})
	require.NoError(t, err)

	rd := h.sdk.RemoteData()
	rd.Invalidate()
	require.Eventually(t, func() bool { return len(rd.Payloads("message")) == 1 }, 5*time.Second, 20*time.Millisecond)

	cfg := h.sdk.Config()
	cfg.RemoteData.DisabledSources = []string{"app"}
	cfg.Contact.Locale = "de-DE"
	token := rd.ChangeToken()
	require.NoError(t, h.sdk.ApplyConfig(cfg))

	assert.Empty(t, rd.Payloads("message"))
	assert.Equal(t, language.MustParse("de-DE"), h.sdk.Locale())
	assert.NotEqual(t, token, rd.ChangeToken())

	cfg.RemoteData.DisabledSources = nil
	require.NoError(t, h.sdk.ApplyConfig(cfg))
	require.Eventually(t, func() bool { return len(rd.Payloads("message")) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sdk.Close())
	require.NoError(t, h.sdk.Close())
}
