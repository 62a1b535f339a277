package fakeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if r.body != nil {
		if err := json.NewEncoder(&body).Encode(r.body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(r.method, r.path, &body)
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

type identityResponse struct {
	Contact struct {
		ContactID   string `json:"contact_id"`
		IsAnonymous bool   `json:"is_anonymous"`
	} `json:"contact"`
	Token          string `json:"token"`
	TokenExpiresIn int64  `json:"token_expires_in"`
}

func identity(t *testing.T, server *Server, channelID, action, namedUser string) identityResponse {
	t.Helper()
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/api/contacts/identify/v2",
		headers: map[string]string{"Authorization": "Bearer " + server.AppToken()},
		body: map[string]any{
			"device_info": map[string]string{"channel_id": channelID, "device_type": "go"},
			"action":      map[string]string{"type": action, "named_user_id": namedUser},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from %s, got %d (%s)", action, rec.Code, rec.Body.String())
	}
	var out identityResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode identity response: %v", err)
	}
	return out
}

func TestIdentityRequiresAppToken(t *testing.T) {
	server := New(Config{})
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/api/contacts/identify/v2",
		body:   map[string]any{"device_info": map[string]string{"channel_id": "c1"}, "action": map[string]string{"type": "resolve"}},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestIdentityLifecycle(t *testing.T) {
	server := New(Config{})

	anon := identity(t, server, "channel-1", "resolve", "")
	if !anon.Contact.IsAnonymous || anon.Contact.ContactID == "" {
		t.Fatalf("expected anonymous contact, got %+v", anon.Contact)
	}
	if anon.TokenExpiresIn != time.Hour.Milliseconds() {
		t.Fatalf("expected one hour token, got %d", anon.TokenExpiresIn)
	}
	again := identity(t, server, "channel-1", "resolve", "")
	if again.Contact.ContactID != anon.Contact.ContactID {
		t.Fatalf("resolve should be stable: %s != %s", again.Contact.ContactID, anon.Contact.ContactID)
	}

	// Identifying an anonymous contact names it in place.
	named := identity(t, server, "channel-1", "identify", "bob")
	if named.Contact.ContactID != anon.Contact.ContactID || named.Contact.IsAnonymous {
		t.Fatalf("expected anonymous contact to become bob, got %+v", named.Contact)
	}

	// Another channel identifying as bob lands on the same contact.
	other := identity(t, server, "channel-2", "identify", "bob")
	if other.Contact.ContactID != named.Contact.ContactID {
		t.Fatalf("expected shared contact for bob")
	}

	reset := identity(t, server, "channel-1", "reset", "")
	if reset.Contact.ContactID == named.Contact.ContactID || !reset.Contact.IsAnonymous {
		t.Fatalf("reset should create a new anonymous contact, got %+v", reset.Contact)
	}
	if id, _ := server.ContactForChannel("channel-1"); id != reset.Contact.ContactID {
		t.Fatalf("channel should follow reset, got %s", id)
	}
}

func TestUpdateAppliesAudienceChanges(t *testing.T) {
	server := New(Config{})
	contact := identity(t, server, "channel-1", "resolve", "")
	auth := map[string]string{"Authorization": "Bearer " + contact.Token}

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/api/contacts/" + contact.Contact.ContactID,
		headers: auth,
		body: map[string]any{
			"tags": map[string]any{
				"set": map[string][]string{"g": {"a", "b"}},
				"add": map[string][]string{"g": {"c"}, "h": {"x"}},
			},
			"attributes": []map[string]any{
				{"action": "set", "key": "name", "value": "Bob"},
				{"action": "set", "key": "age", "value": 42},
				{"action": "remove", "key": "age"},
			},
			"subscription_lists": []map[string]string{
				{"action": "subscribe", "list_id": "news", "scope": "app"},
				{"action": "subscribe", "list_id": "news", "scope": "email"},
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/api/contacts/" + contact.Contact.ContactID,
		headers: auth,
		body: map[string]any{
			"tags":               map[string]any{"remove": map[string][]string{"g": {"a"}}},
			"subscription_lists": []map[string]string{{"action": "unsubscribe", "list_id": "news", "scope": "email"}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	stored, ok := server.Contact(contact.Contact.ContactID)
	if !ok {
		t.Fatalf("contact missing")
	}
	if got := strings.Join(stored.Tags["g"], ","); got != "b,c" {
		t.Fatalf("unexpected tags g=%s", got)
	}
	if got := strings.Join(stored.Tags["h"], ","); got != "x" {
		t.Fatalf("unexpected tags h=%s", got)
	}
	if stored.Attributes["name"] != "Bob" {
		t.Fatalf("expected name attribute, got %v", stored.Attributes)
	}
	if _, ok := stored.Attributes["age"]; ok {
		t.Fatalf("age should be removed")
	}
	if got := strings.Join(stored.SubscriptionLists["news"], ","); got != "app" {
		t.Fatalf("unexpected news scopes %s", got)
	}

	lists := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/api/subscription_lists/contacts/" + contact.Contact.ContactID,
		headers: auth,
	})
	if lists.Code != http.StatusOK || !strings.Contains(lists.Body.String(), `"list_ids":["news"]`) {
		t.Fatalf("unexpected subscription lists %d %s", lists.Code, lists.Body.String())
	}
}

func TestContactTokenEnforced(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	server := New(Config{Now: func() time.Time { return now }})
	first := identity(t, server, "channel-1", "resolve", "")
	second := identity(t, server, "channel-2", "resolve", "")

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/api/contacts/" + first.Contact.ContactID,
		headers: map[string]string{"Authorization": "Bearer " + second.Token},
		body:    map[string]any{},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another contact's token, got %d", rec.Code)
	}

	now = now.Add(2 * time.Hour)
	rec = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/api/contacts/" + first.Contact.ContactID,
		headers: map[string]string{"Authorization": "Bearer " + first.Token},
		body:    map[string]any{},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestChannelRegistration(t *testing.T) {
	server := New(Config{})
	contact := identity(t, server, "channel-1", "resolve", "")
	auth := map[string]string{"Authorization": "Bearer " + contact.Token}
	base := "/api/contacts/" + contact.Contact.ContactID + "/channels/"

	rec := doRequest(t, server, request{method: http.MethodPost, path: base + "email", headers: auth, body: map[string]any{"address": "bob@example.com"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var registered Channel
	if err := json.NewDecoder(rec.Body).Decode(&registered); err != nil {
		t.Fatalf("decode channel: %v", err)
	}
	if registered.ChannelType != "email" || registered.ChannelID == "" {
		t.Fatalf("unexpected channel %+v", registered)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: base + "sms", headers: auth, body: map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without address, got %d", rec.Code)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: base + "disassociate", headers: auth,
		body: map[string]any{"channel_id": registered.ChannelID, "channel_type": "email"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stored, _ := server.Contact(contact.Contact.ContactID)
	if len(stored.Channels) != 0 {
		t.Fatalf("expected channel removed, got %+v", stored.Channels)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/api/channels/resend", headers: auth, body: map[string]any{"channel_type": "email"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from resend, got %d", rec.Code)
	}
}

func TestInjectedFailuresAndRateLimit(t *testing.T) {
	server := New(Config{RateLimitMax: 2, RateLimitWindow: time.Minute})
	server.FailNext(RouteIdentity, http.StatusInternalServerError)

	body := map[string]any{"device_info": map[string]string{"channel_id": "c1"}, "action": map[string]string{"type": "resolve"}}
	headers := map[string]string{"Authorization": "Bearer " + server.AppToken()}
	send := func() *httptest.ResponseRecorder {
		return doRequest(t, server, request{method: http.MethodPost, path: "/api/contacts/identify/v2", headers: headers, body: body})
	}

	if rec := send(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected injected 500, got %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
	if got := server.Hits(RouteIdentity); got != 4 {
		t.Fatalf("expected 4 hits, got %d", got)
	}
}

func TestRemoteDataNotModified(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	server := New(Config{Now: func() time.Time { return now }})
	now = now.Add(time.Minute)
	if _, err := server.SetRemoteData("app", "", []RemoteDataPayload{{Type: "in_app", Data: json.RawMessage(`{"a":1}`)}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	path := "/api/remote-data/app/" + server.AppKey() + "/go"
	rec := doRequest(t, server, request{method: http.MethodGet, path: path})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	lastModified := rec.Header().Get("Last-Modified")
	if lastModified == "" || !strings.Contains(rec.Body.String(), `"in_app"`) {
		t.Fatalf("unexpected response %q %s", lastModified, rec.Body.String())
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: path, headers: map[string]string{"If-Modified-Since": lastModified}})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}

	// A second seed in the same second still moves Last-Modified forward.
	if _, err := server.SetRemoteData("app", "", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: path, headers: map[string]string{"If-Modified-Since": lastModified}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after reseed, got %d", rec.Code)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/api/remote-data/app/other/go"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown app key, got %d", rec.Code)
	}
}

func TestSeedRemoteDataPushesUpdate(t *testing.T) {
	server := New(Config{})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http")+"/api/remote-data/push", nil)
	if err != nil {
		t.Fatalf("dial push: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for server.PushSubscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatalf("push subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/api/admin/remote-data/app",
		headers: map[string]string{"Authorization": "Bearer " + server.AppToken()},
		body:    map[string]any{"payloads": []map[string]any{{"type": "in_app", "data": map[string]int{"v": 1}}}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from seed, got %d (%s)", rec.Code, rec.Body.String())
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	if !strings.Contains(string(data), `"remote_data_update"`) || !strings.Contains(string(data), `"app"`) {
		t.Fatalf("unexpected push message %s", data)
	}

	rec = doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/api/admin/remote-data/contact",
		headers: map[string]string{"Authorization": "Bearer " + server.AppToken()},
		body:    map[string]any{"payloads": []map[string]any{}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without contact_id, got %d", rec.Code)
	}
}
