// Package fakeserver is an in-memory backend for the contact and remote data
// APIs. It backs integration tests and the contactd binary.
package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

type Config struct {
	AppKey          string
	AppToken        string
	JWTSecret       string
	TokenTTL        time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Now             func() time.Time
	Logger          *slog.Logger
}

// Route names an endpoint group for failure injection and hit counting.
type Route string

const (
	RouteIdentity          Route = "identity"
	RouteUpdate            Route = "update"
	RouteChannels          Route = "channels"
	RouteResend            Route = "resend"
	RouteSubscriptionLists Route = "subscription_lists"
	RouteRemoteDataApp     Route = "remote_data_app"
	RouteRemoteDataContact Route = "remote_data_contact"
)

type Channel struct {
	ChannelID   string `json:"channel_id"`
	ChannelType string `json:"channel_type"`
	Address     string `json:"address,omitempty"`
}

// ContactRecord is the server-side view of a contact.
type ContactRecord struct {
	ContactID         string              `json:"contact_id"`
	NamedUserID       string              `json:"named_user_id,omitempty"`
	IsAnonymous       bool                `json:"is_anonymous"`
	Tags              map[string][]string `json:"tags"`
	Attributes        map[string]any      `json:"attributes"`
	SubscriptionLists map[string][]string `json:"subscription_lists"`
	Channels          []Channel           `json:"channels"`
}

func (c *ContactRecord) clone() ContactRecord {
	out := ContactRecord{
		ContactID:         c.ContactID,
		NamedUserID:       c.NamedUserID,
		IsAnonymous:       c.IsAnonymous,
		Tags:              map[string][]string{},
		Attributes:        map[string]any{},
		SubscriptionLists: map[string][]string{},
		Channels:          append([]Channel(nil), c.Channels...),
	}
	for k, v := range c.Tags {
		out.Tags[k] = append([]string(nil), v...)
	}
	for k, v := range c.Attributes {
		out.Attributes[k] = v
	}
	for k, v := range c.SubscriptionLists {
		out.SubscriptionLists[k] = append([]string(nil), v...)
	}
	return out
}

type RemoteDataPayload struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type remoteDataSet struct {
	payloads     []RemoteDataPayload
	lastModified time.Time
}

type association struct {
	contactID string
	since     time.Time
}

type Server struct {
	cfg         Config
	rateLimiter *rateLimiter
	logger      *slog.Logger
	started     time.Time

	mu          sync.Mutex
	contacts    map[string]*ContactRecord
	channels    map[string]association
	namedUsers  map[string]string
	appData     *remoteDataSet
	contactData map[string]*remoteDataSet
	failures    map[Route][]int
	hits        map[Route]int

	pushMu      sync.Mutex
	subscribers map[*websocket.Conn]struct{}
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func New(cfg Config) *Server {
	if cfg.AppKey == "" {
		cfg.AppKey = "app-key"
	}
	if cfg.AppToken == "" {
		cfg.AppToken = "dev-app-token"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger.With(slog.String("component", "fakeserver")),
		started:     cfg.Now().UTC().Truncate(time.Second),
		contacts:    map[string]*ContactRecord{},
		channels:    map[string]association{},
		namedUsers:  map[string]string{},
		contactData: map[string]*remoteDataSet{},
		failures:    map[Route][]int{},
		hits:        map[Route]int{},
		subscribers: map[*websocket.Conn]struct{}{},
	}
}

func (s *Server) now() time.Time { return s.cfg.Now().UTC() }

func (s *Server) AppKey() string   { return s.cfg.AppKey }
func (s *Server) AppToken() string { return s.cfg.AppToken }

// FailNext makes the next requests to route answer with statuses, in order.
func (s *Server) FailNext(route Route, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// Hits counts requests that reached route, including injected failures.
func (s *Server) Hits(route Route) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

func (s *Server) Contact(contactID string) (ContactRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.contacts[contactID]
	if !ok {
		return ContactRecord{}, false
	}
	return rec.clone(), true
}

// ContactForChannel returns the contact the channel is associated with.
func (s *Server) ContactForChannel(channelID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assoc, ok := s.channels[channelID]
	return assoc.contactID, ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "remote-data" && parts[2] == "push" && r.Method == http.MethodGet:
		s.handlePush(w, r)
		return
	case len(parts) == 4 && parts[1] == "admin" && parts[2] == "remote-data" && r.Method == http.MethodPut:
		s.handleSeedRemoteData(w, r, parts[3])
		return
	case len(parts) == 4 && parts[1] == "admin" && parts[2] == "contacts" && r.Method == http.MethodGet:
		s.handleAdminContact(w, r, parts[3])
		return
	}

	var route Route
	switch {
	case len(parts) == 4 && parts[1] == "contacts" && parts[2] == "identify" && parts[3] == "v2" && r.Method == http.MethodPost:
		route = RouteIdentity
	case len(parts) == 3 && parts[1] == "contacts" && r.Method == http.MethodPost:
		route = RouteUpdate
	case len(parts) == 5 && parts[1] == "contacts" && parts[3] == "channels" && r.Method == http.MethodPost:
		route = RouteChannels
	case len(parts) == 3 && parts[1] == "channels" && parts[2] == "resend" && r.Method == http.MethodPost:
		route = RouteResend
	case len(parts) == 4 && parts[1] == "subscription_lists" && parts[2] == "contacts" && r.Method == http.MethodGet:
		route = RouteSubscriptionLists
	case len(parts) == 5 && parts[1] == "remote-data" && parts[2] == "app" && r.Method == http.MethodGet:
		route = RouteRemoteDataApp
	case len(parts) == 4 && parts[1] == "remote-data-contact" && r.Method == http.MethodGet:
		route = RouteRemoteDataContact
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if status, failed := s.takeFailure(route); failed {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, status, "injected", "injected failure", getCorrelationID(r))
		return
	}
	if s.rateLimiter != nil {
		key := string(route) + "|" + r.Header.Get("Authorization")
		if !s.rateLimiter.allow(key, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
	}

	switch route {
	case RouteIdentity:
		s.handleIdentity(w, r)
	case RouteUpdate:
		s.handleUpdate(w, r, parts[2])
	case RouteChannels:
		s.handleChannel(w, r, parts[2], parts[4])
	case RouteResend:
		s.handleResend(w, r)
	case RouteSubscriptionLists:
		s.handleSubscriptionLists(w, r, parts[3])
	case RouteRemoteDataApp:
		s.handleAppRemoteData(w, r, parts[3])
	case RouteRemoteDataContact:
		s.handleContactRemoteData(w, r, parts[3])
	}
}

func (s *Server) takeFailure(route Route) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[route]++
	queued := s.failures[route]
	if len(queued) == 0 {
		return 0, false
	}
	s.failures[route] = queued[1:]
	return queued[0], true
}

type identifyRequest struct {
	DeviceInfo struct {
		ChannelID  string `json:"channel_id"`
		DeviceType string `json:"device_type"`
	} `json:"device_info"`
	Action struct {
		Type                      string `json:"type"`
		NamedUserID               string `json:"named_user_id"`
		PossiblyOrphanedContactID string `json:"possibly_orphaned_contact_id"`
	} `json:"action"`
	ContactID string `json:"contact_id"`
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeApp(r.Header.Get("Authorization"), s.cfg.AppToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var req identifyRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	channelID := strings.TrimSpace(req.DeviceInfo.ChannelID)
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "device_info.channel_id is required", correlationID)
		return
	}

	s.mu.Lock()
	var rec *ContactRecord
	switch req.Action.Type {
	case "resolve":
		rec = s.contactForChannelLocked(channelID)
		if rec == nil {
			rec = s.newContactLocked("")
		}
	case "identify":
		named := strings.TrimSpace(req.Action.NamedUserID)
		if named == "" {
			s.mu.Unlock()
			writeError(w, http.StatusBadRequest, "bad_request", "action.named_user_id is required", correlationID)
			return
		}
		if existing, ok := s.namedUsers[named]; ok {
			rec = s.contacts[existing]
		} else if current := s.contactForChannelLocked(channelID); current != nil && current.IsAnonymous &&
			(req.ContactID == "" || req.ContactID == current.ContactID) {
			current.NamedUserID = named
			current.IsAnonymous = false
			s.namedUsers[named] = current.ContactID
			rec = current
		} else {
			rec = s.newContactLocked(named)
		}
	case "reset":
		rec = s.newContactLocked("")
	default:
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "bad_request", "unsupported action type", correlationID)
		return
	}
	since := s.associateLocked(channelID, rec.ContactID)
	contactID, anonymous := rec.ContactID, rec.IsAnonymous
	s.mu.Unlock()

	token, err := signContactToken(s.cfg.JWTSecret, contactID, s.now().Add(s.cfg.TokenTTL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.logger.Debug("identity action",
		slog.String("action", req.Action.Type),
		slog.String("channel_id", channelID),
		slog.String("contact_id", contactID),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"contact": map[string]any{
			"contact_id":                    contactID,
			"is_anonymous":                  anonymous,
			"channel_association_timestamp": since,
		},
		"token":            token,
		"token_expires_in": s.cfg.TokenTTL.Milliseconds(),
	})
}

func (s *Server) contactForChannelLocked(channelID string) *ContactRecord {
	assoc, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	return s.contacts[assoc.contactID]
}

func (s *Server) newContactLocked(namedUserID string) *ContactRecord {
	rec := &ContactRecord{
		ContactID:         uuid.NewString(),
		NamedUserID:       namedUserID,
		IsAnonymous:       namedUserID == "",
		Tags:              map[string][]string{},
		Attributes:        map[string]any{},
		SubscriptionLists: map[string][]string{},
	}
	s.contacts[rec.ContactID] = rec
	if namedUserID != "" {
		s.namedUsers[namedUserID] = rec.ContactID
	}
	return rec
}

func (s *Server) associateLocked(channelID, contactID string) time.Time {
	assoc, ok := s.channels[channelID]
	if ok && assoc.contactID == contactID {
		return assoc.since
	}
	assoc = association{contactID: contactID, since: s.now()}
	s.channels[channelID] = assoc
	return assoc.since
}

type updateRequest struct {
	Tags *struct {
		Add    map[string][]string `json:"add"`
		Remove map[string][]string `json:"remove"`
		Set    map[string][]string `json:"set"`
	} `json:"tags"`
	Attributes []struct {
		Action string `json:"action"`
		Key    string `json:"key"`
		Value  any    `json:"value"`
	} `json:"attributes"`
	SubscriptionLists []struct {
		Action string `json:"action"`
		ListID string `json:"list_id"`
		Scope  string `json:"scope"`
	} `json:"subscription_lists"`
}

// contactFor authorizes the request for contactID and reports whether the
// contact exists, writing the error response when it does not.
func (s *Server) contactFor(w http.ResponseWriter, r *http.Request, contactID string) bool {
	correlationID := getCorrelationID(r)
	if _, authErr := authorizeContact(r.Header.Get("Authorization"), s.cfg.JWTSecret, contactID, s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	s.mu.Lock()
	_, ok := s.contacts[contactID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "contact not found", correlationID)
		return false
	}
	return true
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, contactID string) {
	correlationID := getCorrelationID(r)
	if !s.contactFor(w, r, contactID) {
		return
	}
	var req updateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.contacts[contactID]
	if req.Tags != nil {
		for group, tags := range req.Tags.Set {
			rec.Tags[group] = uniqueStrings(nil, tags)
		}
		for group, tags := range req.Tags.Add {
			rec.Tags[group] = uniqueStrings(rec.Tags[group], tags)
		}
		for group, tags := range req.Tags.Remove {
			rec.Tags[group] = withoutStrings(rec.Tags[group], tags)
			if len(rec.Tags[group]) == 0 {
				delete(rec.Tags, group)
			}
		}
	}
	for _, attr := range req.Attributes {
		switch attr.Action {
		case "set":
			rec.Attributes[attr.Key] = attr.Value
		case "remove":
			delete(rec.Attributes, attr.Key)
		}
	}
	for _, list := range req.SubscriptionLists {
		switch list.Action {
		case "subscribe":
			rec.SubscriptionLists[list.ListID] = uniqueStrings(rec.SubscriptionLists[list.ListID], []string{list.Scope})
		case "unsubscribe":
			rec.SubscriptionLists[list.ListID] = withoutStrings(rec.SubscriptionLists[list.ListID], []string{list.Scope})
			if len(rec.SubscriptionLists[list.ListID]) == 0 {
				delete(rec.SubscriptionLists, list.ListID)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type channelRequest struct {
	Address     string `json:"address"`
	ChannelID   string `json:"channel_id"`
	ChannelType string `json:"channel_type"`
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, contactID, action string) {
	correlationID := getCorrelationID(r)
	if !s.contactFor(w, r, contactID) {
		return
	}
	var req channelRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.contacts[contactID]
	var ch Channel
	switch action {
	case "email", "sms", "open":
		if strings.TrimSpace(req.Address) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "address is required", correlationID)
			return
		}
		ch = Channel{ChannelID: uuid.NewString(), ChannelType: action, Address: req.Address}
		rec.Channels = append(rec.Channels, ch)
	case "associate":
		if req.ChannelID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "channel_id is required", correlationID)
			return
		}
		ch = Channel{ChannelID: req.ChannelID, ChannelType: req.ChannelType}
		if !containsChannel(rec.Channels, ch.ChannelID) {
			rec.Channels = append(rec.Channels, ch)
		}
	case "disassociate":
		ch = Channel{ChannelID: req.ChannelID, ChannelType: req.ChannelType}
		kept := rec.Channels[:0]
		for _, existing := range rec.Channels {
			if existing.ChannelID != req.ChannelID {
				kept = append(kept, existing)
			}
		}
		rec.Channels = kept
	default:
		writeError(w, http.StatusNotFound, "not_found", "unsupported channel action", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channel_id": ch.ChannelID, "channel_type": ch.ChannelType})
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, authErr := parseContactToken(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var req struct {
		ChannelType string `json:"channel_type"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.ChannelType == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "channel_type is required", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSubscriptionLists(w http.ResponseWriter, r *http.Request, contactID string) {
	if !s.contactFor(w, r, contactID) {
		return
	}
	s.mu.Lock()
	byScope := map[string][]string{}
	for listID, scopes := range s.contacts[contactID].SubscriptionLists {
		for _, scope := range scopes {
			byScope[scope] = append(byScope[scope], listID)
		}
	}
	s.mu.Unlock()

	scopes := make([]string, 0, len(byScope))
	for scope := range byScope {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	entries := make([]map[string]any, 0, len(scopes))
	for _, scope := range scopes {
		ids := byScope[scope]
		sort.Strings(ids)
		entries = append(entries, map[string]any{"list_ids": ids, "scope": scope})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription_lists": entries})
}

func (s *Server) handleAppRemoteData(w http.ResponseWriter, r *http.Request, appKey string) {
	if appKey != s.cfg.AppKey {
		writeError(w, http.StatusNotFound, "not_found", "unknown app key", getCorrelationID(r))
		return
	}
	s.mu.Lock()
	set := s.appData
	s.mu.Unlock()
	s.serveRemoteData(w, r, set)
}

func (s *Server) handleContactRemoteData(w http.ResponseWriter, r *http.Request, contactID string) {
	if !s.contactFor(w, r, contactID) {
		return
	}
	s.mu.Lock()
	set := s.contactData[contactID]
	s.mu.Unlock()
	s.serveRemoteData(w, r, set)
}

func (s *Server) serveRemoteData(w http.ResponseWriter, r *http.Request, set *remoteDataSet) {
	if set == nil {
		set = &remoteDataSet{lastModified: s.started}
	}
	if since, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !set.lastModified.After(since) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	payloads := set.payloads
	if payloads == nil {
		payloads = []RemoteDataPayload{}
	}
	w.Header().Set("Last-Modified", set.lastModified.UTC().Format(http.TimeFormat))
	writeJSON(w, http.StatusOK, map[string]any{"payloads": payloads})
}

// SetRemoteData replaces the payloads of a source and notifies push
// subscribers. Contact payloads need contactID.
func (s *Server) SetRemoteData(source, contactID string, payloads []RemoteDataPayload) (time.Time, error) {
	for i := range payloads {
		if strings.TrimSpace(payloads[i].Type) == "" {
			return time.Time{}, errors.New("payload type is required")
		}
		if payloads[i].Timestamp.IsZero() {
			payloads[i].Timestamp = s.now()
		}
		if len(payloads[i].Data) == 0 {
			payloads[i].Data = json.RawMessage(`{}`)
		}
	}

	s.mu.Lock()
	var prev *remoteDataSet
	switch source {
	case "app":
		prev = s.appData
	case "contact":
		if contactID == "" {
			s.mu.Unlock()
			return time.Time{}, errors.New("contact_id is required for contact remote data")
		}
		prev = s.contactData[contactID]
	default:
		s.mu.Unlock()
		return time.Time{}, errors.New("unknown remote data source: " + source)
	}
	// Last-Modified has second precision; keep it strictly increasing.
	modified := s.now().Truncate(time.Second)
	floor := s.started
	if prev != nil {
		floor = prev.lastModified
	}
	if !modified.After(floor) {
		modified = floor.Add(time.Second)
	}
	next := &remoteDataSet{payloads: append([]RemoteDataPayload(nil), payloads...), lastModified: modified}
	if source == "app" {
		s.appData = next
	} else {
		s.contactData[contactID] = next
	}
	s.mu.Unlock()

	s.NotifyRemoteDataUpdate(source)
	return modified, nil
}

func (s *Server) handleSeedRemoteData(w http.ResponseWriter, r *http.Request, source string) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeApp(r.Header.Get("Authorization"), s.cfg.AppToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var req struct {
		Payloads []RemoteDataPayload `json:"payloads"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	modified, err := s.SetRemoteData(source, r.URL.Query().Get("contact_id"), req.Payloads)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_modified": modified.Format(http.TimeFormat)})
}

func (s *Server) handleAdminContact(w http.ResponseWriter, r *http.Request, contactID string) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeApp(r.Header.Get("Authorization"), s.cfg.AppToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	rec, ok := s.Contact(contactID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "contact not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.pushMu.Lock()
	s.subscribers[conn] = struct{}{}
	s.pushMu.Unlock()
	defer func() {
		s.pushMu.Lock()
		delete(s.subscribers, conn)
		s.pushMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

// PushSubscribers reports how many push sockets are connected.
func (s *Server) PushSubscribers() int {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return len(s.subscribers)
}

// NotifyRemoteDataUpdate tells every push subscriber that source changed.
func (s *Server) NotifyRemoteDataUpdate(source string) {
	data, _ := json.Marshal(map[string]string{"type": "remote_data_update", "source": source})
	s.pushMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subscribers))
	for conn := range s.subscribers {
		conns = append(conns, conn)
	}
	s.pushMu.Unlock()
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.logger.Debug("push write failed", slog.Any("error", err))
		}
		cancel()
	}
}

// Close disconnects push subscribers.
func (s *Server) Close() {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	for conn := range s.subscribers {
		conn.Close(websocket.StatusGoingAway, "server closing")
	}
}

func uniqueStrings(base, add []string) []string {
	out := append([]string(nil), base...)
	for _, v := range add {
		found := false
		for _, existing := range out {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

func withoutStrings(base, remove []string) []string {
	var out []string
	for _, v := range base {
		drop := false
		for _, r := range remove {
			if v == r {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, v)
		}
	}
	return out
}

func containsChannel(channels []Channel, channelID string) bool {
	for _, ch := range channels {
		if ch.ChannelID == channelID {
			return true
		}
	}
	return false
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
