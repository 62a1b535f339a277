package contact

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/transport"
)

// HTTPClient talks to the contact endpoints of the device API. Identity
// calls authenticate with the app token; contact calls with the contact
// token handed in by the caller.
type HTTPClient struct {
	client   *transport.Client
	appToken string
	platform string
}

func NewHTTPClient(client *transport.Client, appToken, platform string) *HTTPClient {
	if platform == "" {
		platform = "go"
	}
	return &HTTPClient{client: client, appToken: appToken, platform: platform}
}

type identifyRequest struct {
	DeviceInfo deviceInfo     `json:"device_info"`
	Action     identifyAction `json:"action"`
	ContactID  string         `json:"contact_id,omitempty"`
}

type deviceInfo struct {
	ChannelID  string `json:"channel_id"`
	DeviceType string `json:"device_type"`
}

type identifyAction struct {
	Type                      string `json:"type"`
	NamedUserID               string `json:"named_user_id,omitempty"`
	PossiblyOrphanedContactID string `json:"possibly_orphaned_contact_id,omitempty"`
}

type identifyResponse struct {
	Contact struct {
		ContactID                   string    `json:"contact_id"`
		IsAnonymous                 bool      `json:"is_anonymous"`
		ChannelAssociationTimestamp time.Time `json:"channel_association_timestamp"`
	} `json:"contact"`
	Token          string `json:"token"`
	TokenExpiresIn int64  `json:"token_expires_in"`
}

func (c *HTTPClient) Resolve(ctx context.Context, channelID, contactID, possiblyOrphanedContactID string) (Response[IdentityResult], error) {
	return c.identity(ctx, channelID, contactID, identifyAction{Type: "resolve", PossiblyOrphanedContactID: possiblyOrphanedContactID})
}

func (c *HTTPClient) Identify(ctx context.Context, channelID, namedUserID, contactID, possiblyOrphanedContactID string) (Response[IdentityResult], error) {
	return c.identity(ctx, channelID, contactID, identifyAction{Type: "identify", NamedUserID: namedUserID, PossiblyOrphanedContactID: possiblyOrphanedContactID})
}

func (c *HTTPClient) Reset(ctx context.Context, channelID, possiblyOrphanedContactID string) (Response[IdentityResult], error) {
	return c.identity(ctx, channelID, "", identifyAction{Type: "reset", PossiblyOrphanedContactID: possiblyOrphanedContactID})
}

func (c *HTTPClient) identity(ctx context.Context, channelID, contactID string, action identifyAction) (Response[IdentityResult], error) {
	var out Response[IdentityResult]
	resp, err := c.client.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        "/api/contacts/identify/v2",
		BearerToken: c.appToken,
		Body: identifyRequest{
			DeviceInfo: deviceInfo{ChannelID: channelID, DeviceType: c.platform},
			Action:     action,
			ContactID:  contactID,
		},
	})
	if err != nil {
		return out, err
	}
	out.StatusCode = resp.StatusCode
	if !resp.IsSuccess() {
		return out, nil
	}
	var payload identifyResponse
	if err := resp.DecodeJSON(&payload); err != nil {
		return out, err
	}
	out.Result = IdentityResult{
		ContactID:             payload.Contact.ContactID,
		IsAnonymous:           payload.Contact.IsAnonymous,
		ChannelAssociatedDate: payload.Contact.ChannelAssociationTimestamp,
		Token:                 payload.Token,
		TokenExpiresIn:        time.Duration(payload.TokenExpiresIn) * time.Millisecond,
	}
	return out, nil
}

type tagsPayload struct {
	Add    map[string][]string `json:"add,omitempty"`
	Remove map[string][]string `json:"remove,omitempty"`
	Set    map[string][]string `json:"set,omitempty"`
}

type attributePayload struct {
	Action    string    `json:"action"`
	Key       string    `json:"key"`
	Value     any       `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriptionListPayload struct {
	Action    string         `json:"action"`
	ListID    string         `json:"list_id"`
	Scope     audience.Scope `json:"scope"`
	Timestamp time.Time      `json:"timestamp"`
}

type updateRequest struct {
	Tags              *tagsPayload              `json:"tags,omitempty"`
	Attributes        []attributePayload        `json:"attributes,omitempty"`
	SubscriptionLists []subscriptionListPayload `json:"subscription_lists,omitempty"`
}

func encodeTags(updates []audience.TagGroupUpdate) *tagsPayload {
	if len(updates) == 0 {
		return nil
	}
	payload := &tagsPayload{}
	put := func(target *map[string][]string, group string, tags []string) {
		if *target == nil {
			*target = map[string][]string{}
		}
		(*target)[group] = append((*target)[group], tags...)
	}
	for _, update := range updates {
		switch update.Type {
		case audience.TagAdd:
			put(&payload.Add, update.Group, update.Tags)
		case audience.TagRemove:
			put(&payload.Remove, update.Group, update.Tags)
		case audience.TagSet:
			put(&payload.Set, update.Group, update.Tags)
		}
	}
	return payload
}

func (c *HTTPClient) Update(ctx context.Context, token, contactID string, tags []audience.TagGroupUpdate, attributes []audience.AttributeUpdate, lists []audience.ScopedSubscriptionListUpdate) (Response[struct{}], error) {
	body := updateRequest{Tags: encodeTags(tags)}
	for _, update := range attributes {
		body.Attributes = append(body.Attributes, attributePayload{
			Action:    string(update.Type),
			Key:       update.Attribute,
			Value:     update.Value,
			Timestamp: update.Date.UTC(),
		})
	}
	for _, update := range lists {
		body.SubscriptionLists = append(body.SubscriptionLists, subscriptionListPayload{
			Action:    string(update.Type),
			ListID:    update.ListID,
			Scope:     update.Scope,
			Timestamp: update.Date.UTC(),
		})
	}
	var out Response[struct{}]
	resp, err := c.client.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        "/api/contacts/" + url.PathEscape(contactID),
		BearerToken: token,
		Body:        body,
	})
	if err != nil {
		return out, err
	}
	out.StatusCode = resp.StatusCode
	return out, nil
}

type registerRequest struct {
	Address string `json:"address"`
	Locale  string `json:"locale,omitempty"`
	Options any    `json:"options,omitempty"`
}

type channelPayload struct {
	ChannelID   string      `json:"channel_id"`
	ChannelType ChannelType `json:"channel_type"`
}

func (c *HTTPClient) RegisterEmail(ctx context.Context, token, contactID, address string, options EmailOptions, locale string) (Response[AssociatedChannel], error) {
	return c.channelCall(ctx, token, contactID, "email", ChannelTypeEmail, registerRequest{Address: address, Locale: locale, Options: options})
}

func (c *HTTPClient) RegisterSMS(ctx context.Context, token, contactID, msisdn string, options SMSOptions, locale string) (Response[AssociatedChannel], error) {
	return c.channelCall(ctx, token, contactID, "sms", ChannelTypeSMS, registerRequest{Address: msisdn, Locale: locale, Options: options})
}

func (c *HTTPClient) RegisterOpen(ctx context.Context, token, contactID, address string, options OpenOptions, locale string) (Response[AssociatedChannel], error) {
	return c.channelCall(ctx, token, contactID, "open", ChannelTypeOpen, registerRequest{Address: address, Locale: locale, Options: options})
}

func (c *HTTPClient) AssociateChannel(ctx context.Context, token, contactID, channelID string, channelType ChannelType) (Response[AssociatedChannel], error) {
	return c.channelCall(ctx, token, contactID, "associate", channelType, channelPayload{ChannelID: channelID, ChannelType: channelType})
}

func (c *HTTPClient) DisassociateChannel(ctx context.Context, token, contactID string, channel AssociatedChannel) (Response[AssociatedChannel], error) {
	return c.channelCall(ctx, token, contactID, "disassociate", channel.ChannelType, channelPayload{ChannelID: channel.ChannelID, ChannelType: channel.ChannelType})
}

func (c *HTTPClient) channelCall(ctx context.Context, token, contactID, action string, channelType ChannelType, body any) (Response[AssociatedChannel], error) {
	var out Response[AssociatedChannel]
	resp, err := c.client.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        "/api/contacts/" + url.PathEscape(contactID) + "/channels/" + action,
		BearerToken: token,
		Body:        body,
	})
	if err != nil {
		return out, err
	}
	out.StatusCode = resp.StatusCode
	if !resp.IsSuccess() {
		return out, nil
	}
	var payload channelPayload
	if err := resp.DecodeJSON(&payload); err != nil {
		return out, err
	}
	if payload.ChannelType == "" {
		payload.ChannelType = channelType
	}
	out.Result = AssociatedChannel{ChannelID: payload.ChannelID, ChannelType: payload.ChannelType}
	return out, nil
}

type resendRequest struct {
	ChannelType ChannelType `json:"channel_type"`
	ChannelID   string      `json:"channel_id,omitempty"`
	Address     string      `json:"address,omitempty"`
	SenderID    string      `json:"sender_id,omitempty"`
}

func (c *HTTPClient) Resend(ctx context.Context, token string, options ResendOptions) (Response[bool], error) {
	var out Response[bool]
	resp, err := c.client.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        "/api/channels/resend",
		BearerToken: token,
		Body: resendRequest{
			ChannelType: options.ChannelType,
			ChannelID:   options.ChannelID,
			Address:     options.Address,
			SenderID:    options.SenderID,
		},
	})
	if err != nil {
		return out, err
	}
	out.StatusCode = resp.StatusCode
	out.Result = resp.IsSuccess()
	return out, nil
}

type subscriptionListsResponse struct {
	SubscriptionLists []struct {
		ListIDs []string       `json:"list_ids"`
		Scope   audience.Scope `json:"scope"`
	} `json:"subscription_lists"`
}

func (c *HTTPClient) FetchSubscriptionLists(ctx context.Context, token, contactID string) (Response[map[string][]audience.Scope], error) {
	var out Response[map[string][]audience.Scope]
	resp, err := c.client.Do(ctx, transport.Request{
		Method:      http.MethodGet,
		Path:        "/api/subscription_lists/contacts/" + url.PathEscape(contactID),
		BearerToken: token,
	})
	if err != nil {
		return out, err
	}
	out.StatusCode = resp.StatusCode
	if !resp.IsSuccess() {
		return out, nil
	}
	var payload subscriptionListsResponse
	if err := resp.DecodeJSON(&payload); err != nil {
		return out, err
	}
	lists := map[string][]audience.Scope{}
	for _, entry := range payload.SubscriptionLists {
		if !entry.Scope.Valid() {
			continue
		}
		for _, listID := range entry.ListIDs {
			if !containsScope(lists[listID], entry.Scope) {
				lists[listID] = append(lists[listID], entry.Scope)
			}
		}
	}
	out.Result = lists
	return out, nil
}

func containsScope(scopes []audience.Scope, scope audience.Scope) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
