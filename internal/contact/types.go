package contact

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/transport"
)

var (
	ErrNoChannel        = errors.New("channel identifier not available")
	ErrIdentityMismatch = errors.New("contact identity mismatch")
	ErrDisabled         = errors.New("contacts disabled")
	ErrClientRejected   = errors.New("request rejected")
	ErrTransient        = errors.New("transient request failure")
	ErrInvalidNamedUser = errors.New("invalid named user id")
	ErrInvalidInput     = errors.New("invalid input")
)

// RequestError reports a non-2xx answer from the identity API. It matches
// ErrClientRejected or ErrTransient depending on the status.
type RequestError struct {
	Operation  string
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Operation, e.StatusCode)
}

func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrClientRejected:
		return !transport.IsRetryable(e.StatusCode)
	case ErrTransient:
		return transport.IsRetryable(e.StatusCode) || e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// IDInfo describes the current contact. IsStable is false while an identify
// or reset is queued and the ID may still change.
type IDInfo struct {
	ContactID   string    `json:"contactId"`
	IsStable    bool      `json:"isStable"`
	NamedUserID string    `json:"namedUserId,omitempty"`
	ResolveDate time.Time `json:"resolveDate"`
}

type UpdateKind int

const (
	ContactIDUpdate UpdateKind = iota
	NamedUserUpdate
	ConflictUpdate
)

func (k UpdateKind) String() string {
	switch k {
	case ContactIDUpdate:
		return "contactIDUpdate"
	case NamedUserUpdate:
		return "namedUserUpdate"
	case ConflictUpdate:
		return "conflict"
	}
	return "unknown"
}

// Update is one event on the contact update stream. Exactly one of the
// payload fields is meaningful for a given Kind.
type Update struct {
	Kind        UpdateKind
	IDInfo      IDInfo
	NamedUserID string
	Conflict    *ConflictEvent
}

// ConflictEvent carries the audience data staged on an anonymous contact
// that was replaced by a different named contact.
type ConflictEvent struct {
	Tags                   map[string][]string
	Attributes             map[string]any
	SubscriptionLists      map[string][]audience.Scope
	Channels               []AssociatedChannel
	ConflictingNamedUserID string
}

type ConflictDelegate interface {
	ContactConflict(event ConflictEvent)
}

type noopConflictDelegate struct{}

func (noopConflictDelegate) ContactConflict(ConflictEvent) {}

type ChannelType string

const (
	ChannelTypeEmail ChannelType = "email"
	ChannelTypeSMS   ChannelType = "sms"
	ChannelTypeOpen  ChannelType = "open"
)

type AssociatedChannel struct {
	ChannelType ChannelType `json:"channelType"`
	ChannelID   string      `json:"channelId"`
}

type ChannelUpdateType string

const (
	ChannelAssociated    ChannelUpdateType = "associated"
	ChannelDisassociated ChannelUpdateType = "disassociated"
)

type ChannelUpdate struct {
	Type    ChannelUpdateType
	Channel AssociatedChannel
}

// AudienceUpdate is emitted after the server accepted audience or channel
// changes for a contact.
type AudienceUpdate struct {
	ContactID         string
	Tags              []audience.TagGroupUpdate
	Attributes        []audience.AttributeUpdate
	SubscriptionLists []audience.ScopedSubscriptionListUpdate
	Channels          []ChannelUpdate
}

type EmailOptions struct {
	TransactionalOptedIn *time.Time     `json:"transactionalOptedIn,omitempty"`
	CommercialOptedIn    *time.Time     `json:"commercialOptedIn,omitempty"`
	Properties           map[string]any `json:"properties,omitempty"`
	DoubleOptIn          bool           `json:"doubleOptIn,omitempty"`
}

type SMSOptions struct {
	SenderID string `json:"senderId"`
}

type OpenOptions struct {
	PlatformName string            `json:"platformName"`
	Identifiers  map[string]string `json:"identifiers,omitempty"`
}

type ResendOptions struct {
	ChannelType ChannelType `json:"channelType"`
	ChannelID   string      `json:"channelId,omitempty"`
	Address     string      `json:"address,omitempty"`
	SenderID    string      `json:"senderId,omitempty"`
}

// contactInfo is the persisted server view of the current contact.
type contactInfo struct {
	ContactID             string    `json:"contactId"`
	IsAnonymous           bool      `json:"isAnonymous"`
	NamedUserID           string    `json:"namedUserId,omitempty"`
	ChannelAssociatedDate time.Time `json:"channelAssociatedDate"`
	ResolveDate           time.Time `json:"resolveDate"`
}

// anonContactData accumulates audience data applied while the contact is
// anonymous, reported back if that contact is lost to an identify.
type anonContactData struct {
	Tags              map[string][]string         `json:"tags,omitempty"`
	Attributes        map[string]any              `json:"attributes,omitempty"`
	SubscriptionLists map[string][]audience.Scope `json:"subscriptionLists,omitempty"`
	Channels          []AssociatedChannel         `json:"channels,omitempty"`
}

func (d anonContactData) isEmpty() bool {
	return len(d.Tags) == 0 && len(d.Attributes) == 0 && len(d.SubscriptionLists) == 0 && len(d.Channels) == 0
}

func (d anonContactData) withAudience(tags []audience.TagGroupUpdate, attrs []audience.AttributeUpdate, subs []audience.ScopedSubscriptionListUpdate) anonContactData {
	d.Tags = audience.ApplyTagGroupUpdates(d.Tags, tags)
	d.Attributes = audience.ApplyAttributeUpdates(d.Attributes, attrs)
	d.SubscriptionLists = audience.ApplySubscriptionListUpdates(d.SubscriptionLists, subs)
	return d
}

func (d anonContactData) withChannel(update ChannelUpdate) anonContactData {
	channels := make([]AssociatedChannel, 0, len(d.Channels)+1)
	for _, existing := range d.Channels {
		if existing.ChannelID != update.Channel.ChannelID {
			channels = append(channels, existing)
		}
	}
	if update.Type == ChannelAssociated {
		channels = append(channels, update.Channel)
	}
	d.Channels = channels
	return d
}

type authToken struct {
	ContactID string
	Token     string
	ExpiresAt time.Time
}
