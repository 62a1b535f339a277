// Package audience models edits to a contact's tags, attributes and
// subscription lists, and the rules for collapsing and replaying them.
package audience

import "time"

type TagUpdateType string

const (
	TagAdd    TagUpdateType = "add"
	TagRemove TagUpdateType = "remove"
	TagSet    TagUpdateType = "set"
)

type TagGroupUpdate struct {
	Group string        `json:"group"`
	Tags  []string      `json:"tags"`
	Type  TagUpdateType `json:"type"`
}

type AttributeUpdateType string

const (
	AttributeSet    AttributeUpdateType = "set"
	AttributeRemove AttributeUpdateType = "remove"
)

type AttributeUpdate struct {
	Attribute string              `json:"attribute"`
	Type      AttributeUpdateType `json:"type"`
	Value     any                 `json:"value,omitempty"`
	Date      time.Time           `json:"date"`
}

type SubscriptionUpdateType string

const (
	Subscribe   SubscriptionUpdateType = "subscribe"
	Unsubscribe SubscriptionUpdateType = "unsubscribe"
)

type Scope string

const (
	ScopeApp   Scope = "app"
	ScopeWeb   Scope = "web"
	ScopeEmail Scope = "email"
	ScopeSMS   Scope = "sms"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeApp, ScopeWeb, ScopeEmail, ScopeSMS:
		return true
	}
	return false
}

type ScopedSubscriptionListUpdate struct {
	ListID string                 `json:"listId"`
	Type   SubscriptionUpdateType `json:"type"`
	Scope  Scope                  `json:"scope"`
	Date   time.Time              `json:"date"`
}

// Overrides are audience edits not yet reflected in data fetched from the
// server.
type Overrides struct {
	Tags              []TagGroupUpdate
	Attributes        []AttributeUpdate
	SubscriptionLists []ScopedSubscriptionListUpdate
}

func (o Overrides) IsEmpty() bool {
	return len(o.Tags) == 0 && len(o.Attributes) == 0 && len(o.SubscriptionLists) == 0
}

// Collapse returns o with each update list collapsed.
func (o Overrides) Collapse() Overrides {
	return Overrides{
		Tags:              CollapseTagGroupUpdates(o.Tags),
		Attributes:        CollapseAttributeUpdates(o.Attributes),
		SubscriptionLists: CollapseSubscriptionListUpdates(o.SubscriptionLists),
	}
}
