package audience

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

var ErrInvalidEdit = errors.New("invalid audience edit")

const maxAttributeStringLength = 1024

// TagGroupsEditor accumulates tag edits until Apply hands them off.
type TagGroupsEditor struct {
	updates []TagGroupUpdate
	errs    error
	onApply func([]TagGroupUpdate)
}

func NewTagGroupsEditor(onApply func([]TagGroupUpdate)) *TagGroupsEditor {
	return &TagGroupsEditor{onApply: onApply}
}

func (e *TagGroupsEditor) Add(group string, tags ...string) *TagGroupsEditor {
	return e.edit(TagAdd, group, tags, false)
}

func (e *TagGroupsEditor) Remove(group string, tags ...string) *TagGroupsEditor {
	return e.edit(TagRemove, group, tags, false)
}

// Set replaces the group's tags. An empty tag list clears the group.
func (e *TagGroupsEditor) Set(group string, tags ...string) *TagGroupsEditor {
	return e.edit(TagSet, group, tags, true)
}

func (e *TagGroupsEditor) edit(kind TagUpdateType, group string, tags []string, allowEmpty bool) *TagGroupsEditor {
	group = strings.TrimSpace(group)
	if group == "" {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%w: empty tag group", ErrInvalidEdit))
		return e
	}
	cleaned := normalizeTags(tags)
	if len(cleaned) == 0 && !allowEmpty {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%w: no tags for group %q", ErrInvalidEdit, group))
		return e
	}
	e.updates = append(e.updates, TagGroupUpdate{Group: group, Tags: cleaned, Type: kind})
	return e
}

// Apply hands valid edits to the owner and reports any edits that were
// rejected.
func (e *TagGroupsEditor) Apply() error {
	if len(e.updates) > 0 && e.onApply != nil {
		e.onApply(e.updates)
	}
	e.updates = nil
	errs := e.errs
	e.errs = nil
	return errs
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return unionTags(nil, out)
}

type AttributesEditor struct {
	now     func() time.Time
	updates []AttributeUpdate
	errs    error
	onApply func([]AttributeUpdate)
}

func NewAttributesEditor(now func() time.Time, onApply func([]AttributeUpdate)) *AttributesEditor {
	if now == nil {
		now = time.Now
	}
	return &AttributesEditor{now: now, onApply: onApply}
}

func (e *AttributesEditor) SetString(key, value string) *AttributesEditor {
	if len(value) == 0 || len(value) > maxAttributeStringLength {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%w: attribute %q string length must be 1-%d", ErrInvalidEdit, key, maxAttributeStringLength))
		return e
	}
	return e.set(key, value)
}

func (e *AttributesEditor) SetNumber(key string, value float64) *AttributesEditor {
	return e.set(key, value)
}

func (e *AttributesEditor) SetInt(key string, value int64) *AttributesEditor {
	return e.set(key, float64(value))
}

func (e *AttributesEditor) SetBool(key string, value bool) *AttributesEditor {
	return e.set(key, value)
}

// SetTime stores the instant as an RFC 3339 string in UTC.
func (e *AttributesEditor) SetTime(key string, value time.Time) *AttributesEditor {
	return e.set(key, value.UTC().Format(time.RFC3339))
}

func (e *AttributesEditor) Remove(key string) *AttributesEditor {
	key = strings.TrimSpace(key)
	if key == "" {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%w: empty attribute key", ErrInvalidEdit))
		return e
	}
	e.updates = append(e.updates, AttributeUpdate{Attribute: key, Type: AttributeRemove, Date: e.now().UTC()})
	return e
}

func (e *AttributesEditor) set(key string, value any) *AttributesEditor {
	key = strings.TrimSpace(key)
	if key == "" {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%w: empty attribute key", ErrInvalidEdit))
		return e
	}
	e.updates = append(e.updates, AttributeUpdate{Attribute: key, Type: AttributeSet, Value: value, Date: e.now().UTC()})
	return e
}

func (e *AttributesEditor) Apply() error {
	if len(e.updates) > 0 && e.onApply != nil {
		e.onApply(e.updates)
	}
	e.updates = nil
	errs := e.errs
	e.errs = nil
	return errs
}

type SubscriptionListEditor struct {
	now     func() time.Time
	updates []ScopedSubscriptionListUpdate
	errs    error
	onApply func([]ScopedSubscriptionListUpdate)
}

func NewSubscriptionListEditor(now func() time.Time, onApply func([]ScopedSubscriptionListUpdate)) *SubscriptionListEditor {
	if now == nil {
		now = time.Now
	}
	return &SubscriptionListEditor{now: now, onApply: onApply}
}

func (e *SubscriptionListEditor) Subscribe(listID string, scope Scope) *SubscriptionListEditor {
	return e.edit(Subscribe, listID, scope)
}

func (e *SubscriptionListEditor) Unsubscribe(listID string, scope Scope) *SubscriptionListEditor {
	return e.edit(Unsubscribe, listID, scope)
}

func (e *SubscriptionListEditor) edit(kind SubscriptionUpdateType, listID string, scope Scope) *SubscriptionListEditor {
	listID = strings.TrimSpace(listID)
	if listID == "" || !scope.Valid() {
		e.errs = multierr.Append(e.errs, fmt.Errorf("%w: list %q scope %q", ErrInvalidEdit, listID, scope))
		return e
	}
	e.updates = append(e.updates, ScopedSubscriptionListUpdate{ListID: listID, Type: kind, Scope: scope, Date: e.now().UTC()})
	return e
}

func (e *SubscriptionListEditor) Apply() error {
	if len(e.updates) > 0 && e.onApply != nil {
		e.onApply(e.updates)
	}
	e.updates = nil
	errs := e.errs
	e.errs = nil
	return errs
}
