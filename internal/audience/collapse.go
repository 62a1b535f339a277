package audience

// groupTags is a tag map that remembers the order groups were first written.
type groupTags struct {
	order []string
	tags  map[string][]string
}

func newGroupTags() *groupTags {
	return &groupTags{tags: map[string][]string{}}
}

func (g *groupTags) has(group string) bool {
	_, ok := g.tags[group]
	return ok
}

func (g *groupTags) put(group string, tags []string) {
	if !g.has(group) {
		g.order = append(g.order, group)
	}
	g.tags[group] = tags
}

func (g *groupTags) delete(group string) {
	if !g.has(group) {
		return
	}
	delete(g.tags, group)
	for i, name := range g.order {
		if name == group {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *groupTags) union(group string, tags []string) {
	g.put(group, unionTags(g.tags[group], tags))
}

func (g *groupTags) subtract(group string, tags []string) {
	if !g.has(group) {
		return
	}
	g.tags[group] = subtractTags(g.tags[group], tags)
}

func (g *groupTags) updates(kind TagUpdateType, keepEmpty bool) []TagGroupUpdate {
	var out []TagGroupUpdate
	for _, group := range g.order {
		tags := g.tags[group]
		if len(tags) == 0 && !keepEmpty {
			continue
		}
		out = append(out, TagGroupUpdate{Group: group, Tags: append([]string{}, tags...), Type: kind})
	}
	return out
}

// CollapseTagGroupUpdates folds a sequence of tag edits into at most one set,
// add and remove per group, emitted sets first, then adds, then removes. An
// add or remove that follows a set is folded into the set.
func CollapseTagGroupUpdates(updates []TagGroupUpdate) []TagGroupUpdate {
	adds := newGroupTags()
	removes := newGroupTags()
	sets := newGroupTags()

	for _, update := range updates {
		switch update.Type {
		case TagAdd:
			if sets.has(update.Group) {
				sets.union(update.Group, update.Tags)
				continue
			}
			removes.subtract(update.Group, update.Tags)
			adds.union(update.Group, update.Tags)
		case TagRemove:
			if sets.has(update.Group) {
				sets.subtract(update.Group, update.Tags)
				continue
			}
			adds.subtract(update.Group, update.Tags)
			removes.union(update.Group, update.Tags)
		case TagSet:
			adds.delete(update.Group)
			removes.delete(update.Group)
			sets.put(update.Group, unionTags(nil, update.Tags))
		}
	}

	out := sets.updates(TagSet, true)
	out = append(out, adds.updates(TagAdd, false)...)
	out = append(out, removes.updates(TagRemove, false)...)
	return out
}

// CollapseAttributeUpdates keeps the last update per attribute, placed where
// that last update occurred.
func CollapseAttributeUpdates(updates []AttributeUpdate) []AttributeUpdate {
	seen := make(map[string]struct{}, len(updates))
	var reversed []AttributeUpdate
	for i := len(updates) - 1; i >= 0; i-- {
		key := updates[i].Attribute
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		reversed = append(reversed, updates[i])
	}
	return reverse(reversed)
}

// CollapseSubscriptionListUpdates keeps the last update per list and scope.
func CollapseSubscriptionListUpdates(updates []ScopedSubscriptionListUpdate) []ScopedSubscriptionListUpdate {
	type key struct {
		listID string
		scope  Scope
	}
	seen := make(map[key]struct{}, len(updates))
	var reversed []ScopedSubscriptionListUpdate
	for i := len(updates) - 1; i >= 0; i-- {
		k := key{listID: updates[i].ListID, scope: updates[i].Scope}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		reversed = append(reversed, updates[i])
	}
	return reverse(reversed)
}

func reverse[T any](values []T) []T {
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values
}

func unionTags(current, extra []string) []string {
	out := append([]string{}, current...)
	present := make(map[string]struct{}, len(current)+len(extra))
	for _, tag := range current {
		present[tag] = struct{}{}
	}
	for _, tag := range extra {
		if _, ok := present[tag]; ok {
			continue
		}
		present[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func subtractTags(current, drop []string) []string {
	if len(drop) == 0 {
		return current
	}
	dropped := make(map[string]struct{}, len(drop))
	for _, tag := range drop {
		dropped[tag] = struct{}{}
	}
	out := make([]string, 0, len(current))
	for _, tag := range current {
		if _, ok := dropped[tag]; !ok {
			out = append(out, tag)
		}
	}
	return out
}
