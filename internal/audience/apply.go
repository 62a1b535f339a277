package audience

// ApplyTagGroupUpdates replays updates over tags and returns the result. The
// input map is not modified. Groups left without tags are dropped.
func ApplyTagGroupUpdates(tags map[string][]string, updates []TagGroupUpdate) map[string][]string {
	out := make(map[string][]string, len(tags))
	for group, values := range tags {
		out[group] = append([]string{}, values...)
	}
	for _, update := range updates {
		switch update.Type {
		case TagAdd:
			out[update.Group] = unionTags(out[update.Group], update.Tags)
		case TagRemove:
			out[update.Group] = subtractTags(out[update.Group], update.Tags)
		case TagSet:
			out[update.Group] = unionTags(nil, update.Tags)
		}
		if len(out[update.Group]) == 0 {
			delete(out, update.Group)
		}
	}
	return out
}

func ApplyAttributeUpdates(attributes map[string]any, updates []AttributeUpdate) map[string]any {
	out := make(map[string]any, len(attributes))
	for key, value := range attributes {
		out[key] = value
	}
	for _, update := range updates {
		switch update.Type {
		case AttributeSet:
			out[update.Attribute] = update.Value
		case AttributeRemove:
			delete(out, update.Attribute)
		}
	}
	return out
}

func ApplySubscriptionListUpdates(lists map[string][]Scope, updates []ScopedSubscriptionListUpdate) map[string][]Scope {
	out := make(map[string][]Scope, len(lists))
	for listID, scopes := range lists {
		out[listID] = append([]Scope{}, scopes...)
	}
	for _, update := range updates {
		scopes := out[update.ListID]
		switch update.Type {
		case Subscribe:
			if !containsScope(scopes, update.Scope) {
				scopes = append(scopes, update.Scope)
			}
		case Unsubscribe:
			kept := scopes[:0:0]
			for _, scope := range scopes {
				if scope != update.Scope {
					kept = append(kept, scope)
				}
			}
			scopes = kept
		}
		if len(scopes) == 0 {
			delete(out, update.ListID)
			continue
		}
		out[update.ListID] = scopes
	}
	return out
}

func containsScope(scopes []Scope, scope Scope) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
