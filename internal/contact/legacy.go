package contact

import (
	"github.com/agentworkforce/contactsync/internal/audience"
)

// Keys written by releases that stored the named user and pending audience
// edits directly instead of in the operation log.
const (
	legacyNamedUserKey         = "NamedUser.namedUserID"
	legacyPendingTagGroupsKey  = "NamedUser.pendingTagGroupUpdates"
	legacyPendingAttributesKey = "NamedUser.pendingAttributeUpdates"
)

// migrateLegacyData turns legacy keys into an identify and an update, then
// deletes them so the migration runs once.
func (c *Contact) migrateLegacyData() error {
	var namedUserID string
	if _, err := c.store.Get(legacyNamedUserKey, &namedUserID); err != nil {
		return err
	}
	var tags []audience.TagGroupUpdate
	if _, err := c.store.Get(legacyPendingTagGroupsKey, &tags); err != nil {
		return err
	}
	var attributes []audience.AttributeUpdate
	if _, err := c.store.Get(legacyPendingAttributesKey, &attributes); err != nil {
		return err
	}
	if namedUserID == "" && len(tags) == 0 && len(attributes) == 0 {
		return nil
	}

	if namedUserID != "" {
		if err := c.manager.AddOperation(IdentifyOperation(namedUserID)); err != nil {
			return err
		}
	}
	if len(tags) > 0 || len(attributes) > 0 {
		if err := c.manager.AddOperation(UpdateOperation(tags, attributes, nil)); err != nil {
			return err
		}
	}
	return c.store.Remove(legacyNamedUserKey, legacyPendingTagGroupsKey, legacyPendingAttributesKey)
}
