package remotedata

import (
	"context"

	"golang.org/x/text/language"

	"github.com/agentworkforce/contactsync/internal/contact"
)

// AppDelegate fetches app-wide remote data. Cached data is current while it
// was fetched from the URL the current locale and random value map to.
type AppDelegate struct {
	client *HTTPClient
}

func NewAppDelegate(client *HTTPClient) *AppDelegate {
	return &AppDelegate{client: client}
}

func (d *AppDelegate) Source() Source { return SourceApp }

func (d *AppDelegate) IsRemoteDataInfoUpToDate(_ context.Context, info Info, locale language.Tag, randomValue int) bool {
	return info.Source == SourceApp && info.URL == d.client.AppURL(locale, randomValue)
}

func (d *AppDelegate) FetchRemoteData(ctx context.Context, locale language.Tag, randomValue int, last *Info) (FetchResult, error) {
	lastModified := ""
	if last != nil && last.URL == d.client.AppURL(locale, randomValue) {
		lastModified = last.LastModified
	}
	return d.client.FetchApp(ctx, locale, randomValue, lastModified)
}

// ContactSource is the part of the contact manager the contact delegate
// reads from.
type ContactSource interface {
	CurrentContactIDInfo() (contact.IDInfo, bool)
	StableContactIDInfo(ctx context.Context) (contact.IDInfo, error)
	ResolveAuth(ctx context.Context, contactID string) (string, error)
}

// ContactDelegate fetches remote data scoped to the current contact. Data is
// only current while the contact ID is stable and matches the one it was
// fetched for.
type ContactDelegate struct {
	client   *HTTPClient
	contacts ContactSource
}

func NewContactDelegate(client *HTTPClient, contacts ContactSource) *ContactDelegate {
	return &ContactDelegate{client: client, contacts: contacts}
}

func (d *ContactDelegate) Source() Source { return SourceContact }

func (d *ContactDelegate) IsRemoteDataInfoUpToDate(_ context.Context, info Info, locale language.Tag, randomValue int) bool {
	current, ok := d.contacts.CurrentContactIDInfo()
	if !ok || !current.IsStable || info.Source != SourceContact {
		return false
	}
	if info.ContactID != current.ContactID {
		return false
	}
	return info.URL == d.client.ContactURL(current.ContactID, locale, randomValue)
}

func (d *ContactDelegate) FetchRemoteData(ctx context.Context, locale language.Tag, randomValue int, last *Info) (FetchResult, error) {
	stable, err := d.contacts.StableContactIDInfo(ctx)
	if err != nil {
		return FetchResult{}, err
	}
	token, err := d.contacts.ResolveAuth(ctx, stable.ContactID)
	if err != nil {
		return FetchResult{}, err
	}
	lastModified := ""
	if last != nil && last.ContactID == stable.ContactID && last.URL == d.client.ContactURL(stable.ContactID, locale, randomValue) {
		lastModified = last.LastModified
	}
	return d.client.FetchContact(ctx, stable.ContactID, token, locale, randomValue, lastModified)
}
