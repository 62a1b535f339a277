package contact

import (
	"context"
	"time"

	"github.com/agentworkforce/contactsync/internal/audience"
	"github.com/agentworkforce/contactsync/internal/transport"
)

// Response pairs an HTTP status with the decoded body. Result is only
// meaningful for 2xx statuses.
type Response[T any] struct {
	StatusCode int
	Result     T
}

func (r Response[T]) IsSuccess() bool { return transport.IsSuccess(r.StatusCode) }

type IdentityResult struct {
	ContactID             string
	IsAnonymous           bool
	ChannelAssociatedDate time.Time
	Token                 string
	TokenExpiresIn        time.Duration
}

// APIClient is the identity API. Contact-scoped calls take the contact's
// bearer token explicitly.
type APIClient interface {
	Resolve(ctx context.Context, channelID, contactID, possiblyOrphanedContactID string) (Response[IdentityResult], error)
	Identify(ctx context.Context, channelID, namedUserID, contactID, possiblyOrphanedContactID string) (Response[IdentityResult], error)
	Reset(ctx context.Context, channelID, possiblyOrphanedContactID string) (Response[IdentityResult], error)
	Update(ctx context.Context, token, contactID string, tags []audience.TagGroupUpdate, attributes []audience.AttributeUpdate, lists []audience.ScopedSubscriptionListUpdate) (Response[struct{}], error)
	RegisterEmail(ctx context.Context, token, contactID, address string, options EmailOptions, locale string) (Response[AssociatedChannel], error)
	RegisterSMS(ctx context.Context, token, contactID, msisdn string, options SMSOptions, locale string) (Response[AssociatedChannel], error)
	RegisterOpen(ctx context.Context, token, contactID, address string, options OpenOptions, locale string) (Response[AssociatedChannel], error)
	AssociateChannel(ctx context.Context, token, contactID, channelID string, channelType ChannelType) (Response[AssociatedChannel], error)
	DisassociateChannel(ctx context.Context, token, contactID string, channel AssociatedChannel) (Response[AssociatedChannel], error)
	Resend(ctx context.Context, token string, options ResendOptions) (Response[bool], error)
	FetchSubscriptionLists(ctx context.Context, token, contactID string) (Response[map[string][]audience.Scope], error)
}
