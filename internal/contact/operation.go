package contact

import (
	"time"

	"github.com/agentworkforce/contactsync/internal/audience"
)

type OperationType string

const (
	OpResolve             OperationType = "resolve"
	OpVerify              OperationType = "verify"
	OpIdentify            OperationType = "identify"
	OpReset               OperationType = "reset"
	OpUpdate              OperationType = "update"
	OpRegisterEmail       OperationType = "registerEmail"
	OpRegisterSMS         OperationType = "registerSMS"
	OpRegisterOpen        OperationType = "registerOpen"
	OpAssociateChannel    OperationType = "associateChannel"
	OpDisassociateChannel OperationType = "disassociateChannel"
	OpResend              OperationType = "resend"
)

// Operation is one queued contact mutation. Type selects which of the other
// fields apply.
type Operation struct {
	Type OperationType `json:"type"`

	NamedUserID string    `json:"namedUserId,omitempty"`
	Date        time.Time `json:"date"`
	Required    bool      `json:"required,omitempty"`

	Tags              []audience.TagGroupUpdate               `json:"tags,omitempty"`
	Attributes        []audience.AttributeUpdate              `json:"attributes,omitempty"`
	SubscriptionLists []audience.ScopedSubscriptionListUpdate `json:"subscriptionLists,omitempty"`

	Address string             `json:"address,omitempty"`
	Email   *EmailOptions      `json:"email,omitempty"`
	SMS     *SMSOptions        `json:"sms,omitempty"`
	Open    *OpenOptions       `json:"open,omitempty"`
	Channel *AssociatedChannel `json:"channel,omitempty"`
	Resend  *ResendOptions     `json:"resend,omitempty"`
}

func ResolveOperation() Operation {
	return Operation{Type: OpResolve}
}

// VerifyOperation re-resolves unless the contact was resolved at or after
// date. A required verify also insists on a valid token.
func VerifyOperation(date time.Time, required bool) Operation {
	return Operation{Type: OpVerify, Date: date.UTC(), Required: required}
}

func IdentifyOperation(namedUserID string) Operation {
	return Operation{Type: OpIdentify, NamedUserID: namedUserID}
}

func ResetOperation() Operation {
	return Operation{Type: OpReset}
}

func UpdateOperation(tags []audience.TagGroupUpdate, attributes []audience.AttributeUpdate, lists []audience.ScopedSubscriptionListUpdate) Operation {
	return Operation{Type: OpUpdate, Tags: tags, Attributes: attributes, SubscriptionLists: lists}
}

func RegisterEmailOperation(address string, options EmailOptions) Operation {
	return Operation{Type: OpRegisterEmail, Address: address, Email: &options}
}

func RegisterSMSOperation(msisdn string, options SMSOptions) Operation {
	return Operation{Type: OpRegisterSMS, Address: msisdn, SMS: &options}
}

func RegisterOpenOperation(address string, options OpenOptions) Operation {
	return Operation{Type: OpRegisterOpen, Address: address, Open: &options}
}

func AssociateChannelOperation(channelID string, channelType ChannelType) Operation {
	return Operation{Type: OpAssociateChannel, Channel: &AssociatedChannel{ChannelID: channelID, ChannelType: channelType}}
}

func DisassociateChannelOperation(channel AssociatedChannel) Operation {
	return Operation{Type: OpDisassociateChannel, Channel: &channel}
}

func ResendOperation(options ResendOptions) Operation {
	return Operation{Type: OpResend, Resend: &options}
}

// changesIdentity reports whether the operation can move the device to a
// different contact.
func (o Operation) changesIdentity() bool {
	return o.Type == OpIdentify || o.Type == OpReset
}

func (o Operation) usesIdentityEndpoint() bool {
	switch o.Type {
	case OpResolve, OpVerify, OpIdentify, OpReset:
		return true
	}
	return false
}

func (o Operation) hasAudienceChanges() bool {
	return len(o.Tags) > 0 || len(o.Attributes) > 0 || len(o.SubscriptionLists) > 0
}
