// Package channel holds the device channel identifier. Registering the
// channel with the backend happens elsewhere; this package only tracks the
// identifier and announces when it changes.
package channel

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/contactsync/internal/pubsub"
	"github.com/agentworkforce/contactsync/internal/store"
)

const identifierKey = "Channel.identifier"

type Channel struct {
	mu         sync.Mutex
	store      *store.Store
	identifier string
	updates    *pubsub.Broadcaster[string]
	logger     *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		store:   s,
		updates: pubsub.NewBroadcaster[string](),
		logger:  logger.With(slog.String("component", "channel")),
	}
	if s != nil {
		if _, err := s.Get(identifierKey, &c.identifier); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Channel) Identifier() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identifier
}

// SetIdentifier records a new channel ID. Setting the current value again
// publishes nothing.
func (c *Channel) SetIdentifier(id string) error {
	id = strings.TrimSpace(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.identifier {
		return nil
	}
	if c.store != nil {
		if err := c.store.Set(identifierKey, id); err != nil {
			return err
		}
	}
	c.identifier = id
	c.logger.Info("channel identifier updated", slog.String("channel_id", id))
	c.updates.Publish(id)
	return nil
}

// EnsureIdentifier assigns a random identifier if none is set yet and
// returns the current one.
func (c *Channel) EnsureIdentifier() (string, error) {
	if id := c.Identifier(); id != "" {
		return id, nil
	}
	if err := c.SetIdentifier(uuid.NewString()); err != nil {
		return "", err
	}
	return c.Identifier(), nil
}

func (c *Channel) IdentifierUpdates() *pubsub.Subscription[string] {
	return c.updates.Subscribe()
}
