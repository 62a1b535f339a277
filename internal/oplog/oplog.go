// Package oplog keeps an ordered, durable log of pending operations. Entries
// are opaque JSON payloads tagged with a caller-chosen ID; callers remove
// entries explicitly once they are done with them.
package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/contactsync/internal/store"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrLogFull        = errors.New("operation log full")
	ErrNotImplemented = errors.New("not implemented")
)

const defaultCapacity = 1024

type Entry struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

type Log interface {
	Append(entry Entry) error
	Entries() ([]Entry, error)
	Remove(ids ...string) error
	Len() int
	Capacity() int
	Close() error
}

type inMemoryLog struct {
	mu       sync.Mutex
	capacity int
	items    []Entry
}

func NewInMemoryLog(capacity int) Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &inMemoryLog{capacity: capacity}
}

func (l *inMemoryLog) Append(entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) >= l.capacity {
		return ErrLogFull
	}
	l.items = append(l.items, cloneEntry(entry))
	return nil
}

func (l *inMemoryLog) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.items))
	for _, entry := range l.items {
		out = append(out, cloneEntry(entry))
	}
	return out, nil
}

func (l *inMemoryLog) Remove(ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = withoutIDs(l.items, ids)
	return nil
}

func (l *inMemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *inMemoryLog) Capacity() int {
	return l.capacity
}

func (l *inMemoryLog) Close() error {
	return nil
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.ID) == "" || len(entry.Payload) == 0 {
		return ErrInvalidInput
	}
	return nil
}

func cloneEntry(entry Entry) Entry {
	entry.Payload = append(json.RawMessage(nil), entry.Payload...)
	return entry
}

func withoutIDs(items []Entry, ids []string) []Entry {
	if len(ids) == 0 {
		return items
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := items[:0]
	for _, entry := range items {
		if _, ok := drop[entry.ID]; ok {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

type Factory func(dsn string, capacity int) (Log, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[scheme]
	return factory, ok
}

// BuildFromDSN opens the log described by dsn. An empty DSN yields an
// in-memory log.
func BuildFromDSN(dsn string, capacity int) (Log, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryLog(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := store.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLog(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryLog(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresLog(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: operation log backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported operation log scheme: %s", scheme)
	}
}
