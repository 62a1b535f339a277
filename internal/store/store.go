package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// CurrentVersion is the snapshot layout written by this package.
const CurrentVersion = 1

// Snapshot is the persisted form of a Store.
type Snapshot struct {
	Version int                        `json:"version"`
	Values  map[string]json.RawMessage `json:"values"`
}

type Backend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

// Store is a small key-value store of JSON blobs. Every mutation is written
// through to the backend before it returns.
type Store struct {
	mu      sync.Mutex
	backend Backend
	values  map[string]json.RawMessage
}

func Open(backend Backend) (*Store, error) {
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load store snapshot: %w", err)
	}
	values := map[string]json.RawMessage{}
	if snapshot != nil {
		if snapshot.Version > CurrentVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snapshot.Version)
		}
		for key, value := range snapshot.Values {
			values[key] = append(json.RawMessage(nil), value...)
		}
	}
	return &Store{backend: backend, values: values}, nil
}

// OpenDSN builds the backend for dsn and opens a store on it. An empty DSN
// yields an in-memory store.
func OpenDSN(dsn string) (*Store, error) {
	backend, err := BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return Open(backend)
}

// Get decodes the value stored at key into dst. It reports false when the key
// is absent.
func (s *Store) Get(key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

func (s *Store) Set(key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.values[key]
	s.values[key] = data
	if err := s.saveLocked(); err != nil {
		if existed {
			s.values[key] = previous
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *Store) Remove(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := map[string]json.RawMessage{}
	for _, key := range keys {
		if value, ok := s.values[key]; ok {
			removed[key] = value
			delete(s.values, key)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		for key, value := range removed {
			s.values[key] = value
		}
		return err
	}
	return nil
}

func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) saveLocked() error {
	snapshot := &Snapshot{
		Version: CurrentVersion,
		Values:  make(map[string]json.RawMessage, len(s.values)),
	}
	for key, value := range s.values {
		snapshot.Values[key] = value
	}
	return s.backend.Save(snapshot)
}

// JSONFileBackend keeps the snapshot in a single JSON file, replaced
// atomically on every save.
type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileBackend) Save(snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
