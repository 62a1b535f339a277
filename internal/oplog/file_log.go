package oplog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileLog struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []Entry
}

type fileLogState struct {
	Items []Entry `json:"items"`
}

func NewFileLog(path string, capacity int) (Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	l := &fileLog{
		path:     path,
		capacity: capacity,
		items:    []Entry{},
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *fileLog) Append(entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) >= l.capacity {
		return ErrLogFull
	}
	l.items = append(l.items, cloneEntry(entry))
	if err := l.saveLocked(); err != nil {
		l.items = l.items[:len(l.items)-1]
		return err
	}
	return nil
}

func (l *fileLog) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.items))
	for _, entry := range l.items {
		out = append(out, cloneEntry(entry))
	}
	return out, nil
}

func (l *fileLog) Remove(ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	previous := append([]Entry(nil), l.items...)
	l.items = withoutIDs(l.items, ids)
	if len(l.items) == len(previous) {
		return nil
	}
	if err := l.saveLocked(); err != nil {
		l.items = previous
		return err
	}
	return nil
}

func (l *fileLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *fileLog) Capacity() int {
	return l.capacity
}

func (l *fileLog) Close() error {
	return nil
}

func (l *fileLog) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileLogState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// A log persisted with a larger capacity keeps its newest entries.
	if len(snapshot.Items) > l.capacity {
		l.items = append([]Entry(nil), snapshot.Items[len(snapshot.Items)-l.capacity:]...)
		return l.saveLocked()
	}
	l.items = append([]Entry(nil), snapshot.Items...)
	return nil
}

func (l *fileLog) saveLocked() error {
	data, err := json.Marshal(fileLogState{Items: l.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
