package audience

import (
	"sync"
	"time"
)

const defaultRecordMaxAge = 10 * time.Minute

// PendingFunc reports edits for contactID that are queued but not yet sent.
type PendingFunc func(contactID string) Overrides

// OverridesProvider merges recently confirmed edits with pending ones, so
// reads of server data can be corrected until the server catches up.
type OverridesProvider struct {
	mu      sync.Mutex
	now     func() time.Time
	maxAge  time.Duration
	records []overrideRecord
	pending PendingFunc
}

type overrideRecord struct {
	contactID string
	overrides Overrides
	at        time.Time
}

func NewOverridesProvider(now func() time.Time) *OverridesProvider {
	if now == nil {
		now = time.Now
	}
	return &OverridesProvider{now: now, maxAge: defaultRecordMaxAge}
}

func (p *OverridesProvider) SetPendingFunc(fn PendingFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = fn
}

// RecordContactUpdate remembers edits the server accepted for contactID.
func (p *OverridesProvider) RecordContactUpdate(contactID string, overrides Overrides) {
	if contactID == "" || overrides.IsEmpty() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.pruneLocked(now)
	p.records = append(p.records, overrideRecord{contactID: contactID, overrides: overrides, at: now})
}

// ContactOverrides returns confirmed-but-recent edits followed by pending
// edits for contactID, collapsed.
func (p *OverridesProvider) ContactOverrides(contactID string) Overrides {
	p.mu.Lock()
	p.pruneLocked(p.now())
	var merged Overrides
	for _, record := range p.records {
		if record.contactID != contactID {
			continue
		}
		merged.Tags = append(merged.Tags, record.overrides.Tags...)
		merged.Attributes = append(merged.Attributes, record.overrides.Attributes...)
		merged.SubscriptionLists = append(merged.SubscriptionLists, record.overrides.SubscriptionLists...)
	}
	pending := p.pending
	p.mu.Unlock()

	if pending != nil {
		queued := pending(contactID)
		merged.Tags = append(merged.Tags, queued.Tags...)
		merged.Attributes = append(merged.Attributes, queued.Attributes...)
		merged.SubscriptionLists = append(merged.SubscriptionLists, queued.SubscriptionLists...)
	}
	return merged.Collapse()
}

func (p *OverridesProvider) pruneLocked(now time.Time) {
	cutoff := now.Add(-p.maxAge)
	kept := p.records[:0]
	for _, record := range p.records {
		if record.at.After(cutoff) {
			kept = append(kept, record)
		}
	}
	p.records = kept
}
