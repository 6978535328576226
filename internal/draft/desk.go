package draft

import (
	"errors"
	"sync"
)

// ErrDirtyDraft is returned when opening a draft over an edited one without discarding it.
var ErrDirtyDraft = errors.New("an edited draft is already open for this receipt; discard it first")

// Desk keeps at most one open draft per record.
type Desk struct {
	mu     sync.Mutex
	drafts map[string]*Draft
}

func NewDesk() *Desk {
	return &Desk{drafts: make(map[string]*Draft)}
}

// Open registers d for its record. A clean existing draft is replaced; a dirty one is only
// replaced when discardDirty is set, and is never merged.
func (k *Desk) Open(d *Draft, discardDirty bool) (*Draft, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.drafts[d.recordID]; ok && existing != d && existing.IsDirty() && !discardDirty {
		return existing, ErrDirtyDraft
	}
	k.drafts[d.recordID] = d
	return d, nil
}

func (k *Desk) Get(recordID string) (*Draft, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.drafts[recordID]
	return d, ok
}

// Discard drops the record's draft without persisting it.
func (k *Desk) Discard(recordID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.drafts[recordID]
	delete(k.drafts, recordID)
	return ok
}

// DiscardAll drops every open draft and returns how many there were.
func (k *Desk) DiscardAll() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := len(k.drafts)
	k.drafts = make(map[string]*Draft)
	return n
}

func (k *Desk) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.drafts)
}
