// Package queue tracks collections with local changes that have not been
// uploaded yet.
package queue

import (
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
)

// Batch is a point-in-time view of the pending set taken before an upload.
type Batch struct {
	Keys []string
	gens map[string]uint64
}

// Len returns the number of keys in the batch.
func (b Batch) Len() int {
	return len(b.Keys)
}

// Stats summarizes pending-set activity.
type Stats struct {
	Pending int    `json:"pending"`
	Marked  uint64 `json:"marked"`
	Cleared uint64 `json:"cleared"`
}

// PendingSet is an idempotent, insertion-ordered set of collection keys.
// Every Mark bumps the key's generation, so ClearDrained only removes keys
// that were not marked again while their batch was being uploaded.
//
// When created with a store, membership is written under
// models.KeyPendingChanges after every change and can be restored on start.
type PendingSet struct {
	persistMu sync.Mutex

	mu      sync.Mutex
	order   []string
	gens    map[string]uint64
	nextGen uint64
	marked  uint64
	cleared uint64
	store   kv.Store
}

// NewPendingSet creates a PendingSet. store may be nil for a memory-only set.
func NewPendingSet(store kv.Store) *PendingSet {
	return &PendingSet{
		gens:  make(map[string]uint64),
		store: store,
	}
}

// Restore loads keys persisted by a previous process. Restored keys are
// merged with any already marked.
func (p *PendingSet) Restore() error {
	if p.store == nil {
		return nil
	}

	value, err := p.store.Get(models.KeyPendingChanges)
	if stderrors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var keys []string
	if err := json.Unmarshal([]byte(value), &keys); err != nil {
		logging.Warn("Discarding unreadable pending-change list",
			map[string]interface{}{"error": err.Error()})
		return nil
	}

	p.mu.Lock()
	for _, key := range keys {
		p.markLocked(key)
	}
	p.mu.Unlock()

	if len(keys) > 0 {
		logging.Info("Restored pending changes", map[string]interface{}{"keys": keys})
	}
	return nil
}

// Mark adds key to the set. It returns true if the key was not pending yet.
// Reserved bookkeeping keys are never tracked.
func (p *PendingSet) Mark(key string) bool {
	if key == "" || models.IsReserved(key) {
		return false
	}

	p.mu.Lock()
	added := p.markLocked(key)
	p.mu.Unlock()

	if added {
		p.persist()
	}
	return added
}

func (p *PendingSet) markLocked(key string) bool {
	p.nextGen++
	p.marked++
	_, exists := p.gens[key]
	p.gens[key] = p.nextGen
	if !exists {
		p.order = append(p.order, key)
	}
	return !exists
}

// Contains reports whether key is pending.
func (p *PendingSet) Contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.gens[key]
	return ok
}

// Len returns the number of pending keys.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Keys returns the pending keys in the order they were first marked.
func (p *PendingSet) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Snapshot captures the current keys and their generations.
func (p *PendingSet) Snapshot() Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := Batch{
		Keys: append([]string(nil), p.order...),
		gens: make(map[string]uint64, len(p.gens)),
	}
	for k, g := range p.gens {
		b.gens[k] = g
	}
	return b
}

// ClearDrained removes the batch's keys that have not been marked since the
// batch was taken and returns how many were removed.
func (p *PendingSet) ClearDrained(b Batch) int {
	p.mu.Lock()
	removed := 0
	kept := p.order[:0]
	for _, key := range p.order {
		if gen, inBatch := b.gens[key]; inBatch && gen == p.gens[key] {
			delete(p.gens, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	p.order = kept
	p.cleared += uint64(removed)
	p.mu.Unlock()

	if removed > 0 {
		p.persist()
	}
	return removed
}

// Stats returns activity counters.
func (p *PendingSet) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Pending: len(p.order),
		Marked:  p.marked,
		Cleared: p.cleared,
	}
}

// persist writes the current membership. Writes are serialized and each one
// reads membership after acquiring the write lock, so the last write always
// reflects the latest state. A failed write is logged; the in-memory set
// stays authoritative.
func (p *PendingSet) persist() {
	if p.store == nil {
		return
	}

	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	keys := p.Keys()
	if len(keys) == 0 {
		if err := p.store.Remove(models.KeyPendingChanges); err != nil {
			logging.Warn("Failed to clear persisted pending changes",
				map[string]interface{}{"error": err.Error()})
		}
		return
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return
	}
	if err := p.store.Set(models.KeyPendingChanges, string(data)); err != nil {
		logging.Warn("Failed to persist pending changes",
			map[string]interface{}{"error": err.Error(), "pending": len(keys)})
	}
}
