package agent

import (
	"sort"
	"sync"
	"time"
)

type directoryRecord struct {
	card       AgentCard
	observedAt time.Time
}

// Directory maps peer public ids to their latest card. Staleness is computed on read;
// entries are only removed by an explicit Evict call.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]directoryRecord
	ttl     time.Duration
	now     func() time.Time
}

func NewDirectory(ttl time.Duration) *Directory {
	return &Directory{
		entries: make(map[string]directoryRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Reset removes every entry.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.entries = make(map[string]directoryRecord)
	d.mu.Unlock()
}

// Upsert stores card unless the existing entry was observed strictly later.
func (d *Directory) Upsert(card AgentCard, observedAt time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.entries[card.PublicKey]; ok && cur.observedAt.After(observedAt) {
		return false
	}
	d.entries[card.PublicKey] = directoryRecord{card: card, observedAt: observedAt}
	return true
}

func (d *Directory) Get(publicID string) (DirectoryEntry, bool) {
	d.mu.RLock()
	rec, ok := d.entries[publicID]
	d.mu.RUnlock()
	if !ok {
		return DirectoryEntry{}, false
	}
	return d.entry(rec, d.now()), true
}

// Snapshot returns entries observed within maxAge of now, or every entry when maxAge <= 0.
func (d *Directory) Snapshot(maxAge time.Duration) []DirectoryEntry {
	now := d.now()
	d.mu.RLock()
	out := make([]DirectoryEntry, 0, len(d.entries))
	for _, rec := range d.entries {
		if maxAge > 0 && now.Sub(rec.observedAt) > maxAge {
			continue
		}
		out = append(out, d.entry(rec, now))
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Card.Name != out[j].Card.Name {
			return out[i].Card.Name < out[j].Card.Name
		}
		return out[i].Card.PublicKey < out[j].Card.PublicKey
	})
	return out
}

// Evict removes entries not observed within olderThan and returns how many were dropped.
func (d *Directory) Evict(olderThan time.Duration) int {
	if olderThan <= 0 {
		return 0
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, rec := range d.entries {
		if now.Sub(rec.observedAt) > olderThan {
			delete(d.entries, id)
			removed++
		}
	}
	return removed
}

// Remove drops a single peer, reporting whether it was present.
func (d *Directory) Remove(publicID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[publicID]; !ok {
		return false
	}
	delete(d.entries, publicID)
	return true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Directory) entry(rec directoryRecord, now time.Time) DirectoryEntry {
	fresh := true
	if d.ttl > 0 {
		fresh = now.Sub(rec.observedAt) <= d.ttl
	}
	return DirectoryEntry{Card: rec.card, LastSeen: rec.observedAt, Fresh: fresh}
}
