// Package tombstone records permanently removed cluster members so that stale
// gossip cannot bring them back. Tombstones are keyed by Address, not by
// UniqueAddress: it is the recurrence of an old address that must be
// suppressed, and a new incarnation is only admitted once the retention
// window has passed.
package tombstone

import (
	"sort"
	"sync"
	"time"

	"clusterd/internal/address"
)

// Entry is a single tombstone.
type Entry struct {
	Address   address.Address
	Timestamp time.Time
}

// Store is a thread-safe in-memory tombstone table.
type Store struct {
	mu        sync.RWMutex
	retention time.Duration
	entries   map[address.Address]time.Time
}

// NewStore creates a store whose tombstones stay active for retention.
func NewStore(retention time.Duration) *Store {
	return &Store{
		retention: retention,
		entries:   make(map[address.Address]time.Time),
	}
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Record stores a tombstone, keeping the newest timestamp per address.
func (s *Store) Record(addr address.Address, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[addr]; ok && !ts.After(existing) {
		return
	}
	s.entries[addr] = ts
}

// IsTombstoned reports whether addr carries a tombstone that is still
// inside the retention window as of asOf.
func (s *Store) IsTombstoned(addr address.Address, asOf time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.entries[addr]
	if !ok {
		return false
	}
	return asOf.Before(ts.Add(s.retention))
}

// Lookup returns the tombstone timestamp for addr, if any.
func (s *Store) Lookup(addr address.Address) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.entries[addr]
	return ts, ok
}

// Prune drops every tombstone older than window as of now and returns the
// addresses it dropped.
func (s *Store) Prune(window time.Duration, now time.Time) []address.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []address.Address
	for addr, ts := range s.entries {
		if !now.Before(ts.Add(window)) {
			delete(s.entries, addr)
			pruned = append(pruned, addr)
		}
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i].Compare(pruned[j]) < 0 })
	return pruned
}

// Entries returns a snapshot of all tombstones ordered by address.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for addr, ts := range s.entries {
		out = append(out, Entry{Address: addr, Timestamp: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Compare(out[j].Address) < 0 })
	return out
}

// Len returns the number of tombstones held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
