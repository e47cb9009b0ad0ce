package tombstone

import (
	"testing"
	"time"

	"clusterd/internal/address"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStore_RecordAndIsTombstoned(t *testing.T) {
	s := NewStore(time.Hour)
	addr := address.New("sys", "10.0.0.1", 2552)

	if s.IsTombstoned(addr, epoch) {
		t.Fatal("empty store should not report a tombstone")
	}

	s.Record(addr, epoch)

	tests := []struct {
		name string
		asOf time.Time
		want bool
	}{
		{"at removal", epoch, true},
		{"inside window", epoch.Add(59 * time.Minute), true},
		{"at window end", epoch.Add(time.Hour), false},
		{"after window", epoch.Add(2 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsTombstoned(addr, tt.asOf); got != tt.want {
				t.Errorf("IsTombstoned(%v) = %v, want %v", tt.asOf, got, tt.want)
			}
		})
	}
}

func TestStore_RecordKeepsNewest(t *testing.T) {
	s := NewStore(time.Hour)
	addr := address.New("sys", "10.0.0.1", 2552)

	s.Record(addr, epoch.Add(time.Minute))
	s.Record(addr, epoch)

	ts, ok := s.Lookup(addr)
	if !ok || !ts.Equal(epoch.Add(time.Minute)) {
		t.Errorf("expected newest timestamp to win, got %v (ok=%v)", ts, ok)
	}
}

func TestStore_KeyedByAddressNotIncarnation(t *testing.T) {
	s := NewStore(time.Hour)
	old := address.UniqueAddress{Address: address.New("sys", "10.0.0.1", 2552), UID: 1}
	fresh := address.UniqueAddress{Address: old.Address, UID: 2}

	s.Record(old.Address, epoch)

	if !s.IsTombstoned(fresh.Address, epoch.Add(time.Minute)) {
		t.Error("a new incarnation at a tombstoned address must be suppressed inside the window")
	}
}

func TestStore_Prune(t *testing.T) {
	s := NewStore(time.Hour)
	a := address.New("sys", "a", 1)
	b := address.New("sys", "b", 1)

	s.Record(a, epoch)
	s.Record(b, epoch.Add(30*time.Minute))

	pruned := s.Prune(time.Hour, epoch.Add(time.Hour))
	if len(pruned) != 1 || pruned[0] != a {
		t.Fatalf("expected only a pruned, got %v", pruned)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 remaining tombstone, got %d", s.Len())
	}
	if _, ok := s.Lookup(a); ok {
		t.Error("a should be gone after prune")
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Address != b {
		t.Errorf("unexpected entries %v", entries)
	}
}
