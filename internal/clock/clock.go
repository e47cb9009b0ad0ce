package clock

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidOwner is returned when a node tries to advance another node's entry.
var ErrInvalidOwner = errors.New("vector clock entry is not owned by this node")

// VectorClock represents a vector clock as a map from node hash to counter.
// Values are treated as immutable: every operation returns a new clock.
type VectorClock map[string]int64

// New creates a new empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Get returns the counter value for the given node, or 0 if not present.
func (vc VectorClock) Get(node string) int64 {
	return vc[node]
}

// Increment returns a copy with the counter for node advanced by one.
// If the node doesn't exist, its counter starts at 1.
func (vc VectorClock) Increment(node string) VectorClock {
	next := vc.Copy()
	next[node]++
	return next
}

// Merge returns the least upper bound of both clocks: for every node the
// maximum counter of either side, a missing entry counting as 0.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for node, counter := range other {
		if merged[node] < counter {
			merged[node] = counter
		}
	}
	return merged
}

// Copy creates a deep copy of the vector clock, dropping zero entries.
func (vc VectorClock) Copy() VectorClock {
	copy := make(VectorClock, len(vc))
	for k, v := range vc {
		if v != 0 {
			copy[k] = v
		}
	}
	return copy
}

// Prune returns a copy holding only the entries for which keep returns true.
func (vc VectorClock) Prune(keep func(node string) bool) VectorClock {
	pruned := New()
	for k, v := range vc {
		if v != 0 && keep(k) {
			pruned[k] = v
		}
	}
	return pruned
}

// Nodes returns the node hashes with a non-zero counter, sorted.
func (vc VectorClock) Nodes() []string {
	nodes := make([]string, 0, len(vc))
	for k, v := range vc {
		if v != 0 {
			nodes = append(nodes, k)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// CompareResult represents the result of comparing two vector clocks.
type CompareResult int

const (
	// Before indicates this clock happened before the other.
	Before CompareResult = iota
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates the clocks are concurrent (no causal relationship).
	Concurrent
	// Same indicates the clocks are equal.
	Same
)

func (r CompareResult) String() string {
	switch r {
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	case Same:
		return "Same"
	default:
		return "Unknown"
	}
}

// Compare compares two vector clocks and returns their relationship.
// Returns:
//   - Same: if all counters are equal
//   - Before: if this clock happened before other (all counters <=, at least one <)
//   - After: if this clock happened after other (all counters >=, at least one >)
//   - Concurrent: if neither dominates (some counters are greater, some are less)
func (vc VectorClock) Compare(other VectorClock) CompareResult {
	var thisLess, thisGreater bool
	for node, thisVal := range vc {
		otherVal := other[node]
		if thisVal < otherVal {
			thisLess = true
		} else if thisVal > otherVal {
			thisGreater = true
		}
	}
	for node, otherVal := range other {
		if _, ok := vc[node]; !ok && otherVal > 0 {
			thisLess = true
		}
	}

	switch {
	case thisLess && thisGreater:
		return Concurrent
	case thisLess:
		return Before
	case thisGreater:
		return After
	default:
		return Same
	}
}

// Equal checks if two vector clocks are equal. Zero entries are ignored.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Same
}

// String returns a string representation of the vector clock.
func (vc VectorClock) String() string {
	nodes := vc.Nodes()
	if len(nodes) == 0 {
		return "{}"
	}

	parts := make([]string, 0, len(nodes))
	for _, k := range nodes {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Dominates returns true if this clock dominates (happened after) the other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// IsConcurrent returns true if this clock is concurrent with the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Owner advances clocks on behalf of a single local node. A node only ever
// increments its own entry.
type Owner struct {
	node string
}

// NewOwner returns an Owner for the given node hash.
func NewOwner(node string) Owner {
	return Owner{node: node}
}

// Increment advances node's entry, failing with ErrInvalidOwner for any
// node other than the owner.
func (o Owner) Increment(vc VectorClock, node string) (VectorClock, error) {
	if node != o.node {
		return nil, fmt.Errorf("%w: owner=%s node=%s", ErrInvalidOwner, o.node, node)
	}
	return vc.Increment(node), nil
}
