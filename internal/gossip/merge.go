package gossip

import (
	"fmt"

	"clusterd/internal/address"
	"clusterd/internal/reachability"
)

// Merge combines two snapshots into their join. Both inputs are validated
// first; if either is invalid the error is returned and no snapshot is
// produced, so callers keep their previous state.
//
//   - version: vector clock merge
//   - tombstones: union per node, the newest timestamp wins
//   - members: per node, the entry with the later lifecycle status wins
//     (ties broken by MemberInfo.outranks); tombstoned members are dropped
//   - seen: union of the seen sets of the inputs whose version equals the
//     merged version
//   - reachability: per observer, the higher report version wins
func Merge(local, remote *Gossip) (*Gossip, error) {
	a, err := local.resolve()
	if err != nil {
		return nil, fmt.Errorf("local gossip: %w", err)
	}
	b, err := remote.resolve()
	if err != nil {
		return nil, fmt.Errorf("remote gossip: %w", err)
	}
	return mergeStates(a, b).build(), nil
}

func mergeStates(a, b *state) *state {
	out := newState()
	out.version = a.version.Merge(b.version)

	for _, side := range []*state{a, b} {
		for node, t := range side.tombstones {
			if cur, ok := out.tombstones[node]; !ok || t.Timestamp > cur.Timestamp {
				out.tombstones[node] = t
			}
		}
	}

	for _, side := range []*state{a, b} {
		for node, m := range side.members {
			if cur, ok := out.members[node]; !ok || m.outranks(cur) {
				out.members[node] = m.clone()
			}
		}
	}
	dropTombstoned(out)

	for _, side := range []*state{a, b} {
		if !side.version.Equal(out.version) {
			continue
		}
		for node := range side.seen {
			out.seen[node] = struct{}{}
		}
	}

	for _, side := range []*state{a, b} {
		for observer, r := range side.reports {
			if cur, ok := out.reports[observer]; ok {
				out.reports[observer] = reachability.MergeReports(cur, r)
			} else {
				out.reports[observer] = r.Copy()
			}
		}
	}

	return out
}

func dropTombstoned(st *state) {
	for node := range st.members {
		if _, ok := st.tombstones[node]; ok {
			delete(st.members, node)
		}
	}
}

// SeenBy returns a copy of g recording that node has observed its version.
func SeenBy(g *Gossip, node address.UniqueAddress) *Gossip {
	if g.HasSeen(node) {
		return g
	}
	st := g.mustResolve()
	st.seen[node] = struct{}{}
	return st.build()
}

// HasSeen reports whether node is in the seen set.
func (g *Gossip) HasSeen(node address.UniqueAddress) bool {
	for _, i := range g.Overview.Seen {
		if i >= 0 && i < len(g.AllAddresses) && g.AllAddresses[i] == node {
			return true
		}
	}
	return false
}

// Seen returns the nodes that have observed the current version.
func (g *Gossip) Seen() []address.UniqueAddress {
	out := make([]address.UniqueAddress, 0, len(g.Overview.Seen))
	for _, i := range g.Overview.Seen {
		if i >= 0 && i < len(g.AllAddresses) {
			out = append(out, g.AllAddresses[i])
		}
	}
	return out
}
