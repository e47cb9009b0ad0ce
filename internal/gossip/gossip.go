package gossip

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"clusterd/internal/address"
	"clusterd/internal/clock"
	"clusterd/internal/reachability"
)

// Gossip is an immutable snapshot of cluster membership.
type Gossip struct {
	AllAddresses []address.UniqueAddress
	AllRoles     []string
	// AllHashes lists the node hashes present in Version, sorted. The wire
	// form keys the clock by position in this table.
	AllHashes  []string
	Members    []Member
	Overview   Overview
	Version    clock.VectorClock
	Tombstones []Tombstone
}

// Overview carries the seen set and per-observer reachability.
type Overview struct {
	Seen                 []int
	ObserverReachability []ObserverReachability
}

// ObserverReachability is one observer's report in index form.
type ObserverReachability struct {
	ObserverIndex int
	Version       int64
	Subjects      []SubjectReachability
}

// SubjectReachability is one verdict in index form.
type SubjectReachability struct {
	SubjectIndex int
	Status       reachability.Status
	Version      int64
}

// Tombstone records a removed member and the removal time in unix
// milliseconds. While the tombstone is retained the member cannot reappear.
type Tombstone struct {
	AddressIndex int
	Timestamp    int64
}

// TombstoneInfo is a tombstone with its handle resolved.
type TombstoneInfo struct {
	Node      address.UniqueAddress
	Timestamp int64
}

// RemovedAt returns the removal timestamp as a time.
func (t TombstoneInfo) RemovedAt() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Empty returns the gossip a node holds before it knows any cluster.
func Empty() *Gossip {
	return newState().build()
}

// state is the resolved, map-keyed form used while merging and editing.
type state struct {
	members    map[address.UniqueAddress]MemberInfo
	seen       map[address.UniqueAddress]struct{}
	reports    map[address.UniqueAddress]reachability.Report
	tombstones map[address.UniqueAddress]TombstoneInfo
	version    clock.VectorClock
}

func newState() *state {
	return &state{
		members:    make(map[address.UniqueAddress]MemberInfo),
		seen:       make(map[address.UniqueAddress]struct{}),
		reports:    make(map[address.UniqueAddress]reachability.Report),
		tombstones: make(map[address.UniqueAddress]TombstoneInfo),
		version:    clock.New(),
	}
}

func (g *Gossip) node(i int, what string) (address.UniqueAddress, error) {
	if i < 0 || i >= len(g.AllAddresses) {
		return address.UniqueAddress{}, fmt.Errorf("%w: %s index %d (table size %d)", ErrUnknownAddressIndex, what, i, len(g.AllAddresses))
	}
	return g.AllAddresses[i], nil
}

// Validate checks every handle against the tables and the structural rules
// a canonical snapshot obeys. Gossip from outside must pass it before merging.
func (g *Gossip) Validate() error {
	_, err := g.resolve()
	return err
}

func (g *Gossip) resolve() (*state, error) {
	st := newState()

	for _, m := range g.Members {
		node, err := g.node(m.AddressIndex, "member")
		if err != nil {
			return nil, err
		}
		if !m.Status.Valid() {
			return nil, fmt.Errorf("%w: member %s has status %d", ErrMalformed, node, m.Status)
		}
		if _, dup := st.members[node]; dup {
			return nil, fmt.Errorf("%w: duplicate member %s", ErrMalformed, node)
		}
		roles := make([]string, 0, len(m.RoleIndexes))
		for _, ri := range m.RoleIndexes {
			if ri < 0 || ri >= len(g.AllRoles) {
				return nil, fmt.Errorf("%w: role index %d (table size %d)", ErrUnknownAddressIndex, ri, len(g.AllRoles))
			}
			roles = append(roles, g.AllRoles[ri])
		}
		st.members[node] = MemberInfo{Node: node, UpNumber: m.UpNumber, Status: m.Status, Roles: normalizeRoles(roles), Since: m.Since}
	}

	for _, i := range g.Overview.Seen {
		node, err := g.node(i, "seen")
		if err != nil {
			return nil, err
		}
		st.seen[node] = struct{}{}
	}

	for _, r := range g.Overview.ObserverReachability {
		observer, err := g.node(r.ObserverIndex, "observer")
		if err != nil {
			return nil, err
		}
		if _, dup := st.reports[observer]; dup {
			return nil, fmt.Errorf("%w: duplicate observer %s", ErrMalformed, observer)
		}
		rep := reachability.Report{Observer: observer, Version: r.Version, Subjects: make(map[address.UniqueAddress]reachability.Subject, len(r.Subjects))}
		for _, s := range r.Subjects {
			subject, err := g.node(s.SubjectIndex, "subject")
			if err != nil {
				return nil, err
			}
			if !s.Status.Valid() {
				return nil, fmt.Errorf("%w: reachability status %d", ErrMalformed, s.Status)
			}
			rep.Subjects[subject] = reachability.Subject{Status: s.Status, Version: s.Version}
		}
		st.reports[observer] = rep
	}

	for _, t := range g.Tombstones {
		node, err := g.node(t.AddressIndex, "tombstone")
		if err != nil {
			return nil, err
		}
		if _, dup := st.tombstones[node]; dup {
			return nil, fmt.Errorf("%w: duplicate tombstone %s", ErrMalformed, node)
		}
		st.tombstones[node] = TombstoneInfo{Node: node, Timestamp: t.Timestamp}
	}

	for _, n := range g.Version.Nodes() {
		if g.Version[n] < 0 {
			return nil, fmt.Errorf("%w: negative clock entry for %s", ErrMalformed, n)
		}
	}
	st.version = g.Version.Copy()
	return st, nil
}

// build renders the canonical index form: tables and entries sorted,
// empty collections non-nil.
func (st *state) build() *Gossip {
	nodes := make(map[address.UniqueAddress]struct{})
	roleSet := make(map[string]struct{})
	for n, m := range st.members {
		nodes[n] = struct{}{}
		for _, r := range m.Roles {
			roleSet[r] = struct{}{}
		}
	}
	for n := range st.seen {
		nodes[n] = struct{}{}
	}
	for o, r := range st.reports {
		nodes[o] = struct{}{}
		for s := range r.Subjects {
			nodes[s] = struct{}{}
		}
	}
	for _, t := range st.tombstones {
		nodes[t.Node] = struct{}{}
	}

	allAddresses := make([]address.UniqueAddress, 0, len(nodes))
	for n := range nodes {
		allAddresses = append(allAddresses, n)
	}
	sortNodes(allAddresses)
	index := make(map[address.UniqueAddress]int, len(allAddresses))
	for i, n := range allAddresses {
		index[n] = i
	}

	allRoles := make([]string, 0, len(roleSet))
	for r := range roleSet {
		allRoles = append(allRoles, r)
	}
	sort.Strings(allRoles)
	roleIndex := make(map[string]int, len(allRoles))
	for i, r := range allRoles {
		roleIndex[r] = i
	}

	g := &Gossip{
		AllAddresses: allAddresses,
		AllRoles:     allRoles,
		AllHashes:    st.version.Nodes(),
		Members:      make([]Member, 0, len(st.members)),
		Overview: Overview{
			Seen:                 make([]int, 0, len(st.seen)),
			ObserverReachability: make([]ObserverReachability, 0, len(st.reports)),
		},
		Version:    st.version.Copy(),
		Tombstones: make([]Tombstone, 0, len(st.tombstones)),
	}

	for _, n := range allAddresses {
		if m, ok := st.members[n]; ok {
			roles := make([]int, 0, len(m.Roles))
			for _, r := range m.Roles {
				roles = append(roles, roleIndex[r])
			}
			sort.Ints(roles)
			g.Members = append(g.Members, Member{AddressIndex: index[n], UpNumber: m.UpNumber, Status: m.Status, RoleIndexes: roles, Since: m.Since})
		}
		if _, ok := st.seen[n]; ok {
			g.Overview.Seen = append(g.Overview.Seen, index[n])
		}
		if r, ok := st.reports[n]; ok {
			subjects := make([]SubjectReachability, 0, len(r.Subjects))
			for s, v := range r.Subjects {
				subjects = append(subjects, SubjectReachability{SubjectIndex: index[s], Status: v.Status, Version: v.Version})
			}
			sort.Slice(subjects, func(i, j int) bool { return subjects[i].SubjectIndex < subjects[j].SubjectIndex })
			g.Overview.ObserverReachability = append(g.Overview.ObserverReachability, ObserverReachability{ObserverIndex: index[n], Version: r.Version, Subjects: subjects})
		}
	}

	for _, t := range st.tombstones {
		g.Tombstones = append(g.Tombstones, Tombstone{AddressIndex: index[t.Node], Timestamp: t.Timestamp})
	}
	sort.Slice(g.Tombstones, func(i, j int) bool { return g.Tombstones[i].AddressIndex < g.Tombstones[j].AddressIndex })

	return g
}

func sortNodes(nodes []address.UniqueAddress) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Compare(nodes[j]) < 0 })
}

func normalizeRoles(roles []string) []string {
	out := slices.Clone(roles)
	if out == nil {
		out = []string{}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// mustResolve resolves a snapshot built by this package.
func (g *Gossip) mustResolve() *state {
	st, err := g.resolve()
	if err != nil {
		panic(fmt.Sprintf("gossip: invalid snapshot: %v", err))
	}
	return st
}

// MemberList returns all members, ordered by node.
func (g *Gossip) MemberList() []MemberInfo {
	out := make([]MemberInfo, 0, len(g.Members))
	for _, m := range g.Members {
		node, err := g.node(m.AddressIndex, "member")
		if err != nil {
			continue
		}
		roles := make([]string, 0, len(m.RoleIndexes))
		for _, ri := range m.RoleIndexes {
			if ri >= 0 && ri < len(g.AllRoles) {
				roles = append(roles, g.AllRoles[ri])
			}
		}
		out = append(out, MemberInfo{Node: node, UpNumber: m.UpNumber, Status: m.Status, Roles: roles, Since: m.Since})
	}
	return out
}

// Member returns the member entry for node.
func (g *Gossip) Member(node address.UniqueAddress) (MemberInfo, bool) {
	for _, m := range g.MemberList() {
		if m.Node == node {
			return m, true
		}
	}
	return MemberInfo{}, false
}

// MemberAt returns the member bound to addr, whatever its incarnation.
func (g *Gossip) MemberAt(addr address.Address) (MemberInfo, bool) {
	for _, m := range g.MemberList() {
		if m.Node.Address == addr {
			return m, true
		}
	}
	return MemberInfo{}, false
}

// Reports returns the per-observer reachability reports.
func (g *Gossip) Reports() []reachability.Report {
	out := make([]reachability.Report, 0, len(g.Overview.ObserverReachability))
	for _, r := range g.Overview.ObserverReachability {
		observer, err := g.node(r.ObserverIndex, "observer")
		if err != nil {
			continue
		}
		rep := reachability.Report{Observer: observer, Version: r.Version, Subjects: make(map[address.UniqueAddress]reachability.Subject, len(r.Subjects))}
		for _, s := range r.Subjects {
			if subject, err := g.node(s.SubjectIndex, "subject"); err == nil {
				rep.Subjects[subject] = reachability.Subject{Status: s.Status, Version: s.Version}
			}
		}
		out = append(out, rep)
	}
	return out
}

// Reachability aggregates the reports of observers that are members.
func (g *Gossip) Reachability() reachability.View {
	reports := g.Reports()
	live := reports[:0]
	for _, r := range reports {
		if m, ok := g.Member(r.Observer); ok && m.Status != Removed {
			live = append(live, r)
		}
	}
	return reachability.Aggregate(live)
}

// TombstoneList returns the tombstones ordered by node.
func (g *Gossip) TombstoneList() []TombstoneInfo {
	out := make([]TombstoneInfo, 0, len(g.Tombstones))
	for _, t := range g.Tombstones {
		if node, err := g.node(t.AddressIndex, "tombstone"); err == nil {
			out = append(out, TombstoneInfo{Node: node, Timestamp: t.Timestamp})
		}
	}
	return out
}

// IsTombstoned reports whether node carries a tombstone in g.
func (g *Gossip) IsTombstoned(node address.UniqueAddress) bool {
	for _, t := range g.TombstoneList() {
		if t.Node == node {
			return true
		}
	}
	return false
}
