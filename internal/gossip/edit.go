package gossip

import (
	"fmt"
	"time"

	"clusterd/internal/address"
	"clusterd/internal/clock"
	"clusterd/internal/reachability"
)

// Local applies membership changes on behalf of the local node. Every change
// advances the local entry of the version clock and resets the seen set to
// the local node, since nobody else has observed the new version yet.
type Local struct {
	self          address.UniqueAddress
	owner         clock.Owner
	now           func() time.Time
	allowWeaklyUp bool
}

// LocalOption configures a Local.
type LocalOption func(*Local)

// WithClock overrides the wall clock used for admission and removal times.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// WithWeaklyUp enables the Joining -> WeaklyUp transition.
func WithWeaklyUp(allow bool) LocalOption {
	return func(l *Local) { l.allowWeaklyUp = allow }
}

// NewLocal creates a Local for self.
func NewLocal(self address.UniqueAddress, opts ...LocalOption) *Local {
	l := &Local{
		self:  self,
		owner: clock.NewOwner(self.Hash()),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Self returns the local node.
func (l *Local) Self() address.UniqueAddress {
	return l.self
}

// Now returns the current time of the configured clock.
func (l *Local) Now() time.Time {
	return l.now()
}

// AllowWeaklyUp reports whether WeaklyUp promotion is enabled.
func (l *Local) AllowWeaklyUp() bool {
	return l.allowWeaklyUp
}

// SeenBy marks g as observed by the local node.
func (l *Local) SeenBy(g *Gossip) *Gossip {
	return SeenBy(g, l.self)
}

func (l *Local) commit(st *state) (*Gossip, error) {
	version, err := l.owner.Increment(st.version, l.self.Hash())
	if err != nil {
		return nil, err
	}
	st.version = version
	st.seen = map[address.UniqueAddress]struct{}{l.self: {}}
	dropTombstoned(st)
	return st.build(), nil
}

// AddJoining admits node as a Joining member. Admitting a node that is
// already a member is a no-op; an address held by another live incarnation
// is rejected with ErrAddressInUse.
func (l *Local) AddJoining(g *Gossip, node address.UniqueAddress, roles []string) (*Gossip, error) {
	st, err := g.resolve()
	if err != nil {
		return nil, err
	}
	if _, ok := st.members[node]; ok {
		return g, nil
	}
	if _, ok := st.tombstones[node]; ok {
		return nil, fmt.Errorf("%w: %s was removed", ErrInvalidTransition, node)
	}
	for existing, m := range st.members {
		if existing.Address == node.Address && m.Status != Removed {
			return nil, fmt.Errorf("%w: %s is held by %s (%s)", ErrAddressInUse, node.Address, existing, m.Status)
		}
	}

	st.members[node] = MemberInfo{
		Node:   node,
		Status: Joining,
		Roles:  normalizeRoles(roles),
		Since:  l.now().UnixMilli(),
	}
	return l.commit(st)
}

// Transition moves node to status to. Changes into Up, Leaving, Exiting and
// Removed require IsConverged; Down is accepted from any non-terminal status
// without it. A member some observer flags as unreachable is never moved to
// Up. Moving into Removed records a tombstone before the member is dropped.
func (l *Local) Transition(g *Gossip, node address.UniqueAddress, to MemberStatus) (*Gossip, error) {
	st, err := g.resolve()
	if err != nil {
		return nil, err
	}
	m, ok := st.members[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, node)
	}
	if m.Status == to {
		return g, nil
	}
	if !m.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, m.Status, to, node)
	}
	if to == WeaklyUp && !l.allowWeaklyUp {
		return nil, fmt.Errorf("%w: weakly up is disabled", ErrInvalidTransition)
	}
	if to.RequiresConvergence() && !IsConverged(g) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrNotConverged, m.Status, to, node)
	}
	if to == Up && !g.Reachability().IsReachable(node) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, node)
	}

	switch to {
	case Up:
		m.UpNumber = maxUpNumber(st) + 1
	case Removed:
		l.tombstone(st, node)
		delete(st.members, node)
		delete(st.seen, node)
		delete(st.reports, node)
		return l.commit(st)
	}

	m.Status = to
	st.members[node] = m
	return l.commit(st)
}

// Remove is Transition(g, node, Removed).
func (l *Local) Remove(g *Gossip, node address.UniqueAddress) (*Gossip, error) {
	return l.Transition(g, node, Removed)
}

func (l *Local) tombstone(st *state, node address.UniqueAddress) {
	ts := l.now().UnixMilli()
	if cur, ok := st.tombstones[node]; !ok || ts > cur.Timestamp {
		st.tombstones[node] = TombstoneInfo{Node: node, Timestamp: ts}
	}
}

func maxUpNumber(st *state) int {
	n := 0
	for _, m := range st.members {
		if m.UpNumber > n {
			n = m.UpNumber
		}
	}
	return n
}

// UpdateReachability replaces the local observer's report. A node may only
// publish its own report.
func (l *Local) UpdateReachability(g *Gossip, report reachability.Report) (*Gossip, error) {
	if report.Observer != l.self {
		return nil, fmt.Errorf("%w: report from %s published by %s", clock.ErrInvalidOwner, report.Observer, l.self)
	}
	st, err := g.resolve()
	if err != nil {
		return nil, err
	}
	if cur, ok := st.reports[l.self]; ok && cur.Version >= report.Version {
		return g, nil
	}
	st.reports[l.self] = report.Copy()
	return l.commit(st)
}

// Prune expires tombstones older than retention, drops vector clock entries
// that belong to no member and no retained tombstone, and drops reachability
// records about nodes that are neither members nor tombstoned. It returns g
// unchanged when there is nothing to prune.
func (l *Local) Prune(g *Gossip, retention time.Duration) (*Gossip, error) {
	st, err := g.resolve()
	if err != nil {
		return nil, err
	}
	cutoff := l.now().Add(-retention).UnixMilli()
	changed := false

	for node, t := range st.tombstones {
		if t.Timestamp <= cutoff {
			delete(st.tombstones, node)
			changed = true
		}
	}

	keep := make(map[string]bool)
	for node := range st.members {
		keep[node.Hash()] = true
	}
	for _, t := range st.tombstones {
		keep[t.Node.Hash()] = true
	}
	keep[l.self.Hash()] = true
	pruned := st.version.Prune(func(n string) bool { return keep[n] })
	if !pruned.Equal(st.version) {
		st.version = pruned
		changed = true
	}

	for observer, r := range st.reports {
		if _, ok := st.members[observer]; !ok {
			delete(st.reports, observer)
			changed = true
			continue
		}
		for subject := range r.Subjects {
			_, member := st.members[subject]
			_, tombstoned := st.tombstones[subject]
			if !member && !tombstoned {
				delete(r.Subjects, subject)
				changed = true
			}
		}
	}

	if !changed {
		return g, nil
	}
	return l.commit(st)
}
