package gossip

import (
	"slices"

	"clusterd/internal/address"
)

// IsConverged reports whether every member that counts has observed the
// current version. Members whose status is in excluded (Down when none is
// given), Removed members, and members flagged unreachable by any observer
// are not required to be in the seen set.
func IsConverged(g *Gossip, excluded ...MemberStatus) bool {
	if len(excluded) == 0 {
		excluded = []MemberStatus{Down}
	}
	view := g.Reachability()

	for _, m := range g.MemberList() {
		if m.Status == Removed || slices.Contains(excluded, m.Status) {
			continue
		}
		if !view.IsReachable(m.Node) {
			continue
		}
		if !g.HasSeen(m.Node) {
			return false
		}
	}
	return true
}

// NotSeen returns the members that still have to observe the current version
// for IsConverged to hold.
func NotSeen(g *Gossip, excluded ...MemberStatus) []address.UniqueAddress {
	if len(excluded) == 0 {
		excluded = []MemberStatus{Down}
	}
	view := g.Reachability()

	var out []address.UniqueAddress
	for _, m := range g.MemberList() {
		if m.Status == Removed || slices.Contains(excluded, m.Status) || !view.IsReachable(m.Node) {
			continue
		}
		if !g.HasSeen(m.Node) {
			out = append(out, m.Node)
		}
	}
	return out
}

var (
	leaderStatuses   = []MemberStatus{Up, Leaving}
	fallbackStatuses = []MemberStatus{Joining, WeaklyUp}
)

// Leader returns the node responsible for leader actions: the lowest ordered
// reachable member that is Up or Leaving, or, while the cluster has no such
// member at all, the lowest ordered reachable Joining or WeaklyUp member.
func Leader(g *Gossip) (address.UniqueAddress, bool) {
	view := g.Reachability()
	members := g.MemberList()

	candidates := fallbackStatuses
	for _, m := range members {
		if slices.Contains(leaderStatuses, m.Status) {
			candidates = leaderStatuses
			break
		}
	}

	for _, m := range members {
		if slices.Contains(candidates, m.Status) && view.IsReachable(m.Node) {
			return m.Node, true
		}
	}
	return address.UniqueAddress{}, false
}

// IsLeader reports whether node is the current leader of g.
func IsLeader(g *Gossip, node address.UniqueAddress) bool {
	leader, ok := Leader(g)
	return ok && leader == node
}
