package gossip

import (
	"math"
	"slices"
	"strings"
	"time"

	"clusterd/internal/address"
)

// MemberStatus represents the lifecycle state of a cluster member.
// The numeric order is the lifecycle order used when merging.
type MemberStatus int

const (
	Joining MemberStatus = iota
	WeaklyUp
	Up
	Leaving
	Exiting
	Down
	Removed
)

// String returns the string representation of MemberStatus.
func (s MemberStatus) String() string {
	switch s {
	case Joining:
		return "JOINING"
	case WeaklyUp:
		return "WEAKLY_UP"
	case Up:
		return "UP"
	case Leaving:
		return "LEAVING"
	case Exiting:
		return "EXITING"
	case Down:
		return "DOWN"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// ParseMemberStatus is the inverse of String.
func ParseMemberStatus(s string) (MemberStatus, bool) {
	for st := Joining; st <= Removed; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, true
		}
	}
	return 0, false
}

// Valid reports whether s is a known status.
func (s MemberStatus) Valid() bool {
	return s >= Joining && s <= Removed
}

var transitions = map[MemberStatus][]MemberStatus{
	Joining:  {WeaklyUp, Up, Down},
	WeaklyUp: {Up, Down},
	Up:       {Leaving, Down},
	Leaving:  {Exiting, Down},
	Exiting:  {Removed},
	Down:     {Removed},
}

// CanTransitionTo reports whether the lifecycle allows s -> next.
func (s MemberStatus) CanTransitionTo(next MemberStatus) bool {
	return slices.Contains(transitions[s], next)
}

// RequiresConvergence reports whether moving into s is a leader-only change
// that needs a converged gossip. Down is the escape hatch and never does.
func (s MemberStatus) RequiresConvergence() bool {
	switch s {
	case Up, Leaving, Exiting, Removed:
		return true
	default:
		return false
	}
}

// Member is a row of the member table in index form.
type Member struct {
	AddressIndex int
	UpNumber     int
	Status       MemberStatus
	RoleIndexes  []int
	// Since is the admission time in unix milliseconds, fixed for the
	// lifetime of the incarnation.
	Since int64
}

// MemberInfo is a member with its handles resolved.
type MemberInfo struct {
	Node     address.UniqueAddress
	UpNumber int
	Status   MemberStatus
	Roles    []string
	Since    int64
}

// HasRole reports whether the member carries role.
func (m MemberInfo) HasRole(role string) bool {
	return slices.Contains(m.Roles, role)
}

// AdmittedAt returns Since as a time.
func (m MemberInfo) AdmittedAt() time.Time {
	return time.UnixMilli(m.Since)
}

func upRank(n int) int {
	if n == 0 {
		return math.MaxInt
	}
	return n
}

// outranks is the total order used to pick between two entries for the
// same node: later lifecycle status first, then the lower non-zero up
// number, then the earlier admission, then the smaller role list.
func (m MemberInfo) outranks(o MemberInfo) bool {
	if m.Status != o.Status {
		return m.Status > o.Status
	}
	if upRank(m.UpNumber) != upRank(o.UpNumber) {
		return upRank(m.UpNumber) < upRank(o.UpNumber)
	}
	if m.Since != o.Since {
		return m.Since < o.Since
	}
	return slices.Compare(m.Roles, o.Roles) < 0
}

func (m MemberInfo) clone() MemberInfo {
	m.Roles = slices.Clone(m.Roles)
	return m
}
