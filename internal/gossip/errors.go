package gossip

import "errors"

var (
	// ErrUnknownAddressIndex marks gossip referencing an index outside its tables.
	ErrUnknownAddressIndex = errors.New("unknown address index")
	// ErrMalformed marks gossip that is structurally invalid.
	ErrMalformed = errors.New("malformed gossip")
	// ErrUnknownMember is returned when an edit names a node that is not a member.
	ErrUnknownMember = errors.New("unknown member")
	// ErrInvalidTransition is returned for a member status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid member status transition")
	// ErrNotConverged is returned when a leader-only change is attempted without convergence.
	ErrNotConverged = errors.New("gossip has not converged")
	// ErrUnreachable is returned when a member flagged unreachable would be moved to Up.
	ErrUnreachable = errors.New("member is unreachable")
	// ErrAddressInUse is returned when a different incarnation already holds the address.
	ErrAddressInUse = errors.New("address held by another incarnation")
)
