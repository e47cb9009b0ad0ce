package gossip

import (
	"clusterd/internal/address"
	"clusterd/internal/clock"
)

// Status is the digest a node pushes to a peer instead of the full gossip.
// The peer answers with its gossip when the digest shows it is behind or
// concurrent.
type Status struct {
	From      address.UniqueAddress
	AllHashes []string
	Version   clock.VectorClock
}

// Status returns the digest of g sent from node from.
func (g *Gossip) Status(from address.UniqueAddress) Status {
	return Status{
		From:      from,
		AllHashes: g.Version.Nodes(),
		Version:   g.Version.Copy(),
	}
}

// NeedsGossip reports whether the holder of local should send its gossip to
// the sender of remote: local is newer or the two have diverged.
func NeedsGossip(local *Gossip, remote Status) bool {
	switch local.Version.Compare(remote.Version) {
	case clock.After, clock.Concurrent:
		return true
	default:
		return false
	}
}

// Newer reports whether remote carries changes local has not seen.
func Newer(local *Gossip, remote Status) bool {
	switch local.Version.Compare(remote.Version) {
	case clock.Before, clock.Concurrent:
		return true
	default:
		return false
	}
}
