// Package join implements the handshake a node performs when it first
// contacts a cluster: InitJoin to find an operational contact and check
// configuration compatibility, then Join to be admitted as a Joining member
// and receive a Welcome carrying the current gossip.
package join

import (
	"clusterd/internal/address"
	"clusterd/internal/gossip"
)

// CheckKind is the outcome of comparing configurations.
type CheckKind int

const (
	// Unchecked means no comparison took place and the join proceeds.
	Unchecked CheckKind = iota
	Incompatible
	Compatible
)

// String returns the string representation of CheckKind.
func (k CheckKind) String() string {
	switch k {
	case Unchecked:
		return "UNCHECKED"
	case Incompatible:
		return "INCOMPATIBLE"
	case Compatible:
		return "COMPATIBLE"
	default:
		return "UNKNOWN"
	}
}

// ConfigCheck is the contact's verdict on the joiner's configuration.
// ClusterConfig is set only for Compatible and holds the authoritative
// settings the joiner must adopt.
type ConfigCheck struct {
	Kind          CheckKind
	ClusterConfig string
}

// InitJoin asks a contact whether it can take a join. CurrentConfig is the
// joiner's configuration; empty means none was sent.
type InitJoin struct {
	CurrentConfig string
}

// Reply is an answer to InitJoin: InitJoinAck or InitJoinNack.
type Reply interface {
	isReply()
}

// InitJoinAck is sent by an operational contact.
type InitJoinAck struct {
	Address     address.Address
	ConfigCheck *ConfigCheck
}

// InitJoinNack is sent by a contact that is not an operational member.
type InitJoinNack struct {
	Address address.Address
}

func (InitJoinAck) isReply()  {}
func (InitJoinNack) isReply() {}

// Join asks a member to admit Node with the given roles.
type Join struct {
	Node  address.UniqueAddress
	Roles []string
}

// Welcome carries the gossip of the admitting member back to the joiner.
type Welcome struct {
	From   address.UniqueAddress
	Gossip *gossip.Gossip
}
