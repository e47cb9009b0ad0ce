package wire

import (
	"fmt"

	"clusterd/internal/address"
	"clusterd/internal/join"
)

// MarshalJoin encodes a Join request.
func MarshalJoin(j join.Join) []byte {
	var b []byte
	b = appendMessage(b, 1, marshalUnique(j.Node))
	for _, r := range j.Roles {
		b = appendMessage(b, 2, []byte(r))
	}
	return b
}

// UnmarshalJoin decodes a Join request.
func UnmarshalJoin(b []byte) (join.Join, error) {
	var j join.Join
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			j.Node, err = unmarshalUnique(f.bytes)
		case 2:
			j.Roles = append(j.Roles, string(f.bytes))
		}
		return err
	})
	return j, err
}

// MarshalWelcome encodes a Welcome with its gossip.
func MarshalWelcome(w join.Welcome) []byte {
	var b []byte
	b = appendMessage(b, 1, marshalUnique(w.From))
	b = appendMessage(b, 2, MarshalGossip(w.Gossip))
	return b
}

// UnmarshalWelcome decodes a Welcome and validates its gossip.
func UnmarshalWelcome(b []byte) (join.Welcome, error) {
	var w join.Welcome
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			w.From, err = unmarshalUnique(f.bytes)
		case 2:
			w.Gossip, err = UnmarshalGossip(f.bytes)
		}
		return err
	})
	if err != nil {
		return join.Welcome{}, err
	}
	if w.Gossip == nil {
		return join.Welcome{}, fmt.Errorf("%w: welcome without gossip", ErrMalformed)
	}
	return w, nil
}

// MarshalInitJoin encodes an InitJoin.
func MarshalInitJoin(m join.InitJoin) []byte {
	return appendString(nil, 1, m.CurrentConfig)
}

// UnmarshalInitJoin decodes an InitJoin.
func UnmarshalInitJoin(b []byte) (join.InitJoin, error) {
	var m join.InitJoin
	err := fields(b, func(f field) error {
		if f.num == 1 {
			m.CurrentConfig = string(f.bytes)
		}
		return nil
	})
	return m, err
}

// Config check types on the wire.
const (
	checkUnchecked    = 1
	checkIncompatible = 2
	checkCompatible   = 3
)

// MarshalReply encodes an InitJoin reply and returns the frame kind to send
// it under.
func MarshalReply(r join.Reply) (Kind, []byte) {
	switch r := r.(type) {
	case join.InitJoinAck:
		b := appendMessage(nil, 1, marshalAddress(r.Address))
		if r.ConfigCheck != nil {
			var cb []byte
			switch r.ConfigCheck.Kind {
			case join.Incompatible:
				cb = appendVarint(cb, 1, checkIncompatible)
			case join.Compatible:
				cb = appendVarint(cb, 1, checkCompatible)
				cb = appendString(cb, 2, r.ConfigCheck.ClusterConfig)
			default:
				cb = appendVarint(cb, 1, checkUnchecked)
			}
			b = appendMessage(b, 2, cb)
		}
		return KindInitJoinAck, b
	case join.InitJoinNack:
		return KindInitJoinNack, appendMessage(nil, 1, marshalAddress(r.Address))
	default:
		return KindUnknown, nil
	}
}

// UnmarshalReply decodes an InitJoin reply sent under kind.
func UnmarshalReply(kind Kind, b []byte) (join.Reply, error) {
	var addr address.Address
	var check *join.ConfigCheck
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			a, err := unmarshalAddress(f.bytes)
			if err != nil {
				return err
			}
			addr = a
		case 2:
			c, err := unmarshalConfigCheck(f.bytes)
			if err != nil {
				return err
			}
			check = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindInitJoinAck:
		return join.InitJoinAck{Address: addr, ConfigCheck: check}, nil
	case KindInitJoinNack:
		return join.InitJoinNack{Address: addr}, nil
	default:
		return nil, fmt.Errorf("%w: %s is not an init join reply", ErrMalformed, kind)
	}
}

func unmarshalConfigCheck(b []byte) (join.ConfigCheck, error) {
	var c join.ConfigCheck
	var typ uint64
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			typ = f.v
		case 2:
			c.ClusterConfig = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return c, err
	}
	switch typ {
	case checkUnchecked:
		c.Kind = join.Unchecked
	case checkIncompatible:
		c.Kind = join.Incompatible
	case checkCompatible:
		c.Kind = join.Compatible
	default:
		return c, fmt.Errorf("%w: config check type %d", ErrMalformed, typ)
	}
	return c, nil
}

// MarshalNode encodes a bare node, the body of Leave and Down frames.
func MarshalNode(u address.UniqueAddress) []byte {
	return appendMessage(nil, 1, marshalUnique(u))
}

// UnmarshalNode decodes a bare node.
func UnmarshalNode(b []byte) (address.UniqueAddress, error) {
	var u address.UniqueAddress
	err := fields(b, func(f field) error {
		var err error
		if f.num == 1 {
			u, err = unmarshalUnique(f.bytes)
		}
		return err
	})
	return u, err
}
