package wire

import (
	"fmt"

	"clusterd/internal/address"
	"clusterd/internal/clock"
	"clusterd/internal/gossip"
	"clusterd/internal/reachability"
)

// Member status values on the wire. They are independent of the in-memory
// lifecycle order.
var statusToWire = map[gossip.MemberStatus]uint64{
	gossip.Joining:  0,
	gossip.Up:       1,
	gossip.Leaving:  2,
	gossip.Exiting:  3,
	gossip.Down:     4,
	gossip.Removed:  5,
	gossip.WeaklyUp: 6,
}

var statusFromWire = func() map[uint64]gossip.MemberStatus {
	m := make(map[uint64]gossip.MemberStatus, len(statusToWire))
	for s, w := range statusToWire {
		m[w] = s
	}
	return m
}()

func marshalAddress(a address.Address) []byte {
	var b []byte
	b = appendString(b, 1, a.System)
	b = appendString(b, 2, a.Host)
	b = appendVarint(b, 3, uint64(a.Port))
	b = appendString(b, 4, a.Protocol)
	return b
}

func unmarshalAddress(b []byte) (address.Address, error) {
	var a address.Address
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			a.System = string(f.bytes)
		case 2:
			a.Host = string(f.bytes)
		case 3:
			if f.v > 65535 {
				return fmt.Errorf("%w: port %d", ErrMalformed, f.v)
			}
			a.Port = int(f.v)
		case 4:
			a.Protocol = string(f.bytes)
		}
		return nil
	})
	return a, err
}

func marshalUnique(u address.UniqueAddress) []byte {
	var b []byte
	b = appendMessage(b, 1, marshalAddress(u.Address))
	b = appendFixed64(b, 2, u.UID)
	return b
}

func unmarshalUnique(b []byte) (address.UniqueAddress, error) {
	var u address.UniqueAddress
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			a, err := unmarshalAddress(f.bytes)
			if err != nil {
				return err
			}
			u.Address = a
		case 2:
			u.UID = f.v
		}
		return nil
	})
	return u, err
}

// marshalClock writes the clock entries keyed by their index in hashes.
func marshalClock(vc clock.VectorClock, hashes []string) []byte {
	index := make(map[string]int, len(hashes))
	for i, h := range hashes {
		index[h] = i
	}
	var b []byte
	for _, n := range vc.Nodes() {
		var e []byte
		e = appendInt(e, 1, int64(index[n]))
		e = appendInt(e, 2, vc[n])
		b = appendMessage(b, 1, e)
	}
	return b
}

func unmarshalClock(b []byte, hashes []string) (clock.VectorClock, error) {
	vc := clock.New()
	err := fields(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var idx, ts int64
		err := fields(f.bytes, func(e field) error {
			switch e.num {
			case 1:
				idx = int64(e.v)
			case 2:
				ts = int64(e.v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if idx < 0 || idx >= int64(len(hashes)) {
			return fmt.Errorf("%w: hash index %d (table size %d)", ErrMalformed, idx, len(hashes))
		}
		if ts < 0 {
			return fmt.Errorf("%w: negative clock entry", ErrMalformed)
		}
		vc[hashes[idx]] = ts
		return nil
	})
	return vc, err
}

// MarshalGossip encodes g.
func MarshalGossip(g *gossip.Gossip) []byte {
	var b []byte
	for _, a := range g.AllAddresses {
		b = appendMessage(b, 1, marshalUnique(a))
	}
	for _, r := range g.AllRoles {
		b = appendMessage(b, 2, []byte(r))
	}
	for _, h := range g.AllHashes {
		b = appendMessage(b, 3, []byte(h))
	}
	for _, m := range g.Members {
		var mb []byte
		mb = appendInt(mb, 1, int64(m.AddressIndex))
		mb = appendInt(mb, 2, int64(m.UpNumber))
		mb = appendVarint(mb, 3, statusToWire[m.Status])
		mb = appendPacked(mb, 4, m.RoleIndexes)
		mb = appendInt(mb, 5, m.Since)
		b = appendMessage(b, 4, mb)
	}

	var ob []byte
	ob = appendPacked(ob, 1, g.Overview.Seen)
	for _, r := range g.Overview.ObserverReachability {
		var rb []byte
		rb = appendInt(rb, 1, int64(r.ObserverIndex))
		rb = appendInt(rb, 2, r.Version)
		for _, s := range r.Subjects {
			var sb []byte
			sb = appendInt(sb, 1, int64(s.SubjectIndex))
			sb = appendVarint(sb, 2, uint64(s.Status))
			sb = appendInt(sb, 3, s.Version)
			rb = appendMessage(rb, 3, sb)
		}
		ob = appendMessage(ob, 2, rb)
	}
	b = appendMessage(b, 5, ob)

	b = appendMessage(b, 6, marshalClock(g.Version, g.AllHashes))
	for _, t := range g.Tombstones {
		var tb []byte
		tb = appendInt(tb, 1, int64(t.AddressIndex))
		tb = appendInt(tb, 2, t.Timestamp)
		b = appendMessage(b, 7, tb)
	}
	return b
}

// UnmarshalGossip decodes and validates a gossip snapshot.
func UnmarshalGossip(b []byte) (*gossip.Gossip, error) {
	g := &gossip.Gossip{
		AllAddresses: []address.UniqueAddress{},
		AllRoles:     []string{},
		AllHashes:    []string{},
		Members:      []gossip.Member{},
		Overview: gossip.Overview{
			Seen:                 []int{},
			ObserverReachability: []gossip.ObserverReachability{},
		},
		Tombstones: []gossip.Tombstone{},
	}

	// The clock refers to AllHashes, which may follow it on the wire.
	var rawClock []byte
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			u, err := unmarshalUnique(f.bytes)
			if err != nil {
				return err
			}
			g.AllAddresses = append(g.AllAddresses, u)
		case 2:
			g.AllRoles = append(g.AllRoles, string(f.bytes))
		case 3:
			g.AllHashes = append(g.AllHashes, string(f.bytes))
		case 4:
			m, err := unmarshalMember(f.bytes)
			if err != nil {
				return err
			}
			g.Members = append(g.Members, m)
		case 5:
			return unmarshalOverview(f.bytes, &g.Overview)
		case 6:
			rawClock = f.bytes
		case 7:
			var t gossip.Tombstone
			err := fields(f.bytes, func(tf field) error {
				switch tf.num {
				case 1:
					t.AddressIndex = int(int64(tf.v))
				case 2:
					t.Timestamp = int64(tf.v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			g.Tombstones = append(g.Tombstones, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if g.Version, err = unmarshalClock(rawClock, g.AllHashes); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func unmarshalMember(b []byte) (gossip.Member, error) {
	m := gossip.Member{RoleIndexes: []int{}}
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			m.AddressIndex = int(int64(f.v))
		case 2:
			m.UpNumber = int(int64(f.v))
		case 3:
			s, ok := statusFromWire[f.v]
			if !ok {
				return fmt.Errorf("%w: member status %d", ErrMalformed, f.v)
			}
			m.Status = s
		case 4:
			roles, err := f.ints()
			if err != nil {
				return err
			}
			m.RoleIndexes = append(m.RoleIndexes, roles...)
		case 5:
			m.Since = int64(f.v)
		}
		return nil
	})
	return m, err
}

func unmarshalOverview(b []byte, o *gossip.Overview) error {
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			seen, err := f.ints()
			if err != nil {
				return err
			}
			o.Seen = append(o.Seen, seen...)
		case 2:
			r := gossip.ObserverReachability{Subjects: []gossip.SubjectReachability{}}
			err := fields(f.bytes, func(rf field) error {
				switch rf.num {
				case 1:
					r.ObserverIndex = int(int64(rf.v))
				case 2:
					r.Version = int64(rf.v)
				case 3:
					var s gossip.SubjectReachability
					err := fields(rf.bytes, func(sf field) error {
						switch sf.num {
						case 1:
							s.SubjectIndex = int(int64(sf.v))
						case 2:
							s.Status = reachability.Status(sf.v)
						case 3:
							s.Version = int64(sf.v)
						}
						return nil
					})
					if err != nil {
						return err
					}
					r.Subjects = append(r.Subjects, s)
				}
				return nil
			})
			if err != nil {
				return err
			}
			o.ObserverReachability = append(o.ObserverReachability, r)
		}
		return nil
	})
}

// MarshalStatus encodes a gossip status digest.
func MarshalStatus(s gossip.Status) []byte {
	var b []byte
	b = appendMessage(b, 1, marshalUnique(s.From))
	for _, h := range s.AllHashes {
		b = appendMessage(b, 2, []byte(h))
	}
	b = appendMessage(b, 3, marshalClock(s.Version, s.AllHashes))
	return b
}

// UnmarshalStatus decodes a gossip status digest.
func UnmarshalStatus(b []byte) (gossip.Status, error) {
	s := gossip.Status{AllHashes: []string{}}
	var rawClock []byte
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			u, err := unmarshalUnique(f.bytes)
			if err != nil {
				return err
			}
			s.From = u
		case 2:
			s.AllHashes = append(s.AllHashes, string(f.bytes))
		case 3:
			rawClock = f.bytes
		}
		return nil
	})
	if err != nil {
		return gossip.Status{}, err
	}
	if s.Version, err = unmarshalClock(rawClock, s.AllHashes); err != nil {
		return gossip.Status{}, err
	}
	return s, nil
}

// Envelope carries a serialized gossip between two nodes.
type Envelope struct {
	From             address.UniqueAddress
	To               address.UniqueAddress
	SerializedGossip []byte
}

// NewEnvelope serializes g into an envelope.
func NewEnvelope(from, to address.UniqueAddress, g *gossip.Gossip) Envelope {
	return Envelope{From: from, To: to, SerializedGossip: MarshalGossip(g)}
}

// Gossip decodes the payload.
func (e Envelope) Gossip() (*gossip.Gossip, error) {
	return UnmarshalGossip(e.SerializedGossip)
}

// MarshalEnvelope encodes e.
func MarshalEnvelope(e Envelope) []byte {
	var b []byte
	b = appendMessage(b, 1, marshalUnique(e.From))
	b = appendMessage(b, 2, marshalUnique(e.To))
	b = appendBytes(b, 3, e.SerializedGossip)
	return b
}

// UnmarshalEnvelope decodes an envelope without decoding its payload.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.From, err = unmarshalUnique(f.bytes)
		case 2:
			e.To, err = unmarshalUnique(f.bytes)
		case 3:
			e.SerializedGossip = append([]byte(nil), f.bytes...)
		}
		return err
	})
	return e, err
}
