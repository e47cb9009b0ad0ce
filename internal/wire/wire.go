// Package wire encodes cluster protocol messages in protobuf wire format.
//
// Messages are written field by field with protowire rather than through
// generated code; field numbers are fixed below and unknown fields are
// skipped on decode so that newer peers can add fields. Decoded gossip is
// validated before it is returned: a snapshot that references an index
// outside its tables never leaves this package.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for input that is not a valid encoding.
var ErrMalformed = errors.New("malformed message")

// Kind identifies the message carried by a Frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindEnvelope
	KindStatus
	KindJoin
	KindWelcome
	KindInitJoin
	KindInitJoinAck
	KindInitJoinNack
	KindLeave
	KindDown
	KindAck
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindEnvelope:
		return "envelope"
	case KindStatus:
		return "status"
	case KindJoin:
		return "join"
	case KindWelcome:
		return "welcome"
	case KindInitJoin:
		return "init-join"
	case KindInitJoinAck:
		return "init-join-ack"
	case KindInitJoinNack:
		return "init-join-nack"
	case KindLeave:
		return "leave"
	case KindDown:
		return "down"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Frame is the unit exchanged by the transport.
type Frame struct {
	Kind Kind
	Body []byte
}

// MarshalFrame encodes f.
func MarshalFrame(f Frame) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(f.Kind))
	b = appendBytes(b, 2, f.Body)
	return b
}

// UnmarshalFrame decodes a Frame.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	err := fields(b, func(fl field) error {
		switch fl.num {
		case 1:
			f.Kind = Kind(fl.v)
		case 2:
			f.Body = append([]byte(nil), fl.bytes...)
		}
		return nil
	})
	if err != nil {
		return Frame{}, err
	}
	if f.Kind <= KindUnknown || f.Kind > KindAck {
		return Frame{}, fmt.Errorf("%w: frame kind %d", ErrMalformed, f.Kind)
	}
	return f, nil
}

type field struct {
	num   protowire.Number
	typ   protowire.Type
	v     uint64
	bytes []byte
}

// fields walks the top-level fields of a message. Groups and fixed32 values
// are skipped.
func fields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// ints decodes a repeated integer field in packed or unpacked form.
func (f field) ints() ([]int, error) {
	if f.typ == protowire.VarintType {
		return []int{int(int64(f.v))}, nil
	}
	var out []int
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed field %d: %v", ErrMalformed, f.num, protowire.ParseError(n))
		}
		out = append(out, int(int64(v)))
		b = b[n:]
	}
	return out, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, uint64(v))
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage always writes the field, so an empty sub-message is still
// present on the wire.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPacked(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	return appendMessage(b, num, packed)
}
