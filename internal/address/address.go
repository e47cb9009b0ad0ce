package address

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DefaultProtocol is used when an address string carries no scheme.
const DefaultProtocol = "grpc"

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies a node: protocol://system@host:port.
type Address struct {
	Protocol string
	System   string
	Host     string
	Port     int
}

// New returns an Address using DefaultProtocol.
func New(system, host string, port int) Address {
	return Address{Protocol: DefaultProtocol, System: system, Host: host, Port: port}
}

// HostPort returns the dialable "host:port" form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String returns protocol://system@host:port.
func (a Address) String() string {
	return fmt.Sprintf("%s://%s@%s", a.Protocol, a.System, a.HostPort())
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders addresses by protocol, system, host and port.
func (a Address) Compare(b Address) int {
	if c := cmp.Compare(a.Protocol, b.Protocol); c != 0 {
		return c
	}
	if c := cmp.Compare(a.System, b.System); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// Parse parses protocol://system@host:port. The protocol defaults to
// DefaultProtocol when absent.
func Parse(s string) (Address, error) {
	rest := strings.TrimSpace(s)
	protocol := DefaultProtocol
	if i := strings.Index(rest, "://"); i >= 0 {
		protocol = rest[:i]
		rest = rest[i+3:]
	}

	at := strings.LastIndex(rest, "@")
	if at <= 0 {
		return Address{}, fmt.Errorf("%w: %q (expected system@host:port)", ErrInvalidAddress, s)
	}
	system := rest[:at]

	host, portStr, err := net.SplitHostPort(rest[at+1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: %q: bad port", ErrInvalidAddress, s)
	}
	if protocol == "" || host == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	return Address{Protocol: protocol, System: system, Host: host, Port: port}, nil
}

// UniqueAddress is an Address plus the incarnation uid of the process
// bound to it. A restarted process reusing an Address gets a new uid.
type UniqueAddress struct {
	Address Address
	UID     uint64
}

// String returns the address followed by #uid.
func (u UniqueAddress) String() string {
	return fmt.Sprintf("%s#%d", u.Address, u.UID)
}

// Compare orders by address, then uid.
func (u UniqueAddress) Compare(o UniqueAddress) int {
	if c := u.Address.Compare(o.Address); c != 0 {
		return c
	}
	return cmp.Compare(u.UID, o.UID)
}

// Hash returns the node identity used as a vector clock key.
func (u UniqueAddress) Hash() string {
	return strconv.FormatUint(xxhash.Sum64String(u.String()), 16)
}

// ParseUnique parses the String form of a UniqueAddress.
func ParseUnique(s string) (UniqueAddress, error) {
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return UniqueAddress{}, fmt.Errorf("%w: %q (missing #uid)", ErrInvalidAddress, s)
	}
	addr, err := Parse(s[:i])
	if err != nil {
		return UniqueAddress{}, err
	}
	uid, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return UniqueAddress{}, fmt.Errorf("%w: %q: bad uid", ErrInvalidAddress, s)
	}
	return UniqueAddress{Address: addr, UID: uid}, nil
}

// NewUID returns a fresh, non-zero incarnation identifier.
func NewUID() uint64 {
	for {
		id := uuid.New()
		if uid := binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:]); uid != 0 {
			return uid
		}
	}
}
