package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"clusterd/internal/address"
	"clusterd/internal/wire"
)

// ErrUnreachable is returned by in-process transports for peers that are not
// registered or are cut off by a partition.
var ErrUnreachable = errors.New("peer unreachable")

// Handler answers frames. *Node implements it.
type Handler interface {
	Handle(ctx context.Context, f wire.Frame) (wire.Frame, error)
}

// Network connects nodes running in one process. Frames are encoded and
// decoded on the way so the wire format is exercised like over gRPC.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	cut      map[[2]string]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]Handler),
		cut:      make(map[[2]string]bool),
	}
}

// Register binds addr to h.
func (nw *Network) Register(addr address.Address, h Handler) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.handlers[addr.HostPort()] = h
}

// Unregister removes the handler bound to addr.
func (nw *Network) Unregister(addr address.Address) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	delete(nw.handlers, addr.HostPort())
}

// Partition drops traffic between a and b in both directions.
func (nw *Network) Partition(a, b address.Address) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.cut[[2]string{a.HostPort(), b.HostPort()}] = true
	nw.cut[[2]string{b.HostPort(), a.HostPort()}] = true
}

// Heal restores traffic between a and b.
func (nw *Network) Heal(a, b address.Address) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	delete(nw.cut, [2]string{a.HostPort(), b.HostPort()})
	delete(nw.cut, [2]string{b.HostPort(), a.HostPort()})
}

// Transport returns the transport used by the node at from.
func (nw *Network) Transport(from address.Address) Transport {
	return &memTransport{nw: nw, from: from.HostPort()}
}

func (nw *Network) route(from, to string) (Handler, error) {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	if nw.cut[[2]string{from, to}] {
		return nil, fmt.Errorf("%w: %s -> %s partitioned", ErrUnreachable, from, to)
	}
	h, ok := nw.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return h, nil
}

type memTransport struct {
	nw   *Network
	from string
}

func (t *memTransport) Send(ctx context.Context, to address.Address, f wire.Frame) (wire.Frame, error) {
	h, err := t.nw.route(t.from, to.HostPort())
	if err != nil {
		return wire.Frame{}, err
	}
	in, err := wire.UnmarshalFrame(wire.MarshalFrame(f))
	if err != nil {
		return wire.Frame{}, err
	}
	reply, err := h.Handle(ctx, in)
	if err != nil {
		return wire.Frame{}, err
	}
	// The reply is lost if the link was cut while the request was handled.
	if _, err := t.nw.route(to.HostPort(), t.from); err != nil {
		return wire.Frame{}, err
	}
	return wire.UnmarshalFrame(wire.MarshalFrame(reply))
}

func (t *memTransport) Close() error {
	return nil
}
