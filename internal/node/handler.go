package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"clusterd/internal/address"
	"clusterd/internal/gossip"
	"clusterd/internal/wire"
)

// Deliver implements FrameHandler for the gRPC server.
func (n *Node) Deliver(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	reply, err := n.Handle(ctx, *f)
	if err != nil {
		return nil, toStatus(err)
	}
	return &reply, nil
}

// Handle answers one frame from a peer.
func (n *Node) Handle(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	switch f.Kind {
	case wire.KindEnvelope:
		return n.handleEnvelope(ctx, f.Body)
	case wire.KindStatus:
		return n.handleStatus(ctx, f.Body)
	case wire.KindInitJoin:
		return n.handleInitJoin(ctx, f.Body)
	case wire.KindJoin:
		return n.handleJoin(ctx, f.Body)
	case wire.KindLeave, wire.KindDown:
		node, err := wire.UnmarshalNode(f.Body)
		if err != nil {
			return wire.Frame{}, err
		}
		if f.Kind == wire.KindLeave {
			err = n.Leave(ctx, node.Address)
		} else {
			err = n.Down(ctx, node.Address)
		}
		if err != nil {
			return wire.Frame{}, err
		}
		return ackFrame(), nil
	default:
		return wire.Frame{}, fmt.Errorf("%w: unexpected %s frame", wire.ErrMalformed, f.Kind)
	}
}

func (n *Node) handleEnvelope(ctx context.Context, body []byte) (wire.Frame, error) {
	env, err := wire.UnmarshalEnvelope(body)
	if err != nil {
		n.malformed(address.UniqueAddress{}, err)
		return wire.Frame{}, err
	}
	if env.To != (address.UniqueAddress{}) && env.To != n.self {
		n.logger.Debug("ignoring gossip for another incarnation",
			zap.String("from", env.From.String()),
			zap.String("to", env.To.String()))
		return ackFrame(), nil
	}
	remote, err := env.Gossip()
	if err != nil {
		n.malformed(env.From, err)
		return wire.Frame{}, err
	}

	return n.call(ctx, func() (wire.Frame, error) {
		merged, err := n.receiveGossip(remote, env.From)
		if err != nil {
			return wire.Frame{}, err
		}
		// Talk back when the sender is missing our view of the result.
		if !remote.HasSeen(n.self) || !merged.Version.Equal(remote.Version) {
			return envelopeFrame(n.self, env.From, merged), nil
		}
		return ackFrame(), nil
	})
}

func (n *Node) handleStatus(ctx context.Context, body []byte) (wire.Frame, error) {
	st, err := wire.UnmarshalStatus(body)
	if err != nil {
		n.malformed(address.UniqueAddress{}, err)
		return wire.Frame{}, err
	}

	return n.call(ctx, func() (wire.Frame, error) {
		g := n.Gossip()
		switch {
		case gossip.NeedsGossip(g, st):
			return envelopeFrame(n.self, st.From, g), nil
		case gossip.Newer(g, st):
			// Ask the sender for its gossip by showing ours.
			return statusFrame(n.self, g), nil
		}
		// The sender holds this version, so it has seen it.
		if _, ok := g.Member(st.From); ok && !g.HasSeen(st.From) {
			n.setState(gossip.SeenBy(g, st.From))
		}
		return ackFrame(), nil
	})
}

func (n *Node) handleInitJoin(ctx context.Context, body []byte) (wire.Frame, error) {
	req, err := wire.UnmarshalInitJoin(body)
	if err != nil {
		return wire.Frame{}, err
	}
	return n.call(ctx, func() (wire.Frame, error) {
		kind, b := wire.MarshalReply(n.contact.InitJoin(n.Gossip(), req))
		return wire.Frame{Kind: kind, Body: b}, nil
	})
}

func (n *Node) handleJoin(ctx context.Context, body []byte) (wire.Frame, error) {
	req, err := wire.UnmarshalJoin(body)
	if err != nil {
		return wire.Frame{}, err
	}

	return n.call(ctx, func() (wire.Frame, error) {
		g := n.Gossip()
		next, err := n.contact.Admit(g, req)
		switch {
		case errors.Is(err, gossip.ErrAddressInUse):
			replaced, rerr := n.contact.ReplaceIncarnation(g, req.Node)
			if rerr != nil {
				n.logger.Warn("failed to down previous incarnation", zap.Error(rerr))
			} else if replaced != g {
				n.setState(replaced)
			}
			n.joinOutcome("replaced")
			return wire.Frame{}, err
		case err != nil:
			n.logger.Info("join rejected", zap.String("joiner", req.Node.String()), zap.Error(err))
			n.joinOutcome("rejected")
			return wire.Frame{}, err
		}

		if next != g {
			n.setState(next)
		}
		n.joinOutcome("admitted")
		return wire.Frame{Kind: wire.KindWelcome, Body: wire.MarshalWelcome(n.contact.Welcome(n.Gossip()))}, nil
	})
}

func (n *Node) joinOutcome(outcome string) {
	if n.metrics != nil {
		n.metrics.JoinsTotal.WithLabelValues(outcome).Inc()
	}
}
