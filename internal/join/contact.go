package join

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"clusterd/internal/address"
	"clusterd/internal/gossip"
	"clusterd/internal/tombstone"
)

// Contact answers handshake messages on behalf of the local node.
type Contact struct {
	local      *gossip.Local
	checker    *Checker
	tombstones *tombstone.Store
	logger     *zap.Logger
}

// NewContact creates a Contact. checker may be nil, in which case every
// InitJoin is acknowledged as Unchecked.
func NewContact(local *gossip.Local, checker *Checker, tombstones *tombstone.Store, logger *zap.Logger) *Contact {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Contact{local: local, checker: checker, tombstones: tombstones, logger: logger}
}

// Operational reports whether self may act as a join contact in g.
func Operational(g *gossip.Gossip, self address.UniqueAddress) bool {
	m, ok := g.Member(self)
	return ok && (m.Status == gossip.Up || m.Status == gossip.WeaklyUp)
}

// InitJoin answers an InitJoin request against the current gossip g.
func (c *Contact) InitJoin(g *gossip.Gossip, req InitJoin) Reply {
	self := c.local.Self()
	if !Operational(g, self) {
		return InitJoinNack{Address: self.Address}
	}

	check := ConfigCheck{Kind: Unchecked}
	if c.checker != nil {
		var mismatched []string
		check, mismatched = c.checker.Check(req.CurrentConfig)
		if check.Kind == Incompatible {
			c.logger.Warn("join config incompatible", zap.Strings("keys", mismatched))
		}
	}
	return InitJoinAck{Address: self.Address, ConfigCheck: &check}
}

// SyncTombstones copies the tombstones carried by g into the store.
func SyncTombstones(store *tombstone.Store, g *gossip.Gossip) {
	for _, t := range g.TombstoneList() {
		store.Record(t.Node.Address, t.RemovedAt())
	}
}

// Admit adds the joiner as a Joining member. A node joining itself with an
// empty gossip bootstraps a new cluster. Re-admitting a member is a no-op so
// a joiner whose Welcome was lost can retry.
func (c *Contact) Admit(g *gossip.Gossip, req Join) (*gossip.Gossip, error) {
	self := c.local.Self()
	SyncTombstones(c.tombstones, g)

	if req.Node == self && len(g.Members) == 0 {
		c.logger.Info("bootstrapping new cluster", zap.String("node", self.String()))
		return c.local.AddJoining(g, req.Node, req.Roles)
	}
	if !Operational(g, self) {
		return nil, ErrNotOperational
	}
	if _, ok := g.Member(req.Node); ok {
		return g, nil
	}
	if c.tombstones.IsTombstoned(req.Node.Address, c.local.Now()) {
		removedAt, _ := c.tombstones.Lookup(req.Node.Address)
		return nil, fmt.Errorf("%w: %s removed at %s", ErrStaleTombstonedRejoin,
			req.Node.Address, removedAt.UTC().Format(time.RFC3339))
	}

	next, err := c.local.AddJoining(g, req.Node, req.Roles)
	if err != nil {
		return nil, err
	}
	c.logger.Info("admitted joining member",
		zap.String("member", req.Node.String()),
		zap.Strings("roles", req.Roles))
	return next, nil
}

// ReplaceIncarnation marks the member currently bound to node's address as
// Down so that the new incarnation can be admitted once it is removed.
func (c *Contact) ReplaceIncarnation(g *gossip.Gossip, node address.UniqueAddress) (*gossip.Gossip, error) {
	old, ok := g.MemberAt(node.Address)
	if !ok || old.Node == node {
		return g, nil
	}
	if old.Status == gossip.Down {
		return g, nil
	}
	c.logger.Info("downing previous incarnation",
		zap.String("previous", old.Node.String()),
		zap.String("joining", node.String()))
	return c.local.Transition(g, old.Node, gossip.Down)
}

// Welcome builds the reply to a successful Join.
func (c *Contact) Welcome(g *gossip.Gossip) Welcome {
	return Welcome{From: c.local.Self(), Gossip: g}
}

// Accept evaluates an InitJoin reply on the joiner's side. It returns the
// contact's address and the configuration to adopt, empty when the check
// was skipped.
func Accept(r Reply) (address.Address, string, error) {
	switch r := r.(type) {
	case InitJoinNack:
		return r.Address, "", fmt.Errorf("%w: %s", ErrNotOperational, r.Address)
	case InitJoinAck:
		if r.ConfigCheck == nil {
			return r.Address, "", nil
		}
		switch r.ConfigCheck.Kind {
		case Incompatible:
			return r.Address, "", fmt.Errorf("%w: contact %s", ErrConfigIncompatible, r.Address)
		case Compatible:
			return r.Address, r.ConfigCheck.ClusterConfig, nil
		default:
			return r.Address, "", nil
		}
	default:
		return address.Address{}, "", errors.New("unexpected init join reply")
	}
}
