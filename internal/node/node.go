// Package node runs the membership protocol for one cluster node. A single
// goroutine owns the gossip state and applies every change; readers get the
// current snapshot from an atomic pointer without going through it.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"clusterd/internal/address"
	"clusterd/internal/clock"
	"clusterd/internal/config"
	"clusterd/internal/fanout"
	"clusterd/internal/gossip"
	"clusterd/internal/join"
	"clusterd/internal/reachability"
	"clusterd/internal/telemetry"
	"clusterd/internal/tombstone"
	"clusterd/internal/wire"
)

// ErrStopped is returned for requests that arrive after Stop.
var ErrStopped = errors.New("node stopped")

const (
	inboxSize = 256

	// notSeenProbability is the chance a gossip round targets a peer that
	// has not seen the current version yet.
	notSeenProbability = 0.8

	// weaklyUpAfterTicks is how many leader ticks without convergence pass
	// before joining members are promoted to WeaklyUp.
	weaklyUpAfterTicks = 3
)

// SeedSource returns extra "host:port" join contacts, for example from etcd.
type SeedSource func(ctx context.Context) ([]string, error)

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger. The node tags it with its own address.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithMetrics publishes gossip metrics into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// WithSeedSource adds a source of join contacts used when no seeds are
// configured.
func WithSeedSource(src SeedSource) Option {
	return func(n *Node) { n.seedSource = src }
}

// Node is one member of the cluster.
type Node struct {
	self       address.UniqueAddress
	transport  Transport
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
	seedSource SeedSource

	// Owned by the loop goroutine.
	cfg              *config.Config
	local            *gossip.Local
	contact          *join.Contact
	tombstones       *tombstone.Store
	pendingLeaves    map[address.UniqueAddress]struct{}
	unconvergedTicks int
	wasMember        bool

	tracker *reachability.Tracker
	state   atomic.Pointer[gossip.Gossip]
	inbox   chan func()

	joined      chan struct{}
	joinedOnce  sync.Once
	removed     chan struct{}
	removedOnce sync.Once

	stopping chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a node for self. cfg is copied; the node may later adopt the
// cluster's configuration during the join handshake.
func New(cfg *config.Config, self address.UniqueAddress, transport Transport, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	own := *cfg
	n := &Node{
		self:          self,
		transport:     transport,
		logger:        zap.NewNop(),
		now:           time.Now,
		cfg:           &own,
		pendingLeaves: make(map[address.UniqueAddress]struct{}),
		inbox:         make(chan func(), inboxSize),
		joined:        make(chan struct{}),
		removed:       make(chan struct{}),
		stopping:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("node", self.String()))
	n.tracker = reachability.NewTracker(self, n.logger)
	n.tombstones = tombstone.NewStore(n.cfg.Cluster.TombstoneRetention.Duration)
	if err := n.rebuild(); err != nil {
		return nil, err
	}
	n.state.Store(gossip.Empty())
	return n, nil
}

// rebuild derives the protocol helpers from the current configuration.
func (n *Node) rebuild() error {
	fingerprint, err := n.cfg.Fingerprint()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	checker, err := join.NewChecker(n.cfg.Cluster.CompatKeys, fingerprint)
	if err != nil {
		return err
	}
	if r := n.cfg.Cluster.TombstoneRetention.Duration; r != n.tombstones.Retention() {
		store := tombstone.NewStore(r)
		for _, e := range n.tombstones.Entries() {
			store.Record(e.Address, e.Timestamp)
		}
		n.tombstones = store
	}
	n.local = gossip.NewLocal(n.self,
		gossip.WithClock(n.now),
		gossip.WithWeaklyUp(n.cfg.Cluster.AllowWeaklyUp))
	n.contact = join.NewContact(n.local, checker, n.tombstones, n.logger)
	return nil
}

// Self returns the node's address.
func (n *Node) Self() address.UniqueAddress {
	return n.self
}

// Gossip returns the current snapshot. It must not be modified.
func (n *Node) Gossip() *gossip.Gossip {
	return n.state.Load()
}

// Joined is closed once the node is a member of a cluster.
func (n *Node) Joined() <-chan struct{} {
	return n.joined
}

// Removed is closed once the node has been removed from its cluster.
func (n *Node) Removed() <-chan struct{} {
	return n.removed
}

// Sink returns the failure detector input of this node.
func (n *Node) Sink() reachability.Sink {
	return n.tracker.Sink(func() { n.do(n.publishReachability) })
}

// Start runs the protocol loop and the join handshake in the background.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	gossipInterval := n.cfg.Cluster.GossipInterval.Duration
	leaderInterval := n.cfg.Cluster.LeaderActionsInterval.Duration

	n.wg.Add(2)
	go n.run(gossipInterval, leaderInterval)
	go n.joinLoop(ctx, n.joinSettings())

	n.logger.Info("node started",
		zap.Duration("gossip_interval", gossipInterval),
		zap.Duration("leader_actions_interval", leaderInterval))
}

// Stop ends the loop and waits for background work to finish.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		close(n.stopping)
	})
	n.wg.Wait()
	n.logger.Info("node stopped")
}

func (n *Node) run(gossipInterval, leaderInterval time.Duration) {
	defer n.wg.Done()

	gossipTicker := time.NewTicker(gossipInterval)
	defer gossipTicker.Stop()
	leaderTicker := time.NewTicker(leaderInterval)
	defer leaderTicker.Stop()

	for {
		select {
		case <-n.stopping:
			return
		case fn := <-n.inbox:
			fn()
		case <-gossipTicker.C:
			n.gossipRound()
		case <-leaderTicker.C:
			n.leaderActions()
		}
	}
}

// do queues fn on the loop. It must not be called from the loop itself.
func (n *Node) do(fn func()) {
	select {
	case n.inbox <- fn:
	case <-n.stopping:
	}
}

// call runs fn on the loop and waits for its result.
func (n *Node) call(ctx context.Context, fn func() (wire.Frame, error)) (wire.Frame, error) {
	type result struct {
		f   wire.Frame
		err error
	}
	done := make(chan result, 1)
	task := func() {
		f, err := fn()
		done <- result{f, err}
	}

	select {
	case n.inbox <- task:
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-n.stopping:
		return wire.Frame{}, ErrStopped
	}

	select {
	case r := <-done:
		return r.f, r.err
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-n.stopping:
		return wire.Frame{}, ErrStopped
	}
}

// setState installs g as the current snapshot.
func (n *Node) setState(g *gossip.Gossip) {
	n.state.Store(g)
	join.SyncTombstones(n.tombstones, g)

	_, member := g.Member(n.self)
	if member && !n.wasMember {
		n.wasMember = true
		n.joinedOnce.Do(func() {
			n.logger.Info("joined cluster", zap.Int("members", len(g.Members)))
			close(n.joined)
		})
	}
	if !member && n.wasMember && g.IsTombstoned(n.self) {
		n.removedOnce.Do(func() {
			n.logger.Info("removed from cluster")
			close(n.removed)
		})
	}

	if n.metrics != nil {
		n.metrics.Observe(g, n.self)
	}
}

func (n *Node) isMember(g *gossip.Gossip) bool {
	_, ok := g.Member(n.self)
	return ok
}

// receiveGossip merges remote into the current state. Gossip from removed
// nodes is dropped.
func (n *Node) receiveGossip(remote *gossip.Gossip, from address.UniqueAddress) (*gossip.Gossip, error) {
	g := n.Gossip()
	if g.IsTombstoned(from) {
		n.logger.Debug("dropping gossip from removed node", zap.String("from", from.String()))
		return g, nil
	}

	outcome := mergeOutcome(g.Version.Compare(remote.Version))
	merged, err := gossip.Merge(g, remote)
	if err != nil {
		n.malformed(from, err)
		return nil, err
	}
	if n.isMember(merged) {
		merged = n.local.SeenBy(merged)
	}
	if n.metrics != nil {
		n.metrics.MergesTotal.WithLabelValues(outcome).Inc()
	}
	n.setState(merged)
	return merged, nil
}

func mergeOutcome(o clock.CompareResult) string {
	switch o {
	case clock.Before:
		return "newer"
	case clock.After:
		return "older"
	case clock.Same:
		return "same"
	default:
		return "concurrent"
	}
}

func (n *Node) malformed(from address.UniqueAddress, err error) {
	if n.metrics != nil {
		n.metrics.MergesTotal.WithLabelValues("malformed").Inc()
	}
	n.logger.Warn("discarding malformed gossip",
		zap.String("from", from.String()),
		zap.Bool("suspect", true),
		zap.Error(err))
}

// publishReachability copies the local failure detector report into the
// gossip.
func (n *Node) publishReachability() {
	g := n.Gossip()
	if !n.isMember(g) {
		return
	}
	next, err := n.local.UpdateReachability(g, n.tracker.Report())
	if err != nil {
		n.logger.Error("failed to publish reachability", zap.Error(err))
		return
	}
	if next != g {
		n.setState(next)
	}
}

// Leave asks the member at addr to leave gracefully. The change needs a
// converged gossip and is retried on every leader tick until it applies.
func (n *Node) Leave(ctx context.Context, addr address.Address) error {
	_, err := n.call(ctx, func() (wire.Frame, error) {
		m, ok := n.Gossip().MemberAt(addr)
		if !ok {
			return wire.Frame{}, fmt.Errorf("%w: %s", gossip.ErrUnknownMember, addr)
		}
		n.pendingLeaves[m.Node] = struct{}{}
		n.retryLeaves()
		return ackFrame(), nil
	})
	return err
}

// Down marks the member at addr as Down. It does not need convergence.
func (n *Node) Down(ctx context.Context, addr address.Address) error {
	_, err := n.call(ctx, func() (wire.Frame, error) {
		g := n.Gossip()
		m, ok := g.MemberAt(addr)
		if !ok {
			return wire.Frame{}, fmt.Errorf("%w: %s", gossip.ErrUnknownMember, addr)
		}
		next, err := n.local.Transition(g, m.Node, gossip.Down)
		if err != nil {
			return wire.Frame{}, err
		}
		if next != g {
			n.logger.Info("member downed", zap.String("member", m.Node.String()))
			n.setState(next)
		}
		return ackFrame(), nil
	})
	return err
}

// Announce sends a Leave or Down notice for addr to the other reachable
// members, so the change lands wherever the leader is even if this node's
// own gossip is slow to spread. It succeeds once a majority acknowledged.
func (n *Node) Announce(ctx context.Context, kind wire.Kind, addr address.Address) error {
	if kind != wire.KindLeave && kind != wire.KindDown {
		return fmt.Errorf("%w: cannot announce %s", wire.ErrMalformed, kind)
	}
	g := n.Gossip()
	m, ok := g.MemberAt(addr)
	if !ok {
		return fmt.Errorf("%w: %s", gossip.ErrUnknownMember, addr)
	}

	view := g.Reachability()
	peers := make(map[string]address.Address)
	targets := make([]string, 0, len(g.Members))
	for _, p := range g.MemberList() {
		if p.Node == n.self || !view.IsReachable(p.Node) {
			continue
		}
		hp := p.Node.Address.HostPort()
		peers[hp] = p.Node.Address
		targets = append(targets, hp)
	}
	if len(targets) == 0 {
		return nil
	}

	f := wire.Frame{Kind: kind, Body: wire.MarshalNode(m.Node)}
	res := fanout.Broadcast(ctx, targets, 0, func(ctx context.Context, target string) (struct{}, error) {
		_, err := n.transport.Send(ctx, peers[target], f)
		return struct{}{}, err
	})
	if !res.Success {
		return fmt.Errorf("announce %s of %s: %s", kind, m.Node, res.ErrorMessage)
	}
	n.logger.Debug("announced member change",
		zap.String("kind", kind.String()),
		zap.String("member", m.Node.String()),
		zap.Int("acks", res.Acks))
	return nil
}

func (n *Node) retryLeaves() {
	g := n.Gossip()
	for node := range n.pendingLeaves {
		m, ok := g.Member(node)
		if !ok {
			delete(n.pendingLeaves, node)
			continue
		}
		switch m.Status {
		case gossip.Joining, gossip.WeaklyUp:
			continue
		case gossip.Up:
		default:
			delete(n.pendingLeaves, node)
			continue
		}

		next, err := n.local.Transition(g, node, gossip.Leaving)
		if errors.Is(err, gossip.ErrNotConverged) {
			continue
		}
		delete(n.pendingLeaves, node)
		if err != nil {
			n.logger.Warn("leave failed", zap.String("member", node.String()), zap.Error(err))
			continue
		}
		n.logger.Info("member leaving", zap.String("member", node.String()))
		g = next
	}
	if g != n.Gossip() {
		n.setState(g)
	}
}

// actsAsLeader reports whether the local node performs leader actions on g.
// Without any leader candidate, the lowest reachable member that is not
// Down steps in so that a cluster whose last members are exiting can still
// finish removing them.
func (n *Node) actsAsLeader(g *gossip.Gossip) bool {
	if leader, ok := gossip.Leader(g); ok {
		return leader == n.self
	}
	view := g.Reachability()
	for _, m := range g.MemberList() {
		if m.Status != gossip.Down && view.IsReachable(m.Node) {
			return m.Node == n.self
		}
	}
	return false
}

// leaderActions prunes expired state on every node and, on the leader,
// moves members through the lifecycle.
func (n *Node) leaderActions() {
	g := n.Gossip()
	if !n.isMember(g) {
		return
	}

	retention := n.cfg.Cluster.TombstoneRetention.Duration
	if expired := n.tombstones.Prune(retention, n.now()); len(expired) > 0 {
		n.logger.Debug("tombstones expired", zap.Int("count", len(expired)))
	}
	if pruned, err := n.local.Prune(g, retention); err != nil {
		n.logger.Error("prune failed", zap.Error(err))
	} else if pruned != g {
		n.setState(pruned)
	}

	if n.terminateRemoved(n.Gossip()) {
		n.publishReachability()
	}

	n.retryLeaves()

	g = n.Gossip()
	if !n.actsAsLeader(g) {
		n.unconvergedTicks = 0
		return
	}
	converged := gossip.IsConverged(g)
	if converged {
		n.unconvergedTicks = 0
	} else {
		n.unconvergedTicks++
	}

	view := g.Reachability()
	for _, m := range g.MemberList() {
		var to gossip.MemberStatus
		switch m.Status {
		case gossip.Joining:
			switch {
			case converged && view.IsReachable(m.Node):
				to = gossip.Up
			case n.local.AllowWeaklyUp() && n.unconvergedTicks >= weaklyUpAfterTicks && view.IsReachable(m.Node):
				to = gossip.WeaklyUp
			default:
				continue
			}
		case gossip.WeaklyUp:
			if !view.IsReachable(m.Node) {
				continue
			}
			to = gossip.Up
		case gossip.Leaving:
			to = gossip.Exiting
		case gossip.Exiting, gossip.Down:
			to = gossip.Removed
		default:
			continue
		}

		next, err := n.local.Transition(g, m.Node, to)
		if errors.Is(err, gossip.ErrNotConverged) {
			continue
		}
		if err != nil {
			n.logger.Warn("leader action failed",
				zap.String("member", m.Node.String()),
				zap.Stringer("to", to),
				zap.Error(err))
			continue
		}
		n.logger.Info("leader action",
			zap.String("member", m.Node.String()),
			zap.Stringer("from", m.Status),
			zap.Stringer("to", to))
		g = next
	}
	if g != n.Gossip() {
		n.setState(g)
	}
}

// terminateRemoved marks every tombstoned node Terminated in the local
// report and forgets subjects that are neither members nor tombstoned. It
// reports whether the local report changed.
func (n *Node) terminateRemoved(g *gossip.Gossip) bool {
	changed := false
	for _, t := range g.TombstoneList() {
		if n.tracker.Observe(t.Node, reachability.Terminated) {
			changed = true
		}
	}
	for subject := range n.tracker.Report().Subjects {
		if _, ok := g.Member(subject); ok || g.IsTombstoned(subject) {
			continue
		}
		if n.tracker.Forget(subject) {
			changed = true
		}
	}
	return changed
}

// gossipRound sends one digest or full gossip to a selected peer.
func (n *Node) gossipRound() {
	g := n.Gossip()
	if !n.isMember(g) {
		return
	}
	peer, ok := n.selectPeer(g)
	if !ok {
		return
	}

	f, kind := envelopeFrame(n.self, peer, g), "gossip"
	if g.HasSeen(peer) {
		f, kind = statusFrame(n.self, g), "status"
	}
	if n.metrics != nil {
		n.metrics.GossipSentTotal.WithLabelValues(kind).Inc()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.exchange(peer, f)
	}()
}

// selectPeer picks the gossip target for this round among reachable members.
func (n *Node) selectPeer(g *gossip.Gossip) (address.UniqueAddress, bool) {
	view := g.Reachability()
	var reachable, notSeen []address.UniqueAddress
	for _, m := range g.MemberList() {
		if m.Node == n.self || !view.IsReachable(m.Node) {
			continue
		}
		reachable = append(reachable, m.Node)
		if !g.HasSeen(m.Node) {
			notSeen = append(notSeen, m.Node)
		}
	}
	if len(reachable) == 0 {
		return address.UniqueAddress{}, false
	}

	if len(view.Unreachable()) > 0 && rand.Float64() < n.cfg.Cluster.UnreachableGossipRatio {
		if observers := reportingObservers(g, reachable); len(observers) > 0 {
			return observers[rand.Intn(len(observers))], true
		}
	}
	if len(notSeen) > 0 && rand.Float64() < notSeenProbability {
		return notSeen[rand.Intn(len(notSeen))], true
	}
	return reachable[rand.Intn(len(reachable))], true
}

// reportingObservers returns the candidates whose report flags a subject.
func reportingObservers(g *gossip.Gossip, candidates []address.UniqueAddress) []address.UniqueAddress {
	var out []address.UniqueAddress
	for _, o := range reachability.Observers(g.Reports()) {
		if slices.Contains(candidates, o) {
			out = append(out, o)
		}
	}
	return out
}

// exchange sends f to peer and feeds the reply back into the loop.
func (n *Node) exchange(peer address.UniqueAddress, f wire.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), fanout.DefaultPerTargetTimeout)
	defer cancel()

	reply, err := n.transport.Send(ctx, peer.Address, f)
	if err != nil {
		n.logger.Debug("gossip exchange failed", zap.String("peer", peer.String()), zap.Error(err))
		return
	}

	switch reply.Kind {
	case wire.KindEnvelope:
		n.acceptEnvelope(reply.Body)
	case wire.KindStatus:
		// The peer is behind: push the full gossip.
		if n.metrics != nil {
			n.metrics.GossipSentTotal.WithLabelValues("gossip").Inc()
		}
		pushed, err := n.transport.Send(ctx, peer.Address, envelopeFrame(n.self, peer, n.Gossip()))
		if err != nil {
			n.logger.Debug("gossip push failed", zap.String("peer", peer.String()), zap.Error(err))
			return
		}
		if pushed.Kind == wire.KindEnvelope {
			n.acceptEnvelope(pushed.Body)
		}
	}
}

// acceptEnvelope merges a gossip reply from a peer.
func (n *Node) acceptEnvelope(body []byte) {
	env, err := wire.UnmarshalEnvelope(body)
	if err != nil {
		n.malformed(address.UniqueAddress{}, err)
		return
	}
	remote, err := env.Gossip()
	if err != nil {
		n.malformed(env.From, err)
		return
	}
	n.do(func() {
		_, _ = n.receiveGossip(remote, env.From)
	})
}

type joinSettings struct {
	system   string
	roles    []string
	seeds    []string
	timeout  time.Duration
	retry    time.Duration
	selfHost string
}

func (n *Node) joinSettings() joinSettings {
	return joinSettings{
		system:   n.cfg.Node.System,
		roles:    append([]string(nil), n.cfg.Node.Roles...),
		seeds:    append([]string(nil), n.cfg.Cluster.Seeds...),
		timeout:  n.cfg.Cluster.JoinTimeout.Duration,
		retry:    n.cfg.Cluster.JoinRetryInterval.Duration,
		selfHost: n.self.Address.HostPort(),
	}
}

// joinLoop retries the join handshake until the node is a member.
func (n *Node) joinLoop(ctx context.Context, js joinSettings) {
	defer n.wg.Done()

	for {
		err := n.joinOnce(ctx, js)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn("join attempt failed", zap.Error(err), zap.Duration("retry_in", js.retry))

		select {
		case <-ctx.Done():
			return
		case <-n.joined:
			return
		case <-time.After(js.retry):
		}
	}
}

type accepted struct {
	contact address.Address
	adopt   string
}

func (n *Node) joinOnce(ctx context.Context, js joinSettings) error {
	if n.isMember(n.Gossip()) {
		return nil
	}

	seeds := js.seeds
	if len(seeds) == 0 && n.seedSource != nil {
		discovered, err := n.seedSource(ctx)
		if err != nil {
			return fmt.Errorf("seed discovery: %w", err)
		}
		seeds = discovered
	}
	seeds = withoutSelf(seeds, js.selfHost)
	if len(seeds) == 0 {
		return n.bootstrap(ctx, js.roles)
	}

	fingerprint, err := n.fingerprint(ctx)
	if err != nil {
		return err
	}
	initJoin := wire.Frame{Kind: wire.KindInitJoin, Body: wire.MarshalInitJoin(join.InitJoin{CurrentConfig: fingerprint})}

	res := fanout.First(ctx, seeds, js.timeout, func(ctx context.Context, target string) (accepted, error) {
		addr, err := seedAddress(js.system, target)
		if err != nil {
			return accepted{}, err
		}
		reply, err := n.transport.Send(ctx, addr, initJoin)
		if err != nil {
			return accepted{}, err
		}
		r, err := wire.UnmarshalReply(reply.Kind, reply.Body)
		if err != nil {
			return accepted{}, err
		}
		contact, adopt, err := join.Accept(r)
		if err != nil {
			return accepted{}, err
		}
		return accepted{contact: contact, adopt: adopt}, nil
	})
	if !res.Success {
		return errors.New(res.ErrorMessage)
	}

	if res.Value.adopt != "" {
		if _, err := n.call(ctx, func() (wire.Frame, error) { return wire.Frame{}, n.adopt(res.Value.adopt) }); err != nil {
			return err
		}
	}

	joinCtx, cancel := context.WithTimeout(ctx, js.timeout)
	defer cancel()
	req := wire.Frame{Kind: wire.KindJoin, Body: wire.MarshalJoin(join.Join{Node: n.self, Roles: js.roles})}
	reply, err := n.transport.Send(joinCtx, res.Value.contact, req)
	if err != nil {
		return fmt.Errorf("join via %s: %w", res.Value.contact, err)
	}
	if reply.Kind != wire.KindWelcome {
		return fmt.Errorf("%w: expected welcome, got %s", wire.ErrMalformed, reply.Kind)
	}
	welcome, err := wire.UnmarshalWelcome(reply.Body)
	if err != nil {
		return err
	}

	_, err = n.call(ctx, func() (wire.Frame, error) {
		if _, err := n.receiveGossip(welcome.Gossip, welcome.From); err != nil {
			return wire.Frame{}, err
		}
		n.logger.Info("welcomed", zap.String("contact", welcome.From.String()))
		return ackFrame(), nil
	})
	return err
}

// bootstrap makes the node the first member of a new cluster.
func (n *Node) bootstrap(ctx context.Context, roles []string) error {
	_, err := n.call(ctx, func() (wire.Frame, error) {
		next, err := n.contact.Admit(n.Gossip(), join.Join{Node: n.self, Roles: roles})
		if err != nil {
			return wire.Frame{}, err
		}
		n.setState(next)
		return ackFrame(), nil
	})
	return err
}

func (n *Node) fingerprint(ctx context.Context) (string, error) {
	var doc string
	_, err := n.call(ctx, func() (wire.Frame, error) {
		var err error
		doc, err = n.cfg.Fingerprint()
		return wire.Frame{}, err
	})
	return doc, err
}

// adopt overlays the cluster configuration handed back by a contact.
func (n *Node) adopt(doc string) error {
	if err := n.cfg.Adopt(doc); err != nil {
		return err
	}
	n.logger.Info("adopted cluster configuration")
	return n.rebuild()
}

func withoutSelf(seeds []string, self string) []string {
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s != self {
			out = append(out, s)
		}
	}
	return out
}

func seedAddress(system, hostPort string) (address.Address, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return address.Address{}, fmt.Errorf("%w: seed %q", address.ErrInvalidAddress, hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return address.Address{}, fmt.Errorf("%w: seed %q", address.ErrInvalidAddress, hostPort)
	}
	return address.New(system, host, port), nil
}

func ackFrame() wire.Frame {
	return wire.Frame{Kind: wire.KindAck}
}

func statusFrame(from address.UniqueAddress, g *gossip.Gossip) wire.Frame {
	return wire.Frame{Kind: wire.KindStatus, Body: wire.MarshalStatus(g.Status(from))}
}

func envelopeFrame(from, to address.UniqueAddress, g *gossip.Gossip) wire.Frame {
	return wire.Frame{Kind: wire.KindEnvelope, Body: wire.MarshalEnvelope(wire.NewEnvelope(from, to, g))}
}
