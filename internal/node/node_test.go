package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/internal/address"
	"clusterd/internal/config"
	"clusterd/internal/gossip"
	"clusterd/internal/join"
	"clusterd/internal/reachability"
	"clusterd/internal/telemetry"
	"clusterd/internal/wire"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(port int, seeds ...string) *config.Config {
	cfg := config.Default()
	cfg.Node.Port = port
	cfg.Cluster.Seeds = seeds
	cfg.Cluster.GossipInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Cluster.LeaderActionsInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Cluster.JoinTimeout = config.Duration{Duration: 500 * time.Millisecond}
	cfg.Cluster.JoinRetryInterval = config.Duration{Duration: 20 * time.Millisecond}
	return cfg
}

func startNode(t *testing.T, nw *Network, port int, seeds ...string) *Node {
	t.Helper()
	return startWithConfig(t, nw, testConfig(port, seeds...), nil)
}

func startWithConfig(t *testing.T, nw *Network, cfg *config.Config, m *telemetry.Metrics) *Node {
	t.Helper()
	self := address.UniqueAddress{Address: cfg.SelfAddress(), UID: address.NewUID()}
	opts := []Option{}
	if m != nil {
		opts = append(opts, WithMetrics(m))
	}
	n, err := New(cfg, self, nw.Transport(self.Address), opts...)
	require.NoError(t, err)
	nw.Register(self.Address, n)
	n.Start(context.Background())
	t.Cleanup(n.Stop)
	return n
}

func statusOf(observer, subject *Node) (gossip.MemberStatus, bool) {
	m, ok := observer.Gossip().Member(subject.Self())
	return m.Status, ok
}

func allUp(nodes ...*Node) func() bool {
	return func() bool {
		for _, observer := range nodes {
			for _, subject := range nodes {
				if s, ok := statusOf(observer, subject); !ok || s != gossip.Up {
					return false
				}
			}
			if !gossip.IsConverged(observer.Gossip()) {
				return false
			}
		}
		return true
	}
}

func TestNode_BootstrapsAlone(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)

	select {
	case <-a.Joined():
	case <-time.After(waitFor):
		t.Fatal("node never joined itself")
	}
	require.Eventually(t, allUp(a), waitFor, tick)
	assert.True(t, gossip.IsLeader(a.Gossip(), a.Self()))
}

func TestNode_JoinsThroughSeed(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)

	b := startNode(t, nw, 2553, "127.0.0.1:2552")
	c := startNode(t, nw, 2554, "127.0.0.1:2553", "127.0.0.1:2552")

	require.Eventually(t, allUp(a, b, c), waitFor, tick)

	ma, _ := a.Gossip().Member(a.Self())
	mb, _ := a.Gossip().Member(b.Self())
	assert.Equal(t, 1, ma.UpNumber)
	assert.Greater(t, mb.UpNumber, ma.UpNumber)
	assert.True(t, gossip.IsLeader(c.Gossip(), a.Self()))
}

func TestNode_LeaveRemovesMember(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)
	b := startNode(t, nw, 2553, "127.0.0.1:2552")
	require.Eventually(t, allUp(a, b), waitFor, tick)

	require.NoError(t, a.Leave(context.Background(), b.Self().Address))

	select {
	case <-b.Removed():
	case <-time.After(waitFor):
		t.Fatal("leaving node was never removed")
	}
	require.Eventually(t, func() bool {
		_, ok := a.Gossip().Member(b.Self())
		return !ok && a.Gossip().IsTombstoned(b.Self())
	}, waitFor, tick)
}

func TestNode_DownedMemberIsRemoved(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)
	b := startNode(t, nw, 2553, "127.0.0.1:2552")
	require.Eventually(t, allUp(a, b), waitFor, tick)

	nw.Unregister(b.Self().Address)
	a.Sink()(reachability.Verdict{Subject: b.Self(), Status: reachability.Unreachable})
	require.Eventually(t, func() bool {
		return !a.Gossip().Reachability().IsReachable(b.Self())
	}, waitFor, tick)

	require.NoError(t, a.Down(context.Background(), b.Self().Address))
	require.Eventually(t, func() bool {
		return a.Gossip().IsTombstoned(b.Self())
	}, waitFor, tick)
	assert.Len(t, a.Gossip().Members, 1)

	// A new incarnation on the same address is held off while the
	// tombstone is active.
	b2 := address.UniqueAddress{Address: b.Self().Address, UID: b.Self().UID + 1}
	_, err := a.Handle(context.Background(), wire.Frame{Kind: wire.KindJoin, Body: wire.MarshalJoin(join.Join{Node: b2})})
	assert.ErrorIs(t, err, join.ErrStaleTombstonedRejoin)
}

func TestNode_LeaderKeepsUnreachableJoinerOut(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)
	m := address.UniqueAddress{Address: address.New("clusterd", "127.0.0.1", 2600), UID: 11}

	_, err := a.call(context.Background(), func() (wire.Frame, error) {
		g, err := a.local.AddJoining(a.Gossip(), m, nil)
		if err != nil {
			return wire.Frame{}, err
		}
		a.setState(g)
		a.tracker.Observe(m, reachability.Unreachable)
		a.publishReachability()
		a.leaderActions()
		return ackFrame(), nil
	})
	require.NoError(t, err)

	g := a.Gossip()
	require.True(t, gossip.IsConverged(g), "the unreachable joiner is not waited for")
	joiner, ok := g.Member(m)
	require.True(t, ok)
	assert.Equal(t, gossip.Joining, joiner.Status)
	assert.Never(t, func() bool {
		joiner, ok := a.Gossip().Member(m)
		return !ok || joiner.Status != gossip.Joining
	}, 200*time.Millisecond, tick)
}

func TestNode_RemovedMemberIsTerminated(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)
	b := startNode(t, nw, 2553, "127.0.0.1:2552")
	require.Eventually(t, allUp(a, b), waitFor, tick)
	stale := a.Gossip()

	nw.Unregister(b.Self().Address)
	a.Sink()(reachability.Verdict{Subject: b.Self(), Status: reachability.Unreachable})
	require.Eventually(t, func() bool {
		return !a.Gossip().Reachability().IsReachable(b.Self())
	}, waitFor, tick)
	require.NoError(t, a.Down(context.Background(), b.Self().Address))

	terminated := func() bool {
		return a.Gossip().Reachability().Status(b.Self()) == reachability.Terminated
	}
	require.Eventually(t, terminated, waitFor, tick)
	assert.Empty(t, a.Gossip().Reachability().Unreachable())

	// A late verdict from the failure detector does not revive it.
	a.Sink()(reachability.Verdict{Subject: b.Self(), Status: reachability.Reachable})
	assert.Never(t, func() bool { return !terminated() }, 100*time.Millisecond, tick)
	assert.Equal(t, reachability.Terminated, a.tracker.Report().Subjects[b.Self()].Status)

	merged, err := gossip.Merge(stale, a.Gossip())
	require.NoError(t, err)
	assert.Equal(t, reachability.Terminated, merged.Reachability().Status(b.Self()))
}

func TestNode_AnnounceLeave(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)
	b := startNode(t, nw, 2553, "127.0.0.1:2552")
	c := startNode(t, nw, 2554, "127.0.0.1:2552")
	require.Eventually(t, allUp(a, b, c), waitFor, tick)

	// c tells its peers it is leaving without touching its own gossip first.
	require.NoError(t, c.Announce(context.Background(), wire.KindLeave, c.Self().Address))

	select {
	case <-c.Removed():
	case <-time.After(waitFor):
		t.Fatal("announced leave never completed")
	}
	require.Eventually(t, allUp(a, b), waitFor, tick)

	err := a.Announce(context.Background(), wire.KindEnvelope, b.Self().Address)
	assert.ErrorIs(t, err, wire.ErrMalformed)
	err = a.Announce(context.Background(), wire.KindDown, address.New("clusterd", "10.9.9.9", 1))
	assert.ErrorIs(t, err, gossip.ErrUnknownMember)
}

func TestNode_LeaveUnknownMember(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)

	err := a.Leave(context.Background(), address.New("clusterd", "10.9.9.9", 1))
	assert.ErrorIs(t, err, gossip.ErrUnknownMember)
	err = a.Down(context.Background(), address.New("clusterd", "10.9.9.9", 1))
	assert.ErrorIs(t, err, gossip.ErrUnknownMember)
}

func TestNode_InitJoinBeforeJoining(t *testing.T) {
	nw := NewNetwork()
	// The seed does not exist, so this node never becomes a member.
	a := startNode(t, nw, 2552, "127.0.0.1:9999")

	reply, err := a.Handle(context.Background(), wire.Frame{
		Kind: wire.KindInitJoin,
		Body: wire.MarshalInitJoin(join.InitJoin{}),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.KindInitJoinNack, reply.Kind)

	_, err = a.Handle(context.Background(), wire.Frame{
		Kind: wire.KindJoin,
		Body: wire.MarshalJoin(join.Join{Node: address.UniqueAddress{Address: address.New("clusterd", "127.0.0.1", 2600), UID: 7}}),
	})
	assert.ErrorIs(t, err, join.ErrNotOperational)
}

func TestNode_MalformedGossipIsDiscarded(t *testing.T) {
	nw := NewNetwork()
	m := telemetry.New()
	a := startWithConfig(t, nw, testConfig(2552), m)
	require.Eventually(t, allUp(a), waitFor, tick)
	before := a.Gossip()

	bad := gossip.Empty()
	bad.Members = []gossip.Member{{AddressIndex: 4}}
	sender := address.UniqueAddress{Address: address.New("clusterd", "127.0.0.1", 2600), UID: 9}
	f := wire.Frame{Kind: wire.KindEnvelope, Body: wire.MarshalEnvelope(wire.NewEnvelope(sender, a.Self(), bad))}

	_, err := a.Handle(context.Background(), f)
	require.Error(t, err)
	assert.ErrorIs(t, err, gossip.ErrUnknownAddressIndex)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("malformed")))
	assert.Equal(t, before.Version, a.Gossip().Version)
}

func TestNode_StatusExchange(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	require.Eventually(t, allUp(a), waitFor, tick)
	g := a.Gossip()
	peer := address.UniqueAddress{Address: address.New("clusterd", "127.0.0.1", 2600), UID: 3}

	// Same version: nothing to exchange.
	reply, err := a.Handle(context.Background(), statusFrame(peer, g))
	require.NoError(t, err)
	assert.Equal(t, wire.KindAck, reply.Kind)

	// Behind: the full gossip comes back.
	reply, err = a.Handle(context.Background(), statusFrame(peer, gossip.Empty()))
	require.NoError(t, err)
	require.Equal(t, wire.KindEnvelope, reply.Kind)
	env, err := wire.UnmarshalEnvelope(reply.Body)
	require.NoError(t, err)
	assert.Equal(t, a.Self(), env.From)
	assert.Equal(t, peer, env.To)

	// Ahead: the digest comes back so the peer pushes its gossip.
	ahead, err := gossip.NewLocal(peer).AddJoining(g, peer, nil)
	require.NoError(t, err)
	reply, err = a.Handle(context.Background(), statusFrame(peer, ahead))
	require.NoError(t, err)
	require.Equal(t, wire.KindStatus, reply.Kind)
	st, err := wire.UnmarshalStatus(reply.Body)
	require.NoError(t, err)
	assert.Equal(t, a.Self(), st.From)
	assert.True(t, st.Version.Equal(a.Gossip().Version))
}

func TestNode_UnexpectedFrame(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)

	_, err := a.Handle(context.Background(), wire.Frame{Kind: wire.KindWelcome})
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestNode_StoppedNodeRejectsFrames(t *testing.T) {
	nw := NewNetwork()
	a := startNode(t, nw, 2552)
	a.Stop()

	_, err := a.Handle(context.Background(), wire.Frame{Kind: wire.KindInitJoin, Body: wire.MarshalInitJoin(join.InitJoin{})})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(0)
	_, err := New(cfg, address.UniqueAddress{Address: cfg.SelfAddress(), UID: 1}, NewNetwork().Transport(cfg.SelfAddress()))
	assert.ErrorIs(t, err, config.ErrInvalid)
}
