package it

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/internal/config"
	"clusterd/internal/reachability"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func startCluster(t *testing.T, size int, tune func(*config.Config)) (*Cluster, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	cluster := NewCluster(tune)
	t.Cleanup(cluster.Stop)
	require.NoError(t, cluster.StartCluster(ctx, size), "Failed to start cluster")
	return cluster, ctx
}

// upEverywhere reports whether every observer sees exactly want as Up
// members on a converged gossip.
func upEverywhere(ctx context.Context, observers []*Node, want ...*Node) func() bool {
	return func() bool {
		for _, o := range observers {
			members, err := o.Members(ctx)
			if err != nil || len(members.Members) != len(want) {
				return false
			}
			up := make(map[string]bool)
			for _, m := range members.Members {
				up[fmt.Sprintf("%s#%d", m.Address, m.UID)] = m.Status == "UP"
			}
			for _, w := range want {
				if !up[w.Node.Self().String()] {
					return false
				}
			}
			state, err := o.State(ctx)
			if err != nil || !state.Converged {
				return false
			}
		}
		return true
	}
}

func TestSmoke_ThreeNodeClusterConverges(t *testing.T) {
	cluster, ctx := startCluster(t, 3, nil)
	nodes := cluster.Nodes()

	require.Eventually(t, upEverywhere(ctx, nodes, nodes...), waitFor, tick)

	n1 := cluster.GetNode("n1")
	for _, n := range nodes {
		members, err := n.Members(ctx)
		require.NoError(t, err)
		assert.Equal(t, n1.Node.Self().Address.String(), members.Leader, "node %s", n.ID)
		assert.Empty(t, members.Unreachable)
	}
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			state, err := n.State(ctx)
			if err != nil || len(state.NotSeen) != 0 || len(state.Seen) != 3 {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func TestSmoke_GracefulLeave(t *testing.T) {
	cluster, ctx := startCluster(t, 3, nil)
	n1, n2, n3 := cluster.GetNode("n1"), cluster.GetNode("n2"), cluster.GetNode("n3")
	require.Eventually(t, upEverywhere(ctx, cluster.Nodes(), n1, n2, n3), waitFor, tick)

	code, err := n1.Post(ctx, n3, "leave")
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, code)

	select {
	case <-n3.Node.Removed():
	case <-time.After(waitFor):
		t.Fatal("n3 was never removed")
	}
	require.Eventually(t, upEverywhere(ctx, []*Node{n1, n2}, n1, n2), waitFor, tick)

	state, err := n2.State(ctx)
	require.NoError(t, err)
	require.Len(t, state.Tombstones, 1)
	assert.Equal(t, n3.Node.Self().String(), state.Tombstones[0].Node)
}

func TestSmoke_CrashedNodeIsDownedAndRemoved(t *testing.T) {
	cluster, ctx := startCluster(t, 3, nil)
	n1, n2, n3 := cluster.GetNode("n1"), cluster.GetNode("n2"), cluster.GetNode("n3")
	require.Eventually(t, upEverywhere(ctx, cluster.Nodes(), n1, n2, n3), waitFor, tick)

	require.NoError(t, cluster.KillNode("n3"))
	require.NoError(t, cluster.MarkUnreachable("n1", "n3"))

	require.Eventually(t, func() bool {
		members, err := n2.Members(ctx)
		return err == nil && len(members.Unreachable) == 1 && members.Unreachable[0] == n3.Node.Self().String()
	}, waitFor, tick, "n2 never learned that n3 is unreachable")

	code, err := n2.Post(ctx, n3, "down")
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, upEverywhere(ctx, []*Node{n1, n2}, n1, n2), waitFor, tick)
	for _, n := range []*Node{n1, n2} {
		assert.True(t, n.Node.Gossip().IsTombstoned(n3.Node.Self()), "node %s", n.ID)
	}
}

func TestSmoke_RestartedNodeRejoinsAfterTombstoneExpiry(t *testing.T) {
	retention := 300 * time.Millisecond
	cluster, ctx := startCluster(t, 3, func(cfg *config.Config) {
		cfg.Cluster.TombstoneRetention = config.Duration{Duration: retention}
	})
	n1, n2, n3 := cluster.GetNode("n1"), cluster.GetNode("n2"), cluster.GetNode("n3")
	require.Eventually(t, upEverywhere(ctx, cluster.Nodes(), n1, n2, n3), waitFor, tick)
	old := n3.Node.Self()

	require.NoError(t, cluster.KillNode("n3"))
	require.NoError(t, cluster.MarkUnreachable("n1", "n3"))
	require.Eventually(t, func() bool {
		return !n1.Node.Gossip().Reachability().IsReachable(old)
	}, waitFor, tick)
	require.NoError(t, n1.Node.Down(ctx, old.Address))
	require.Eventually(t, upEverywhere(ctx, []*Node{n1, n2}, n1, n2), waitFor, tick)

	restarted, err := cluster.RestartNode(ctx, "n3", []string{n1.Node.Self().Address.HostPort()})
	require.NoError(t, err)
	require.NotEqual(t, old.UID, restarted.Node.Self().UID)

	require.NoError(t, restarted.WaitForReady(ctx, waitFor))
	require.Eventually(t, upEverywhere(ctx, cluster.Nodes(), n1, n2, restarted), waitFor, tick)

	// The old incarnation's tombstone has expired from the gossip as well.
	require.Eventually(t, func() bool {
		return !n1.Node.Gossip().IsTombstoned(old)
	}, waitFor, tick)
}

func TestSmoke_PartitionIsReportedAndHealed(t *testing.T) {
	cluster, ctx := startCluster(t, 3, nil)
	n1, n2, n3 := cluster.GetNode("n1"), cluster.GetNode("n2"), cluster.GetNode("n3")
	require.Eventually(t, upEverywhere(ctx, cluster.Nodes(), n1, n2, n3), waitFor, tick)

	cluster.Network().Partition(n2.Node.Self().Address, n3.Node.Self().Address)
	n2.Node.Sink()(reachability.Verdict{Subject: n3.Node.Self(), Status: reachability.Unreachable})

	require.Eventually(t, func() bool {
		members, err := n1.Members(ctx)
		return err == nil && len(members.Unreachable) == 1
	}, waitFor, tick, "n1 never learned about the partition")

	// n3 still gets gossip through n1 and sees itself flagged.
	require.Eventually(t, func() bool {
		return !n3.Node.Gossip().Reachability().IsReachable(n3.Node.Self())
	}, waitFor, tick)

	cluster.Network().Heal(n2.Node.Self().Address, n3.Node.Self().Address)
	n2.Node.Sink()(reachability.Verdict{Subject: n3.Node.Self(), Status: reachability.Reachable})

	require.Eventually(t, func() bool {
		for _, n := range cluster.Nodes() {
			members, err := n.Members(ctx)
			if err != nil || len(members.Unreachable) != 0 {
				return false
			}
		}
		return true
	}, waitFor, tick)
	require.Eventually(t, upEverywhere(ctx, cluster.Nodes(), n1, n2, n3), waitFor, tick)
}
