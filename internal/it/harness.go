// Package it runs whole clusters inside one process for end-to-end tests.
package it

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"go.uber.org/zap"

	"clusterd/internal/address"
	"clusterd/internal/api"
	"clusterd/internal/config"
	"clusterd/internal/node"
	"clusterd/internal/reachability"
	"clusterd/internal/telemetry"
)

const basePort = 25520

// Cluster represents a test cluster of nodes
type Cluster struct {
	nodes   []*Node
	network *node.Network
	tune    func(*config.Config)
	logger  *zap.Logger
	mu      sync.Mutex
}

// Node represents a single node in the test cluster
type Node struct {
	ID      string
	Port    int
	Node    *node.Node
	Metrics *telemetry.Metrics
	admin   *httptest.Server
	client  *http.Client
}

// NewCluster creates a new test cluster harness. tune, when set, adjusts
// every node's configuration before it starts.
func NewCluster(tune func(*config.Config)) *Cluster {
	return &Cluster{
		nodes:   make([]*Node, 0),
		network: node.NewNetwork(),
		tune:    tune,
		logger:  zap.NewNop(),
	}
}

// Network returns the in-process network connecting the nodes.
func (c *Cluster) Network() *node.Network {
	return c.network
}

func (c *Cluster) config(port int, seeds []string) *config.Config {
	cfg := config.Default()
	cfg.Node.Port = port
	cfg.Cluster.Seeds = seeds
	cfg.Cluster.GossipInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Cluster.LeaderActionsInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Cluster.JoinTimeout = config.Duration{Duration: 500 * time.Millisecond}
	cfg.Cluster.JoinRetryInterval = config.Duration{Duration: 50 * time.Millisecond}
	if c.tune != nil {
		c.tune(cfg)
	}
	return cfg
}

// StartNode starts a single node in the cluster
func (c *Cluster) StartNode(ctx context.Context, nodeID string, port int, seeds []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.launch(ctx, nodeID, port, seeds)
	if err != nil {
		return err
	}
	c.nodes = append(c.nodes, n)
	return nil
}

func (c *Cluster) launch(ctx context.Context, nodeID string, port int, seeds []string) (*Node, error) {
	cfg := c.config(port, seeds)
	self := address.UniqueAddress{Address: cfg.SelfAddress(), UID: address.NewUID()}
	metrics := telemetry.New()
	logger := c.logger.With(zap.String("test_node", nodeID))

	nd, err := node.New(cfg, self, c.network.Transport(self.Address),
		node.WithLogger(logger),
		node.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s: %w", nodeID, err)
	}
	c.network.Register(self.Address, nd)
	nd.Start(ctx)

	admin := httptest.NewServer(api.NewHandler(nd, metrics, logger).Router())
	return &Node{
		ID:      nodeID,
		Port:    port,
		Node:    nd,
		Metrics: metrics,
		admin:   admin,
		client:  admin.Client(),
	}, nil
}

// StartCluster starts size nodes; the first bootstraps the cluster and the
// rest join through it. It returns once every node is healthy.
func (c *Cluster) StartCluster(ctx context.Context, size int) error {
	seeds := []string{}
	for i := 1; i <= size; i++ {
		nodeID := fmt.Sprintf("n%d", i)
		port := basePort + i - 1

		if err := c.StartNode(ctx, nodeID, port, seeds); err != nil {
			c.Stop()
			return err
		}
		if i == 1 {
			seeds = []string{fmt.Sprintf("127.0.0.1:%d", basePort)}
		}
	}

	for _, n := range c.Nodes() {
		if err := n.WaitForReady(ctx, 10*time.Second); err != nil {
			c.Stop()
			return fmt.Errorf("node %s failed to become ready: %w", n.ID, err)
		}
	}
	return nil
}

// Nodes returns the running nodes.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}

// GetNode returns a node by ID
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		n.Stop()
	}
	c.nodes = nil
}

// KillNode cuts a node off the network and stops it without leaving.
func (c *Cluster) KillNode(nodeID string) error {
	n := c.GetNode(nodeID)
	if n == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}
	c.network.Unregister(n.Node.Self().Address)
	n.Stop()
	return nil
}

// RestartNode starts a new incarnation of a node on the same address.
func (c *Cluster) RestartNode(ctx context.Context, nodeID string, seeds []string) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, old := range c.nodes {
		if old.ID != nodeID {
			continue
		}
		c.network.Unregister(old.Node.Self().Address)
		old.Stop()

		n, err := c.launch(ctx, nodeID, old.Port, seeds)
		if err != nil {
			return nil, fmt.Errorf("failed to restart node %s: %w", nodeID, err)
		}
		c.nodes[i] = n
		return n, nil
	}
	return nil, fmt.Errorf("node %s not found", nodeID)
}

// MarkUnreachable feeds an Unreachable verdict about subject into the
// failure detector input of observer.
func (c *Cluster) MarkUnreachable(observerID, subjectID string) error {
	observer, subject := c.GetNode(observerID), c.GetNode(subjectID)
	if observer == nil || subject == nil {
		return fmt.Errorf("unknown node %s or %s", observerID, subjectID)
	}
	observer.Node.Sink()(reachability.Verdict{Subject: subject.Node.Self(), Status: reachability.Unreachable})
	return nil
}

// Stop stops a single node
func (n *Node) Stop() {
	n.Node.Stop()
	n.admin.Close()
}

// URL returns the base URL of the node's admin API.
func (n *Node) URL() string {
	return n.admin.URL
}

// AdminName is the address form accepted by the admin API paths.
func (n *Node) AdminName() string {
	a := n.Node.Self().Address
	return a.System + "@" + a.HostPort()
}

// Members fetches GET /cluster/members.
func (n *Node) Members(ctx context.Context) (api.MembersResponse, error) {
	var out api.MembersResponse
	err := n.getJSON(ctx, "/cluster/members", &out)
	return out, err
}

// State fetches GET /cluster/state.
func (n *Node) State(ctx context.Context) (api.StateResponse, error) {
	var out api.StateResponse
	err := n.getJSON(ctx, "/cluster/state", &out)
	return out, err
}

// Post sends POST /cluster/members/{target}/{op} and returns the status code.
func (n *Node) Post(ctx context.Context, target *Node, op string) (int, error) {
	url := fmt.Sprintf("%s/cluster/members/%s/%s", n.admin.URL, target.AdminName(), op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (n *Node) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.admin.URL+path, nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// WaitForReady polls /healthz until the node is an Up member.
func (n *Node) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", n.ID)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.admin.URL+"/healthz", nil)
			if err != nil {
				return err
			}
			resp, err := n.client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}
