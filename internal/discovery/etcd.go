// Package discovery publishes the local node in etcd and reads back the
// other registered nodes as join seeds.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"clusterd/internal/address"
)

// NewClient dials etcd.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Registry registers the local node under a key prefix with a lease.
type Registry struct {
	cli    *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewRegistry creates a registry writing below prefix.
func NewRegistry(cli *clientv3.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Registry{cli: cli, prefix: prefix, ttl: ttl, logger: logger}
}

// Key returns the key self is registered under.
func Key(prefix string, self address.UniqueAddress) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + self.Hash()
}

// Register publishes self with a lease that is kept alive until Deregister.
func (r *Registry) Register(ctx context.Context, self address.UniqueAddress) error {
	seconds := int64(r.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := r.cli.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.cli.Put(ctx, Key(r.prefix, self), self.Address.HostPort(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register %s: %w", self, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keep alive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("etcd lease keepalive stopped", zap.Int64("lease", int64(lease.ID)))
	}()

	r.mu.Lock()
	r.lease, r.cancel = lease.ID, cancel
	r.mu.Unlock()

	r.logger.Info("registered in etcd", zap.String("key", Key(r.prefix, self)))
	return nil
}

// Deregister revokes the lease, removing the registration.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	lease, cancel := r.lease, r.cancel
	r.lease, r.cancel = 0, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	_, err := r.cli.Revoke(ctx, lease)
	return err
}

// Seeds returns the host:port of every registered node except self.
func (r *Registry) Seeds(ctx context.Context, self address.UniqueAddress) ([]string, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	return seedsFromKVs(resp.Kvs, self.Address.HostPort()), nil
}

func seedsFromKVs(kvs []*mvccpb.KeyValue, self string) []string {
	seen := make(map[string]struct{}, len(kvs))
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		hp := strings.TrimSpace(string(kv.Value))
		if hp == "" || hp == self {
			continue
		}
		if _, _, err := net.SplitHostPort(hp); err != nil {
			continue
		}
		if _, dup := seen[hp]; dup {
			continue
		}
		seen[hp] = struct{}{}
		out = append(out, hp)
	}
	sort.Strings(out)
	return out
}
