// Package config loads node configuration from a TOML file with defaults and
// validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"clusterd/internal/address"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("1s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds the node configuration.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Cluster    ClusterConfig    `toml:"cluster"`
	Admin      AdminConfig      `toml:"admin"`
	Log        LogConfig        `toml:"log"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Memberlist MemberlistConfig `toml:"memberlist"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	System string   `toml:"system"`
	Host   string   `toml:"host"`
	Port   int      `toml:"port"`
	Roles  []string `toml:"roles"`
}

// ClusterConfig tunes the membership protocol.
type ClusterConfig struct {
	// Seeds are "host:port" contacts tried when joining.
	Seeds                  []string `toml:"seeds"`
	GossipInterval         Duration `toml:"gossip_interval"`
	LeaderActionsInterval  Duration `toml:"leader_actions_interval"`
	UnreachableGossipRatio float64  `toml:"unreachable_gossip_ratio"`
	AllowWeaklyUp          bool     `toml:"allow_weakly_up"`
	TombstoneRetention     Duration `toml:"tombstone_retention"`
	JoinTimeout            Duration `toml:"join_timeout"`
	JoinRetryInterval      Duration `toml:"join_retry_interval"`
	// CompatKeys lists the dotted keys a joiner must agree on.
	CompatKeys []string `toml:"compat_keys"`
}

// AdminConfig configures the HTTP admin API.
type AdminConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// DiscoveryConfig configures etcd seed discovery.
type DiscoveryConfig struct {
	Enabled   bool     `toml:"enabled"`
	Endpoints []string `toml:"endpoints"`
	Prefix    string   `toml:"prefix"`
	TTL       Duration `toml:"ttl"`
}

// MemberlistConfig configures the memberlist failure detector.
type MemberlistConfig struct {
	Enabled  bool   `toml:"enabled"`
	BindAddr string `toml:"bind_addr"`
	BindPort int    `toml:"bind_port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			System: "clusterd",
			Host:   "127.0.0.1",
			Port:   2552,
		},
		Cluster: ClusterConfig{
			GossipInterval:         Duration{time.Second},
			LeaderActionsInterval:  Duration{time.Second},
			UnreachableGossipRatio: 0.8,
			TombstoneRetention:     Duration{24 * time.Hour},
			JoinTimeout:            Duration{5 * time.Second},
			JoinRetryInterval:      Duration{2 * time.Second},
			CompatKeys: []string{
				"cluster.allow_weakly_up",
				"cluster.tombstone_retention",
				"node.system",
			},
		},
		Admin: AdminConfig{Addr: "127.0.0.1:8558"},
		Log:   LogConfig{Level: "info"},
		Discovery: DiscoveryConfig{
			Prefix: "/clusterd/seeds/",
			TTL:    Duration{10 * time.Second},
		},
		Memberlist: MemberlistConfig{
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Node.System == "" {
		problems = append(problems, "node.system is empty")
	}
	if c.Node.Host == "" {
		problems = append(problems, "node.host is empty")
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		problems = append(problems, fmt.Sprintf("node.port %d out of range", c.Node.Port))
	}
	if c.Cluster.GossipInterval.Duration <= 0 {
		problems = append(problems, "cluster.gossip_interval must be positive")
	}
	if c.Cluster.LeaderActionsInterval.Duration <= 0 {
		problems = append(problems, "cluster.leader_actions_interval must be positive")
	}
	if r := c.Cluster.UnreachableGossipRatio; r < 0 || r > 1 {
		problems = append(problems, fmt.Sprintf("cluster.unreachable_gossip_ratio %v not in [0,1]", r))
	}
	if c.Cluster.TombstoneRetention.Duration <= 0 {
		problems = append(problems, "cluster.tombstone_retention must be positive")
	}
	if c.Cluster.JoinTimeout.Duration <= 0 {
		problems = append(problems, "cluster.join_timeout must be positive")
	}
	for _, s := range c.Cluster.Seeds {
		if _, _, err := splitSeed(s); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.Discovery.Enabled && len(c.Discovery.Endpoints) == 0 {
		problems = append(problems, "discovery.endpoints is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ParseSeeds parses a comma-separated list of seeds in the format:
// "host1:port1,host2:port2"
func ParseSeeds(seedsStr string) ([]string, error) {
	if seedsStr == "" {
		return []string{}, nil
	}

	parts := strings.Split(seedsStr, ",")
	seeds := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, port, err := splitSeed(part)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, net.JoinHostPort(host, strconv.Itoa(port)))
	}

	return seeds, nil
}

func splitSeed(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid seed format: %s (expected host:port)", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid seed port: %s", s)
	}
	if host == "" {
		return "", 0, fmt.Errorf("seed host cannot be empty: %s", s)
	}
	return host, port, nil
}

// SelfAddress returns the local node's address.
func (c *Config) SelfAddress() address.Address {
	return address.New(c.Node.System, c.Node.Host, c.Node.Port)
}

// SeedAddresses converts the seeds into addresses in the local system.
// Seeds that fail to parse are skipped; Validate reports them.
func (c *Config) SeedAddresses() []address.Address {
	out := make([]address.Address, 0, len(c.Cluster.Seeds))
	for _, s := range c.Cluster.Seeds {
		host, port, err := splitSeed(s)
		if err != nil {
			continue
		}
		out = append(out, address.New(c.Node.System, host, port))
	}
	return out
}

// Fingerprint renders the whole configuration as TOML. Joiners send it in
// InitJoin and the contact compares the compat keys against its own.
func (c *Config) Fingerprint() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Adopt overlays the TOML document handed back by a compatible contact.
func (c *Config) Adopt(doc string) error {
	if strings.TrimSpace(doc) == "" {
		return nil
	}
	next := *c
	if _, err := toml.Decode(doc, &next); err != nil {
		return fmt.Errorf("adopt cluster config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
