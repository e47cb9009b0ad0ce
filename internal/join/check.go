package join

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Checker compares a joiner's TOML configuration against the cluster's on a
// fixed set of dotted keys, e.g. "cluster.gossip_interval".
type Checker struct {
	keys    []string
	cluster map[string]any
}

// NewChecker parses the cluster configuration once. An empty key list turns
// every check into Unchecked.
func NewChecker(keys []string, clusterConfig string) (*Checker, error) {
	flat, err := flatten(clusterConfig)
	if err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return &Checker{keys: sorted, cluster: flat}, nil
}

// Check compares joinerConfig and returns the verdict together with the keys
// that differ. A joiner that sent no configuration is Unchecked.
func (c *Checker) Check(joinerConfig string) (ConfigCheck, []string) {
	if len(c.keys) == 0 || strings.TrimSpace(joinerConfig) == "" {
		return ConfigCheck{Kind: Unchecked}, nil
	}
	joiner, err := flatten(joinerConfig)
	if err != nil {
		return ConfigCheck{Kind: Incompatible}, []string{"<unparsable>"}
	}

	var mismatched []string
	for _, k := range c.keys {
		want, inCluster := c.cluster[k]
		got, inJoiner := joiner[k]
		if inCluster != inJoiner || !reflect.DeepEqual(want, got) {
			mismatched = append(mismatched, k)
		}
	}
	if len(mismatched) > 0 {
		return ConfigCheck{Kind: Incompatible}, mismatched
	}
	return ConfigCheck{Kind: Compatible, ClusterConfig: c.render()}, nil
}

// render encodes the compared keys of the cluster configuration as TOML.
func (c *Checker) render() string {
	root := make(map[string]any)
	for _, k := range c.keys {
		v, ok := c.cluster[k]
		if !ok {
			continue
		}
		parts := strings.Split(k, ".")
		m := root
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(root); err != nil {
		return ""
	}
	return buf.String()
}

func flatten(doc string) (map[string]any, error) {
	var tree map[string]any
	if _, err := toml.Decode(doc, &tree); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := v.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			out[key] = v
		}
	}
	walk("", tree)
	return out, nil
}
