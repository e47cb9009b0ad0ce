// Package clock provides the vector clock used to version cluster gossip.
// Clocks map a node hash to a logical counter and are treated as immutable
// values: merge, increment and prune return new clocks, so a gossip snapshot
// holding a clock can be shared between readers without copying.
package clock
