// Package gossip holds the cluster membership state that nodes exchange and
// merge: the member table, the overview (seen set and per-observer
// reachability), the version vector clock and the tombstones of removed
// members.
//
// A Gossip value is an immutable snapshot. Members and overview entries refer
// to nodes through integer handles into the AllAddresses table, and roles
// through handles into AllRoles; every snapshot produced by this package is
// canonical (sorted tables, sorted entries) so that equal states compare
// equal. Merge is idempotent, commutative and associative, and all edits
// return a new snapshot.
package gossip
