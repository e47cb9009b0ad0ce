package join

import "errors"

var (
	// ErrConfigIncompatible fails a join attempt whose configuration the
	// cluster rejected.
	ErrConfigIncompatible = errors.New("configuration incompatible with cluster")
	// ErrStaleTombstonedRejoin rejects a join for an address whose tombstone
	// is still retained. It is retryable once the tombstone expires.
	ErrStaleTombstonedRejoin = errors.New("address is tombstoned")
	// ErrNotOperational is returned when the contact is not an Up or
	// WeaklyUp member and cannot take joins.
	ErrNotOperational = errors.New("contact is not an operational member")
)
