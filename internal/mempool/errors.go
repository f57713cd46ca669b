package mempool

import "errors"

var (
	// ErrAlreadyKnown is returned when adding an operation whose hash is
	// already in the pool.
	ErrAlreadyKnown = errors.New("operation already known")

	// ErrPoolFull is returned when the pool is at capacity and no
	// lower-priority entry can be evicted in the newcomer's favor.
	ErrPoolFull = errors.New("mempool is full")

	// ErrBannedEntity is returned when any entity the operation references
	// is banned.
	ErrBannedEntity = errors.New("entity is banned")

	// ErrThrottledEntity is returned when a throttled entity already has
	// its allowed number of outstanding entries.
	ErrThrottledEntity = errors.New("entity is throttled")

	// ErrReplacementUnderpriced is returned when an operation conflicts
	// with an existing (sender, nonce) entry but does not pay the minimum
	// fee bump over it.
	ErrReplacementUnderpriced = errors.New("replacement operation underpriced")
)
