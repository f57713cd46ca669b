package mempool

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaykit/bundler/pkg/types"
)

// Origin records how an entry got into the pool.
type Origin int

const (
	// OriginSubmitted marks an entry admitted through the front door.
	OriginSubmitted Origin = iota
	// OriginResurrected marks an entry put back after a failed bundle.
	OriginResurrected
)

func (o Origin) String() string {
	if o == OriginResurrected {
		return "resurrected"
	}
	return "submitted"
}

// Entry wraps an admitted operation with the pool's bookkeeping. Entries are
// owned by the pool; callers receive copies.
type Entry struct {
	Op         *types.UserOperation `json:"op"`
	Hash       common.Hash          `json:"hash"`
	ReceivedAt time.Time            `json:"receivedAt"`
	Origin     Origin               `json:"origin"`

	// seq is the pool-wide insertion order, the final ordering tie-break.
	seq uint64
}

// less orders entries by descending priority: higher max priority fee first,
// then higher max fee, then earlier insertion.
func (e *Entry) less(other *Entry) bool {
	if c := e.Op.MaxPriorityFee().Cmp(other.Op.MaxPriorityFee()); c != 0 {
		return c > 0
	}
	if c := e.Op.MaxFee().Cmp(other.Op.MaxFee()); c != 0 {
		return c > 0
	}
	return e.seq < other.seq
}
