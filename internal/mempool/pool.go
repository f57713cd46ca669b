// Package mempool holds validated operations awaiting bundling. The pool
// deduplicates by operation hash, enforces (sender, nonce) uniqueness with
// fee-bump replacement, applies per-entity reputation limits at admission and
// again at selection, and evicts the lowest-priority entry when a
// higher-priority newcomer arrives at capacity.
package mempool

import (
	"container/heap"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/relaykit/bundler/internal/reputation"
	"github.com/relaykit/bundler/pkg/types"
)

// ReputationSource is the view of the reputation manager the pool needs.
type ReputationSource interface {
	Status(common.Address) reputation.Status
}

// Config holds pool limits.
type Config struct {
	// MaxSize caps the number of resident entries.
	MaxSize int
	// PriceBumpPercent is the minimum fee increase, in percent, a
	// replacement must pay over the entry it displaces.
	PriceBumpPercent int64
	// ThrottledEntityLimit caps outstanding entries per throttled entity.
	ThrottledEntityLimit int
}

// DefaultConfig returns production pool limits.
func DefaultConfig() Config {
	return Config{
		MaxSize:              5000,
		PriceBumpPercent:     10,
		ThrottledEntityLimit: 1,
	}
}

// AddResult reports the side effects of a successful Add.
type AddResult struct {
	// Replaced is set when the new entry displaced a conflicting
	// (sender, nonce) entry.
	Replaced bool
	// Evicted is the hash removed to make room, either the replaced
	// conflicting entry or a capacity-eviction victim. Zero when nothing
	// was displaced.
	Evicted common.Hash
}

// Pool is the thread-safe operation mempool.
type Pool struct {
	mu  sync.RWMutex
	cfg Config
	rep ReputationSource

	byHash      map[common.Hash]*Entry
	bySender    map[common.Address]map[string]*Entry // nonce key -> entry
	entityCount map[common.Address]int

	seq    uint64
	logger log.Logger
}

// New creates a pool consulting rep for admission limits.
func New(cfg Config, rep ReputationSource) *Pool {
	return &Pool{
		cfg:         cfg,
		rep:         rep,
		byHash:      make(map[common.Hash]*Entry, cfg.MaxSize),
		bySender:    make(map[common.Address]map[string]*Entry),
		entityCount: make(map[common.Address]int),
		logger:      log.New("module", "mempool"),
	}
}

// Add admits an operation. It rejects duplicates, operations referencing
// banned entities, excess operations from throttled entities, underpriced
// replacements, and newcomers that cannot displace anything at capacity.
func (p *Pool) Add(op *types.UserOperation, hash common.Hash) (AddResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[hash]; exists {
		return AddResult{}, ErrAlreadyKnown
	}

	conflicting := p.conflictingLocked(op)
	for _, entity := range op.Entities() {
		switch p.rep.Status(entity) {
		case reputation.StatusBanned:
			return AddResult{}, fmt.Errorf("%w: %s", ErrBannedEntity, entity.Hex())
		case reputation.StatusThrottled:
			outstanding := p.entityCount[entity]
			if conflicting != nil && references(conflicting.Op, entity) {
				// A replacement does not grow the entity's footprint, but
				// only if the displaced entry counted against it.
				outstanding--
			}
			if outstanding >= p.cfg.ThrottledEntityLimit {
				return AddResult{}, fmt.Errorf("%w: %s", ErrThrottledEntity, entity.Hex())
			}
		}
	}

	entry := &Entry{
		Op:         op,
		Hash:       hash,
		ReceivedAt: time.Now(),
		Origin:     OriginSubmitted,
		seq:        p.seq,
	}

	var result AddResult
	if conflicting != nil {
		if !paysBump(op, conflicting.Op, p.cfg.PriceBumpPercent) {
			return AddResult{}, fmt.Errorf("%w: need %d%% over %s",
				ErrReplacementUnderpriced, p.cfg.PriceBumpPercent, conflicting.Hash.Hex())
		}
		p.removeLocked(conflicting)
		result = AddResult{Replaced: true, Evicted: conflicting.Hash}
	} else if len(p.byHash) >= p.cfg.MaxSize {
		victim := p.lowestPriorityLocked()
		if victim == nil || !entry.less(victim) {
			return AddResult{}, ErrPoolFull
		}
		p.removeLocked(victim)
		result = AddResult{Evicted: victim.Hash}
	}

	p.insertLocked(entry)
	p.seq++

	p.logger.Debug("Operation admitted",
		"hash", hash.Hex(),
		"sender", op.Sender.Hex(),
		"nonce", op.NonceKey(),
		"replaced", result.Replaced,
		"poolSize", len(p.byHash),
	)
	return result, nil
}

// conflictingLocked returns the resident entry with the same (sender, nonce),
// if any.
func (p *Pool) conflictingLocked(op *types.UserOperation) *Entry {
	nonces, ok := p.bySender[op.Sender]
	if !ok {
		return nil
	}
	return nonces[op.NonceKey()]
}

// references reports whether the operation names entity among its
// reputation-tracked addresses.
func references(op *types.UserOperation, entity common.Address) bool {
	for _, e := range op.Entities() {
		if e == entity {
			return true
		}
	}
	return false
}

// paysBump reports whether the newcomer's fees exceed the incumbent's by at
// least bumpPercent on both fee axes.
func paysBump(newOp, oldOp *types.UserOperation, bumpPercent int64) bool {
	bump := big.NewInt(100 + bumpPercent)
	atLeast := func(newFee, oldFee *big.Int) bool {
		lhs := new(big.Int).Mul(newFee, big.NewInt(100))
		rhs := new(big.Int).Mul(oldFee, bump)
		return lhs.Cmp(rhs) >= 0
	}
	return atLeast(newOp.MaxPriorityFee(), oldOp.MaxPriorityFee()) &&
		atLeast(newOp.MaxFee(), oldOp.MaxFee())
}

func (p *Pool) insertLocked(e *Entry) {
	p.byHash[e.Hash] = e
	nonces, ok := p.bySender[e.Op.Sender]
	if !ok {
		nonces = make(map[string]*Entry)
		p.bySender[e.Op.Sender] = nonces
	}
	nonces[e.Op.NonceKey()] = e
	for _, entity := range e.Op.Entities() {
		p.entityCount[entity]++
	}
}

func (p *Pool) removeLocked(e *Entry) {
	delete(p.byHash, e.Hash)
	if nonces, ok := p.bySender[e.Op.Sender]; ok {
		delete(nonces, e.Op.NonceKey())
		if len(nonces) == 0 {
			delete(p.bySender, e.Op.Sender)
		}
	}
	for _, entity := range e.Op.Entities() {
		if p.entityCount[entity] <= 1 {
			delete(p.entityCount, entity)
		} else {
			p.entityCount[entity]--
		}
	}
}

func (p *Pool) lowestPriorityLocked() *Entry {
	var victim *Entry
	for _, e := range p.byHash {
		if victim == nil || victim.less(e) {
			victim = e
		}
	}
	return victim
}

// Remove discards an entry by hash. Idempotent.
func (p *Pool) Remove(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byHash[hash]; ok {
		p.removeLocked(e)
	}
}

// Resurrect marks entries as put back after a failed bundle. Absent hashes
// are ignored.
func (p *Pool) Resurrect(hashes []common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		if e, ok := p.byHash[h]; ok {
			e.Origin = OriginResurrected
		}
	}
}

// SelectForBundle returns up to maxOps entries in descending priority order,
// at most one per sender (the lowest pending nonce), skipping entries whose
// cumulative gas would exceed maxGas and entries whose entities have been
// banned since admission. Skipped entries stay in the pool.
func (p *Pool) SelectForBundle(maxOps int, maxGas uint64) []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// One candidate per sender: the lowest-nonce pending operation, since
	// higher nonces cannot execute independently of it.
	queue := make(entryQueue, 0, len(p.bySender))
	for _, nonces := range p.bySender {
		var lowest *Entry
		for _, e := range nonces {
			if lowest == nil || e.Op.NonceBig().Cmp(lowest.Op.NonceBig()) < 0 {
				lowest = e
			}
		}
		if lowest != nil {
			queue = append(queue, lowest)
		}
	}
	heap.Init(&queue)

	var (
		selected []*Entry
		gasTotal uint64
	)
	for queue.Len() > 0 && len(selected) < maxOps {
		e := heap.Pop(&queue).(*Entry)

		if p.bannedLocked(e.Op) {
			p.logger.Debug("Skipping entry of banned entity", "hash", e.Hash.Hex())
			continue
		}
		opGas := e.Op.TotalGas()
		if gasTotal+opGas > maxGas {
			// Doesn't fit this bundle; a cheaper entry further down
			// still might.
			continue
		}
		gasTotal += opGas

		cp := *e
		selected = append(selected, &cp)
	}
	return selected
}

func (p *Pool) bannedLocked(op *types.UserOperation) bool {
	for _, entity := range op.Entities() {
		if p.rep.Status(entity) == reputation.StatusBanned {
			return true
		}
	}
	return false
}

// Dump returns a snapshot of all entries in descending priority order.
func (p *Pool) Dump() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	queue := make(entryQueue, 0, len(p.byHash))
	for _, e := range p.byHash {
		queue = append(queue, e)
	}
	heap.Init(&queue)

	out := make([]*Entry, 0, len(queue))
	for queue.Len() > 0 {
		cp := *heap.Pop(&queue).(*Entry)
		out = append(out, &cp)
	}
	return out
}

// Has reports whether the hash is resident.
func (p *Pool) Has(hash common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byHash[hash]
	return ok
}

// Len returns the number of resident entries.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}

// Clear empties the pool.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byHash = make(map[common.Hash]*Entry, p.cfg.MaxSize)
	p.bySender = make(map[common.Address]map[string]*Entry)
	p.entityCount = make(map[common.Address]int)
	p.logger.Info("Mempool cleared")
}
