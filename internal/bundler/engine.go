// Package bundler orchestrates the relayer's cycle: validate incoming
// operations, admit them into the mempool, periodically select a bundle,
// submit it as one aggregated transaction, and feed the outcome back into
// reputation.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/relaykit/bundler/internal/client"
	"github.com/relaykit/bundler/internal/mempool"
	"github.com/relaykit/bundler/internal/metrics"
	"github.com/relaykit/bundler/internal/reputation"
	"github.com/relaykit/bundler/internal/validation"
	"github.com/relaykit/bundler/pkg/types"
)

// Mode selects how bundling cycles are triggered.
type Mode int32

const (
	// ModeAuto runs cycles on the interval timer and the pool-size
	// trigger.
	ModeAuto Mode = iota
	// ModeManual disables automatic triggering; cycles run only through
	// SendBundleNow. Used for deterministic testing and debugging.
	ModeManual
)

// Config holds the engine's cycle parameters.
type Config struct {
	// Interval is the automatic bundling period.
	Interval time.Duration
	// MaxBundleOps caps operations per bundle.
	MaxBundleOps int
	// MaxBundleGas caps a bundle's aggregate gas; normally the backend's
	// block gas limit.
	MaxBundleGas uint64
	// PoolSizeTrigger fires an immediate cycle once the pool reaches this
	// depth. Zero disables the size trigger.
	PoolSizeTrigger int
	// SubmitTimeout bounds one submission attempt including receipt wait.
	SubmitTimeout time.Duration
	// MaxBundleAttempts bounds consecutive submission failures of the
	// same bundle before its operations are dropped as poison.
	MaxBundleAttempts int
	// Beneficiary collects bundle fees; the zero address falls back to
	// the submitting signer.
	Beneficiary common.Address
	// MinSignerBalance redirects fees to the signer itself when its
	// balance drops below this, keeping submission self-funding.
	MinSignerBalance *big.Int
	// ValidationStaleness is how long a validation result stays usable;
	// older entries are re-simulated before selection.
	ValidationStaleness time.Duration
	// MaxConcurrentValidations bounds the simulation fan-out.
	MaxConcurrentValidations int
}

// DefaultConfig returns production cycle parameters.
func DefaultConfig() Config {
	return Config{
		Interval:                 30 * time.Second,
		MaxBundleOps:             50,
		MaxBundleGas:             15_000_000,
		PoolSizeTrigger:          10,
		SubmitTimeout:            2 * time.Minute,
		MaxBundleAttempts:        3,
		MinSignerBalance:         big.NewInt(1e17), // 0.1 ether
		ValidationStaleness:      15 * time.Second,
		MaxConcurrentValidations: 4,
	}
}

// Engine drives the admission and bundling pipeline. A single cycle runs at
// a time; triggers arriving during an active cycle are coalesced.
type Engine struct {
	cfg        Config
	pool       *mempool.Pool
	rep        *reputation.Manager
	validator  *validation.Validator
	backend    client.Backend
	metrics    *metrics.Metrics
	entryPoint common.Address
	chainID    *big.Int
	signer     common.Address
	logger     log.Logger

	mode       atomic.Int32
	trigger    chan struct{}
	intervalCh chan time.Duration

	// cycleMu serializes bundling cycles; failKey/failCount are only
	// touched under it.
	cycleMu   sync.Mutex
	failKey   common.Hash
	failCount int

	// valMu guards the per-operation validation timestamps used for the
	// staleness check.
	valMu       sync.Mutex
	validatedAt map[common.Hash]time.Time
}

// New creates the engine.
func New(cfg Config, pool *mempool.Pool, rep *reputation.Manager, validator *validation.Validator,
	backend client.Backend, m *metrics.Metrics, entryPoint common.Address, chainID *big.Int,
	signer common.Address) *Engine {
	return &Engine{
		cfg:         cfg,
		pool:        pool,
		rep:         rep,
		validator:   validator,
		backend:     backend,
		metrics:     m,
		entryPoint:  entryPoint,
		chainID:     chainID,
		signer:      signer,
		logger:      log.New("module", "bundler"),
		trigger:     make(chan struct{}, 1),
		intervalCh:  make(chan time.Duration, 1),
		validatedAt: make(map[common.Hash]time.Time),
	}
}

// EntryPoint returns the entry point the engine bundles for.
func (e *Engine) EntryPoint() common.Address { return e.entryPoint }

// ChainID returns the backend chain id.
func (e *Engine) ChainID() *big.Int { return new(big.Int).Set(e.chainID) }

// SubmitOperation validates an incoming operation and admits it into the
// mempool. It returns the operation hash together with any typed rejection.
func (e *Engine) SubmitOperation(ctx context.Context, op *types.UserOperation) (common.Hash, error) {
	if err := e.validator.CheckShape(op); err != nil {
		// Malformed input never reaches simulation and carries no
		// reputation impact.
		e.metrics.OpsRejected.WithLabelValues("malformed").Inc()
		return common.Hash{}, err
	}
	result, err := e.validator.Validate(ctx, op)
	if err != nil {
		if validation.IsRejection(err) {
			e.rep.NoteSeen(op.Entities()...)
			e.metrics.OpsRejected.WithLabelValues("simulation").Inc()
			return op.Hash(e.entryPoint, e.chainID), err
		}
		// Backend trouble is never attributed to the operation.
		e.metrics.OpsRejected.WithLabelValues("backend").Inc()
		return common.Hash{}, fmt.Errorf("validation unavailable: %w", err)
	}
	validation.PatchGas(op, result)

	// The identity hash covers the operation as stored, including any gas
	// fields patched in above.
	hash := op.Hash(e.entryPoint, e.chainID)
	result.OpHash = hash

	e.rep.NoteSeen(op.Entities()...)

	added, err := e.pool.Add(op, hash)
	if err != nil {
		e.metrics.OpsRejected.WithLabelValues("admission").Inc()
		return hash, err
	}
	e.noteValidated(hash)
	if added.Replaced || added.Evicted != (common.Hash{}) {
		e.dropValidated(added.Evicted)
	}
	if added.Replaced {
		e.metrics.OpsReplaced.Inc()
	}
	e.metrics.OpsAdmitted.Inc()
	e.metrics.PoolSize.Set(float64(e.pool.Len()))

	if e.cfg.PoolSizeTrigger > 0 && e.pool.Len() >= e.cfg.PoolSizeTrigger {
		e.TriggerBundle()
	}
	return hash, nil
}

// TriggerBundle requests an immediate cycle. Requests arriving while a
// cycle is pending or running are coalesced into one.
func (e *Engine) TriggerBundle() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Mode returns the current triggering mode.
func (e *Engine) Mode() Mode { return Mode(e.mode.Load()) }

// SetMode switches between automatic and manual triggering.
func (e *Engine) SetMode(m Mode) {
	e.mode.Store(int32(m))
	e.logger.Info("Bundling mode changed", "manual", m == ModeManual)
}

// SetInterval changes the automatic bundling period of a running engine.
func (e *Engine) SetInterval(d time.Duration) {
	select {
	case e.intervalCh <- d:
	default:
	}
	e.logger.Info("Bundling interval changed", "interval", d)
}

// Run drives automatic cycles until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("Bundling engine started",
		"interval", e.cfg.Interval,
		"maxBundleOps", e.cfg.MaxBundleOps,
		"maxBundleGas", e.cfg.MaxBundleGas,
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Bundling engine stopped")
			return
		case d := <-e.intervalCh:
			ticker.Reset(d)
		case <-ticker.C:
			e.autoCycle(ctx)
		case <-e.trigger:
			e.autoCycle(ctx)
		}
	}
}

// autoCycle runs one cycle unless manual mode is active or a cycle is
// already in flight.
func (e *Engine) autoCycle(ctx context.Context) {
	if e.Mode() == ModeManual {
		return
	}
	if !e.cycleMu.TryLock() {
		return
	}
	defer e.cycleMu.Unlock()
	if _, err := e.runCycle(ctx); err != nil {
		e.logger.Warn("Bundling cycle failed", "err", err)
	}
}

// SendBundleNow runs one cycle synchronously regardless of mode, waiting
// for any in-flight cycle first.
func (e *Engine) SendBundleNow(ctx context.Context) (*types.Bundle, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.runCycle(ctx)
}

// runCycle is the Validating -> Selecting -> Submitting -> Settling pass.
// Callers hold cycleMu.
func (e *Engine) runCycle(ctx context.Context) (*types.Bundle, error) {
	start := time.Now()
	defer func() {
		e.metrics.CycleSeconds.Observe(time.Since(start).Seconds())
		e.metrics.PoolSize.Set(float64(e.pool.Len()))
	}()

	// Select and re-validate. A rejection during re-validation frees pool
	// space, so one backfill pass re-selects to fill the gap.
	var entries []*mempool.Entry
	for pass := 0; pass < 2; pass++ {
		candidates := e.pool.SelectForBundle(e.cfg.MaxBundleOps, e.cfg.MaxBundleGas)
		kept, rejected := e.revalidate(ctx, candidates)
		entries = kept
		if rejected == 0 {
			break
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	bundle := e.buildBundle(ctx, entries)

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	receipt, err := e.backend.SubmitBundle(submitCtx, bundle)

	return bundle, e.settle(bundle, receipt, err)
}

// revalidate re-simulates entries whose validation result is older than the
// staleness window, concurrently and outside all pool locks. Entries the
// simulation now rejects are removed from the pool; entries that cannot be
// validated due to backend trouble are merely excluded from this bundle.
func (e *Engine) revalidate(ctx context.Context, entries []*mempool.Entry) ([]*mempool.Entry, int) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentValidations)

	var mu sync.Mutex
	verdict := make(map[common.Hash]error, len(entries))

	for _, entry := range entries {
		if e.validationFresh(entry.Hash) {
			continue
		}
		entry := entry
		g.Go(func() error {
			_, err := e.validator.Validate(gctx, entry.Op)
			mu.Lock()
			verdict[entry.Hash] = err
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	var (
		kept     []*mempool.Entry
		rejected int
	)
	for _, entry := range entries {
		err, revalidated := verdict[entry.Hash]
		switch {
		case !revalidated || err == nil:
			if revalidated {
				e.noteValidated(entry.Hash)
			}
			kept = append(kept, entry)
		case validation.IsRejection(err):
			e.logger.Info("Dropping entry on re-validation",
				"hash", entry.Hash.Hex(), "err", err)
			e.pool.Remove(entry.Hash)
			e.dropValidated(entry.Hash)
			rejected++
		default:
			e.logger.Warn("Re-validation unavailable, skipping entry",
				"hash", entry.Hash.Hex(), "err", err)
		}
	}
	return kept, rejected
}

// buildBundle assembles the bundle and picks the beneficiary: the configured
// address, or the signer itself when its balance has drained below the
// self-funding floor.
func (e *Engine) buildBundle(ctx context.Context, entries []*mempool.Entry) *types.Bundle {
	beneficiary := e.cfg.Beneficiary
	if beneficiary == (common.Address{}) {
		beneficiary = e.signer
	} else if e.cfg.MinSignerBalance != nil {
		if bal, err := e.backend.BalanceAt(ctx, e.signer); err == nil && bal.Cmp(e.cfg.MinSignerBalance) < 0 {
			e.logger.Info("Signer balance low, redirecting fees to signer",
				"signer", e.signer.Hex(), "balance", bal)
			beneficiary = e.signer
		}
	}

	bundle := &types.Bundle{
		Ops:         make([]*types.UserOperation, len(entries)),
		Hashes:      make([]common.Hash, len(entries)),
		Beneficiary: beneficiary,
		CreatedAt:   time.Now(),
	}
	for i, entry := range entries {
		bundle.Ops[i] = entry.Op
		bundle.Hashes[i] = entry.Hash
	}
	return bundle
}

// settle reconciles pool and reputation state with the submission outcome.
func (e *Engine) settle(bundle *types.Bundle, receipt *types.BundleReceipt, err error) error {
	switch {
	case err == nil:
		for i, op := range bundle.Ops {
			e.pool.Remove(bundle.Hashes[i])
			e.dropValidated(bundle.Hashes[i])
			e.rep.NoteIncluded(op.Entities()...)
			e.metrics.OpsIncluded.Inc()
		}
		e.resetFailure()
		e.metrics.BundlesSubmitted.Inc()
		e.metrics.BundleOps.Observe(float64(len(bundle.Ops)))
		e.logger.Info("Bundle confirmed",
			"tx", receipt.TxHash.Hex(),
			"block", receipt.BlockNumber,
			"ops", len(bundle.Ops),
			"gasUsed", receipt.GasUsed,
		)
		return nil

	case isFailedOp(err):
		// The backend identified the poison operation; evict it and keep
		// the rest for the next cycle.
		var failed *client.FailedOpError
		errors.As(err, &failed)
		survivors := make([]common.Hash, 0, len(bundle.Hashes))
		for i, h := range bundle.Hashes {
			if i == failed.OpIndex {
				e.pool.Remove(h)
				e.dropValidated(h)
				continue
			}
			survivors = append(survivors, h)
		}
		e.pool.Resurrect(survivors)
		e.resetFailure()
		e.metrics.BundlesFailed.WithLabelValues("reverted").Inc()
		e.logger.Warn("Bundle reverted by single operation",
			"opIndex", failed.OpIndex, "reason", failed.Reason)
		return err

	default:
		// Transient submission failure: the pool is left untouched and
		// the same bundle retries next cycle, a bounded number of times.
		e.metrics.BundlesFailed.WithLabelValues("transient").Inc()
		key := bundle.Key()
		if key == e.failKey {
			e.failCount++
		} else {
			e.failKey = key
			e.failCount = 1
		}
		if e.failCount >= e.cfg.MaxBundleAttempts {
			e.logger.Warn("Dropping repeatedly failing bundle",
				"attempts", e.failCount, "ops", len(bundle.Hashes))
			for _, h := range bundle.Hashes {
				e.pool.Remove(h)
				e.dropValidated(h)
			}
			e.resetFailure()
		}
		return err
	}
}

func isFailedOp(err error) bool {
	var failed *client.FailedOpError
	return errors.As(err, &failed)
}

func (e *Engine) resetFailure() {
	e.failKey = common.Hash{}
	e.failCount = 0
}

func (e *Engine) noteValidated(hash common.Hash) {
	e.valMu.Lock()
	e.validatedAt[hash] = time.Now()
	e.valMu.Unlock()
}

func (e *Engine) dropValidated(hash common.Hash) {
	e.valMu.Lock()
	delete(e.validatedAt, hash)
	e.valMu.Unlock()
}

func (e *Engine) validationFresh(hash common.Hash) bool {
	e.valMu.Lock()
	defer e.valMu.Unlock()
	at, ok := e.validatedAt[hash]
	return ok && time.Since(at) < e.cfg.ValidationStaleness
}

// ClearState wipes the pool, reputation and validation bookkeeping. Admin
// surface.
func (e *Engine) ClearState() {
	e.pool.Clear()
	e.rep.Clear()
	e.valMu.Lock()
	e.validatedAt = make(map[common.Hash]time.Time)
	e.valMu.Unlock()
	e.metrics.PoolSize.Set(0)
}

// DumpMempool snapshots the pool in priority order. Admin surface.
func (e *Engine) DumpMempool() []*mempool.Entry { return e.pool.Dump() }

// ClearMempool empties the pool only. Admin surface.
func (e *Engine) ClearMempool() {
	e.pool.Clear()
	e.metrics.PoolSize.Set(0)
}

// DumpReputation lists tracked entities. Admin surface.
func (e *Engine) DumpReputation() []reputation.EntryDump { return e.rep.Dump() }

// SetReputation overrides an entity's status. Admin surface.
func (e *Engine) SetReputation(addr common.Address, status reputation.Status) {
	e.rep.SetStatus(addr, status)
}

// StakeStatus queries the entry point's stake record. Admin surface.
func (e *Engine) StakeStatus(ctx context.Context, addr common.Address) (*reputation.StakeInfo, error) {
	return e.backend.DepositInfo(ctx, addr)
}
