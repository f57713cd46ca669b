package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/bundler/internal/client"
	"github.com/relaykit/bundler/internal/gas"
	"github.com/relaykit/bundler/internal/mempool"
	"github.com/relaykit/bundler/internal/metrics"
	"github.com/relaykit/bundler/internal/reputation"
	"github.com/relaykit/bundler/internal/validation"
	"github.com/relaykit/bundler/pkg/types"
)

var (
	testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	testChainID    = big.NewInt(1337)
	testSigner     = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

// fakeBackend simulates every operation successfully unless its sender is
// marked as reverting, and settles submissions from a scripted outcome queue.
type fakeBackend struct {
	mu            sync.Mutex
	submitErrs    []error // popped per submission; nil means confirmed
	submitted     []*types.Bundle
	balance       *big.Int
	traceErr      error
	revertSenders map[common.Address]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balance:       big.NewInt(1e18),
		revertSenders: make(map[common.Address]bool),
	}
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return testChainID, nil }

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func (b *fakeBackend) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return nil, nil
}

func (b *fakeBackend) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance), nil
}

func (b *fakeBackend) TraceValidation(ctx context.Context, op *types.UserOperation) (*types.ValidationTrace, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.traceErr != nil {
		return nil, b.traceErr
	}

	sel := validation.DefaultSelectors()
	sender := op.Sender
	validate := types.CallFrame{
		Type: "CALL", From: testEntryPoint, To: &sender,
		Input: sel.ValidateUserOp[:], GasUsed: 6300,
	}
	execute := types.CallFrame{
		Type: "CALL", From: testEntryPoint, To: &sender,
		Input: sel.ExecuteUserOp[:], GasUsed: 12600,
	}
	root := &types.CallFrame{
		Type: "CALL", From: testSigner, To: &testEntryPoint,
		Calls: []types.CallFrame{validate, execute},
	}
	if b.revertSenders[sender] {
		root.Error = "execution reverted"
		root.Calls[0].Error = "execution reverted"
	}
	return &types.ValidationTrace{Root: root, PreOpGas: 16400}, nil
}

func (b *fakeBackend) SubmitBundle(ctx context.Context, bundle *types.Bundle) (*types.BundleReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, bundle)
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &types.BundleReceipt{
		TxHash:      common.HexToHash("0xbeef"),
		BlockNumber: 2,
		GasUsed:     100_000,
	}, nil
}

func (b *fakeBackend) DepositInfo(ctx context.Context, addr common.Address) (*reputation.StakeInfo, error) {
	return &reputation.StakeInfo{Address: addr, Deposit: new(big.Int), Stake: new(big.Int)}, nil
}

func (b *fakeBackend) queueSubmitErr(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErrs = append(b.submitErrs, errs...)
}

func (b *fakeBackend) bundles() []*types.Bundle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Bundle(nil), b.submitted...)
}

type harness struct {
	engine  *Engine
	pool    *mempool.Pool
	rep     *reputation.Manager
	backend *fakeBackend
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	backend := newFakeBackend()
	rep := reputation.New(reputation.DefaultConfig(), nil)
	pool := mempool.New(mempool.DefaultConfig(), rep)
	validator := validation.New(backend, gas.New(gas.DefaultConfig()), validation.NewRules(nil),
		validation.DefaultSelectors(), testEntryPoint, nil)

	cfg := Config{
		Interval:                 time.Hour,
		MaxBundleOps:             10,
		MaxBundleGas:             15_000_000,
		SubmitTimeout:            5 * time.Second,
		MaxBundleAttempts:        2,
		MinSignerBalance:         big.NewInt(1e17),
		ValidationStaleness:      time.Hour,
		MaxConcurrentValidations: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine := New(cfg, pool, rep, validator, backend, metrics.New(),
		testEntryPoint, testChainID, testSigner)
	engine.SetMode(ModeManual)
	return &harness{engine: engine, pool: pool, rep: rep, backend: backend}
}

func bundleOp(sender byte, tip int64) *types.UserOperation {
	return &types.UserOperation{
		Sender:               common.BytesToAddress([]byte{sender}),
		Nonce:                (*hexutil.Big)(big.NewInt(0)),
		CallData:             hexutil.Bytes{0x01},
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(tip + 100)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(tip)),
		Signature:            hexutil.Bytes{0xff},
	}
}

func TestSubmitAndBundleRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hash1, err := h.engine.SubmitOperation(ctx, bundleOp(1, 20))
	require.NoError(t, err)
	_, err = h.engine.SubmitOperation(ctx, bundleOp(2, 10))
	require.NoError(t, err)
	require.Equal(t, 2, h.pool.Len())

	bundle, err := h.engine.SendBundleNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Len(t, bundle.Ops, 2)
	assert.Equal(t, hash1, bundle.Hashes[0], "highest tip submits first")
	assert.Equal(t, testSigner, bundle.Beneficiary, "zero beneficiary falls back to signer")

	assert.Equal(t, 0, h.pool.Len(), "confirmed operations leave the pool")
	for _, d := range h.rep.Dump() {
		assert.Equal(t, d.OpsSeen, d.OpsIncluded, "every seen operation was included")
	}

	bundle, err = h.engine.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.Nil(t, bundle, "empty pool produces no bundle")
	assert.Len(t, h.backend.bundles(), 1, "empty cycle never reaches the backend")
}

func TestSubmitRejectedOperation(t *testing.T) {
	h := newHarness(t, nil)
	op := bundleOp(1, 10)
	h.backend.revertSenders[op.Sender] = true

	_, err := h.engine.SubmitOperation(context.Background(), op)
	var revert *gas.RevertError
	require.ErrorAs(t, err, &revert)

	assert.Equal(t, 0, h.pool.Len())
	dump := h.rep.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, uint64(1), dump[0].OpsSeen, "rejection still burned pool attention")
	assert.Equal(t, uint64(0), dump[0].OpsIncluded)
}

func TestSubmitBackendUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.traceErr = errors.New("connection refused")

	_, err := h.engine.SubmitOperation(context.Background(), bundleOp(1, 10))
	require.Error(t, err)
	assert.False(t, validation.IsRejection(err))
	assert.Empty(t, h.rep.Dump(), "backend trouble leaves reputation untouched")
}

func TestSettleFailedOp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var hashes []common.Hash
	for i, tip := range []int64{30, 20, 10} {
		hash, err := h.engine.SubmitOperation(ctx, bundleOp(byte(i+1), tip))
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}

	h.backend.queueSubmitErr(&client.FailedOpError{OpIndex: 1, Reason: "AA25 invalid account nonce"})

	_, err := h.engine.SendBundleNow(ctx)
	var failed *client.FailedOpError
	require.ErrorAs(t, err, &failed)

	assert.False(t, h.pool.Has(hashes[1]), "offending operation evicted")
	assert.True(t, h.pool.Has(hashes[0]), "innocent operations resurrected")
	assert.True(t, h.pool.Has(hashes[2]))
	assert.Equal(t, 2, h.pool.Len())
}

func TestPoisonBundleDropped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hash, err := h.engine.SubmitOperation(ctx, bundleOp(1, 10))
	require.NoError(t, err)

	h.backend.queueSubmitErr(errors.New("nonce too low"), errors.New("nonce too low"))

	_, err = h.engine.SendBundleNow(ctx)
	require.Error(t, err)
	assert.True(t, h.pool.Has(hash), "first transient failure keeps the bundle")

	_, err = h.engine.SendBundleNow(ctx)
	require.Error(t, err)
	assert.False(t, h.pool.Has(hash), "attempt cap drops the poison bundle")
	assert.Equal(t, 0, h.pool.Len())
}

func TestBeneficiaryFallback(t *testing.T) {
	configured := common.HexToAddress("0xfee")

	t.Run("funded signer keeps configured beneficiary", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) { cfg.Beneficiary = configured })
		_, err := h.engine.SubmitOperation(context.Background(), bundleOp(1, 10))
		require.NoError(t, err)

		bundle, err := h.engine.SendBundleNow(context.Background())
		require.NoError(t, err)
		assert.Equal(t, configured, bundle.Beneficiary)
	})

	t.Run("drained signer collects its own fees", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) { cfg.Beneficiary = configured })
		h.backend.balance = big.NewInt(1) // below the self-funding floor

		_, err := h.engine.SubmitOperation(context.Background(), bundleOp(1, 10))
		require.NoError(t, err)

		bundle, err := h.engine.SendBundleNow(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testSigner, bundle.Beneficiary)
	})
}

func TestRevalidationDropsStaleRejection(t *testing.T) {
	// Zero staleness forces a re-simulation of every candidate.
	h := newHarness(t, func(cfg *Config) { cfg.ValidationStaleness = 0 })
	ctx := context.Background()

	op := bundleOp(1, 10)
	hash, err := h.engine.SubmitOperation(ctx, op)
	require.NoError(t, err)

	// The account turns invalid after admission.
	h.backend.mu.Lock()
	h.backend.revertSenders[op.Sender] = true
	h.backend.mu.Unlock()

	bundle, err := h.engine.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.Nil(t, bundle, "nothing left to bundle after the drop")
	assert.False(t, h.pool.Has(hash))
	assert.Empty(t, h.backend.bundles(), "rejected candidate never reaches the backend")
}

func TestMalformedSubmission(t *testing.T) {
	h := newHarness(t, nil)
	op := bundleOp(1, 10)
	op.Signature = nil

	_, err := h.engine.SubmitOperation(context.Background(), op)
	require.ErrorIs(t, err, validation.ErrMalformedOperation)
	assert.Empty(t, h.rep.Dump(), "malformed input carries no reputation impact")
}

func TestOversizedFeeRejected(t *testing.T) {
	h := newHarness(t, nil)
	op := bundleOp(1, 10)
	op.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 130))

	// A fee wider than 128 bits cannot be packed for hashing; it must come
	// back as a malformed submission rather than crash the server.
	_, err := h.engine.SubmitOperation(context.Background(), op)
	require.ErrorIs(t, err, validation.ErrMalformedOperation)
	assert.Zero(t, h.pool.Len())
}

func TestSubmittedHashCoversPatchedGas(t *testing.T) {
	h := newHarness(t, nil)
	op := bundleOp(1, 10) // zero gas limits; validation patches them in

	before := op.Hash(testEntryPoint, testChainID)
	hash, err := h.engine.SubmitOperation(context.Background(), op)
	require.NoError(t, err)

	assert.NotEqual(t, before, hash, "returned hash must reflect the patched gas fields")
	assert.Equal(t, op.Hash(testEntryPoint, testChainID), hash)
	assert.True(t, h.pool.Has(hash), "pool key and returned hash must agree")
}

func TestPoolSizeTrigger(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.PoolSizeTrigger = 2 })
	ctx := context.Background()

	_, err := h.engine.SubmitOperation(ctx, bundleOp(1, 10))
	require.NoError(t, err)
	select {
	case <-h.engine.trigger:
		t.Fatal("trigger fired below the pool threshold")
	default:
	}

	_, err = h.engine.SubmitOperation(ctx, bundleOp(2, 10))
	require.NoError(t, err)
	select {
	case <-h.engine.trigger:
	default:
		t.Fatal("trigger did not fire at the pool threshold")
	}
}

func TestClearState(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.SubmitOperation(context.Background(), bundleOp(1, 10))
	require.NoError(t, err)
	require.Equal(t, 1, h.pool.Len())
	require.NotEmpty(t, h.rep.Dump())

	h.engine.ClearState()
	assert.Equal(t, 0, h.pool.Len())
	assert.Empty(t, h.rep.Dump())
}
