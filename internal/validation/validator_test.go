package validation

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/bundler/internal/gas"
	"github.com/relaykit/bundler/pkg/types"
)

var (
	testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	testSender     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testPaymaster  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type stubSimulator struct {
	trace *types.ValidationTrace
	err   error
}

func (s *stubSimulator) TraceValidation(ctx context.Context, op *types.UserOperation) (*types.ValidationTrace, error) {
	return s.trace, s.err
}

func testOp() *types.UserOperation {
	return &types.UserOperation{
		Sender:               testSender,
		Nonce:                (*hexutil.Big)(big.NewInt(1)),
		CallData:             hexutil.Bytes{0x01},
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(100)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(10)),
		Signature:            hexutil.Bytes{0xff},
	}
}

func phaseFrame(to common.Address, sel [4]byte, gasUsed uint64) types.CallFrame {
	return types.CallFrame{
		Type:    "CALL",
		From:    testEntryPoint,
		To:      &to,
		Input:   sel[:],
		GasUsed: hexutil.Uint64(gasUsed),
	}
}

// happyTrace simulates both account phases at depth one beneath the entry
// point dispatch frame.
func happyTrace() *types.ValidationTrace {
	sel := DefaultSelectors()
	return &types.ValidationTrace{
		Root: &types.CallFrame{
			Type: "CALL",
			From: common.HexToAddress("0x1"),
			To:   &testEntryPoint,
			Calls: []types.CallFrame{
				phaseFrame(testSender, sel.ValidateUserOp, 6300),
				phaseFrame(testSender, sel.ExecuteUserOp, 12600),
			},
		},
		PreOpGas:   16400,
		ValidAfter: 100,
		ValidUntil: 200,
	}
}

func newTestValidator(sim Simulator, staked func(common.Address) bool) *Validator {
	return New(sim, gas.New(gas.DefaultConfig()), NewRules(nil), DefaultSelectors(),
		testEntryPoint, staked)
}

func TestValidateHappyPath(t *testing.T) {
	v := newTestValidator(&stubSimulator{trace: happyTrace()}, nil)
	op := testOp()

	result, err := v.Validate(context.Background(), op)
	require.NoError(t, err)

	assert.Equal(t, uint64(16400), result.PreOpGas)
	assert.Equal(t, uint64(100), result.ValidAfter)
	assert.Equal(t, uint64(200), result.ValidUntil)

	// 12600 scaled one level up is 12800, plus the execution margin.
	assert.Equal(t, uint64(14800), result.CallGasLimit)
	// 6300 scales to 6400; the 10000 gas of unaccounted preOpGas overhead
	// is split 57/43, and the account margin lands on top.
	assert.Equal(t, uint64(15100), result.VerificationGasLimit)
	assert.Equal(t, uint64(0), result.PaymasterVerificationGasLimit)
}

func TestValidateMissingExecutePhase(t *testing.T) {
	trace := happyTrace()
	trace.Root.Calls = trace.Root.Calls[:1] // validation frame only
	v := newTestValidator(&stubSimulator{trace: trace}, nil)

	op := testOp()
	op.CallGasLimit = 55000

	result, err := v.Validate(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, uint64(55000), result.CallGasLimit, "submitter limit kept when the account skips execution")
}

func TestCheckShape(t *testing.T) {
	pmData := hexutil.Bytes{0x01}
	facData := hexutil.Bytes{0x02}

	tests := []struct {
		name   string
		mutate func(*types.UserOperation)
	}{
		{"missing sender", func(op *types.UserOperation) { op.Sender = common.Address{} }},
		{"missing fees", func(op *types.UserOperation) { op.MaxFeePerGas = nil }},
		{"priority above max", func(op *types.UserOperation) {
			op.MaxPriorityFeePerGas = (*hexutil.Big)(big.NewInt(200))
		}},
		{"missing signature", func(op *types.UserOperation) { op.Signature = nil }},
		{"max fee beyond 128 bits", func(op *types.UserOperation) {
			op.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 130))
		}},
		{"priority fee beyond 128 bits", func(op *types.UserOperation) {
			op.MaxPriorityFeePerGas = (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 130))
		}},
		{"paymaster data without paymaster", func(op *types.UserOperation) { op.PaymasterData = pmData }},
		{"factory data without factory", func(op *types.UserOperation) { op.FactoryData = facData }},
	}

	v := newTestValidator(&stubSimulator{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := testOp()
			tt.mutate(op)
			err := v.CheckShape(op)
			require.ErrorIs(t, err, ErrMalformedOperation)
			assert.True(t, IsRejection(err))
		})
	}

	assert.NoError(t, v.CheckShape(testOp()))
	require.ErrorIs(t, v.CheckShape(nil), ErrMalformedOperation)
}

func TestOversizedFeeRejectedBeforeHashing(t *testing.T) {
	// A 256-bit fee decodes fine from JSON but cannot be packed into the
	// 128-bit half of the gasFees word; it must die in CheckShape as a
	// typed rejection, never reach Hash and panic there.
	v := newTestValidator(&stubSimulator{trace: happyTrace()}, nil)
	op := testOp()
	op.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 130))

	_, err := v.Validate(context.Background(), op)
	require.ErrorIs(t, err, ErrMalformedOperation)
	assert.True(t, IsRejection(err))
}

func TestValidateMissingAccountPhase(t *testing.T) {
	trace := happyTrace()
	trace.Root.Calls = trace.Root.Calls[1:] // execution frame only
	v := newTestValidator(&stubSimulator{trace: trace}, nil)

	_, err := v.Validate(context.Background(), testOp())
	require.ErrorIs(t, err, gas.ErrUnexpectedSimulation)
	assert.True(t, IsRejection(err),
		"a trace without the mandatory account phase is attributable to the operation, not the backend")
}

func TestValidateBannedOpcode(t *testing.T) {
	trace := happyTrace()
	trace.Opcodes = map[common.Address]map[string]int{
		testSender: {"TIMESTAMP": 1},
	}
	v := newTestValidator(&stubSimulator{trace: trace}, nil)

	_, err := v.Validate(context.Background(), testOp())
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, testSender, violation.Entity)
	assert.Equal(t, "TIMESTAMP", violation.Opcode)
	assert.True(t, IsRejection(err))
}

func TestValidateForeignStorage(t *testing.T) {
	other := common.HexToAddress("0xcc")
	slot := common.HexToHash("0x01")
	trace := happyTrace()
	trace.Storage = map[common.Address][]types.StorageAccess{
		testSender: {{Account: other, Slot: slot}},
	}

	t.Run("unstaked entity rejected", func(t *testing.T) {
		v := newTestValidator(&stubSimulator{trace: trace}, nil)
		_, err := v.Validate(context.Background(), testOp())
		var violation *ViolationError
		require.ErrorAs(t, err, &violation)
		require.NotNil(t, violation.Slot)
		assert.Equal(t, slot, *violation.Slot)
	})

	t.Run("staked entity allowed", func(t *testing.T) {
		staked := func(addr common.Address) bool { return addr == testSender }
		v := newTestValidator(&stubSimulator{trace: trace}, staked)
		_, err := v.Validate(context.Background(), testOp())
		assert.NoError(t, err)
	})
}

func TestValidateSimulationRevert(t *testing.T) {
	sel := DefaultSelectors()
	trace := happyTrace()
	trace.Root.Error = "execution reverted"
	failed := phaseFrame(testPaymaster, sel.ValidatePaymasterUserOp, 0)
	failed.Error = "execution reverted"
	failed.Output = hexutil.Bytes{0xde, 0xad}
	trace.Root.Calls = append(trace.Root.Calls, failed)

	v := newTestValidator(&stubSimulator{trace: trace}, nil)
	_, err := v.Validate(context.Background(), testOp())

	var revert *gas.RevertError
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, testPaymaster, revert.To)
	assert.Equal(t, sel.ValidatePaymasterUserOp, revert.Selector)
	assert.True(t, IsRejection(err))
}

func TestValidateUnexpectedFailure(t *testing.T) {
	trace := happyTrace()
	trace.Root.Error = "out of gas"
	trace.Root.Calls = nil

	v := newTestValidator(&stubSimulator{trace: trace}, nil)
	_, err := v.Validate(context.Background(), testOp())
	require.ErrorIs(t, err, gas.ErrUnexpectedSimulation)
	assert.True(t, IsRejection(err))
}

func TestValidateBackendErrorIsTransient(t *testing.T) {
	backendErr := errors.New("connection refused")
	v := newTestValidator(&stubSimulator{err: backendErr}, nil)

	_, err := v.Validate(context.Background(), testOp())
	require.ErrorIs(t, err, backendErr)
	assert.False(t, IsRejection(err), "transport failures are not attributable to the operation")
}

func TestPatchGas(t *testing.T) {
	result := &types.ValidationResult{
		CallGasLimit:                  14800,
		VerificationGasLimit:          15100,
		PaymasterVerificationGasLimit: 9000,
	}

	op := testOp()
	op.VerificationGasLimit = 70000 // submitter-provided, must survive
	PatchGas(op, result)
	assert.Equal(t, hexutil.Uint64(14800), op.CallGasLimit)
	assert.Equal(t, hexutil.Uint64(70000), op.VerificationGasLimit)
	assert.Equal(t, hexutil.Uint64(0), op.PaymasterVerificationGasLimit, "no paymaster, nothing to patch")

	withPm := testOp()
	withPm.Paymaster = &testPaymaster
	PatchGas(withPm, result)
	assert.Equal(t, hexutil.Uint64(9000), withPm.PaymasterVerificationGasLimit)
}
