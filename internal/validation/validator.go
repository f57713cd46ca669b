// Package validation simulates operations against the execution backend and
// decides admissibility: structural checks before simulation, opcode/storage
// rules and revert detection after, and estimator-derived gas limits for
// operations submitted without them.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/relaykit/bundler/internal/gas"
	"github.com/relaykit/bundler/pkg/types"
)

// ErrMalformedOperation rejects an operation before simulation; it carries
// no reputation impact.
var ErrMalformedOperation = errors.New("malformed operation")

// Simulator is the backend capability the validator needs: a non-committing
// trace of the operation's validation entry point.
type Simulator interface {
	TraceValidation(ctx context.Context, op *types.UserOperation) (*types.ValidationTrace, error)
}

// Selectors are the 4-byte markers of the per-phase calls the entry point
// makes during simulation.
type Selectors struct {
	ExecuteUserOp           [4]byte
	ValidateUserOp          [4]byte
	ValidatePaymasterUserOp [4]byte
	PostOp                  [4]byte
}

// DefaultSelectors returns the entry point's phase selectors.
func DefaultSelectors() Selectors {
	return Selectors{
		ExecuteUserOp:           [4]byte{0x8d, 0xd7, 0x71, 0x2f},
		ValidateUserOp:          [4]byte{0x19, 0x82, 0x2f, 0x7c},
		ValidatePaymasterUserOp: [4]byte{0x52, 0xb7, 0x51, 0x2c},
		PostOp:                  [4]byte{0x7c, 0x62, 0x7b, 0x21},
	}
}

// Validator runs the simulation-driven admission checks.
type Validator struct {
	backend    Simulator
	estimator  *gas.Estimator
	rules      *Rules
	selectors  Selectors
	entryPoint common.Address
	staked     func(common.Address) bool
	logger     log.Logger
}

// New creates a validator. staked may be nil.
func New(backend Simulator, estimator *gas.Estimator, rules *Rules, selectors Selectors,
	entryPoint common.Address, staked func(common.Address) bool) *Validator {
	return &Validator{
		backend:    backend,
		estimator:  estimator,
		rules:      rules,
		selectors:  selectors,
		entryPoint: entryPoint,
		staked:     staked,
		logger:     log.New("module", "validation"),
	}
}

// CheckShape rejects structurally invalid operations before any simulation
// is spent on them.
func (v *Validator) CheckShape(op *types.UserOperation) error {
	if op == nil {
		return fmt.Errorf("%w: missing operation", ErrMalformedOperation)
	}
	if op.Sender == (common.Address{}) {
		return fmt.Errorf("%w: missing sender", ErrMalformedOperation)
	}
	if op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("%w: missing fee fields", ErrMalformedOperation)
	}
	// Fees are packed into 128-bit halves of the gasFees word; anything
	// wider cannot be encoded.
	if op.MaxFee().BitLen() > 128 || op.MaxPriorityFee().BitLen() > 128 {
		return fmt.Errorf("%w: fee exceeds 128 bits", ErrMalformedOperation)
	}
	if op.MaxPriorityFee().Cmp(op.MaxFee()) > 0 {
		return fmt.Errorf("%w: priority fee exceeds max fee", ErrMalformedOperation)
	}
	if len(op.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrMalformedOperation)
	}
	if op.Paymaster == nil && (len(op.PaymasterData) > 0 || op.PaymasterVerificationGasLimit > 0) {
		return fmt.Errorf("%w: paymaster fields without paymaster", ErrMalformedOperation)
	}
	if op.Factory == nil && len(op.FactoryData) > 0 {
		return fmt.Errorf("%w: factory data without factory", ErrMalformedOperation)
	}
	return nil
}

// Validate simulates the operation and returns its validation result, or a
// typed rejection: ErrMalformedOperation, *ViolationError, *gas.RevertError,
// or gas.ErrUnexpectedSimulation. Backend transport errors pass through
// unwrapped into those categories and must not be attributed to the
// operation.
func (v *Validator) Validate(ctx context.Context, op *types.UserOperation) (*types.ValidationResult, error) {
	if err := v.CheckShape(op); err != nil {
		return nil, err
	}

	trace, err := v.backend.TraceValidation(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	if err := gas.CheckSimulation(trace.Root); err != nil {
		return nil, err
	}
	if err := v.rules.CheckTrace(trace, op, v.staked); err != nil {
		return nil, err
	}

	// OpHash is left for the admission path to fill: the identity hash must
	// cover the operation as stored, after any gas patching.
	result := &types.ValidationResult{
		PreOpGas:    trace.PreOpGas,
		ValidAfter:  trace.ValidAfter,
		ValidUntil:  trace.ValidUntil,
		ValidatedAt: time.Now(),
	}

	callGas, err := v.estimator.CallGasLimit(trace.Root, gas.CallMarker{
		From:     v.entryPoint,
		To:       op.Sender,
		Selector: v.selectors.ExecuteUserOp,
	})
	switch {
	case errors.Is(err, gas.ErrNoSuchCall):
		// The account skipped the execution phase; keep whatever limit
		// the submitter supplied.
		result.CallGasLimit = uint64(op.CallGasLimit)
	case err != nil:
		return nil, err
	default:
		result.CallGasLimit = callGas
	}

	account := gas.CallMarker{From: v.entryPoint, To: op.Sender, Selector: v.selectors.ValidateUserOp}
	paymaster := gas.CallMarker{Selector: v.selectors.ValidatePaymasterUserOp, From: v.entryPoint}
	if op.Paymaster != nil {
		paymaster.To = *op.Paymaster
	}
	verification, pmVerification, err := v.estimator.VerificationLimits(trace, account, paymaster)
	switch {
	case errors.Is(err, gas.ErrNoSuchCall):
		// Unlike the paymaster phase, the account validation call is
		// mandatory; a trace without it was not a validation run.
		return nil, fmt.Errorf("%w: account validation call absent", gas.ErrUnexpectedSimulation)
	case err != nil:
		return nil, err
	}
	result.VerificationGasLimit = verification
	result.PaymasterVerificationGasLimit = pmVerification

	v.logger.Debug("Operation validated",
		"sender", op.Sender.Hex(),
		"callGas", result.CallGasLimit,
		"verificationGas", result.VerificationGasLimit,
		"paymasterGas", result.PaymasterVerificationGasLimit,
	)
	return result, nil
}

// PatchGas fills in gas fields the submitter left at zero with the
// estimator-derived limits.
func PatchGas(op *types.UserOperation, result *types.ValidationResult) {
	if op.CallGasLimit == 0 {
		op.CallGasLimit = hexUint(result.CallGasLimit)
	}
	if op.VerificationGasLimit == 0 {
		op.VerificationGasLimit = hexUint(result.VerificationGasLimit)
	}
	if op.Paymaster != nil && op.PaymasterVerificationGasLimit == 0 {
		op.PaymasterVerificationGasLimit = hexUint(result.PaymasterVerificationGasLimit)
	}
}

func hexUint(v uint64) hexutil.Uint64 { return hexutil.Uint64(v) }

// IsRejection reports whether the error is attributable to the operation
// itself rather than a transient backend condition.
func IsRejection(err error) bool {
	var violation *ViolationError
	var revert *gas.RevertError
	return errors.Is(err, ErrMalformedOperation) ||
		errors.Is(err, gas.ErrUnexpectedSimulation) ||
		errors.As(err, &violation) ||
		errors.As(err, &revert)
}
