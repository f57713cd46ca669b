// Package gas derives per-phase gas limits from a simulated call trace.
//
// The execution client forwards only 63/64 of remaining gas into each nested
// call, so the gas a frame reports is an underestimate of what the same call
// needs when executed at a different nesting depth. The estimator compensates
// by scaling measured usage by (64/63)^depth and adding a fixed safety margin
// per phase.
package gas

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/relaykit/bundler/pkg/types"
)

var (
	// ErrNoSuchCall is returned when the trace contains no frame matching a
	// phase marker. Not necessarily a failure: an operation without a
	// paymaster legitimately never enters the paymaster phase.
	ErrNoSuchCall = errors.New("no matching call in trace")

	// ErrUnexpectedSimulation is returned when the simulation root reports
	// an error but no reverted frame can be identified.
	ErrUnexpectedSimulation = errors.New("unexpected simulation failure")
)

// RevertError reports a simulation revert together with the call path that
// caused it.
type RevertError struct {
	CallType string
	To       common.Address
	Selector [4]byte
	Reason   string
	Output   []byte
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("simulation reverted in %s to %s selector %s: %s (output %s)",
		e.CallType, e.To.Hex(), hexutil.Encode(e.Selector[:]), e.Reason, hexutil.Encode(e.Output))
}

// CallMarker identifies a phase frame inside the trace by its caller, callee
// and 4-byte selector.
type CallMarker struct {
	From     common.Address
	To       common.Address
	Selector [4]byte
}

// Config carries the heuristic margins. The overhead split and the fixed
// margins are empirically tuned safety numbers, not protocol constants.
type Config struct {
	CallGasMargin         uint64 // added to the scaled execution-phase gas
	VerificationGasMargin uint64 // added to the account verification budget
	PaymasterGasMargin    uint64 // added to the paymaster verification budget
	AccountOverheadBps    int    // share of unaccounted overhead charged to the account, basis points
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		CallGasMargin:         2000,
		VerificationGasMargin: 3000,
		PaymasterGasMargin:    3000,
		AccountOverheadBps:    5700,
	}
}

// Estimator is a pure computation over a validation trace; it holds no
// state besides configuration.
type Estimator struct {
	cfg Config
}

// New creates an estimator.
func New(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// frameRef is one arena slot of the flattened call tree. The tree is walked
// iteratively over the arena to keep depth-first, first-match semantics
// without recursion.
type frameRef struct {
	frame  *types.CallFrame
	parent int
	depth  int
}

// flatten lays the call tree out in depth-first order. The root occupies
// slot 0 at depth zero; frames directly beneath it are depth one.
func flatten(root *types.CallFrame) []frameRef {
	arena := []frameRef{{frame: root, parent: -1, depth: 0}}
	// Stack of arena indices still to expand; children are pushed in
	// reverse so they pop in original order.
	stack := []int{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ref := arena[idx]
		children := ref.frame.Calls
		childIdx := make([]int, len(children))
		for i := range children {
			arena = append(arena, frameRef{frame: &children[i], parent: idx, depth: ref.depth + 1})
			childIdx[i] = len(arena) - 1
		}
		for i := len(childIdx) - 1; i >= 0; i-- {
			stack = append(stack, childIdx[i])
		}
	}
	return arena
}

// Located is a marker frame found inside the trace.
type Located struct {
	Frame *types.CallFrame
	Depth int
}

// FindCall locates the first frame, in depth-first order, matching the
// marker's caller, callee and selector.
func FindCall(root *types.CallFrame, marker CallMarker) (*Located, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: empty trace", ErrNoSuchCall)
	}
	for _, ref := range flatten(root) {
		f := ref.frame
		if f.From == marker.From && f.Callee() == marker.To && f.Selector() == marker.Selector {
			return &Located{Frame: f, Depth: ref.depth}, nil
		}
	}
	return nil, fmt.Errorf("%w: selector %s on %s", ErrNoSuchCall,
		hexutil.Encode(marker.Selector[:]), marker.To.Hex())
}

// CheckSimulation inspects a trace whose root reports an error and converts
// it into a revert error naming the deepest failed frame. A root error with
// no identifiable reverted frame is reported as an unexpected failure.
func CheckSimulation(root *types.CallFrame) error {
	if root == nil || root.Error == "" {
		return nil
	}
	var deepest *frameRef
	arena := flatten(root)
	for i := range arena {
		if arena[i].frame.Error != "" && arena[i].depth > 0 {
			if deepest == nil || arena[i].depth > deepest.depth {
				deepest = &arena[i]
			}
		}
	}
	if deepest == nil {
		return fmt.Errorf("%w: %s", ErrUnexpectedSimulation, root.Error)
	}
	f := deepest.frame
	return &RevertError{
		CallType: f.Type,
		To:       f.Callee(),
		Selector: f.Selector(),
		Reason:   f.Error,
		Output:   f.Output,
	}
}

var (
	big64 = big.NewInt(64)
	big63 = big.NewInt(63)
)

// scaledLimit computes floor(gasUsed * 64^depth / 63^depth) + margin,
// undoing the 63/64 forwarding rule for a frame observed at the given depth.
func scaledLimit(gasUsed uint64, depth int, margin uint64) uint64 {
	limit := new(big.Int).SetUint64(gasUsed)
	if depth > 0 {
		exp := big.NewInt(int64(depth))
		limit.Mul(limit, new(big.Int).Exp(big64, exp, nil))
		limit.Div(limit, new(big.Int).Exp(big63, exp, nil))
	}
	return limit.Uint64() + margin
}

// PhaseGasLimit locates the marker frame and derives its standalone gas
// limit. A frame that itself reverted is surfaced as a RevertError rather
// than a limit.
func (e *Estimator) PhaseGasLimit(root *types.CallFrame, marker CallMarker, margin uint64) (uint64, error) {
	loc, err := FindCall(root, marker)
	if err != nil {
		return 0, err
	}
	if loc.Frame.Error != "" {
		f := loc.Frame
		return 0, &RevertError{
			CallType: f.Type,
			To:       f.Callee(),
			Selector: f.Selector(),
			Reason:   f.Error,
			Output:   f.Output,
		}
	}
	return scaledLimit(uint64(loc.Frame.GasUsed), loc.Depth, margin), nil
}

// CallGasLimit derives the execution-phase gas limit from the frame matching
// the execute marker.
func (e *Estimator) CallGasLimit(root *types.CallFrame, execute CallMarker) (uint64, error) {
	return e.PhaseGasLimit(root, execute, e.cfg.CallGasMargin)
}

// VerificationLimits derives the account and paymaster verification budgets.
// The trace's preOpGas accounts for more work than the two measured
// verification frames; the surplus is split between the account and
// paymaster sides by the configured share, each with its own margin on top.
// An absent paymaster frame is tolerated and yields a zero paymaster budget.
func (e *Estimator) VerificationLimits(trace *types.ValidationTrace, account, paymaster CallMarker) (uint64, uint64, error) {
	accountGas, err := e.PhaseGasLimit(trace.Root, account, 0)
	if err != nil {
		return 0, 0, err
	}

	var paymasterGas uint64
	hasPaymaster := true
	paymasterGas, err = e.PhaseGasLimit(trace.Root, paymaster, 0)
	if errors.Is(err, ErrNoSuchCall) {
		hasPaymaster = false
		paymasterGas = 0
	} else if err != nil {
		return 0, 0, err
	}

	var overhead uint64
	if measured := accountGas + paymasterGas; trace.PreOpGas > measured {
		overhead = trace.PreOpGas - measured
	}
	accountShare := overhead * uint64(e.cfg.AccountOverheadBps) / 10000

	verification := accountGas + accountShare + e.cfg.VerificationGasMargin
	if !hasPaymaster {
		return verification, 0, nil
	}
	paymasterShare := overhead - accountShare
	return verification, paymasterGas + paymasterShare + e.cfg.PaymasterGasMargin, nil
}
