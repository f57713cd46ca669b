// Package client is the boundary to the execution backend: trace-capable
// simulation, batch submission and chain metadata. The core consumes the
// Backend interface; EthBackend adapts it onto a JSON-RPC execution client.
package client

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaykit/bundler/internal/reputation"
	"github.com/relaykit/bundler/pkg/types"
)

// Backend is everything the core needs from the execution client.
type Backend interface {
	// ChainID returns the network chain id.
	ChainID(ctx context.Context) (*big.Int, error)
	// BlockNumber returns the current head block number.
	BlockNumber(ctx context.Context) (uint64, error)
	// CodeAt probes for deployed code at the address.
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	// BalanceAt returns the address balance at the latest block.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	// TraceValidation simulates the operation's validation entry point,
	// with the simulation bytecode injected over the entry point address,
	// and returns the resulting call trace.
	TraceValidation(ctx context.Context, op *types.UserOperation) (*types.ValidationTrace, error)
	// SubmitBundle submits the bundle as one aggregated transaction and
	// waits for its confirmation. A whole-bundle revert attributable to a
	// single operation is returned as a *FailedOpError.
	SubmitBundle(ctx context.Context, bundle *types.Bundle) (*types.BundleReceipt, error)
	// DepositInfo queries the entry point's stake record for an address.
	DepositInfo(ctx context.Context, addr common.Address) (*reputation.StakeInfo, error)
}

// FailedOpError identifies the single operation that made a whole bundle
// revert on chain.
type FailedOpError struct {
	OpIndex int
	Reason  string
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("bundle reverted by operation %d: %s", e.OpIndex, e.Reason)
}
