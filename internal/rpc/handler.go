// Package rpc is the thin admin shell over the engine: JSON-RPC method
// dispatch plus the capability gate for the debug method family. Everything
// behind it is synchronous engine state.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/relaykit/bundler/internal/bundler"
	"github.com/relaykit/bundler/internal/mempool"
	"github.com/relaykit/bundler/internal/reputation"
	"github.com/relaykit/bundler/pkg/types"
)

// BundlerAPI is the engine surface the shell dispatches onto.
type BundlerAPI interface {
	SubmitOperation(ctx context.Context, op *types.UserOperation) (common.Hash, error)
	EntryPoint() common.Address
	ChainID() *big.Int
	SendBundleNow(ctx context.Context) (*types.Bundle, error)
	SetMode(bundler.Mode)
	SetInterval(time.Duration)
	ClearState()
	ClearMempool()
	DumpMempool() []*mempool.Entry
	DumpReputation() []reputation.EntryDump
	SetReputation(common.Address, reputation.Status)
	StakeStatus(ctx context.Context, addr common.Address) (*reputation.StakeInfo, error)
}

// errInvalidParams marks malformed request parameters so dispatch can map
// them to the invalid-params JSON-RPC code rather than a server error.
var errInvalidParams = errors.New("invalid params")

// Handler dispatches JSON-RPC methods to the engine.
type Handler struct {
	api      BundlerAPI
	debugAPI bool
	logger   log.Logger
}

// NewHandler creates a handler. debugAPI gates the debug_bundler_* family.
func NewHandler(api BundlerAPI, debugAPI bool) *Handler {
	return &Handler{
		api:      api,
		debugAPI: debugAPI,
		logger:   log.New("module", "rpc-handler"),
	}
}

// Handle processes a single request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	h.logger.Debug("RPC request", "method", req.Method, "id", req.ID)

	// The whole debug family is rejected up front when the capability is
	// off, before any method lookup.
	if strings.HasPrefix(req.Method, "debug_") && !h.debugAPI {
		return errorResponse(req.ID, codeMethodNotFound, "debug methods are disabled")
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "eth_chainId":
		result = hexutil.EncodeBig(h.api.ChainID())
	case "eth_supportedEntryPoints":
		result = []string{h.api.EntryPoint().Hex()}
	case "eth_sendUserOperation":
		result, err = h.sendUserOperation(ctx, req.Params)

	case "debug_bundler_clearState":
		h.api.ClearState()
		result = "ok"
	case "debug_bundler_clearMempool":
		h.api.ClearMempool()
		result = "ok"
	case "debug_bundler_dumpMempool":
		result = h.api.DumpMempool()
	case "debug_bundler_dumpReputation":
		result = h.api.DumpReputation()
	case "debug_bundler_setReputation":
		result, err = h.setReputation(req.Params)
	case "debug_bundler_setBundlingMode":
		result, err = h.setBundlingMode(req.Params)
	case "debug_bundler_setBundleInterval":
		result, err = h.setBundleInterval(req.Params)
	case "debug_bundler_sendBundleNow":
		result, err = h.sendBundleNow(ctx)
	case "debug_bundler_getStakeStatus":
		result, err = h.getStakeStatus(ctx, req.Params)

	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method))
	}

	if err != nil {
		if errors.Is(err, errInvalidParams) {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		return errorResponse(req.ID, codeServerError, err.Error())
	}
	return resultResponse(req.ID, result)
}

// sendUserOperation admits one operation: params are the operation object
// and the entry point it targets.
func (h *Handler) sendUserOperation(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
		return nil, fmt.Errorf("%w: expected [userOperation, entryPoint]", errInvalidParams)
	}
	var op types.UserOperation
	if err := json.Unmarshal(args[0], &op); err != nil {
		return nil, fmt.Errorf("%w: invalid user operation: %v", errInvalidParams, err)
	}
	var entryPoint common.Address
	if err := json.Unmarshal(args[1], &entryPoint); err != nil {
		return nil, fmt.Errorf("%w: invalid entry point: %v", errInvalidParams, err)
	}
	if entryPoint != h.api.EntryPoint() {
		return nil, fmt.Errorf("unsupported entry point %s", entryPoint.Hex())
	}

	hash, err := h.api.SubmitOperation(ctx, &op)
	if err != nil {
		return nil, err
	}
	return hash.Hex(), nil
}

func (h *Handler) setReputation(params json.RawMessage) (interface{}, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
		return nil, fmt.Errorf("%w: expected [address, status]", errInvalidParams)
	}
	if !common.IsHexAddress(args[0]) {
		return nil, fmt.Errorf("%w: invalid address %q", errInvalidParams, args[0])
	}
	var status reputation.Status
	switch args[1] {
	case "ok":
		status = reputation.StatusOK
	case "throttled":
		status = reputation.StatusThrottled
	case "banned":
		status = reputation.StatusBanned
	default:
		return nil, fmt.Errorf("%w: invalid status %q", errInvalidParams, args[1])
	}
	h.api.SetReputation(common.HexToAddress(args[0]), status)
	return "ok", nil
}

func (h *Handler) setBundlingMode(params json.RawMessage) (interface{}, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, fmt.Errorf("%w: expected [mode]", errInvalidParams)
	}
	switch args[0] {
	case "auto":
		h.api.SetMode(bundler.ModeAuto)
	case "manual":
		h.api.SetMode(bundler.ModeManual)
	default:
		return nil, fmt.Errorf("%w: invalid mode %q", errInvalidParams, args[0])
	}
	return "ok", nil
}

func (h *Handler) setBundleInterval(params json.RawMessage) (interface{}, error) {
	var args []uint64
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 || args[0] == 0 {
		return nil, fmt.Errorf("%w: expected [seconds]", errInvalidParams)
	}
	h.api.SetInterval(time.Duration(args[0]) * time.Second)
	return "ok", nil
}

func (h *Handler) sendBundleNow(ctx context.Context) (interface{}, error) {
	bundle, err := h.api.SendBundleNow(ctx)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return map[string]interface{}{"ops": 0}, nil
	}
	return map[string]interface{}{
		"ops":    len(bundle.Ops),
		"hashes": bundle.Hashes,
	}, nil
}

func (h *Handler) getStakeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args []common.Address
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, fmt.Errorf("%w: expected [address]", errInvalidParams)
	}
	return h.api.StakeStatus(ctx, args[0])
}
