package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/relaykit/bundler/internal/reputation"
	"github.com/relaykit/bundler/pkg/types"
)

// Entry point surface the relayer talks to: batch execution, the
// simulation-only validation variant, and the stake registry.
const entryPointABI = `[
	{"type":"function","name":"handleOps","inputs":[
		{"name":"ops","type":"tuple[]","components":[
			{"name":"sender","type":"address"},
			{"name":"nonce","type":"uint256"},
			{"name":"initCode","type":"bytes"},
			{"name":"callData","type":"bytes"},
			{"name":"accountGasLimits","type":"bytes32"},
			{"name":"preVerificationGas","type":"uint256"},
			{"name":"gasFees","type":"bytes32"},
			{"name":"paymasterAndData","type":"bytes"},
			{"name":"signature","type":"bytes"}]},
		{"name":"beneficiary","type":"address"}],"outputs":[]},
	{"type":"function","name":"simulateValidation","inputs":[
		{"name":"op","type":"tuple","components":[
			{"name":"sender","type":"address"},
			{"name":"nonce","type":"uint256"},
			{"name":"initCode","type":"bytes"},
			{"name":"callData","type":"bytes"},
			{"name":"accountGasLimits","type":"bytes32"},
			{"name":"preVerificationGas","type":"uint256"},
			{"name":"gasFees","type":"bytes32"},
			{"name":"paymasterAndData","type":"bytes"},
			{"name":"signature","type":"bytes"}]}],"outputs":[]},
	{"type":"function","name":"getDepositInfo","inputs":[
		{"name":"account","type":"address"}],"outputs":[
		{"name":"info","type":"tuple","components":[
			{"name":"deposit","type":"uint256"},
			{"name":"staked","type":"bool"},
			{"name":"stake","type":"uint112"},
			{"name":"unstakeDelaySec","type":"uint32"},
			{"name":"withdrawTime","type":"uint48"}]}]}
]`

// packedOp mirrors the entry point's on-wire operation tuple.
type packedOp struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

func packOp(op *types.UserOperation) packedOp {
	var accountGasLimits, gasFees [32]byte
	new(big.Int).SetUint64(uint64(op.VerificationGasLimit)).FillBytes(accountGasLimits[:16])
	new(big.Int).SetUint64(uint64(op.CallGasLimit)).FillBytes(accountGasLimits[16:])
	op.MaxPriorityFee().FillBytes(gasFees[:16])
	op.MaxFee().FillBytes(gasFees[16:])
	return packedOp{
		Sender:             op.Sender,
		Nonce:              op.NonceBig(),
		InitCode:           op.InitCode(),
		CallData:           op.CallData,
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: new(big.Int).SetUint64(uint64(op.PreVerificationGas)),
		GasFees:            gasFees,
		PaymasterAndData:   op.PaymasterAndData(),
		Signature:          op.Signature,
	}
}

// failedOpSelector is the entry point's FailedOp(uint256,string) revert.
var failedOpSelector = [4]byte{0x22, 0x02, 0x66, 0xb6}

// Config configures the JSON-RPC backend adapter.
type Config struct {
	// RPCURL is the execution client endpoint. It must expose
	// debug_traceCall with state overrides.
	RPCURL string
	// EntryPoint is the on-chain entry point contract.
	EntryPoint common.Address
	// SimulationCode, when set, is injected over the entry point address
	// during tracing so the simulation-only contract variant runs without
	// a real deployment.
	SimulationCode hexutil.Bytes
	// CollectorTracer names the client-side tracer that reports opcode
	// usage and storage accesses. Empty disables opcode/storage
	// collection.
	CollectorTracer string
	// SignerKey is the hex-encoded submission key.
	SignerKey string
	// ReceiptPollInterval bounds how often a pending submission is
	// re-checked.
	ReceiptPollInterval time.Duration
	// BundleGasOverhead is added on top of the bundle's own gas when
	// sizing the aggregated transaction.
	BundleGasOverhead uint64
}

// EthBackend implements Backend over a go-ethereum JSON-RPC connection.
type EthBackend struct {
	rpc     *rpc.Client
	cfg     Config
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	signer  gethtypes.Signer
	from    common.Address
	chainID *big.Int
	logger  log.Logger
}

// Dial connects the adapter and resolves the chain id and signer address.
func Dial(ctx context.Context, cfg Config) (*EthBackend, error) {
	parsed, err := abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		return nil, fmt.Errorf("parse entry point abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}

	cl, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}

	var chainIDHex hexutil.Big
	if err := cl.CallContext(ctx, &chainIDHex, "eth_chainId"); err != nil {
		cl.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	chainID := (*big.Int)(&chainIDHex)

	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.BundleGasOverhead == 0 {
		cfg.BundleGasOverhead = 100_000
	}

	b := &EthBackend{
		rpc:     cl,
		cfg:     cfg,
		abi:     parsed,
		key:     key,
		signer:  gethtypes.LatestSignerForChainID(chainID),
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		logger:  log.New("module", "backend"),
	}
	b.logger.Info("Backend connected",
		"url", cfg.RPCURL,
		"chainID", chainID,
		"entryPoint", cfg.EntryPoint.Hex(),
		"signer", b.from.Hex(),
	)
	return b, nil
}

// Close tears down the RPC connection.
func (b *EthBackend) Close() { b.rpc.Close() }

// SignerAddress is the submission account derived from the configured key.
func (b *EthBackend) SignerAddress() common.Address { return b.from }

// ChainID implements Backend.
func (b *EthBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

// BlockNumber implements Backend.
func (b *EthBackend) BlockNumber(ctx context.Context) (uint64, error) {
	var num hexutil.Uint64
	if err := b.rpc.CallContext(ctx, &num, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(num), nil
}

// CodeAt implements Backend.
func (b *EthBackend) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code hexutil.Bytes
	if err := b.rpc.CallContext(ctx, &code, "eth_getCode", addr, "latest"); err != nil {
		return nil, err
	}
	return code, nil
}

// BalanceAt implements Backend.
func (b *EthBackend) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal hexutil.Big
	if err := b.rpc.CallContext(ctx, &bal, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&bal), nil
}

// TraceValidation implements Backend. It traces simulateValidation with the
// simulation bytecode override and, when a collector tracer is configured,
// runs it a second time to gather opcode and storage usage.
func (b *EthBackend) TraceValidation(ctx context.Context, op *types.UserOperation) (*types.ValidationTrace, error) {
	calldata, err := b.abi.Pack("simulateValidation", packOp(op))
	if err != nil {
		return nil, fmt.Errorf("pack simulateValidation: %w", err)
	}

	callArgs := map[string]interface{}{
		"to":   b.cfg.EntryPoint,
		"data": hexutil.Bytes(calldata),
	}
	overrides := map[common.Address]map[string]interface{}{}
	if len(b.cfg.SimulationCode) > 0 {
		overrides[b.cfg.EntryPoint] = map[string]interface{}{"code": b.cfg.SimulationCode}
	}

	var root types.CallFrame
	traceCfg := map[string]interface{}{
		"tracer":         "callTracer",
		"stateOverrides": overrides,
	}
	if err := b.rpc.CallContext(ctx, &root, "debug_traceCall", callArgs, "latest", traceCfg); err != nil {
		return nil, fmt.Errorf("trace simulation: %w", err)
	}

	trace := &types.ValidationTrace{Root: &root}
	trace.PreOpGas, trace.ValidAfter, trace.ValidUntil = parseSimulationOutput(root.Output)

	if b.cfg.CollectorTracer != "" {
		var collected struct {
			Opcodes map[common.Address]map[string]int        `json:"opcodes"`
			Storage map[common.Address][]types.StorageAccess `json:"storage"`
		}
		collectCfg := map[string]interface{}{
			"tracer":         b.cfg.CollectorTracer,
			"stateOverrides": overrides,
		}
		if err := b.rpc.CallContext(ctx, &collected, "debug_traceCall", callArgs, "latest", collectCfg); err != nil {
			return nil, fmt.Errorf("collector trace: %w", err)
		}
		trace.Opcodes = collected.Opcodes
		trace.Storage = collected.Storage
	}
	return trace, nil
}

// parseSimulationOutput reads the simulation contract's return data:
// (preOpGas, validAfter, validUntil) as three words.
func parseSimulationOutput(output []byte) (preOpGas, validAfter, validUntil uint64) {
	word := func(i int) uint64 {
		return new(big.Int).SetBytes(output[i*32 : (i+1)*32]).Uint64()
	}
	if len(output) >= 96 {
		return word(0), word(1), word(2)
	}
	return 0, 0, 0
}

// SubmitBundle implements Backend: packs handleOps, signs a dynamic-fee
// transaction with the bundle's aggregate gas budget, submits it, and waits
// for the receipt within the caller's deadline.
func (b *EthBackend) SubmitBundle(ctx context.Context, bundle *types.Bundle) (*types.BundleReceipt, error) {
	ops := make([]packedOp, len(bundle.Ops))
	for i, op := range bundle.Ops {
		ops[i] = packOp(op)
	}
	calldata, err := b.abi.Pack("handleOps", ops, bundle.Beneficiary)
	if err != nil {
		return nil, fmt.Errorf("pack handleOps: %w", err)
	}

	var nonce hexutil.Uint64
	if err := b.rpc.CallContext(ctx, &nonce, "eth_getTransactionCount", b.from, "pending"); err != nil {
		return nil, fmt.Errorf("query nonce: %w", err)
	}
	var gasPrice, tip hexutil.Big
	if err := b.rpc.CallContext(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return nil, fmt.Errorf("query gas price: %w", err)
	}
	if err := b.rpc.CallContext(ctx, &tip, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, fmt.Errorf("query priority fee: %w", err)
	}

	tx, err := gethtypes.SignNewTx(b.key, b.signer, &gethtypes.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     uint64(nonce),
		To:        &b.cfg.EntryPoint,
		Gas:       bundle.TotalGas() + b.cfg.BundleGasOverhead,
		GasFeeCap: (*big.Int)(&gasPrice),
		GasTipCap: (*big.Int)(&tip),
		Data:      calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("sign bundle tx: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode bundle tx: %w", err)
	}

	var txHash common.Hash
	if err := b.rpc.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return nil, fmt.Errorf("send bundle tx: %w", err)
	}
	b.logger.Info("Bundle submitted", "tx", txHash.Hex(), "ops", len(bundle.Ops))

	return b.waitReceipt(ctx, txHash, calldata)
}

type receiptJSON struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
}

func (b *EthBackend) waitReceipt(ctx context.Context, txHash common.Hash, calldata []byte) (*types.BundleReceipt, error) {
	ticker := time.NewTicker(b.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}

		var rcpt *receiptJSON
		if err := b.rpc.CallContext(ctx, &rcpt, "eth_getTransactionReceipt", txHash); err != nil {
			return nil, fmt.Errorf("query receipt: %w", err)
		}
		if rcpt == nil {
			continue
		}
		if rcpt.Status == 0 {
			return nil, b.revertCause(ctx, calldata, uint64(rcpt.BlockNumber))
		}
		return &types.BundleReceipt{
			TxHash:      txHash,
			BlockNumber: uint64(rcpt.BlockNumber),
			GasUsed:     uint64(rcpt.GasUsed),
		}, nil
	}
}

// revertCause replays the reverted bundle call to recover the revert data
// and identify the offending operation from a FailedOp error.
func (b *EthBackend) revertCause(ctx context.Context, calldata []byte, blockNumber uint64) error {
	callArgs := map[string]interface{}{
		"from": b.from,
		"to":   b.cfg.EntryPoint,
		"data": hexutil.Bytes(calldata),
	}
	var out hexutil.Bytes
	err := b.rpc.CallContext(ctx, &out, "eth_call", callArgs, hexutil.Uint64(blockNumber))
	if err == nil {
		return errors.New("bundle transaction reverted without revert data")
	}

	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return fmt.Errorf("bundle reverted, replay failed: %w", err)
	}
	data, ok := dataErr.ErrorData().(string)
	if !ok {
		return fmt.Errorf("bundle reverted: %w", err)
	}
	revert, decodeErr := hexutil.Decode(data)
	if decodeErr != nil || len(revert) < 4 || [4]byte(revert[:4]) != failedOpSelector {
		return fmt.Errorf("bundle reverted: %w", err)
	}
	opIndex, reason, decodeErr := decodeFailedOp(revert[4:])
	if decodeErr != nil {
		return fmt.Errorf("bundle reverted, undecodable FailedOp: %w", err)
	}
	return &FailedOpError{OpIndex: opIndex, Reason: reason}
}

// decodeFailedOp unpacks FailedOp(uint256 opIndex, string reason) arguments.
func decodeFailedOp(data []byte) (int, string, error) {
	uint256Type, _ := abi.NewType("uint256", "", nil)
	stringType, _ := abi.NewType("string", "", nil)
	args := abi.Arguments{{Type: uint256Type}, {Type: stringType}}
	values, err := args.Unpack(data)
	if err != nil {
		return 0, "", err
	}
	index, ok := values[0].(*big.Int)
	if !ok {
		return 0, "", errors.New("unexpected FailedOp index type")
	}
	reason, ok := values[1].(string)
	if !ok {
		return 0, "", errors.New("unexpected FailedOp reason type")
	}
	return int(index.Int64()), reason, nil
}

// DepositInfo implements Backend via the entry point's stake registry.
func (b *EthBackend) DepositInfo(ctx context.Context, addr common.Address) (*reputation.StakeInfo, error) {
	calldata, err := b.abi.Pack("getDepositInfo", addr)
	if err != nil {
		return nil, fmt.Errorf("pack getDepositInfo: %w", err)
	}
	callArgs := map[string]interface{}{
		"to":   b.cfg.EntryPoint,
		"data": hexutil.Bytes(calldata),
	}
	var out hexutil.Bytes
	if err := b.rpc.CallContext(ctx, &out, "eth_call", callArgs, "latest"); err != nil {
		return nil, fmt.Errorf("query deposit info: %w", err)
	}

	var decoded struct {
		Info struct {
			Deposit         *big.Int
			Staked          bool
			Stake           *big.Int
			UnstakeDelaySec uint32
			WithdrawTime    *big.Int
		}
	}
	if err := b.abi.UnpackIntoInterface(&decoded, "getDepositInfo", out); err != nil {
		return nil, fmt.Errorf("decode deposit info: %w", err)
	}
	return &reputation.StakeInfo{
		Address:         addr,
		Deposit:         decoded.Info.Deposit,
		Staked:          decoded.Info.Staked,
		Stake:           decoded.Info.Stake,
		UnstakeDelaySec: uint64(decoded.Info.UnstakeDelaySec),
	}, nil
}
