package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is a signed account-abstraction intent submitted for
// inclusion. It is validated and aggregated by the relayer before it ever
// reaches the chain; the struct itself is treated as immutable once admitted.
type UserOperation struct {
	Sender common.Address `json:"sender"`
	Nonce  *hexutil.Big   `json:"nonce"`

	Factory     *common.Address `json:"factory,omitempty"`
	FactoryData hexutil.Bytes   `json:"factoryData,omitempty"`

	CallData hexutil.Bytes `json:"callData"`

	CallGasLimit         hexutil.Uint64 `json:"callGasLimit"`
	VerificationGasLimit hexutil.Uint64 `json:"verificationGasLimit"`
	PreVerificationGas   hexutil.Uint64 `json:"preVerificationGas"`

	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`

	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit hexutil.Uint64  `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       hexutil.Uint64  `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`

	Signature hexutil.Bytes `json:"signature"`
}

var (
	typeAddress = mustNewType("address")
	typeUint256 = mustNewType("uint256")
	typeBytes32 = mustNewType("bytes32")

	// Canonical packed encoding hashed into the operation identity.
	packedOpArgs = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // hash(initCode)
		{Type: typeBytes32}, // hash(callData)
		{Type: typeBytes32}, // accountGasLimits
		{Type: typeUint256}, // preVerificationGas
		{Type: typeBytes32}, // gasFees
		{Type: typeBytes32}, // hash(paymasterAndData)
	}

	opHashArgs = abi.Arguments{
		{Type: typeBytes32}, // hash(packed op)
		{Type: typeAddress}, // entry point
		{Type: typeUint256}, // chain id
	}
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// NonceBig returns the nonce as a big integer, never nil.
func (op *UserOperation) NonceBig() *big.Int {
	if op.Nonce == nil {
		return new(big.Int)
	}
	return (*big.Int)(op.Nonce)
}

// NonceKey is the map key used where operations from the same sender must be
// distinguished by nonce.
func (op *UserOperation) NonceKey() string {
	return op.NonceBig().String()
}

// MaxFee returns the max fee per gas, never nil.
func (op *UserOperation) MaxFee() *big.Int {
	if op.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return (*big.Int)(op.MaxFeePerGas)
}

// MaxPriorityFee returns the max priority fee per gas, never nil.
func (op *UserOperation) MaxPriorityFee() *big.Int {
	if op.MaxPriorityFeePerGas == nil {
		return new(big.Int)
	}
	return (*big.Int)(op.MaxPriorityFeePerGas)
}

// InitCode is the concatenated factory address and factory calldata, empty
// when the sender account already exists.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+len(op.FactoryData))
	out = append(out, op.Factory.Bytes()...)
	return append(out, op.FactoryData...)
}

// PaymasterAndData is the concatenated paymaster address, packed paymaster
// gas limits and paymaster calldata, empty when the sender pays for itself.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	packed := packUint128Pair(uint64(op.PaymasterVerificationGasLimit), uint64(op.PaymasterPostOpGasLimit))
	out = append(out, packed[:]...)
	return append(out, op.PaymasterData...)
}

// Entities returns every reputation-tracked address the operation touches:
// always the sender, plus the paymaster and factory when present.
func (op *UserOperation) Entities() []common.Address {
	out := []common.Address{op.Sender}
	if op.Paymaster != nil {
		out = append(out, *op.Paymaster)
	}
	if op.Factory != nil {
		out = append(out, *op.Factory)
	}
	return out
}

// TotalGas is the worst-case gas footprint of the operation inside a bundle,
// used for bundle gas accounting.
func (op *UserOperation) TotalGas() uint64 {
	return uint64(op.PreVerificationGas) +
		uint64(op.VerificationGasLimit) +
		uint64(op.CallGasLimit) +
		uint64(op.PaymasterVerificationGasLimit) +
		uint64(op.PaymasterPostOpGasLimit)
}

// Hash derives the operation identity: keccak over the canonical packed
// encoding, bound to the entry point and chain id.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	accountGasLimits := packUint128Pair(uint64(op.VerificationGasLimit), uint64(op.CallGasLimit))
	gasFees := packBigPair(op.MaxPriorityFee(), op.MaxFee())

	packed, err := packedOpArgs.Pack(
		op.Sender,
		op.NonceBig(),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		accountGasLimits,
		new(big.Int).SetUint64(uint64(op.PreVerificationGas)),
		gasFees,
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
	if err != nil {
		// Arguments are fixed at compile time; packing scalar values
		// cannot fail at runtime.
		panic(err)
	}

	enc, err := opHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// packUint128Pair packs two values into one 32-byte word, high half first.
func packUint128Pair(hi, lo uint64) [32]byte {
	var out [32]byte
	new(big.Int).SetUint64(hi).FillBytes(out[:16])
	new(big.Int).SetUint64(lo).FillBytes(out[16:])
	return out
}

func packBigPair(hi, lo *big.Int) [32]byte {
	var out [32]byte
	hi.FillBytes(out[:16])
	lo.FillBytes(out[16:])
	return out
}
