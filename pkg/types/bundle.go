package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Bundle is an ordered batch of operations selected for one submission
// attempt. It is created fresh per bundling cycle and never mutated after
// being handed to the submitter.
type Bundle struct {
	Ops         []*UserOperation `json:"ops"`
	Hashes      []common.Hash    `json:"hashes"`
	Beneficiary common.Address   `json:"beneficiary"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// TotalGas is the summed worst-case gas of every operation in the bundle.
func (b *Bundle) TotalGas() uint64 {
	var total uint64
	for _, op := range b.Ops {
		total += op.TotalGas()
	}
	return total
}

// Key identifies the bundle contents regardless of when it was built, used
// to detect the same bundle failing submission repeatedly.
func (b *Bundle) Key() common.Hash {
	buf := make([]byte, 0, len(b.Hashes)*common.HashLength)
	for _, h := range b.Hashes {
		buf = append(buf, h.Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

// BundleReceipt is the confirmed outcome of a bundle submission.
type BundleReceipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
}

// ValidationResult is the successful outcome of simulating one operation.
// Rule violations and simulation reverts are reported as typed errors, not
// through this struct.
type ValidationResult struct {
	OpHash   common.Hash `json:"opHash"`
	PreOpGas uint64      `json:"preOpGas"`

	CallGasLimit                  uint64 `json:"callGasLimit"`
	VerificationGasLimit          uint64 `json:"verificationGasLimit"`
	PaymasterVerificationGasLimit uint64 `json:"paymasterVerificationGasLimit"`

	ValidAfter uint64 `json:"validAfter"`
	ValidUntil uint64 `json:"validUntil"`

	ValidatedAt time.Time `json:"validatedAt"`
}
