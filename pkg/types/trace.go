package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CallFrame is one node of the nested call tree produced by simulating an
// operation. The shape matches the execution client's call tracer output so
// frames decode straight from a debug_traceCall response.
type CallFrame struct {
	Type    string          `json:"type"`
	From    common.Address  `json:"from"`
	To      *common.Address `json:"to,omitempty"`
	Input   hexutil.Bytes   `json:"input"`
	Output  hexutil.Bytes   `json:"output,omitempty"`
	GasUsed hexutil.Uint64  `json:"gasUsed"`
	Error   string          `json:"error,omitempty"`
	Calls   []CallFrame     `json:"calls,omitempty"`
}

// Selector returns the 4-byte method selector of the frame input, or zero
// when the input is shorter than a selector.
func (f *CallFrame) Selector() [4]byte {
	var sel [4]byte
	if len(f.Input) >= 4 {
		copy(sel[:], f.Input[:4])
	}
	return sel
}

// Callee returns the frame target, or the zero address for create frames
// that carry no target.
func (f *CallFrame) Callee() common.Address {
	if f.To == nil {
		return common.Address{}
	}
	return *f.To
}

// StorageAccess is one storage slot touched during simulation, attributed to
// the account whose storage it belongs to.
type StorageAccess struct {
	Account common.Address `json:"account"`
	Slot    common.Hash    `json:"slot"`
	Write   bool           `json:"write"`
}

// ValidationTrace is the full output of one simulation run: the call tree
// plus the bookkeeping the opcode/storage rules and the gas estimator need.
// Opcode usage and storage accesses are grouped by the entity whose
// validation phase performed them.
type ValidationTrace struct {
	Root       *CallFrame                        `json:"root"`
	PreOpGas   uint64                            `json:"preOpGas"`
	ValidAfter uint64                            `json:"validAfter"`
	ValidUntil uint64                            `json:"validUntil"`
	Opcodes    map[common.Address]map[string]int `json:"opcodes,omitempty"`
	Storage    map[common.Address][]StorageAccess `json:"storage,omitempty"`
}
