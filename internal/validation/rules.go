package validation

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaykit/bundler/pkg/types"
)

// ViolationError reports a banned opcode or a storage access outside the
// allowed pattern during an entity's validation phase.
type ViolationError struct {
	Entity common.Address
	Opcode string
	Slot   *common.Hash
}

func (e *ViolationError) Error() string {
	if e.Slot != nil {
		return fmt.Sprintf("entity %s accessed forbidden storage slot %s", e.Entity.Hex(), e.Slot.Hex())
	}
	return fmt.Sprintf("entity %s used banned opcode %s", e.Entity.Hex(), e.Opcode)
}

// Rules enforces the protocol's opcode and storage restrictions on
// validation-phase execution. Validation must be environment-independent so
// an operation valid in simulation stays valid at inclusion time; opcodes
// reading block context are therefore banned, and entities may only read
// storage tied to the account under validation unless they are staked.
type Rules struct {
	banned map[string]struct{}
}

// DefaultBannedOpcodes is the environment-dependent opcode set rejected
// during validation.
var DefaultBannedOpcodes = []string{
	"GASPRICE", "GASLIMIT", "DIFFICULTY", "PREVRANDAO", "TIMESTAMP",
	"BASEFEE", "BLOCKHASH", "NUMBER", "BALANCE", "ORIGIN", "COINBASE",
	"SELFDESTRUCT", "CREATE", "BLOBHASH", "BLOBBASEFEE",
}

// NewRules builds the rule set; a nil opcode list uses the defaults.
func NewRules(bannedOpcodes []string) *Rules {
	if bannedOpcodes == nil {
		bannedOpcodes = DefaultBannedOpcodes
	}
	banned := make(map[string]struct{}, len(bannedOpcodes))
	for _, op := range bannedOpcodes {
		banned[op] = struct{}{}
	}
	return &Rules{banned: banned}
}

// CheckTrace verifies every entity's recorded opcode usage and storage
// accesses. staked reports externally supplied stake status; staked entities
// are granted access to storage associated with the sender account.
func (r *Rules) CheckTrace(trace *types.ValidationTrace, op *types.UserOperation, staked func(common.Address) bool) error {
	for _, entity := range op.Entities() {
		for opcode := range trace.Opcodes[entity] {
			if _, bad := r.banned[opcode]; bad {
				return &ViolationError{Entity: entity, Opcode: opcode}
			}
		}
		for _, access := range trace.Storage[entity] {
			if r.storageAllowed(entity, op.Sender, access, staked) {
				continue
			}
			slot := access.Slot
			return &ViolationError{Entity: entity, Slot: &slot}
		}
	}
	return nil
}

// storageAllowed applies the access pattern: an entity may always touch its
// own storage, the sender may be touched by anyone validating on its behalf,
// and staked entities get the wider sender-associated latitude.
func (r *Rules) storageAllowed(entity, sender common.Address, access types.StorageAccess, staked func(common.Address) bool) bool {
	if access.Account == entity {
		return true
	}
	if access.Account == sender {
		return true
	}
	return staked != nil && staked(entity)
}
