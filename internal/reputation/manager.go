// Package reputation tracks how much pool attention each entity (sender,
// paymaster, factory or aggregator address) consumes relative to how often
// its operations actually land on chain, and throttles or bans entities that
// burn capacity without getting included.
package reputation

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Status is the derived admission tier of an entity.
type Status int

const (
	StatusOK Status = iota
	StatusThrottled
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusThrottled:
		return "throttled"
	case StatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Config holds the throttle/ban thresholds and the counter window.
type Config struct {
	// MinInclusionRate is the denominator of the expected inclusion ratio:
	// an entity is expected to have at least opsSeen/MinInclusionRate of
	// its operations included.
	MinInclusionRate uint64
	// ThrottleSlack is how far below the expected inclusions an entity may
	// fall before being throttled.
	ThrottleSlack uint64
	// BanSlack is how far below the expected inclusions an unstaked entity
	// may fall before being banned.
	BanSlack uint64
	// Window is the sliding counter window; both counters reset to zero
	// once the window elapses.
	Window time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinInclusionRate: 10,
		ThrottleSlack:    10,
		BanSlack:         50,
		Window:           time.Hour,
	}
}

// StakeInfo is externally supplied stake state for an entity. Staked
// entities are never banned outright, only throttled.
type StakeInfo struct {
	Address         common.Address `json:"address"`
	Deposit         *big.Int       `json:"deposit"`
	Staked          bool           `json:"staked"`
	Stake           *big.Int       `json:"stake"`
	UnstakeDelaySec uint64         `json:"unstakeDelaySec"`
}

type entry struct {
	opsSeen     uint64
	opsIncluded uint64
	windowStart time.Time
}

// EntryDump is one entity's reputation state as reported by Dump.
type EntryDump struct {
	Address     common.Address `json:"address"`
	OpsSeen     uint64         `json:"opsSeen"`
	OpsIncluded uint64         `json:"opsIncluded"`
	Status      string         `json:"status"`
}

// Manager holds per-entity counters. Lookups never fail: an unknown entity
// is a fresh OK entry. Status is recomputed from the counters on every read,
// never cached.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	entries   map[common.Address]*entry
	overrides map[common.Address]Status
	staked    func(common.Address) bool
	logger    log.Logger
}

// New creates a manager. staked reports externally supplied stake state and
// may be nil, in which case no entity is considered staked.
func New(cfg Config, staked func(common.Address) bool) *Manager {
	if staked == nil {
		staked = func(common.Address) bool { return false }
	}
	return &Manager{
		cfg:       cfg,
		entries:   make(map[common.Address]*entry),
		overrides: make(map[common.Address]Status),
		staked:    staked,
		logger:    log.New("module", "reputation"),
	}
}

// get returns the live entry for addr, creating it lazily and applying the
// window reset. Callers must hold mu.
func (m *Manager) get(addr common.Address) *entry {
	e, ok := m.entries[addr]
	if !ok {
		e = &entry{windowStart: time.Now()}
		m.entries[addr] = e
		return e
	}
	if time.Since(e.windowStart) >= m.cfg.Window {
		e.opsSeen = 0
		e.opsIncluded = 0
		e.windowStart = time.Now()
	}
	return e
}

// NoteSeen records that operations referencing the entities entered the
// admission pipeline.
func (m *Manager) NoteSeen(addrs ...common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addrs {
		m.get(addr).opsSeen++
	}
}

// NoteIncluded records that operations referencing the entities were
// confirmed on chain.
func (m *Manager) NoteIncluded(addrs ...common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addrs {
		e := m.get(addr)
		e.opsIncluded++
		// Inclusion implies the operation was seen; keep the invariant
		// opsIncluded <= opsSeen even across a window reset.
		if e.opsIncluded > e.opsSeen {
			e.opsSeen = e.opsIncluded
		}
	}
}

// Status derives the entity's admission tier. An administrative override
// always wins; otherwise the tier is a pure function of the two counters.
func (m *Manager) Status(addr common.Address) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(addr)
}

func (m *Manager) statusLocked(addr common.Address) Status {
	if st, ok := m.overrides[addr]; ok {
		return st
	}
	e, ok := m.entries[addr]
	if !ok {
		return StatusOK
	}
	if time.Since(e.windowStart) >= m.cfg.Window {
		// Window elapsed; counters are logically zero even if the next
		// Note call has not materialized the reset yet.
		return StatusOK
	}
	minExpected := e.opsSeen / m.cfg.MinInclusionRate
	switch {
	case minExpected <= e.opsIncluded+m.cfg.ThrottleSlack:
		return StatusOK
	case minExpected <= e.opsIncluded+m.cfg.BanSlack || m.staked(addr):
		return StatusThrottled
	default:
		return StatusBanned
	}
}

// SetStatus installs an administrative override for the entity. The override
// survives window resets; StatusOK with a prior override removes it.
func (m *Manager) SetStatus(addr common.Address, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == StatusOK {
		delete(m.overrides, addr)
	} else {
		m.overrides[addr] = st
	}
	m.logger.Info("Reputation override set", "entity", addr.Hex(), "status", st.String())
}

// Clear drops all counters and overrides.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[common.Address]*entry)
	m.overrides = make(map[common.Address]Status)
	m.logger.Info("Reputation cleared")
}

// Dump returns every tracked entity ordered by address.
func (m *Manager) Dump() []EntryDump {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EntryDump, 0, len(m.entries))
	for addr, e := range m.entries {
		out = append(out, EntryDump{
			Address:     addr,
			OpsSeen:     e.opsSeen,
			OpsIncluded: e.opsIncluded,
			Status:      m.statusLocked(addr).String(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}
