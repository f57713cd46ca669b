package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relayer configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Backend    BackendConfig    `yaml:"backend"`
	Pool       PoolConfig       `yaml:"pool"`
	Reputation ReputationConfig `yaml:"reputation"`
	Bundler    BundlerConfig    `yaml:"bundler"`
	Gas        GasConfig        `yaml:"gas"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NodeConfig holds the RPC shell settings.
type NodeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	EntryPoint string `yaml:"entry_point"`
	// DebugAPI enables the debug_bundler_* method family.
	DebugAPI bool `yaml:"debug_api"`
}

// BackendConfig holds the execution client connection settings.
type BackendConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	SignerKey           string        `yaml:"signer_key"`
	SimulationCode      string        `yaml:"simulation_code"`
	CollectorTracer     string        `yaml:"collector_tracer"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	BundleGasOverhead   uint64        `yaml:"bundle_gas_overhead"`
}

// PoolConfig holds mempool limits.
type PoolConfig struct {
	MaxSize              int   `yaml:"max_size"`
	PriceBumpPercent     int64 `yaml:"price_bump_percent"`
	ThrottledEntityLimit int   `yaml:"throttled_entity_limit"`
}

// ReputationConfig holds throttle/ban thresholds.
type ReputationConfig struct {
	MinInclusionRate uint64        `yaml:"min_inclusion_rate"`
	ThrottleSlack    uint64        `yaml:"throttle_slack"`
	BanSlack         uint64        `yaml:"ban_slack"`
	Window           time.Duration `yaml:"window"`
}

// BundlerConfig holds the cycle parameters.
type BundlerConfig struct {
	Interval                 time.Duration `yaml:"interval"`
	MaxBundleOps             int           `yaml:"max_bundle_ops"`
	MaxBundleGas             uint64        `yaml:"max_bundle_gas"`
	PoolSizeTrigger          int           `yaml:"pool_size_trigger"`
	SubmitTimeout            time.Duration `yaml:"submit_timeout"`
	MaxBundleAttempts        int           `yaml:"max_bundle_attempts"`
	Beneficiary              string        `yaml:"beneficiary"`
	MinSignerBalanceWei      string        `yaml:"min_signer_balance_wei"`
	ValidationStaleness      time.Duration `yaml:"validation_staleness"`
	MaxConcurrentValidations int           `yaml:"max_concurrent_validations"`
}

// MinSignerBalance parses the configured self-funding floor.
func (c *BundlerConfig) MinSignerBalance() (*big.Int, error) {
	if c.MinSignerBalanceWei == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(c.MinSignerBalanceWei, 10)
	if !ok {
		return nil, fmt.Errorf("invalid min_signer_balance_wei %q", c.MinSignerBalanceWei)
	}
	return v, nil
}

// GasConfig holds the estimation margins. These are empirically tuned
// safety numbers.
type GasConfig struct {
	CallGasMargin         uint64 `yaml:"call_gas_margin"`
	VerificationGasMargin uint64 `yaml:"verification_gas_margin"`
	PaymasterGasMargin    uint64 `yaml:"paymaster_gas_margin"`
	AccountOverheadBps    int    `yaml:"account_overhead_bps"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses a YAML config file, expanding environment
// variables first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddr: "0.0.0.0:4337",
			EntryPoint: "0x0000000071727De22E5E9d8BAf0edAc6f37da032",
			DebugAPI:   false,
		},
		Backend: BackendConfig{
			RPCURL:              "http://localhost:8545",
			ReceiptPollInterval: 2 * time.Second,
			BundleGasOverhead:   100_000,
		},
		Pool: PoolConfig{
			MaxSize:              5000,
			PriceBumpPercent:     10,
			ThrottledEntityLimit: 1,
		},
		Reputation: ReputationConfig{
			MinInclusionRate: 10,
			ThrottleSlack:    10,
			BanSlack:         50,
			Window:           time.Hour,
		},
		Bundler: BundlerConfig{
			Interval:                 30 * time.Second,
			MaxBundleOps:             50,
			MaxBundleGas:             15_000_000,
			PoolSizeTrigger:          10,
			SubmitTimeout:            2 * time.Minute,
			MaxBundleAttempts:        3,
			MinSignerBalanceWei:      "100000000000000000",
			ValidationStaleness:      15 * time.Second,
			MaxConcurrentValidations: 4,
		},
		Gas: GasConfig{
			CallGasMargin:         2000,
			VerificationGasMargin: 3000,
			PaymasterGasMargin:    3000,
			AccountOverheadBps:    5700,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:6060",
		},
	}
}
