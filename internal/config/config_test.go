package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  listen_addr: "127.0.0.1:9000"
  debug_api: true
bundler:
  interval: 5s
  max_bundle_ops: 7
pool:
  max_size: 100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Node.ListenAddr)
	assert.True(t, cfg.Node.DebugAPI)
	assert.Equal(t, 5*time.Second, cfg.Bundler.Interval)
	assert.Equal(t, 7, cfg.Bundler.MaxBundleOps)
	assert.Equal(t, 100, cfg.Pool.MaxSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, "0x0000000071727De22E5E9d8BAf0edAc6f37da032", cfg.Node.EntryPoint)
	assert.Equal(t, uint64(10), cfg.Reputation.MinInclusionRate)
	assert.Equal(t, 2*time.Second, cfg.Backend.ReceiptPollInterval)
	assert.Equal(t, 5700, cfg.Gas.AccountOverheadBps)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_RPC_URL", "http://node.internal:8545")
	t.Setenv("TEST_SIGNER_KEY", "deadbeef")

	path := writeConfig(t, `
backend:
  rpc_url: "${TEST_RPC_URL}"
  signer_key: "${TEST_SIGNER_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://node.internal:8545", cfg.Backend.RPCURL)
	assert.Equal(t, "deadbeef", cfg.Backend.SignerKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "node: [not, a, mapping]")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestMinSignerBalance(t *testing.T) {
	cfg := DefaultConfig()
	v, err := cfg.Bundler.MinSignerBalance()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1e17), v)

	cfg.Bundler.MinSignerBalanceWei = ""
	v, err = cfg.Bundler.MinSignerBalance()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int64())

	cfg.Bundler.MinSignerBalanceWei = "not-a-number"
	_, err = cfg.Bundler.MinSignerBalance()
	assert.Error(t, err)
}
