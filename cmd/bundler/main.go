package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/relaykit/bundler/internal/bundler"
	"github.com/relaykit/bundler/internal/client"
	"github.com/relaykit/bundler/internal/config"
	"github.com/relaykit/bundler/internal/gas"
	"github.com/relaykit/bundler/internal/mempool"
	"github.com/relaykit/bundler/internal/metrics"
	"github.com/relaykit/bundler/internal/reputation"
	"github.com/relaykit/bundler/internal/rpc"
	"github.com/relaykit/bundler/internal/validation"
)

var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "bundler",
		Short: "UserOperation relayer and bundler node",
		Long: `Relayer/admission-control node for signed user operations: validates
them against the protocol safety rules by simulation, holds them in a
prioritized mempool under per-entity reputation limits, and periodically
aggregates them into bundles submitted as a single transaction.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the bundler node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Logging is not up yet; report on stderr through cobra.
		return err
	}

	setupLogging(cfg.Logging)
	logger := log.New("module", "main")
	logger.Info("Bundler starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entryPoint := common.HexToAddress(cfg.Node.EntryPoint)

	var simulationCode hexutil.Bytes
	if cfg.Backend.SimulationCode != "" {
		simulationCode, err = hexutil.Decode(cfg.Backend.SimulationCode)
		if err != nil {
			logger.Error("Invalid simulation_code", "err", err)
			return err
		}
	}
	backend, err := client.Dial(ctx, client.Config{
		RPCURL:              cfg.Backend.RPCURL,
		EntryPoint:          entryPoint,
		SimulationCode:      simulationCode,
		CollectorTracer:     cfg.Backend.CollectorTracer,
		SignerKey:           cfg.Backend.SignerKey,
		ReceiptPollInterval: cfg.Backend.ReceiptPollInterval,
		BundleGasOverhead:   cfg.Backend.BundleGasOverhead,
	})
	if err != nil {
		logger.Error("Failed to connect backend", "err", err)
		return err
	}
	defer backend.Close()

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		logger.Error("Failed to query chain id", "err", err)
		return err
	}

	stakes := client.NewStakeCache(backend, 5*time.Minute)

	rep := reputation.New(reputation.Config{
		MinInclusionRate: cfg.Reputation.MinInclusionRate,
		ThrottleSlack:    cfg.Reputation.ThrottleSlack,
		BanSlack:         cfg.Reputation.BanSlack,
		Window:           cfg.Reputation.Window,
	}, stakes.Staked)

	pool := mempool.New(mempool.Config{
		MaxSize:              cfg.Pool.MaxSize,
		PriceBumpPercent:     cfg.Pool.PriceBumpPercent,
		ThrottledEntityLimit: cfg.Pool.ThrottledEntityLimit,
	}, rep)
	logger.Info("Mempool initialized",
		"maxSize", cfg.Pool.MaxSize,
		"priceBump", cfg.Pool.PriceBumpPercent,
	)

	estimator := gas.New(gas.Config{
		CallGasMargin:         cfg.Gas.CallGasMargin,
		VerificationGasMargin: cfg.Gas.VerificationGasMargin,
		PaymasterGasMargin:    cfg.Gas.PaymasterGasMargin,
		AccountOverheadBps:    cfg.Gas.AccountOverheadBps,
	})
	validator := validation.New(backend, estimator, validation.NewRules(nil),
		validation.DefaultSelectors(), entryPoint, stakes.Staked)

	m := metrics.New()
	if cfg.Metrics.Enabled {
		m.Serve(cfg.Metrics.Addr)
	}

	minBalance, err := cfg.Bundler.MinSignerBalance()
	if err != nil {
		logger.Error("Invalid bundler config", "err", err)
		return err
	}
	engine := bundler.New(bundler.Config{
		Interval:                 cfg.Bundler.Interval,
		MaxBundleOps:             cfg.Bundler.MaxBundleOps,
		MaxBundleGas:             cfg.Bundler.MaxBundleGas,
		PoolSizeTrigger:          cfg.Bundler.PoolSizeTrigger,
		SubmitTimeout:            cfg.Bundler.SubmitTimeout,
		MaxBundleAttempts:        cfg.Bundler.MaxBundleAttempts,
		Beneficiary:              common.HexToAddress(cfg.Bundler.Beneficiary),
		MinSignerBalance:         minBalance,
		ValidationStaleness:      cfg.Bundler.ValidationStaleness,
		MaxConcurrentValidations: cfg.Bundler.MaxConcurrentValidations,
	}, pool, rep, validator, backend, m, entryPoint, chainID, backend.SignerAddress())

	go engine.Run(ctx)

	handler := rpc.NewHandler(engine, cfg.Node.DebugAPI)
	server := rpc.NewServer(cfg.Node.ListenAddr, handler)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("RPC server failed", "err", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("RPC server shutdown incomplete", "err", err)
	}
	logger.Info("Bundler stopped")
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level := log.LevelInfo
	switch cfg.Level {
	case "debug":
		level = log.LevelDebug
	case "warn":
		level = log.LevelWarn
	case "error":
		level = log.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = log.JSONHandlerWithLevel(os.Stdout, level)
	} else {
		handler = log.NewTerminalHandlerWithLevel(os.Stdout, level, true)
	}
	log.SetDefault(log.NewLogger(handler))
}
