// Prediction-market arbitrage engine — runs one or more trading
// strategies that scan binary markets, detect pricing inefficiencies,
// execute multi-leg trades atomically, and manage positions to exit.
//
// Architecture:
//
//	main.go                — entry point: flags, credentials, launcher, SIGINT/SIGTERM
//	runtime/runtime.go     — per-account scan/monitor/stats loops, penny-defense wiring
//	runtime/launcher.go    — builds one runtime per --env account, runs them concurrently
//	detector/              — the strategies: extreme_price, calendar_arbitrage,
//	                         cross_platform, spread_arbitrage, arbitrage
//	executor/executor.go   — order placement, liquidity probe, fill simulation,
//	                         atomic two-leg entry with orphan rollback
//	market/catalog.go      — paginated market catalog poller
//	market/cluster.go      — temporal normalization + similarity clustering
//	market/llm.go          — optional semantic matcher behind a strict JSON contract
//	venue/polymarket.go    — primary CLOB client (EIP-712/HMAC auth, chain balance fallback)
//	venue/kalshi.go        — secondary venue client (cent prices normalized to probabilities)
//	stream/streamer.go     — reconnecting market-data feed with health watchdog
//	store/store.go         — crash-safe JSON position store, one file per wallet
//	risk/manager.go        — capital gate: committed + reserved ≤ balance
//
// Usage:
//
//	bot --strategy calendar_arbitrage --env config/account1.env --env config/account2.env
//	bot --strategy extreme_price --env config/.env --strategy-args '{"extreme_price":{"buy_threshold":0.005}}' --dry-run
//
// Exit codes: 0 normal shutdown, 1 configuration error, 2 strategy crashed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"polyarb/internal/config"
	"polyarb/internal/detector"
	"polyarb/internal/runtime"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitCrashed     = 2
)

// stringList is a repeatable flag value (--env a.env --env b.env).
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		strategyName = flag.String("strategy", "", "built-in strategy: "+strings.Join(detector.Names(), ", "))
		strategyPath = flag.String("strategy-path", "", "out-of-tree strategy path (unsupported; see below)")
		envPaths     stringList
		strategyArgs = flag.String("strategy-args", "", "JSON object of config overrides")
		configPath   = flag.String("config", "", "optional YAML config file")
		dryRun       = flag.Bool("dry-run", false, "simulate trades without posting orders")
		logLevel     = flag.String("log-level", "INFO", "DEBUG, INFO, WARNING or ERROR")
		logRotation  = flag.String("log-rotation", "size", "log rotation mode: size or time")
	)
	flag.Var(&envPaths, "env", "path to account credential file (repeatable, one per account)")
	flag.Parse()

	if *strategyPath != "" {
		fmt.Fprintln(os.Stderr,
			"--strategy-path is not supported: strategies are a build-time registry.\n"+
				"Compile your strategy into the binary with detector.Register and select it with --strategy.")
		return exitConfigError
	}
	if *logRotation != "size" && *logRotation != "time" {
		fmt.Fprintf(os.Stderr, "invalid --log-rotation %q (size or time)\n", *logRotation)
		return exitConfigError
	}

	var overrides map[string]any
	if *strategyArgs != "" {
		if err := json.Unmarshal([]byte(*strategyArgs), &overrides); err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse --strategy-args: %v\n", err)
			return exitConfigError
		}
	}

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfigError
	}
	if *strategyName != "" {
		cfg.Strategy.Name = *strategyName
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitConfigError
	}

	logger := newLogger(*logLevel, cfg.Logging.Format)

	// One account per --env file; no --env falls back to the process env.
	paths := []string(envPaths)
	if len(paths) == 0 {
		paths = []string{""}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtimes := make([]*runtime.Runtime, 0, len(paths))
	for _, path := range paths {
		acct, err := config.LoadAccount(path)
		if err != nil {
			logger.Error("failed to load credentials", "path", path, "error", err)
			return exitConfigError
		}
		if err := acct.Validate(cfg.DryRun); err != nil {
			logger.Error("invalid credentials", "path", path, "error", err)
			return exitConfigError
		}

		rt, err := runtime.Build(ctx, cfg, acct, logger)
		if err != nil {
			logger.Error("failed to build runtime", "path", path, "error", err)
			return exitConfigError
		}
		runtimes = append(runtimes, rt)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("arbitrage engine started",
		"strategy", cfg.Strategy.Name,
		"accounts", len(runtimes),
		"scan_interval", cfg.Strategy.ScanInterval,
		"dry_run", cfg.DryRun,
	)

	// Cancel all runtimes on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := runtime.RunAll(ctx, runtimes); err != nil {
		logger.Error("strategy crashed", "error", err)
		return exitCrashed
	}

	logger.Info("shutdown complete")
	return exitOK
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
