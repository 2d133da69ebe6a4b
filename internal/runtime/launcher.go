// launcher.go wires one full runtime per account and runs them
// concurrently. A crashing runtime never takes the others down; the
// launcher reports every failure when all have terminated.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"polyarb/internal/config"
	"polyarb/internal/detector"
	"polyarb/internal/executor"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/internal/stream"
	"polyarb/internal/venue"
)

// Build assembles a complete runtime for one account: venue clients
// behind a shared rate limiter, position store keyed by wallet, capital
// gate, streamer, and the detector selected by cfg.Strategy.Name.
func Build(ctx context.Context, cfg *config.Config, acct *config.Account, logger *slog.Logger) (*Runtime, error) {
	rl := venue.NewRateLimiter("venue", venue.DefaultTiers(), logger)

	primary, err := venue.NewPolymarket(cfg, acct, rl, logger)
	if err != nil {
		return nil, fmt.Errorf("primary venue: %w", err)
	}
	if !cfg.DryRun && !primary.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1")
		if _, err := primary.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
	}

	clients := []venue.Client{primary}
	var secondary venue.Client
	if cfg.Strategy.Name == "cross_platform" {
		k, err := venue.NewKalshi(cfg, acct, rl, logger)
		if err != nil {
			return nil, fmt.Errorf("secondary venue: %w", err)
		}
		secondary = k
		clients = append(clients, k)
	}

	st, err := store.Open(cfg.Store.DataDir, shortAddr(primary.Address()), logger)
	if err != nil {
		return nil, fmt.Errorf("position store: %w", err)
	}

	fee := cfg.Strategy.EstimatedFee
	if acct.DefaultSlippage > 0 {
		fee = acct.DefaultSlippage
	}
	exec := executor.New(clients, st, fee, logger)

	gate := risk.NewGate(cfg.Risk, logger)
	streamer := stream.New(cfg, logger)

	var matcher *market.Matcher
	if cfg.Calendar.UseLLM || cfg.CrossPlatform.UseLLM {
		matcher = market.NewMatcher(cfg, acct.GeminiAPIKey, logger)
	}

	det, err := detector.New(cfg.Strategy.Name, detector.Deps{
		Config:    cfg,
		Catalog:   market.NewCatalog(cfg, logger),
		Executor:  exec,
		Primary:   primary,
		Secondary: secondary,
		Matcher:   matcher,
		Gate:      gate,
		Streamer:  streamer,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY-RUN"
	}
	logger.Info("runtime assembled",
		"strategy", det.Name(),
		"wallet", shortAddr(primary.Address()),
		"signature_mode", acct.SignatureMode(),
		"mode", mode,
	)

	return New(cfg, det, exec, st, streamer, gate, logger), nil
}

// RunAll runs every runtime until ctx is cancelled or all have
// terminated, and returns the joined failures.
func RunAll(ctx context.Context, runtimes []*Runtime) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(runtimes))

	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errCh <- fmt.Errorf("strategy runtime panicked: %v", rec)
				}
			}()
			if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}(rt)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// shortAddr trims a wallet address to the store-file key length.
func shortAddr(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:8]
}
