// Package detector implements the opportunity-detection strategies.
//
// Every strategy is an interchangeable Detector: a cold Scan over fresh
// catalog and book data, warm ShouldEnter/ShouldExit sanity checks, and
// Enter/ExitPosition paths that drive the executor (two-leg strategies
// drive the atomic pair path). Strategies are selected by name through a
// build-time registry keyed by the CLI's --strategy values; out-of-tree
// strategies recompile against Register.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"polyarb/internal/config"
	"polyarb/internal/executor"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/stream"
	"polyarb/internal/venue"
	"polyarb/pkg/types"
)

// Detector is the capability set every strategy implements.
type Detector interface {
	// Name is the registry key, also stamped on positions.
	Name() string
	// Scan reads a fresh market catalog and order books and proposes
	// opportunities. Scans start cold; nothing is cached between them.
	Scan(ctx context.Context) ([]types.Opportunity, error)
	// ShouldEnter is the warm sanity check: balance, liquidity, capacity.
	ShouldEnter(ctx context.Context, opp types.Opportunity) (bool, error)
	// ShouldExit re-evaluates an open position against current books.
	ShouldExit(ctx context.Context, pos types.Position) (bool, error)
	// EnterPosition executes an accepted opportunity.
	EnterPosition(ctx context.Context, opp types.Opportunity) (bool, error)
	// ExitPosition closes a position (all legs of its group).
	ExitPosition(ctx context.Context, pos types.Position) (bool, error)
}

// Deps is everything a detector may need. Secondary and Matcher are nil
// unless the strategy uses them.
type Deps struct {
	Config    *config.Config
	Catalog   *market.Catalog
	Executor  *executor.Executor
	Primary   venue.Client
	Secondary venue.Client
	Matcher   *market.Matcher
	Gate      *risk.Gate
	Streamer  *stream.Streamer
	Logger    *slog.Logger
}

// Constructor builds a detector from its dependencies.
type Constructor func(Deps) (Detector, error)

var registry = map[string]Constructor{}

// Register installs a strategy under its CLI name. Called from init().
func Register(name string, ctor Constructor) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("detector %q registered twice", name))
	}
	registry[name] = ctor
}

// New builds the named detector.
func New(name string, deps Deps) (Detector, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (known: %v)", name, Names())
	}
	return ctor(deps)
}

// Names lists registered strategies in stable order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// maxScanMarkets caps catalog reads per scan.
const maxScanMarkets = 5000

// groupPrefix builds the canonical group ID for a pair, e.g.
// "CAL-<first6>-<first6>".
func groupPrefix(prefix, tokenA, tokenB string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, first6(tokenA), first6(tokenB))
}

func first6(s string) string {
	if len(s) <= 6 {
		return s
	}
	return s[:6]
}

// bestAsk fetches the top of the ask ladder for a token, discarding
// invalid books.
func bestAsk(ctx context.Context, client venue.Client, tokenID string) (types.Level, error) {
	book, err := client.GetOrderBook(ctx, tokenID)
	if err != nil {
		return types.Level{}, err
	}
	if !book.Valid() {
		return types.Level{}, fmt.Errorf("invalid book for %s", tokenID)
	}
	if len(book.Asks) == 0 {
		return types.Level{}, fmt.Errorf("no asks for %s", tokenID)
	}
	return book.Asks[0], nil
}

// bestBid fetches the top of the bid ladder for a token.
func bestBid(ctx context.Context, client venue.Client, tokenID string) (types.Level, error) {
	book, err := client.GetOrderBook(ctx, tokenID)
	if err != nil {
		return types.Level{}, err
	}
	if !book.Valid() {
		return types.Level{}, fmt.Errorf("invalid book for %s", tokenID)
	}
	if len(book.Bids) == 0 {
		return types.Level{}, fmt.Errorf("no bids for %s", tokenID)
	}
	return book.Bids[0], nil
}

// enterSingleLeg is the shared single-leg entry path: reserve capital,
// execute, commit or release.
func enterSingleLeg(ctx context.Context, deps Deps, name string, opp types.Opportunity) (bool, error) {
	leg := opp.Legs[0]
	cost := leg.Price * leg.Size

	if err := deps.Gate.Reserve(cost); err != nil {
		deps.Logger.Warn("entry blocked by capital gate", "strategy", name, "error", err)
		return false, nil
	}

	pos, err := deps.Executor.EnterSingle(ctx, name, opp)
	if err != nil {
		deps.Gate.Release(cost)
		if venue.IsRejection(err) {
			deps.Logger.Warn("venue rejected entry", "strategy", name, "error", err)
			return false, nil
		}
		return false, err
	}

	deps.Gate.Commit(pos.CommittedUSD())
	deps.Gate.Release(cost - pos.CommittedUSD())
	return true, nil
}

// exitSingleLeg is the shared single-leg exit path.
func exitSingleLeg(ctx context.Context, deps Deps, pos types.Position) (bool, error) {
	res, err := deps.Executor.ExitSingle(ctx, pos, 0)
	if err != nil {
		if venue.IsRejection(err) {
			deps.Logger.Warn("venue rejected exit", "token", pos.Legs[0].TokenID, "error", err)
			return false, nil
		}
		return false, err
	}
	deps.Gate.Free(pos.CommittedUSD())
	deps.Gate.RecordPnL(res.PnL)
	return true, nil
}

// enterPair is the shared two-leg entry path.
func enterPair(ctx context.Context, deps Deps, name, prefix string, opp types.Opportunity, maxTotalCost float64) (bool, error) {
	legA, legB := opp.Legs[0], opp.Legs[1]
	groupID := groupPrefix(prefix, legA.TokenID, legB.TokenID)
	cost := (legA.Price + legB.Price) * legA.Size

	if err := deps.Gate.Reserve(cost); err != nil {
		deps.Logger.Warn("pair entry blocked by capital gate", "strategy", name, "error", err)
		return false, nil
	}

	pos, err := deps.Executor.EnterPair(ctx, name, groupID, opp, maxTotalCost)
	if err != nil {
		deps.Gate.Release(cost)
		return false, nil // entry failures are logged by the executor, scan continues
	}

	deps.Gate.Commit(pos.CommittedUSD())
	deps.Gate.Release(cost - pos.CommittedUSD())
	return true, nil
}

// exitPair is the shared two-leg exit path.
func exitPair(ctx context.Context, deps Deps, pos types.Position) (bool, error) {
	res, err := deps.Executor.ExitPair(ctx, pos)
	if err != nil {
		return false, err
	}
	deps.Gate.Free(pos.CommittedUSD())
	deps.Gate.RecordPnL(res.PnL)
	return true, nil
}
