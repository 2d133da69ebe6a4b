// crossplatform.go — two-leg arbitrage between two venues.
//
// The same real-world event listed on both venues may quote prices whose
// sum across complementary sides is below 1. Two candidate structures are
// evaluated — YES on the primary + NO on the secondary, and the mirror —
// and the one with the larger net profit above threshold wins. Tickers
// differ across venues, so matching runs keyword overlap as a cheap
// pre-filter with LLM verification of semantic equivalence, bounded per
// scan to control cost.
package detector

import (
	"context"

	"polyarb/internal/config"
	"polyarb/internal/executor"
	"polyarb/internal/market"
	"polyarb/pkg/types"
)

func init() {
	Register("cross_platform", func(deps Deps) (Detector, error) {
		return &crossPlatform{deps: deps, cfg: deps.Config.CrossPlatform}, nil
	})
}

const (
	// Catalog slices compared per scan; full cross products get expensive.
	crossPrimaryCap   = 500
	crossSecondaryCap = 200

	// Exit thresholds mirror the calendar defaults: pairs are usually
	// held to resolution.
	crossEarlyExitThreshold = 0.005
	crossMaxLossTolerance   = 0.02
)

type crossPlatform struct {
	deps Deps
	cfg  config.CrossPlatformConfig
}

// secondaryMarkets is implemented by the Kalshi client; declared locally
// so the detector depends only on the capability it needs.
type secondaryMarkets interface {
	GetMarkets(ctx context.Context, limit int) ([]types.Market, error)
}

func (d *crossPlatform) Name() string { return "cross_platform" }

func (d *crossPlatform) Scan(ctx context.Context) ([]types.Opportunity, error) {
	primary, err := d.deps.Catalog.ActiveMarkets(ctx, crossPrimaryCap)
	if err != nil {
		return nil, err
	}

	lister, ok := d.deps.Secondary.(secondaryMarkets)
	if !ok {
		d.deps.Logger.Warn("secondary venue does not list markets")
		return nil, nil
	}
	secondary, err := lister.GetMarkets(ctx, crossSecondaryCap)
	if err != nil {
		return nil, err
	}

	d.deps.Logger.Info("comparing catalogs",
		"primary", len(primary), "secondary", len(secondary))

	pairs := d.matchMarkets(ctx, primary, secondary)
	d.deps.Logger.Info("equivalent market pairs", "count", len(pairs))

	var opps []types.Opportunity
	for _, pair := range pairs {
		if opp, ok := d.evaluate(ctx, pair[0], pair[1]); ok {
			opps = append(opps, opp)
		}
	}
	return opps, nil
}

// matchMarkets pairs markets across venues: keyword overlap first, LLM
// verification when enabled, bounded by MaxLLMMatches per scan.
func (d *crossPlatform) matchMarkets(ctx context.Context, primary, secondary []types.Market) [][2]types.Market {
	var pairs [][2]types.Market
	verified := 0

	for _, p := range primary {
		for _, s := range secondary {
			if !market.KeywordOverlap(p.Question, s.Question, d.cfg.KeywordMinOverlap) {
				continue
			}
			if d.cfg.UseLLM && d.deps.Matcher != nil {
				if verified >= d.cfg.MaxLLMMatches {
					return pairs
				}
				verified++
				if !d.deps.Matcher.VerifyEquivalent(ctx, p, s) {
					continue
				}
			}
			pairs = append(pairs, [2]types.Market{p, s})
		}
	}
	return pairs
}

// evaluate prices both structures and emits the better one when it clears
// the threshold.
func (d *crossPlatform) evaluate(ctx context.Context, p, s types.Market) (types.Opportunity, bool) {
	pYes, err := bestAsk(ctx, d.deps.Primary, p.YesTokenID)
	if err != nil {
		return types.Opportunity{}, false
	}
	pNo, err := bestAsk(ctx, d.deps.Primary, p.NoTokenID)
	if err != nil {
		return types.Opportunity{}, false
	}
	sYes, err := bestAsk(ctx, d.deps.Secondary, s.YesTokenID)
	if err != nil {
		return types.Opportunity{}, false
	}
	sNo, err := bestAsk(ctx, d.deps.Secondary, s.NoTokenID)
	if err != nil {
		return types.Opportunity{}, false
	}

	fee := d.deps.Executor.Fee()

	// Structure A: YES primary + NO secondary. Structure B: the mirror.
	costA := pYes.Price + sNo.Price
	profitA := executor.ExpectedPairProfit(costA, fee)
	costB := pNo.Price + sYes.Price
	profitB := executor.ExpectedPairProfit(costB, fee)

	size := d.deps.Config.Strategy.PairSize

	switch {
	case profitA > d.cfg.MinProfitThreshold && profitA >= profitB:
		return types.Opportunity{
			Kind:     types.KindCrossPlatformPair,
			Question: p.Question,
			Legs: []types.Leg{
				{TokenID: p.YesTokenID, Venue: d.deps.Primary.Name(), Side: types.BUY, Price: pYes.Price, Size: size},
				{TokenID: s.NoTokenID, Venue: d.deps.Secondary.Name(), Side: types.BUY, Price: sNo.Price, Size: size},
			},
			TotalCost:      costA,
			ExpectedProfit: profitA,
		}, true

	case profitB > d.cfg.MinProfitThreshold:
		return types.Opportunity{
			Kind:     types.KindCrossPlatformPair,
			Question: p.Question,
			Legs: []types.Leg{
				{TokenID: p.NoTokenID, Venue: d.deps.Primary.Name(), Side: types.BUY, Price: pNo.Price, Size: size},
				{TokenID: s.YesTokenID, Venue: d.deps.Secondary.Name(), Side: types.BUY, Price: sYes.Price, Size: size},
			},
			TotalCost:      costB,
			ExpectedProfit: profitB,
		}, true
	}

	return types.Opportunity{}, false
}

func (d *crossPlatform) ShouldEnter(ctx context.Context, opp types.Opportunity) (bool, error) {
	snap := d.deps.Gate.Snapshot()
	if snap.OpenCount >= d.cfg.MaxPositions {
		d.deps.Logger.Debug("max cross-platform positions reached", "open", snap.OpenCount)
		return false, nil
	}
	cost := opp.TotalCost * opp.Legs[0].Size
	if snap.Committed+snap.Reserved+cost > snap.Balance {
		return false, nil
	}
	return true, nil
}

func (d *crossPlatform) ShouldExit(ctx context.Context, pos types.Position) (bool, error) {
	if len(pos.Legs) != 2 {
		return false, nil
	}

	clientA, okA := d.deps.Executor.Client(pos.Legs[0].Venue)
	clientB, okB := d.deps.Executor.Client(pos.Legs[1].Venue)
	if !okA || !okB {
		return false, nil
	}

	bidA, errA := bestBid(ctx, clientA, pos.Legs[0].TokenID)
	bidB, errB := bestBid(ctx, clientB, pos.Legs[1].TokenID)
	if errA != nil || errB != nil {
		return false, nil
	}

	exitValue := bidA.Price + bidB.Price
	fee2 := 2 * d.deps.Executor.Fee()

	if exitValue >= pos.EntryCost+fee2+crossEarlyExitThreshold {
		return true, nil
	}
	if pos.EntryCost-exitValue > crossMaxLossTolerance {
		return true, nil
	}
	return false, nil
}

func (d *crossPlatform) EnterPosition(ctx context.Context, opp types.Opportunity) (bool, error) {
	maxTotalCost := 1.0 - d.cfg.MinProfitThreshold - 2*d.deps.Executor.Fee()
	return enterPair(ctx, d.deps, d.Name(), "CROSS", opp, maxTotalCost)
}

func (d *crossPlatform) ExitPosition(ctx context.Context, pos types.Position) (bool, error) {
	return exitPair(ctx, d.deps, pos)
}
