// calendar.go — two-leg logical-subset arbitrage on one venue.
//
// Two markets about the same event at different expiries satisfy subset
// monotonicity: if the earlier resolves YES, the later must too. Buying
// NO on the earlier and YES on the later therefore pays exactly 1 at the
// later resolution. When ask(NO_early) + ask(YES_late) is far enough
// below 1 to clear the profit threshold and fees, the pair is riskless
// up to invalidity risk, which is screened out.
package detector

import (
	"context"
	"sort"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/executor"
	"polyarb/internal/market"
	"polyarb/pkg/types"
)

func init() {
	Register("calendar_arbitrage", func(deps Deps) (Detector, error) {
		return &calendar{
			deps:      deps,
			cfg:       deps.Config.Calendar,
			clusterer: market.NewClusterer(deps.Config.Calendar),
		}, nil
	})
}

// llmClusterCap bounds how many markets one LLM call sees.
const llmClusterCap = 100

type calendar struct {
	deps      Deps
	cfg       config.CalendarConfig
	clusterer *market.Clusterer
}

func (d *calendar) Name() string { return "calendar_arbitrage" }

func (d *calendar) Scan(ctx context.Context) ([]types.Opportunity, error) {
	markets, err := d.deps.Catalog.ActiveMarkets(ctx, maxScanMarkets)
	if err != nil {
		return nil, err
	}

	groups := d.clusterer.Cluster(markets)
	groups = append(groups, d.llmGroups(ctx, markets)...)

	now := time.Now()
	minProfitTotal := d.cfg.MinProfitThreshold + 2*d.deps.Executor.Fee()
	threshold := 1.0 - minProfitTotal

	var opps []types.Opportunity
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return endOrMax(group[i]).Before(endOrMax(group[j]))
		})

		for i := 0; i+1 < len(group); i++ {
			early, late := group[i], group[i+1]
			if !early.Tradeable() || !late.Tradeable() {
				continue
			}
			if d.cfg.CheckInvalidRisk &&
				(market.HasInvalidityRisk(early) || market.HasInvalidityRisk(late)) {
				d.deps.Logger.Debug("skipping pair with invalidity risk", "question", early.Question)
				continue
			}

			askNoEarly, err := bestAsk(ctx, d.deps.Primary, early.NoTokenID)
			if err != nil {
				continue
			}
			askYesLate, err := bestAsk(ctx, d.deps.Primary, late.YesTokenID)
			if err != nil {
				continue
			}

			totalCost := askNoEarly.Price + askYesLate.Price
			if totalCost >= threshold {
				continue
			}

			expectedProfit := executor.ExpectedPairProfit(totalCost, d.deps.Executor.Fee())
			days := late.DaysUntilClose(now)
			roi := executor.AnnualizedROI(1-totalCost, days)
			if roi < d.cfg.MinAnnualizedROI {
				d.deps.Logger.Debug("skipping low annualized ROI", "roi", roi, "min", d.cfg.MinAnnualizedROI)
				continue
			}

			size := d.deps.Config.Strategy.PairSize
			if depthCap := minFloat(askNoEarly.Size, askYesLate.Size); depthCap < size {
				size = depthCap
			}
			if size < 1 {
				continue
			}

			opps = append(opps, types.Opportunity{
				Kind:     types.KindCalendarPair,
				Question: early.Question,
				Legs: []types.Leg{
					{TokenID: early.NoTokenID, Venue: d.deps.Primary.Name(), Side: types.BUY, Price: askNoEarly.Price, Size: size},
					{TokenID: late.YesTokenID, Venue: d.deps.Primary.Name(), Side: types.BUY, Price: askYesLate.Price, Size: size},
				},
				TotalCost:      totalCost,
				ExpectedProfit: expectedProfit,
				AnnualizedROI:  roi,
				DaysUntilClose: days,
			})

			if d.cfg.MaxPairs > 0 && len(opps) >= d.cfg.MaxPairs {
				return opps, nil
			}
		}
	}

	return opps, nil
}

// llmGroups asks the semantic matcher for pairs the clusterer missed.
// Any failure yields zero extra groups.
func (d *calendar) llmGroups(ctx context.Context, markets []types.Market) [][]types.Market {
	if !d.cfg.UseLLM || d.deps.Matcher == nil {
		return nil
	}

	subset := markets
	if len(subset) > llmClusterCap {
		subset = subset[:llmClusterCap]
	}
	pairs, err := d.deps.Matcher.ClusterMarkets(ctx, subset, d.cfg.MaxPairs)
	if err != nil {
		d.deps.Logger.Warn("llm clustering failed", "error", err)
		return nil
	}

	groups := make([][]types.Market, 0, len(pairs))
	for _, p := range pairs {
		groups = append(groups, []types.Market{subset[p.EarlyIndex], subset[p.LateIndex]})
	}
	return groups
}

func (d *calendar) ShouldEnter(ctx context.Context, opp types.Opportunity) (bool, error) {
	// Thresholds were applied against live asks during the scan; the
	// executor re-simulates fills immediately before submission. Here only
	// capacity matters.
	snap := d.deps.Gate.Snapshot()
	cost := opp.TotalCost * opp.Legs[0].Size
	if snap.Committed+snap.Reserved+cost > snap.Balance {
		return false, nil
	}
	return true, nil
}

func (d *calendar) ShouldExit(ctx context.Context, pos types.Position) (bool, error) {
	if len(pos.Legs) != 2 {
		return false, nil
	}

	bidA, errA := bestBid(ctx, d.deps.Primary, pos.Legs[0].TokenID)
	bidB, errB := bestBid(ctx, d.deps.Primary, pos.Legs[1].TokenID)
	if errA != nil || errB != nil {
		return false, nil
	}

	exitValue := bidA.Price + bidB.Price
	fee2 := 2 * d.deps.Executor.Fee()

	// Take profit: the pair can be sold above its cost plus fees.
	if exitValue >= pos.EntryCost+fee2+d.cfg.EarlyExitThreshold {
		d.deps.Logger.Info("early exit: take profit",
			"group", pos.GroupID, "exit_value", exitValue, "entry_cost", pos.EntryCost)
		return true, nil
	}

	// Stop loss: the spread reversed beyond tolerance.
	if loss := pos.EntryCost - exitValue; loss > d.cfg.MaxLossTolerance {
		d.deps.Logger.Warn("early exit: stop loss",
			"group", pos.GroupID, "loss", loss, "tolerance", d.cfg.MaxLossTolerance)
		return true, nil
	}

	// Default: hold to resolution.
	return false, nil
}

func (d *calendar) EnterPosition(ctx context.Context, opp types.Opportunity) (bool, error) {
	maxTotalCost := 1.0 - d.cfg.MinProfitThreshold - 2*d.deps.Executor.Fee()
	return enterPair(ctx, d.deps, d.Name(), "CAL", opp, maxTotalCost)
}

func (d *calendar) ExitPosition(ctx context.Context, pos types.Position) (bool, error) {
	return exitPair(ctx, d.deps, pos)
}

func endOrMax(m types.Market) time.Time {
	if m.EndDate.IsZero() {
		return time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	return m.EndDate
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
