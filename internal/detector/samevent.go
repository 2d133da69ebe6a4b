// samevent.go — price discrepancies between markets of one catalog event.
//
// Hierarchical events list related markets side by side. When the ask on
// one market sits far enough below the bid on its neighbor, buying the
// cheap leg captures the gap as the prices converge. Registered under
// "arbitrage", the name the CLI has always used for it.
package detector

import (
	"context"
	"time"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

func init() {
	Register("arbitrage", func(deps Deps) (Detector, error) {
		return &sameEvent{deps: deps, cfg: deps.Config.Arbitrage}, nil
	})
}

// sameEventCatalogLimit caps how many events one scan examines.
const sameEventCatalogLimit = 1000

type sameEvent struct {
	deps Deps
	cfg  config.ArbitrageConfig
}

func (d *sameEvent) Name() string { return "arbitrage" }

func (d *sameEvent) Scan(ctx context.Context) ([]types.Opportunity, error) {
	events, err := d.deps.Catalog.Events(ctx, sameEventCatalogLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	maxEnd := now.Add(time.Duration(d.cfg.MaxHoursUntilClose * float64(time.Hour)))

	var opps []types.Opportunity
	for _, ev := range events {
		if len(ev.Markets) < 2 {
			continue
		}
		if !ev.EndDate.IsZero() && ev.EndDate.After(maxEnd) {
			continue
		}

		for i := 0; i+1 < len(ev.Markets); i++ {
			m1, m2 := ev.Markets[i], ev.Markets[i+1]
			if !m1.Tradeable() || !m2.Tradeable() {
				continue
			}

			// Real executable prices: we pay m1's ask and would receive
			// m2's bid.
			ask1, err := bestAsk(ctx, d.deps.Primary, m1.YesTokenID)
			if err != nil {
				continue
			}
			bid2, err := bestBid(ctx, d.deps.Primary, m2.YesTokenID)
			if err != nil {
				continue
			}
			if ask1.Price <= 0 || bid2.Price <= ask1.Price {
				continue
			}

			profitPct := (bid2.Price/ask1.Price - 1) * 100
			if profitPct < d.cfg.MinProfitPct {
				continue
			}

			opps = append(opps, types.Opportunity{
				Kind:     types.KindSameEvent,
				Question: m1.Question,
				Legs: []types.Leg{{
					TokenID: m1.YesTokenID,
					Venue:   d.deps.Primary.Name(),
					Side:    types.BUY,
					Price:   ask1.Price,
					Size:    d.cfg.Size,
				}},
				// Converge target: sell once the bid reaches the
				// neighbor's level.
				TargetPrice: bid2.Price,
			})
		}
	}

	return opps, nil
}

func (d *sameEvent) ShouldEnter(ctx context.Context, opp types.Opportunity) (bool, error) {
	leg := opp.Legs[0]

	balance, err := d.deps.Primary.GetBalance(ctx, false)
	if err != nil {
		return false, err
	}
	if balance < leg.Price*leg.Size {
		return false, nil
	}

	probe, err := d.deps.Executor.CheckLiquidity(ctx, leg.Venue, leg.TokenID, leg.Side, leg.Size)
	if err != nil {
		return false, err
	}
	return probe.Available, nil
}

func (d *sameEvent) ShouldExit(ctx context.Context, pos types.Position) (bool, error) {
	leg := pos.Legs[0]
	bid, err := bestBid(ctx, d.deps.Primary, leg.TokenID)
	if err != nil {
		return false, nil
	}
	return bid.Price >= pos.TargetPrice, nil
}

func (d *sameEvent) EnterPosition(ctx context.Context, opp types.Opportunity) (bool, error) {
	return enterSingleLeg(ctx, d.deps, d.Name(), opp)
}

func (d *sameEvent) ExitPosition(ctx context.Context, pos types.Position) (bool, error) {
	return exitSingleLeg(ctx, d.deps, pos)
}
