// extremeprice.go — single-leg mean reversion on extreme quotes.
//
// A binary market quoted at or below the buy threshold (default $0.004)
// with enough time before close has asymmetric payoff if the outcome is
// even modestly probable. Buy the cheap side, size by portfolio percent,
// exit when the best bid reaches entry × sell multiplier.
package detector

import (
	"context"
	"math"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/market"
	"polyarb/pkg/types"
)

func init() {
	Register("extreme_price", func(deps Deps) (Detector, error) {
		return &extremePrice{deps: deps, cfg: deps.Config.Extreme}, nil
	})
}

type extremePrice struct {
	deps Deps
	cfg  config.ExtremeConfig
}

func (d *extremePrice) Name() string { return "extreme_price" }

func (d *extremePrice) Scan(ctx context.Context) ([]types.Opportunity, error) {
	markets, err := d.deps.Catalog.ActiveMarkets(ctx, maxScanMarkets)
	if err != nil {
		return nil, err
	}
	markets = market.FilterByHours(markets, d.cfg.MinHoursUntilClose, time.Now())

	balance, err := d.deps.Primary.GetBalance(ctx, false)
	if err != nil {
		return nil, err
	}

	var opps []types.Opportunity
	for _, m := range markets {
		if !m.Tradeable() || m.BestBid <= 0 || m.BestAsk <= 0 {
			continue
		}

		// Catalog quotes are for the YES token; the NO side mirrors them.
		// Mids are rounded to 1e-9 so a quote sitting exactly on the
		// threshold is not pushed above it by float error.
		yesMid := math.Round((m.BestBid+m.BestAsk)/2*1e9) / 1e9
		noMid := math.Round((1-yesMid)*1e9) / 1e9

		var tokenID string
		var price float64
		switch {
		case yesMid <= d.cfg.BuyThreshold && yesMid > 0:
			tokenID, price = m.YesTokenID, yesMid
		case noMid <= d.cfg.BuyThreshold && noMid > 0:
			tokenID, price = m.NoTokenID, noMid
		default:
			continue
		}

		size := positionSize(balance, d.cfg.PortfolioPercent, price, d.cfg.MinSizeUnits)
		if price*size < d.cfg.MinPositionUSD {
			size = d.cfg.MinPositionUSD / price
		}

		opps = append(opps, types.Opportunity{
			Kind:     types.KindExtremePrice,
			Question: m.Question,
			Legs: []types.Leg{{
				TokenID: tokenID,
				Venue:   d.deps.Primary.Name(),
				Side:    types.BUY,
				Price:   price,
				Size:    size,
			}},
			TargetPrice: price * d.cfg.SellMultiplier,
		})
	}

	return opps, nil
}

func (d *extremePrice) ShouldEnter(ctx context.Context, opp types.Opportunity) (bool, error) {
	leg := opp.Legs[0]

	balance, err := d.deps.Primary.GetBalance(ctx, false)
	if err != nil {
		return false, err
	}
	required := leg.Price * leg.Size
	if balance < required {
		d.deps.Logger.Debug("insufficient balance", "balance", balance, "required", required)
		return false, nil
	}

	probe, err := d.deps.Executor.CheckLiquidity(ctx, leg.Venue, leg.TokenID, leg.Side, leg.Size)
	if err != nil {
		return false, err
	}
	if !probe.Available {
		d.deps.Logger.Debug("insufficient liquidity",
			"token", leg.TokenID, "available", probe.AvailableSize, "requested", leg.Size)
		return false, nil
	}

	return true, nil
}

func (d *extremePrice) ShouldExit(ctx context.Context, pos types.Position) (bool, error) {
	leg := pos.Legs[0]
	bid, err := bestBid(ctx, d.deps.Primary, leg.TokenID)
	if err != nil {
		return false, nil // no bid yet, keep holding
	}
	if bid.Price >= pos.TargetPrice {
		d.deps.Logger.Info("target reached",
			"token", leg.TokenID, "entry", leg.EntryPrice, "bid", bid.Price, "target", pos.TargetPrice)
		return true, nil
	}
	return false, nil
}

func (d *extremePrice) EnterPosition(ctx context.Context, opp types.Opportunity) (bool, error) {
	return enterSingleLeg(ctx, d.deps, d.Name(), opp)
}

func (d *extremePrice) ExitPosition(ctx context.Context, pos types.Position) (bool, error) {
	return exitSingleLeg(ctx, d.deps, pos)
}

// positionSize converts a portfolio fraction into units at the given
// price, floored at minSize units.
func positionSize(balance, percent, price, minSize float64) float64 {
	if price <= 0 {
		return minSize
	}
	size := balance * percent / price
	if size < minSize {
		return minSize
	}
	return size
}
