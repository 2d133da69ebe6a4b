// spread.go — wide-spread capture with penny defense.
//
// Markets whose spread exceeds the threshold and whose best bid sits
// below the price cap get a resting buy at the bid. The exit fires when
// the spread from entry covers the target profit net of fees. Tokens with
// open positions are subscribed on the streamer: an inbound tick showing
// the market bid through our entry sets force_exit, and the monitor loop
// sells on its next pass.
package detector

import (
	"context"

	"polyarb/internal/config"
	"polyarb/internal/market"
	"polyarb/pkg/types"
)

func init() {
	Register("spread_arbitrage", func(deps Deps) (Detector, error) {
		return &spread{deps: deps, cfg: deps.Config.Spread}, nil
	})
}

type spread struct {
	deps Deps
	cfg  config.SpreadConfig
}

func (d *spread) Name() string { return "spread_arbitrage" }

func (d *spread) Scan(ctx context.Context) ([]types.Opportunity, error) {
	markets, err := d.deps.Catalog.ActiveMarkets(ctx, maxScanMarkets)
	if err != nil {
		return nil, err
	}
	markets = market.FilterByVolume(markets, d.cfg.MinVolume)

	var opps []types.Opportunity
	var watch []string
	for _, m := range markets {
		for _, tokenID := range []string{m.YesTokenID, m.NoTokenID} {
			book, err := d.deps.Primary.GetOrderBook(ctx, tokenID)
			if err != nil || !book.Valid() {
				continue
			}
			bid, ask := book.BestBid(), book.BestAsk()
			if bid <= 0 || ask <= 0 {
				continue
			}
			if ask-bid < d.cfg.MinSpread || bid >= d.cfg.MaxPrice {
				continue
			}

			opps = append(opps, types.Opportunity{
				Kind:     types.KindSpread,
				Question: m.Question,
				Legs: []types.Leg{{
					TokenID: tokenID,
					Venue:   d.deps.Primary.Name(),
					Side:    types.BUY,
					Price:   bid, // join the bid
					Size:    d.cfg.Size,
				}},
				TargetPrice: bid + d.cfg.TargetProfit,
			})
			watch = append(watch, tokenID)
		}
	}

	// Watch the candidates in real time for the penny-defense trigger.
	if len(watch) > 0 && d.deps.Streamer != nil {
		if err := d.deps.Streamer.Subscribe(watch); err != nil {
			d.deps.Logger.Warn("streamer subscribe failed", "error", err)
		}
	}

	return opps, nil
}

func (d *spread) ShouldEnter(ctx context.Context, opp types.Opportunity) (bool, error) {
	leg := opp.Legs[0]

	balance, err := d.deps.Primary.GetBalance(ctx, false)
	if err != nil {
		return false, err
	}
	if balance < leg.Price*leg.Size {
		return false, nil
	}
	return true, nil
}

func (d *spread) ShouldExit(ctx context.Context, pos types.Position) (bool, error) {
	leg := pos.Legs[0]

	book, err := d.deps.Primary.GetOrderBook(ctx, leg.TokenID)
	if err != nil || !book.Valid() {
		return false, nil
	}
	ask := book.BestAsk()
	if ask <= 0 {
		return false, nil
	}

	// Exit when the spread from entry covers the target plus round-trip
	// fees.
	target := d.cfg.TargetProfit + 2*d.deps.Executor.Fee()
	if ask-leg.EntryPrice >= target {
		d.deps.Logger.Info("spread target reached",
			"token", leg.TokenID, "entry", leg.EntryPrice, "ask", ask)
		return true, nil
	}
	return false, nil
}

func (d *spread) EnterPosition(ctx context.Context, opp types.Opportunity) (bool, error) {
	ok, err := enterSingleLeg(ctx, d.deps, d.Name(), opp)
	if ok && d.deps.Streamer != nil {
		if subErr := d.deps.Streamer.Subscribe([]string{opp.Legs[0].TokenID}); subErr != nil {
			d.deps.Logger.Warn("streamer subscribe failed", "error", subErr)
		}
	}
	return ok, err
}

func (d *spread) ExitPosition(ctx context.Context, pos types.Position) (bool, error) {
	ok, err := exitSingleLeg(ctx, d.deps, pos)
	if ok && d.deps.Streamer != nil {
		d.deps.Streamer.Unsubscribe([]string{pos.Legs[0].TokenID})
	}
	return ok, err
}
