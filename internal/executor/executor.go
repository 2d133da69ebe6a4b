// Package executor translates accepted opportunities into confirmed
// orders and positions.
//
// It owns the position store writes: a position is persisted before the
// in-memory world learns about it (entry), and removed from memory-facing
// views before the file forgets it (exit). For two-leg opportunities it
// maintains the atomicity contract — both legs are submitted concurrently,
// and an orphan leg left by a one-sided failure is rolled back immediately
// with a marketable sell. A rollback failure marks the position Failed for
// manual reconciliation and is logged critically; it never halts the
// engine.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/store"
	"polyarb/internal/venue"
	"polyarb/pkg/types"
)

func nowUTC() time.Time { return time.Now().UTC() }

// probeDepth is how many ladder levels the liquidity probe sums.
const probeDepth = 5

// rollbackFloorPrice is the sell limit used when no bid is visible; the
// venue treats it as marketable at any price.
const rollbackFloorPrice = 0.01

// fillTolerance forgives sub-cent rounding when deciding full fills.
const fillTolerance = 0.01

// Executor places orders against one or more venues and tracks the
// resulting positions in the store.
type Executor struct {
	clients map[string]venue.Client
	store   *store.Store
	fee     float64 // estimated fee per leg, conservative upper bound
	logger  *slog.Logger
}

// New creates an executor over the given venue clients.
func New(clients []venue.Client, st *store.Store, estimatedFee float64, logger *slog.Logger) *Executor {
	byName := make(map[string]venue.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Executor{
		clients: byName,
		store:   st,
		fee:     estimatedFee,
		logger:  logger.With("component", "executor"),
	}
}

// Client returns the venue client registered under name.
func (e *Executor) Client(name string) (venue.Client, bool) {
	c, ok := e.clients[name]
	return c, ok
}

// Store exposes the position store for the runtime's monitor loop.
func (e *Executor) Store() *store.Store { return e.store }

// Fee returns the per-leg fee estimate.
func (e *Executor) Fee() float64 { return e.fee }

// Execute places a single order on the named venue. Price and size are
// rounded to the venue convention inside the client.
func (e *Executor) Execute(ctx context.Context, venueName string, req venue.OrderRequest) (*venue.OrderResult, error) {
	client, ok := e.clients[venueName]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", venueName)
	}
	return client.PostOrder(ctx, req)
}

// LiquidityProbe is the result of a pre-trade depth check.
type LiquidityProbe struct {
	Available     bool
	AvailableSize float64
	BestPrice     float64
}

// CheckLiquidity reads the opposite ladder (asks for BUY, bids for SELL)
// and sums the first levels to decide whether requestedSize can trade.
func (e *Executor) CheckLiquidity(ctx context.Context, venueName, tokenID string, side types.Side, requestedSize float64) (LiquidityProbe, error) {
	client, ok := e.clients[venueName]
	if !ok {
		return LiquidityProbe{}, fmt.Errorf("unknown venue %q", venueName)
	}
	book, err := client.GetOrderBook(ctx, tokenID)
	if err != nil {
		return LiquidityProbe{}, err
	}

	ladder := book.Asks
	if side == types.SELL {
		ladder = book.Bids
	}
	if len(ladder) == 0 {
		return LiquidityProbe{}, nil
	}

	var available float64
	for i, lv := range ladder {
		if i >= probeDepth {
			break
		}
		available += lv.Size
	}

	return LiquidityProbe{
		Available:     available >= requestedSize,
		AvailableSize: available,
		BestPrice:     ladder[0].Price,
	}, nil
}

// FillSim is the result of walking a ladder with a requested size.
type FillSim struct {
	AvgPrice        float64
	FilledSize      float64
	RequestedSize   float64
	FullyFilled     bool
	SlippageFromTop float64
}

// SimulateFill walks the ladder level-by-level until requestedSize is
// consumed or the ladder is exhausted. Read-only; the caller supplies a
// freshly-fetched book.
func SimulateFill(book *types.OrderBook, side types.Side, requestedSize float64) FillSim {
	ladder := book.Asks
	if side == types.SELL {
		ladder = book.Bids
	}

	sim := FillSim{RequestedSize: requestedSize}
	if len(ladder) == 0 || requestedSize <= 0 {
		return sim
	}

	remaining := requestedSize
	var cost float64
	for _, lv := range ladder {
		if lv.Size <= 0 {
			continue
		}
		take := lv.Size
		if take > remaining {
			take = remaining
		}
		cost += take * lv.Price
		sim.FilledSize += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}

	if sim.FilledSize > 0 {
		sim.AvgPrice = cost / sim.FilledSize
	}
	sim.FullyFilled = remaining <= fillTolerance
	sim.SlippageFromTop = sim.AvgPrice - ladder[0].Price
	if side == types.SELL {
		sim.SlippageFromTop = ladder[0].Price - sim.AvgPrice
	}
	return sim
}

// SimulateLeg fetches a fresh book for the leg and runs the fill
// simulation against it.
func (e *Executor) SimulateLeg(ctx context.Context, leg types.Leg) (FillSim, error) {
	client, ok := e.clients[leg.Venue]
	if !ok {
		return FillSim{}, fmt.Errorf("unknown venue %q", leg.Venue)
	}
	book, err := client.GetOrderBook(ctx, leg.TokenID)
	if err != nil {
		return FillSim{}, err
	}
	if !book.Valid() {
		return FillSim{}, fmt.Errorf("invalid order book for %s", leg.TokenID)
	}
	return SimulateFill(book, leg.Side, leg.Size), nil
}

// EnterSingle executes a one-leg opportunity and persists the resulting
// position before returning it.
func (e *Executor) EnterSingle(ctx context.Context, strategy string, opp types.Opportunity) (*types.Position, error) {
	if len(opp.Legs) != 1 {
		return nil, fmt.Errorf("EnterSingle requires exactly one leg, got %d", len(opp.Legs))
	}
	leg := opp.Legs[0]

	result, err := e.Execute(ctx, leg.Venue, venue.OrderRequest{
		TokenID: leg.TokenID,
		Side:    leg.Side,
		Price:   leg.Price,
		Size:    leg.Size,
		Type:    types.OrderTypeGTC,
	})
	if err != nil {
		return nil, err
	}

	pos := types.Position{
		Strategy: strategy,
		Kind:     opp.Kind,
		Question: opp.Question,
		Legs: []types.PositionLeg{{
			TokenID:    leg.TokenID,
			Venue:      leg.Venue,
			Side:       leg.Side,
			EntryPrice: result.AvgPrice,
			Size:       result.FilledSize,
			OrderID:    result.OrderID,
		}},
		EntryTime:   nowUTC(),
		EntryCost:   result.AvgPrice,
		TargetPrice: opp.TargetPrice,
		Status:      types.PositionOpen,
	}

	if err := e.store.Add(leg.TokenID, pos); err != nil {
		// The order is live but the position is not durable: operator
		// attention required.
		e.logger.Error("CRITICAL: order filled but position not persisted",
			"token", leg.TokenID, "order_id", result.OrderID, "error", err)
		return nil, err
	}

	e.logger.Info("position entered",
		"strategy", strategy, "token", leg.TokenID,
		"size", result.FilledSize, "price", result.AvgPrice)
	return &pos, nil
}

// EnterPair executes a two-leg opportunity atomically:
//
//  1. Re-run the fill simulation on both legs against fresh books; abort
//     if either is not fully fillable or the slippage-adjusted cost
//     exceeds maxTotalCost (the detector's profit threshold).
//  2. Submit both orders concurrently and wait for both.
//  3. On a one-sided failure, roll back the filled leg with a marketable
//     sell; a failed rollback records a Failed position.
//
// The position is persisted only after both legs succeed.
func (e *Executor) EnterPair(ctx context.Context, strategy, groupID string, opp types.Opportunity, maxTotalCost float64) (*types.Position, error) {
	if len(opp.Legs) != 2 {
		return nil, fmt.Errorf("EnterPair requires exactly two legs, got %d", len(opp.Legs))
	}
	legA, legB := opp.Legs[0], opp.Legs[1]

	simA, err := e.SimulateLeg(ctx, legA)
	if err != nil {
		return nil, err
	}
	simB, err := e.SimulateLeg(ctx, legB)
	if err != nil {
		return nil, err
	}
	if !simA.FullyFilled || !simB.FullyFilled {
		e.logger.Warn("insufficient depth for pair entry",
			"leg_a_filled", simA.FilledSize, "leg_b_filled", simB.FilledSize, "size", legA.Size)
		return nil, fmt.Errorf("insufficient liquidity for pair")
	}
	costWithSlippage := simA.AvgPrice + simB.AvgPrice
	if costWithSlippage >= maxTotalCost {
		e.logger.Warn("slippage kills profit",
			"cost_with_slippage", costWithSlippage, "max_total_cost", maxTotalCost)
		return nil, fmt.Errorf("slippage-adjusted cost %.4f exceeds %.4f", costWithSlippage, maxTotalCost)
	}

	resA, errA, resB, errB := e.submitBoth(ctx,
		venue.OrderRequest{TokenID: legA.TokenID, Side: legA.Side, Price: simA.AvgPrice, Size: legA.Size, Type: types.OrderTypeGTC}, legA.Venue,
		venue.OrderRequest{TokenID: legB.TokenID, Side: legB.Side, Price: simB.AvgPrice, Size: legB.Size, Type: types.OrderTypeGTC}, legB.Venue,
	)

	switch {
	case errA == nil && errB == nil:
		pos := types.Position{
			Strategy: strategy,
			Kind:     opp.Kind,
			Question: opp.Question,
			GroupID:  groupID,
			Legs: []types.PositionLeg{
				{TokenID: legA.TokenID, Venue: legA.Venue, Side: legA.Side, EntryPrice: resA.AvgPrice, Size: resA.FilledSize, OrderID: resA.OrderID},
				{TokenID: legB.TokenID, Venue: legB.Venue, Side: legB.Side, EntryPrice: resB.AvgPrice, Size: resB.FilledSize, OrderID: resB.OrderID},
			},
			EntryTime: nowUTC(),
			EntryCost: resA.AvgPrice + resB.AvgPrice,
			Status:    types.PositionOpen,
		}
		if err := e.store.AddGroup(pos); err != nil {
			e.logger.Error("CRITICAL: pair filled but position not persisted",
				"group", groupID, "error", err)
			return nil, err
		}
		e.logger.Info("pair entered", "strategy", strategy, "group", groupID,
			"cost", pos.EntryCost, "size", legA.Size)
		return &pos, nil

	case errA == nil && errB != nil:
		e.logger.Error("second leg failed, rolling back first",
			"group", groupID, "filled", legA.TokenID, "error", errB)
		e.rollbackLeg(ctx, strategy, groupID, legA, resA)
		return nil, fmt.Errorf("leg %s failed: %w", legB.TokenID, errB)

	case errA != nil && errB == nil:
		e.logger.Error("first leg failed, rolling back second",
			"group", groupID, "filled", legB.TokenID, "error", errA)
		e.rollbackLeg(ctx, strategy, groupID, legB, resB)
		return nil, fmt.Errorf("leg %s failed: %w", legA.TokenID, errA)

	default:
		e.logger.Error("both legs failed", "group", groupID,
			"error_a", errA, "error_b", errB)
		return nil, fmt.Errorf("both legs failed: %v; %v", errA, errB)
	}
}

// submitBoth places two orders concurrently and waits for both results.
func (e *Executor) submitBoth(ctx context.Context, reqA venue.OrderRequest, venueA string, reqB venue.OrderRequest, venueB string) (resA *venue.OrderResult, errA error, resB *venue.OrderResult, errB error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA, errA = e.Execute(ctx, venueA, reqA)
	}()
	go func() {
		defer wg.Done()
		resB, errB = e.Execute(ctx, venueB, reqB)
	}()
	wg.Wait()
	return
}

// rollbackLeg sells an orphan leg at best bid (or the floor price when no
// bid is visible). A rollback failure records a Failed position so the
// operator can reconcile by hand.
func (e *Executor) rollbackLeg(ctx context.Context, strategy, groupID string, leg types.Leg, filled *venue.OrderResult) {
	price := rollbackFloorPrice
	if client, ok := e.clients[leg.Venue]; ok {
		if book, err := client.GetOrderBook(ctx, leg.TokenID); err == nil && book.BestBid() > 0 {
			price = book.BestBid()
		}
	}

	_, err := e.Execute(ctx, leg.Venue, venue.OrderRequest{
		TokenID: leg.TokenID,
		Side:    types.SELL,
		Price:   price,
		Size:    filled.FilledSize,
		Type:    types.OrderTypeGTC,
	})
	if err == nil {
		e.logger.Info("rollback successful", "group", groupID, "token", leg.TokenID, "price", price)
		return
	}

	e.logger.Error("CRITICAL: rollback failed, manual intervention required",
		"group", groupID, "token", leg.TokenID, "error", err)

	failed := types.Position{
		Strategy: strategy,
		GroupID:  groupID,
		Legs: []types.PositionLeg{{
			TokenID:    leg.TokenID,
			Venue:      leg.Venue,
			Side:       leg.Side,
			EntryPrice: filled.AvgPrice,
			Size:       filled.FilledSize,
			OrderID:    filled.OrderID,
		}},
		EntryTime: nowUTC(),
		EntryCost: filled.AvgPrice,
		Status:    types.PositionFailed,
	}
	if storeErr := e.store.Add(leg.TokenID, failed); storeErr != nil {
		e.logger.Error("CRITICAL: failed position not persisted", "token", leg.TokenID, "error", storeErr)
	}
}

// ExitResult reports a completed exit.
type ExitResult struct {
	ExitValue float64 // sum of per-unit sell prices
	PnL       float64
	PnLPct    float64
}

// ExitSingle sells a one-leg position at the caller-supplied price, or at
// best bid when price is zero. On confirmed sale the position leaves the
// store.
func (e *Executor) ExitSingle(ctx context.Context, pos types.Position, price float64) (*ExitResult, error) {
	if len(pos.Legs) != 1 {
		return nil, fmt.Errorf("ExitSingle requires one leg, got %d", len(pos.Legs))
	}
	leg := pos.Legs[0]

	client, ok := e.clients[leg.Venue]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", leg.Venue)
	}

	if price == 0 {
		book, err := client.GetOrderBook(ctx, leg.TokenID)
		if err != nil {
			return nil, err
		}
		price = book.BestBid()
		if price == 0 {
			return nil, fmt.Errorf("no bid for %s", leg.TokenID)
		}
	}

	result, err := client.PostOrder(ctx, venue.OrderRequest{
		TokenID: leg.TokenID,
		Side:    types.SELL,
		Price:   price,
		Size:    leg.Size,
		Type:    types.OrderTypeGTC,
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.Remove(leg.TokenID); err != nil {
		e.logger.Error("CRITICAL: exit filled but store not updated",
			"token", leg.TokenID, "error", err)
	}

	pnl, pnlPct := LegPnL(leg.EntryPrice, result.AvgPrice, leg.Size)
	e.logger.Info("position exited",
		"token", leg.TokenID, "entry", leg.EntryPrice, "exit", result.AvgPrice,
		"pnl", pnl, "pnl_pct", pnlPct)

	return &ExitResult{ExitValue: result.AvgPrice, PnL: pnl, PnLPct: pnlPct}, nil
}

// ExitPair sells both legs of a pair concurrently at their best bids. The
// same one-sided case analysis as entry governs cleanup: a leg that fails
// to sell stays in the store as a Failed single-leg position.
func (e *Executor) ExitPair(ctx context.Context, pos types.Position) (*ExitResult, error) {
	if len(pos.Legs) != 2 {
		return nil, fmt.Errorf("ExitPair requires two legs, got %d", len(pos.Legs))
	}
	legA, legB := pos.Legs[0], pos.Legs[1]

	priceA, err := e.bestBidOrFloor(ctx, legA)
	if err != nil {
		return nil, err
	}
	priceB, err := e.bestBidOrFloor(ctx, legB)
	if err != nil {
		return nil, err
	}

	resA, errA, resB, errB := e.submitBoth(ctx,
		venue.OrderRequest{TokenID: legA.TokenID, Side: types.SELL, Price: priceA, Size: legA.Size, Type: types.OrderTypeGTC}, legA.Venue,
		venue.OrderRequest{TokenID: legB.TokenID, Side: types.SELL, Price: priceB, Size: legB.Size, Type: types.OrderTypeGTC}, legB.Venue,
	)

	switch {
	case errA == nil && errB == nil:
		if err := e.store.RemoveGroup(pos.GroupID); err != nil {
			e.logger.Error("CRITICAL: pair exit filled but store not updated",
				"group", pos.GroupID, "error", err)
		}
		pnl := PairPnL(pos, []float64{resA.AvgPrice, resB.AvgPrice}, e.fee)
		exitValue := resA.AvgPrice + resB.AvgPrice
		e.logger.Info("pair exited", "group", pos.GroupID,
			"entry_cost", pos.EntryCost, "exit_value", exitValue, "pnl", pnl)
		return &ExitResult{ExitValue: exitValue, PnL: pnl}, nil

	case errA == nil && errB != nil:
		e.partialExitCleanup(pos, legA, legB, errB)
		return nil, fmt.Errorf("exit leg %s failed: %w", legB.TokenID, errB)

	case errA != nil && errB == nil:
		e.partialExitCleanup(pos, legB, legA, errA)
		return nil, fmt.Errorf("exit leg %s failed: %w", legA.TokenID, errA)

	default:
		// Both sells failed: keep the position Open for the next tick.
		e.logger.Error("pair exit failed on both legs", "group", pos.GroupID,
			"error_a", errA, "error_b", errB)
		if _, err := e.store.UpdateGroup(pos.GroupID, func(p *types.Position) {
			p.Status = types.PositionOpen
		}); err != nil {
			e.logger.Error("store update failed", "group", pos.GroupID, "error", err)
		}
		return nil, fmt.Errorf("both exit legs failed: %v; %v", errA, errB)
	}
}

// partialExitCleanup removes the sold leg and marks the stuck one Failed.
func (e *Executor) partialExitCleanup(pos types.Position, sold, stuck types.PositionLeg, cause error) {
	e.logger.Error("CRITICAL: partial pair exit, one leg stuck",
		"group", pos.GroupID, "sold", sold.TokenID, "stuck", stuck.TokenID, "error", cause)

	if err := e.store.Remove(sold.TokenID); err != nil {
		e.logger.Error("store update failed", "token", sold.TokenID, "error", err)
	}
	if _, err := e.store.Update(stuck.TokenID, func(p *types.Position) {
		p.Status = types.PositionFailed
		p.Legs = []types.PositionLeg{stuck}
	}); err != nil {
		e.logger.Error("store update failed", "token", stuck.TokenID, "error", err)
	}
}

func (e *Executor) bestBidOrFloor(ctx context.Context, leg types.PositionLeg) (float64, error) {
	client, ok := e.clients[leg.Venue]
	if !ok {
		return 0, fmt.Errorf("unknown venue %q", leg.Venue)
	}
	book, err := client.GetOrderBook(ctx, leg.TokenID)
	if err != nil {
		return 0, err
	}
	if bid := book.BestBid(); bid > 0 {
		return bid, nil
	}
	return rollbackFloorPrice, nil
}
