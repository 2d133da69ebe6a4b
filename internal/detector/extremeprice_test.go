package detector

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyarb/pkg/types"
)

// extremeMarketJSON builds a catalog entry with explicit YES quotes.
func extremeMarketJSON(id string, bestBid, bestAsk float64) string {
	return fmt.Sprintf(`{
		"id":%q,"question":"Will the long shot happen?",
		"active":true,"closed":false,"acceptingOrders":true,"enableOrderBook":true,
		"endDate":%q,"liquidity":"5000","volume24hr":1000,
		"bestBid":%v,"bestAsk":%v,
		"outcomes":"[\"Yes\",\"No\"]",
		"clobTokenIds":"[\"yes_%s\",\"no_%s\"]"
	}`, id, futureDate(1), bestBid, bestAsk, id, id)
}

func extremeFixture(t *testing.T) (Deps, *fakeVenue) {
	t.Helper()

	// YES quoted at 0.995/0.997 → NO mid = 0.004.
	markets := "[" + extremeMarketJSON("m1", 0.995, 0.997) + "]"

	primary := newFakeVenue("polymarket", 1000)
	primary.setBook("no_m1",
		[]types.Level{{Price: 0.003, Size: 5000}},
		[]types.Level{{Price: 0.005, Size: 5000}})

	srv := catalogServer(t, markets, "[]")
	return newTestDeps(t, srv.URL, primary, nil), primary
}

func TestExtremePriceScanSizesFromBalance(t *testing.T) {
	t.Parallel()

	deps, _ := extremeFixture(t)
	d, err := New("extreme_price", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, types.KindExtremePrice, opp.Kind)
	require.Len(t, opp.Legs, 1)

	leg := opp.Legs[0]
	assert.Equal(t, "no_m1", leg.TokenID, "the cheap NO side is bought")
	assert.InDelta(t, 0.004, leg.Price, 1e-9)
	// size = 1000 × 0.005 / 0.004 = 1250 units
	assert.InDelta(t, 1250, leg.Size, 1e-6)
	// target = entry × 2.0
	assert.InDelta(t, 0.008, opp.TargetPrice, 1e-9)
}

func TestExtremePriceSizeClampedToMinimum(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5.0, positionSize(1, 0.005, 0.004, 5), "tiny balance clamps to min units")
	assert.Equal(t, 5.0, positionSize(100, 0.005, 0, 5), "zero price clamps to min units")
}

func TestExtremePriceShouldEnterChecksLiquidity(t *testing.T) {
	t.Parallel()

	deps, primary := extremeFixture(t)
	d, err := New("extreme_price", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	ok, err := d.ShouldEnter(context.Background(), opps[0])
	require.NoError(t, err)
	assert.True(t, ok)

	// Drain the book: probe fails.
	primary.setBook("no_m1", nil, []types.Level{{Price: 0.005, Size: 1}})
	ok, err = d.ShouldEnter(context.Background(), opps[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtremePriceShouldExitAtTarget(t *testing.T) {
	t.Parallel()

	deps, primary := extremeFixture(t)
	d, err := New("extreme_price", deps)
	require.NoError(t, err)

	pos := types.Position{
		Strategy:    "extreme_price",
		Legs:        []types.PositionLeg{{TokenID: "no_m1", Venue: "polymarket", EntryPrice: 0.004, Size: 1250}},
		TargetPrice: 0.008,
		Status:      types.PositionOpen,
	}

	// Bid below target: hold.
	primary.setBook("no_m1", []types.Level{{Price: 0.006, Size: 100}}, nil)
	exit, err := d.ShouldExit(context.Background(), pos)
	require.NoError(t, err)
	assert.False(t, exit)

	// Bid reaches 2× entry: exit.
	primary.setBook("no_m1", []types.Level{{Price: 0.008, Size: 100}}, nil)
	exit, err = d.ShouldExit(context.Background(), pos)
	require.NoError(t, err)
	assert.True(t, exit)
}

func TestExtremePriceEnterAndExitRoundTrip(t *testing.T) {
	t.Parallel()

	deps, primary := extremeFixture(t)
	d, err := New("extreme_price", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	entered, err := d.EnterPosition(context.Background(), opps[0])
	require.NoError(t, err)
	require.True(t, entered)
	require.True(t, deps.Executor.Store().Has("no_m1"))

	snap := deps.Gate.Snapshot()
	assert.InDelta(t, 5.0, snap.Committed, 1e-6, "1250 units at 0.004 = $5 committed")
	assert.Equal(t, 1, snap.OpenCount)

	pos, _ := deps.Executor.Store().Get("no_m1")
	primary.setBook("no_m1", []types.Level{{Price: 0.008, Size: 5000}}, nil)

	exited, err := d.ExitPosition(context.Background(), pos)
	require.NoError(t, err)
	require.True(t, exited)
	assert.False(t, deps.Executor.Store().Has("no_m1"))

	snap = deps.Gate.Snapshot()
	assert.Zero(t, snap.OpenCount)
	assert.InDelta(t, 5.0, snap.DayPnL, 1e-6, "(0.008−0.004)×1250 realized")
}

func TestRegistryNames(t *testing.T) {
	t.Parallel()

	names := Names()
	for _, want := range []string{"arbitrage", "calendar_arbitrage", "cross_platform", "extreme_price", "spread_arbitrage"} {
		assert.Contains(t, names, want)
	}

	_, err := New("unknown_strategy", Deps{})
	assert.Error(t, err)
}
