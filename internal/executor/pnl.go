// pnl.go — profit-and-loss arithmetic.
//
// Reported figures go through shopspring/decimal so a position that
// closed flat reads $0.00, not -$0.0000000001.
package executor

import (
	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// LegPnL computes absolute and percentage P&L for one leg:
// pnl = (exit − entry) × size, pct = (exit/entry − 1) × 100.
func LegPnL(entryPrice, exitPrice, size float64) (pnl, pnlPct float64) {
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	sz := decimal.NewFromFloat(size)

	pnl, _ = exit.Sub(entry).Mul(sz).Round(4).Float64()
	if !entry.IsZero() {
		pnlPct, _ = exit.Div(entry).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	}
	return pnl, pnlPct
}

// PairPnL computes multi-leg P&L: Σ exits − Σ entries − fees, where fees
// is feePerLeg charged per unit of every leg's size on both entry and exit.
func PairPnL(pos types.Position, exitPrices []float64, feePerLeg float64) float64 {
	total := decimal.Zero
	fee := decimal.NewFromFloat(feePerLeg)

	for i, leg := range pos.Legs {
		sz := decimal.NewFromFloat(leg.Size)
		entry := decimal.NewFromFloat(leg.EntryPrice)
		total = total.Sub(entry.Mul(sz))
		if i < len(exitPrices) {
			exit := decimal.NewFromFloat(exitPrices[i])
			total = total.Add(exit.Mul(sz))
		}
		total = total.Sub(fee.Mul(sz).Mul(decimal.NewFromInt(2)))
	}

	out, _ := total.Round(4).Float64()
	return out
}

// ExpectedPairProfit is the riskless-pair economics check: for a pair
// whose combined payoff is exactly 1, profit = 1 − totalCost − 2·fee.
func ExpectedPairProfit(totalCost, feePerLeg float64) float64 {
	one := decimal.NewFromInt(1)
	cost := decimal.NewFromFloat(totalCost)
	fees := decimal.NewFromFloat(feePerLeg).Mul(decimal.NewFromInt(2))
	out, _ := one.Sub(cost).Sub(fees).Round(6).Float64()
	return out
}

// AnnualizedROI scales a per-unit profit to a yearly rate over the days
// remaining until resolution.
func AnnualizedROI(profit, daysUntilClose float64) float64 {
	if daysUntilClose <= 0 {
		return 0
	}
	return profit * (365.0 / daysUntilClose)
}
