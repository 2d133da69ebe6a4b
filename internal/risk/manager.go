// Package risk is the capital gate for a strategy runtime.
//
// It tracks committed capital across open positions plus balance reserved
// for in-flight orders, and refuses new entries that would push the sum
// past the wallet balance at last refresh. It also caps the number of
// concurrently open positions and engages a daily-loss guard: once the
// day's realized losses exceed the configured limit, entries stop until
// the next UTC day.
//
// Order of operations for an entry:
//
//	gate.Reserve(cost)      // before submission
//	… submit orders …
//	gate.Commit(cost)       // on confirmed fill (reserved → committed)
//	gate.Release(cost)      // on failure (reserved returned)
//
// and on exit: gate.Free(cost) plus RecordPnL with the realized result.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/config"
)

// Gate enforces the capital invariant: committed + reserved ≤ balance.
type Gate struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu        sync.Mutex
	balance   float64 // wallet balance at last refresh
	committed float64 // capital locked in open positions
	reserved  float64 // capital held for in-flight orders
	openCount int

	dayStart time.Time
	dayPnL   float64
}

// NewGate creates the capital gate.
func NewGate(cfg config.RiskConfig, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:      cfg,
		logger:   logger.With("component", "risk"),
		dayStart: startOfDay(time.Now().UTC()),
	}
}

// SetBalance installs the wallet balance from the latest refresh.
func (g *Gate) SetBalance(balance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance = balance
}

// Restore primes the gate from positions already on disk at startup.
func (g *Gate) Restore(committed float64, openCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.committed = committed
	g.openCount = openCount
}

// Reserve holds cost for an in-flight order. It fails when the invariant
// would break, the position cap is reached, or the daily-loss guard is
// engaged.
func (g *Gate) Reserve(cost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay(time.Now().UTC())

	if g.cfg.MaxDailyLoss > 0 && g.dayPnL <= -g.cfg.MaxDailyLoss {
		return fmt.Errorf("daily loss guard engaged (%.2f ≤ -%.2f)", g.dayPnL, g.cfg.MaxDailyLoss)
	}
	if g.openCount >= g.cfg.MaxOpenPositions {
		return fmt.Errorf("position cap reached (%d)", g.cfg.MaxOpenPositions)
	}
	if g.committed+g.reserved+cost > g.balance {
		return fmt.Errorf("insufficient capital: committed %.2f + reserved %.2f + %.2f > balance %.2f",
			g.committed, g.reserved, cost, g.balance)
	}

	g.reserved += cost
	return nil
}

// Commit converts a reservation into committed capital on confirmed fill.
func (g *Gate) Commit(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reserved -= cost
	if g.reserved < 0 {
		g.reserved = 0
	}
	g.committed += cost
	g.openCount++
}

// Release returns a reservation after a failed entry.
func (g *Gate) Release(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reserved -= cost
	if g.reserved < 0 {
		g.reserved = 0
	}
}

// Free releases committed capital after a position exit.
func (g *Gate) Free(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.committed -= cost
	if g.committed < 0 {
		g.committed = 0
	}
	if g.openCount > 0 {
		g.openCount--
	}
}

// RecordPnL feeds a realized result into the daily-loss guard.
func (g *Gate) RecordPnL(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay(time.Now().UTC())
	g.dayPnL += pnl

	if g.cfg.MaxDailyLoss > 0 && g.dayPnL <= -g.cfg.MaxDailyLoss {
		g.logger.Error("daily loss limit hit, entries halted until next UTC day",
			"day_pnl", g.dayPnL, "limit", g.cfg.MaxDailyLoss)
	}
}

// Snapshot reports the gate's current accounting for the stats loop.
type Snapshot struct {
	Balance   float64
	Committed float64
	Reserved  float64
	OpenCount int
	DayPnL    float64
}

// Snapshot returns a consistent view of the gate.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Balance:   g.balance,
		Committed: g.committed,
		Reserved:  g.reserved,
		OpenCount: g.openCount,
		DayPnL:    g.dayPnL,
	}
}

// rollDay resets the daily P&L window at the UTC day boundary. Caller
// holds mu.
func (g *Gate) rollDay(now time.Time) {
	if day := startOfDay(now); day.After(g.dayStart) {
		g.dayStart = day
		g.dayPnL = 0
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
