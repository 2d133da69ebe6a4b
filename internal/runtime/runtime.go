// Package runtime owns the lifecycle of one strategy instance bound to
// one account.
//
// Three cooperative loops run concurrently per runtime:
//
//   - Scan loop: every scan_interval, run the detector's Scan, dedupe by
//     fingerprint against the seen-set and open positions, gate entries
//     through ShouldEnter. Any fault logs and backs off before resuming.
//   - Monitor loop: every 30s, walk a snapshot of open positions and exit
//     the ones ShouldExit (or a streamer-set force_exit flag) selects.
//   - Stats loop: every 10 minutes, emit counters.
//
// The runtime registers a penny-defense handler with the streamer: when
// an inbound tick shows the market bid through a position's entry, the
// position's force_exit flag is set in the store and the next monitor
// pass sells. The streamer itself never places orders.
//
// Shutdown is cooperative: loops observe cancellation, in-flight order
// placements are awaited (they cannot be cancelled venue-side), the
// position store is flushed, and the streamer is closed.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/detector"
	"polyarb/internal/executor"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/internal/stream"
	"polyarb/pkg/types"
)

const (
	monitorInterval = 30 * time.Second
	statsInterval   = 600 * time.Second
)

// Runtime drives one detector against one account.
type Runtime struct {
	det      detector.Detector
	exec     *executor.Executor
	store    *store.Store
	streamer *stream.Streamer
	gate     *risk.Gate
	cfg      *config.Config
	logger   *slog.Logger

	running atomic.Bool

	seenMu sync.Mutex
	seen   map[string]bool // opportunity fingerprints processed this run

	stats struct {
		scans    atomic.Int64
		found    atomic.Int64
		entered  atomic.Int64
		exited   atomic.Int64
	}
}

// New assembles a runtime from already-wired components.
func New(cfg *config.Config, det detector.Detector, exec *executor.Executor, st *store.Store, streamer *stream.Streamer, gate *risk.Gate, logger *slog.Logger) *Runtime {
	return &Runtime{
		det:      det,
		exec:     exec,
		store:    st,
		streamer: streamer,
		gate:     gate,
		cfg:      cfg,
		logger:   logger.With("component", "runtime", "strategy", det.Name()),
		seen:     make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled, then shuts down gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)

	r.restoreState(ctx)
	r.streamer.SetCallback(r.onPriceUpdate)
	r.resubscribeOpenPositions()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.streamer.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("streamer terminated", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.scanLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.monitorLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.statsLoop(ctx)
	}()

	<-ctx.Done()
	r.running.Store(false)
	r.streamer.Stop()
	wg.Wait()

	if err := r.store.Flush(); err != nil {
		r.logger.Error("flush positions on shutdown", "error", err)
	}
	r.logger.Info("runtime stopped")
	return nil
}

// restoreState primes the capital gate from positions that survived a
// restart and loads the wallet balance. The seen-set starts empty; open
// positions are deduplicated through the store instead.
func (r *Runtime) restoreState(ctx context.Context) {
	positions := r.store.GetByStrategy(r.det.Name())
	var committed float64
	open := 0
	for _, pos := range positions {
		if pos.Status == types.PositionOpen {
			committed += pos.CommittedUSD()
			open++
		}
	}
	r.gate.Restore(committed, open)
	if open > 0 {
		r.logger.Info("restored positions from disk", "open", open, "committed", committed)
	}

	if client, ok := r.exec.Client(primaryVenueName(positions)); ok {
		if balance, err := client.GetBalance(ctx, true); err == nil {
			r.gate.SetBalance(balance)
			r.logger.Info("balance", "usd", balance)
		} else {
			r.logger.Warn("initial balance refresh failed", "error", err)
		}
	}
}

// primaryVenueName picks the venue to read the wallet balance from.
func primaryVenueName(positions []types.Position) string {
	for _, pos := range positions {
		for _, leg := range pos.Legs {
			if leg.Venue != "" {
				return leg.Venue
			}
		}
	}
	return "polymarket"
}

// resubscribeOpenPositions re-arms penny defense for restored positions.
func (r *Runtime) resubscribeOpenPositions() {
	var tokens []string
	for token, pos := range r.store.GetAll() {
		if pos.Strategy == r.det.Name() && pos.Status == types.PositionOpen {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) > 0 {
		if err := r.streamer.Subscribe(tokens); err != nil {
			r.logger.Warn("resubscribe failed", "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scan loop
// ————————————————————————————————————————————————————————————————————————

func (r *Runtime) scanLoop(ctx context.Context) {
	for r.running.Load() && ctx.Err() == nil {
		if err := r.scanOnce(ctx); err != nil {
			r.logger.Error("scan failed, backing off", "error", err, "backoff", r.cfg.Timeouts.ScanBackoff)
			if !sleepCtx(ctx, r.cfg.Timeouts.ScanBackoff) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, r.cfg.Strategy.ScanInterval) {
			return
		}
	}
}

func (r *Runtime) scanOnce(ctx context.Context) error {
	n := r.stats.scans.Add(1)
	r.logger.Info("scan", "n", n)

	opps, err := r.det.Scan(ctx)
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		return nil
	}
	r.logger.Info("opportunities found", "count", len(opps))
	r.stats.found.Add(int64(len(opps)))

	for _, opp := range opps {
		if ctx.Err() != nil {
			return nil
		}

		fp := opp.Fingerprint()
		if r.alreadySeen(fp) || r.overlapsOpenPosition(opp) {
			continue
		}
		r.markSeen(fp)

		ok, err := r.det.ShouldEnter(ctx, opp)
		if err != nil {
			r.logger.Warn("should_enter failed", "fingerprint", fp, "error", err)
			continue
		}
		if !ok {
			continue
		}

		// In-flight orders are awaited even through shutdown.
		entered, err := r.det.EnterPosition(context.WithoutCancel(ctx), opp)
		if err != nil {
			r.logger.Error("entry failed", "fingerprint", fp, "error", err)
			continue
		}
		if entered {
			r.stats.entered.Add(1)
		}
	}
	return nil
}

func (r *Runtime) alreadySeen(fp string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	return r.seen[fp]
}

func (r *Runtime) markSeen(fp string) {
	r.seenMu.Lock()
	r.seen[fp] = true
	r.seenMu.Unlock()
}

// overlapsOpenPosition enforces deduplication against the store: an
// opportunity touching any token with an open record is skipped.
func (r *Runtime) overlapsOpenPosition(opp types.Opportunity) bool {
	for _, leg := range opp.Legs {
		if r.store.Has(leg.TokenID) {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Monitor loop
// ————————————————————————————————————————————————————————————————————————

func (r *Runtime) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.monitorOnce(ctx)
		}
	}
}

func (r *Runtime) monitorOnce(ctx context.Context) {
	// Snapshot tolerates concurrent insertions from the scan loop.
	for _, pos := range r.store.GetByStrategy(r.det.Name()) {
		if ctx.Err() != nil {
			return
		}
		if pos.Status != types.PositionOpen {
			continue
		}

		shouldExit := pos.ForceExit
		if shouldExit {
			r.logger.Warn("force exit flagged", "group", groupOrToken(pos))
		} else {
			var err error
			shouldExit, err = r.det.ShouldExit(ctx, pos)
			if err != nil {
				r.logger.Warn("should_exit failed", "group", groupOrToken(pos), "error", err)
				continue
			}
		}
		if !shouldExit {
			continue
		}

		r.markExiting(pos)
		exited, err := r.det.ExitPosition(context.WithoutCancel(ctx), pos)
		if err != nil || !exited {
			r.logger.Error("exit failed, position stays open",
				"group", groupOrToken(pos), "error", err)
			r.markOpen(pos)
			continue
		}
		r.stats.exited.Add(1)
	}
}

func (r *Runtime) markExiting(pos types.Position) {
	r.setStatus(pos, types.PositionExiting)
}

func (r *Runtime) markOpen(pos types.Position) {
	r.setStatus(pos, types.PositionOpen)
}

func (r *Runtime) setStatus(pos types.Position, status types.PositionStatus) {
	update := func(p *types.Position) { p.Status = status }
	var err error
	if pos.GroupID != "" {
		_, err = r.store.UpdateGroup(pos.GroupID, update)
	} else if len(pos.Legs) > 0 {
		_, err = r.store.Update(pos.Legs[0].TokenID, update)
	}
	if err != nil {
		r.logger.Error("status update failed", "group", groupOrToken(pos), "error", err)
	}
}

func groupOrToken(pos types.Position) string {
	if pos.GroupID != "" {
		return pos.GroupID
	}
	if len(pos.Legs) > 0 {
		return pos.Legs[0].TokenID
	}
	return "?"
}

// ————————————————————————————————————————————————————————————————————————
// Penny defense
// ————————————————————————————————————————————————————————————————————————

// onPriceUpdate is the handler registered with the streamer. When the
// inbound bid moves through a single-leg position's entry, the market has
// out-bid us: flag the position and let the monitor loop sell.
func (r *Runtime) onPriceUpdate(update types.PriceUpdate) {
	if update.BestBid <= 0 {
		return
	}

	pos, ok := r.store.Get(update.TokenID)
	if !ok || pos.Status != types.PositionOpen || pos.ForceExit || len(pos.Legs) != 1 {
		return
	}
	if update.BestBid <= pos.Legs[0].EntryPrice {
		return
	}

	r.logger.Warn("penny defense: out-bid, flagging for exit",
		"token", update.TokenID,
		"entry", pos.Legs[0].EntryPrice, "bid", update.BestBid)
	if _, err := r.store.Update(update.TokenID, func(p *types.Position) {
		p.ForceExit = true
	}); err != nil {
		r.logger.Error("force_exit update failed", "token", update.TokenID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Stats loop
// ————————————————————————————————————————————————————————————————————————

func (r *Runtime) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logStats()
		}
	}
}

func (r *Runtime) logStats() {
	snap := r.gate.Snapshot()
	r.logger.Info("statistics",
		"scans", r.stats.scans.Load(),
		"opportunities_found", r.stats.found.Load(),
		"entered", r.stats.entered.Load(),
		"exited", r.stats.exited.Load(),
		"total_pnl", snap.DayPnL,
		"open_positions", snap.OpenCount,
		"committed_usd", snap.Committed,
		"stream_state", r.streamer.State().String(),
	)
}

// sleepCtx sleeps d or returns false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
