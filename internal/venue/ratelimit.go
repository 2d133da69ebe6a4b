// ratelimit.go implements the multi-tier sliding-window rate limiter.
//
// Each tier is an independent sliding-window counter of call timestamps
// with (maxCalls, window). Acquire passes through every tier in order,
// sleeping until the most-constrained tier admits the call. The default
// tiers match the venue's published limits: 5/s, 50/min, 500/hr.
//
// One limiter is shared by all venue call sites within a strategy
// runtime, so catalog polling, book reads, and order placement draw from
// the same allowance.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// admitBuffer pads waits so a call never lands exactly on the window edge.
const admitBuffer = 100 * time.Millisecond

// Tier describes one sliding window: at most MaxCalls per Window.
type Tier struct {
	MaxCalls int
	Window   time.Duration
}

// DefaultTiers are the venue's published limits.
func DefaultTiers() []Tier {
	return []Tier{
		{MaxCalls: 5, Window: time.Second},
		{MaxCalls: 50, Window: time.Minute},
		{MaxCalls: 500, Window: time.Hour},
	}
}

// slidingWindow is a single-tier limiter: a mutex-protected queue of
// admission timestamps pruned to the window.
type slidingWindow struct {
	maxCalls int
	window   time.Duration

	mu    sync.Mutex
	calls []time.Time

	totalCalls int64
	totalWaits int64
}

func newSlidingWindow(t Tier) *slidingWindow {
	return &slidingWindow{maxCalls: t.MaxCalls, window: t.Window}
}

// acquire blocks until this window admits a call or ctx is cancelled.
func (w *slidingWindow) acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.prune(now)

		if len(w.calls) < w.maxCalls {
			w.calls = append(w.calls, now)
			w.totalCalls++
			w.mu.Unlock()
			return nil
		}

		wait := w.window - now.Sub(w.calls[0]) + admitBuffer
		w.totalWaits++
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// prune drops timestamps that fell out of the window. Caller holds mu.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

// active returns the number of admissions still inside the window.
func (w *slidingWindow) active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	return len(w.calls)
}

// RateLimiter layers sliding-window tiers. A call is admitted only when
// every tier has room; the per-tier queues mean any interval of length W
// sees at most that tier's MaxCalls admissions.
type RateLimiter struct {
	name   string
	tiers  []*slidingWindow
	logger *slog.Logger
}

// NewRateLimiter builds a layered limiter from the given tiers.
func NewRateLimiter(name string, tiers []Tier, logger *slog.Logger) *RateLimiter {
	windows := make([]*slidingWindow, len(tiers))
	for i, t := range tiers {
		windows[i] = newSlidingWindow(t)
	}
	return &RateLimiter{
		name:   name,
		tiers:  windows,
		logger: logger.With("component", "ratelimit", "name", name),
	}
}

// Acquire blocks until all tiers admit the call or ctx is cancelled.
// Tiers are acquired in the order given; list the tightest window first
// so a burst is throttled at the per-second layer before it consumes the
// hourly allowance.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for _, w := range r.tiers {
		if err := w.acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TierStats is a point-in-time view of one tier's usage.
type TierStats struct {
	MaxCalls   int
	Window     time.Duration
	Active     int
	TotalCalls int64
	TotalWaits int64
}

// Stats reports per-tier usage for the stats loop.
func (r *RateLimiter) Stats() []TierStats {
	out := make([]TierStats, len(r.tiers))
	for i, w := range r.tiers {
		active := w.active()
		w.mu.Lock()
		out[i] = TierStats{
			MaxCalls:   w.maxCalls,
			Window:     w.window,
			Active:     active,
			TotalCalls: w.totalCalls,
			TotalWaits: w.totalWaits,
		}
		w.mu.Unlock()
	}
	return out
}

// String summarizes capacity usage, e.g. for periodic stats logging.
func (r *RateLimiter) String() string {
	s := r.name
	for _, t := range r.Stats() {
		s += fmt.Sprintf(" [%d/%d per %s]", t.Active, t.MaxCalls, t.Window)
	}
	return s
}
