// Package stream implements the reconnecting market-data streamer.
//
// The streamer maintains one WebSocket to the venue's market channel,
// receives "book" snapshots and "price_change" deltas for a dynamic
// subscription set, and delivers per-token price updates to a registered
// callback with minimum latency. It survives transient disconnects: the
// full subscription set is retained in memory and re-issued in batches on
// every reconnect.
//
// Connection state machine:
//
//	Disconnected → Connecting   on connect (backoff 2^attempt, capped)
//	Connecting   → Connected    on socket open (+resubscribe)
//	Connected    → Degraded     when no message within maxSilence
//	Degraded     → Connecting   on auto-reconnect (delay doubles 1s→cap,
//	                            resets on success)
//	any          → Closed       on Stop
//
// The streamer never places orders — adverse-tick reactions happen in the
// handler the runtime registers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultBatchSize chunks large subscription sets.
	DefaultBatchSize = 100

	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	healthCheckInterval   = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

// Callback receives every inbound price tick for a subscribed token. It
// is dispatched off the receive loop; panics are caught and logged and do
// not affect the connection.
type Callback func(update types.PriceUpdate)

// Streamer is the reconnecting market-data feed.
type Streamer struct {
	url        string
	dialer     *websocket.Dialer
	maxSilence time.Duration
	logger     *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	state   atomic.Int32
	running atomic.Bool
	lastMsg atomic.Int64 // unix nanos of last inbound message

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	callbackMu sync.RWMutex
	callback   Callback
}

// New creates a streamer for the venue's market channel.
func New(cfg *config.Config, logger *slog.Logger) *Streamer {
	return &Streamer{
		url: cfg.API.WSMarketURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeouts.WSConnect,
		},
		maxSilence: cfg.Timeouts.StreamSilence,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "streamer"),
	}
}

// SetCallback registers the price-update handler. The streamer never
// knows the strategy's type; it only holds this closure.
func (s *Streamer) SetCallback(cb Callback) {
	s.callbackMu.Lock()
	s.callback = cb
	s.callbackMu.Unlock()
}

// State returns the current connection state.
func (s *Streamer) State() State { return State(s.state.Load()) }

// IsConnected reports whether the socket is live.
func (s *Streamer) IsConnected() bool { return s.State() == StateConnected }

// SubscribedTokens returns a snapshot of the retained subscription set.
func (s *Streamer) SubscribedTokens() []string {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	out := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		out = append(out, id)
	}
	return out
}

// Subscribe adds tokens to the retained set and, when connected, issues
// the subscription immediately.
func (s *Streamer) Subscribe(tokens []string) error {
	return s.SubscribeBatch(tokens, DefaultBatchSize)
}

// SubscribeBatch subscribes a large token set in chunks.
func (s *Streamer) SubscribeBatch(tokens []string, batchSize int) error {
	if len(tokens) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.subscribedMu.Lock()
	fresh := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if !s.subscribed[id] {
			s.subscribed[id] = true
			fresh = append(fresh, id)
		}
	}
	s.subscribedMu.Unlock()

	if len(fresh) == 0 || !s.IsConnected() {
		return nil
	}
	return s.sendSubscriptions(fresh, batchSize)
}

// Unsubscribe removes tokens from the retained set.
func (s *Streamer) Unsubscribe(tokens []string) {
	s.subscribedMu.Lock()
	for _, id := range tokens {
		delete(s.subscribed, id)
	}
	s.subscribedMu.Unlock()
}

// subscribeMsg is the market-channel subscription payload.
type subscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

func (s *Streamer) sendSubscriptions(tokens []string, batchSize int) error {
	for start := 0; start < len(tokens); start += batchSize {
		end := start + batchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		msg := subscribeMsg{Type: "market", AssetIDs: tokens[start:end]}
		if err := s.writeJSON(msg); err != nil {
			return fmt.Errorf("subscribe batch %d: %w", start/batchSize, err)
		}
	}
	s.logger.Info("subscribed", "tokens", len(tokens))
	return nil
}

// Run connects and maintains the feed until ctx is cancelled or Stop is
// called. Reconnect delay doubles from 1s to the cap and resets after a
// successful connection.
func (s *Streamer) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.state.Store(int32(StateClosed))

	delay := initialReconnectDelay

	for s.running.Load() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.state.Store(int32(StateConnecting))
		err := s.connectAndRead(ctx)
		if !s.running.Load() || ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that was established resets the backoff.
		if st := s.State(); st == StateConnected || st == StateDegraded {
			delay = initialReconnectDelay
		}
		s.state.Store(int32(StateDisconnected))
		s.logger.Warn("stream disconnected, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
	return nil
}

// Stop transitions to Closed and terminates the run loop before the
// socket is torn down.
func (s *Streamer) Stop() {
	s.running.Store(false)
	s.state.Store(int32(StateClosed))
	s.closeConn()
}

func (s *Streamer) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Streamer) connectAndRead(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer s.closeConn()

	s.state.Store(int32(StateConnected))
	s.lastMsg.Store(time.Now().UnixNano())
	s.logger.Info("stream connected", "url", s.url)

	// Re-issue the full retained subscription set.
	if tokens := s.SubscribedTokens(); len(tokens) > 0 {
		if err := s.sendSubscriptions(tokens, DefaultBatchSize); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	// Health watchdog: a silent socket degrades and forces a reconnect.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go s.healthLoop(watchCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(s.maxSilence))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.lastMsg.Store(time.Now().UnixNano())
		s.dispatch(msg)
	}
}

// healthLoop marks the connection Degraded when no message arrived within
// maxSilence and closes the socket so the run loop reconnects.
func (s *Streamer) healthLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastMsg.Load())
			if time.Since(last) > s.maxSilence && s.State() == StateConnected {
				s.state.Store(int32(StateDegraded))
				s.logger.Warn("stream degraded: silent beyond threshold",
					"silence", time.Since(last).Round(time.Second))
				conn.Close() // unblocks the read loop into reconnect
				return
			}
		}
	}
}

// bookEvent is a full book snapshot from the market channel.
type bookEvent struct {
	EventType string        `json:"event_type"`
	AssetID   string        `json:"asset_id"`
	Buys      []types.Level `json:"buys"`
	Sells     []types.Level `json:"sells"`
}

// priceChangeEvent is an incremental update; each change carries the new
// top of book.
type priceChangeEvent struct {
	EventType    string `json:"event_type"`
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	} `json:"price_changes"`
}

func (s *Streamer) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json message")
		return
	}

	switch envelope.EventType {
	case "book":
		var evt bookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal book event", "error", err)
			return
		}
		update := types.PriceUpdate{TokenID: evt.AssetID}
		if len(evt.Buys) > 0 {
			update.BestBid = topPrice(evt.Buys, true)
		}
		if len(evt.Sells) > 0 {
			update.BestAsk = topPrice(evt.Sells, false)
		}
		if update.BestBid > 0 && update.BestAsk > 0 {
			update.Mid = (update.BestBid + update.BestAsk) / 2
		}
		s.deliver(update)

	case "price_change":
		var evt priceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		for _, pc := range evt.PriceChanges {
			update := types.PriceUpdate{TokenID: pc.AssetID}
			update.BestBid, _ = strconv.ParseFloat(pc.BestBid, 64)
			update.BestAsk, _ = strconv.ParseFloat(pc.BestAsk, 64)
			if update.BestBid > 0 && update.BestAsk > 0 {
				update.Mid = (update.BestBid + update.BestAsk) / 2
			}
			s.deliver(update)
		}

	default:
		s.logger.Debug("ignoring event", "type", envelope.EventType)
	}
}

// deliver dispatches one update to the callback without blocking the
// receive loop. Callback panics are contained.
func (s *Streamer) deliver(update types.PriceUpdate) {
	if update.TokenID == "" {
		return
	}

	s.subscribedMu.RLock()
	tracked := s.subscribed[update.TokenID]
	s.subscribedMu.RUnlock()
	if !tracked {
		return
	}

	s.callbackMu.RLock()
	cb := s.callback
	s.callbackMu.RUnlock()
	if cb == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("callback panic", "token", update.TokenID, "panic", r)
			}
		}()
		cb(update)
	}()
}

// topPrice extracts the best price from an unordered side: highest for
// bids, lowest for asks.
func topPrice(levels []types.Level, highest bool) float64 {
	best := levels[0].Price
	for _, lv := range levels[1:] {
		if highest && lv.Price > best || !highest && lv.Price < best {
			best = lv.Price
		}
	}
	return best
}

func (s *Streamer) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
