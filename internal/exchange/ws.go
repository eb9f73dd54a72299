// ws.go implements the WebSocket feeds for real-time Polymarket data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by asset ID, receives "book" deltas
//     (which carry only bids or only asks, never both) and "price_change"
//     snapshots. The feed owns the per-token best bid/ask cells and emits a
//     MidUpdate whenever both sides are known and consistent — the engine's
//     danger-zone hot path consumes these directly.
//
//   - User feed (authenticated): subscribes by condition ID, receives "trade"
//     fills. Only MATCHED events (the first notification for a trade) pass;
//     duplicates are dropped against a bounded seen-set.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe to all tracked IDs on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~3 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-rewards/pkg/types"
)

const (
	pingInterval     = 30 * time.Second // keepalive cadence
	readTimeout      = 90 * time.Second // ~3 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	midBufferSize    = 512              // buffer for mid updates
	tradeBufferSize  = 64               // buffer for trade events

	seenTradesCap   = 1000 // dedup set hard cap
	seenTradesPrune = 500  // entries kept after pruning

	parseErrLogEvery = 10 * time.Second // throttle for parse-error logging
)

// bestQuote is the tracked top of book for one token.
type bestQuote struct {
	bid, ask       float64
	hasBid, hasAsk bool
}

// WSFeed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex // protects conn reads/writes
	auth        *Auth      // nil for market channel, set for user channel
	channelType string     // "market" or "user"

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // asset IDs (market) or condition IDs (user)

	// Market channel: per-token top of book, owned by this feed.
	quotesMu sync.Mutex
	quotes   map[string]*bestQuote

	// User channel: bounded trade dedup (by trade ID, or taker+timestamp).
	seenMu    sync.Mutex
	seenSet   map[string]bool
	seenOrder []string

	midCh   chan types.MidUpdate
	tradeCh chan types.WSTradeEvent
	orderCh chan types.WSOrderEvent

	parseErrMu  sync.Mutex
	lastBadData time.Time

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the market channel (public).
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		quotes:      make(map[string]*bestQuote),
		midCh:       make(chan types.MidUpdate, midBufferSize),
		tradeCh:     make(chan types.WSTradeEvent, tradeBufferSize),
		orderCh:     make(chan types.WSOrderEvent, tradeBufferSize),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a WebSocket feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		auth:        auth,
		channelType: "user",
		subscribed:  make(map[string]bool),
		quotes:      make(map[string]*bestQuote),
		seenSet:     make(map[string]bool),
		midCh:       make(chan types.MidUpdate, midBufferSize),
		tradeCh:     make(chan types.WSTradeEvent, tradeBufferSize),
		orderCh:     make(chan types.WSOrderEvent, tradeBufferSize),
		logger:      logger.With("component", "ws_user"),
	}
}

// MidUpdates returns the channel of per-token midpoint updates (market channel).
func (f *WSFeed) MidUpdates() <-chan types.MidUpdate { return f.midCh }

// TradeEvents returns the channel of deduplicated MATCHED trades (user channel).
func (f *WSFeed) TradeEvents() <-chan types.WSTradeEvent { return f.tradeCh }

// OrderEvents returns the channel of order lifecycle events (user channel).
func (f *WSFeed) OrderEvents() <-chan types.WSOrderEvent { return f.orderCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds asset IDs (market channel) or condition IDs (user channel).
func (f *WSFeed) Subscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	msg := types.WSUpdateMsg{Operation: "subscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
}

// Unsubscribe removes IDs from the subscription and drops their tracked quotes.
func (f *WSFeed) Unsubscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	f.quotesMu.Lock()
	for _, id := range ids {
		delete(f.quotes, id)
	}
	f.quotesMu.Unlock()

	msg := types.WSUpdateMsg{Operation: "unsubscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if f.channelType == "market" {
		return f.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
	}
	return f.writeJSON(types.WSSubscribeMsg{
		Type:    "user",
		Auth:    f.auth.WSAuthPayload(),
		Markets: ids,
	})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logParseError(data)
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logParseError(data)
			return
		}
		f.applyBookDelta(evt)

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logParseError(data)
			return
		}
		f.applyPriceChange(evt)

	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logParseError(data)
			return
		}
		f.handleTrade(evt)

	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logParseError(data)
			return
		}
		select {
		case f.orderCh <- evt:
		default:
		}

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// applyBookDelta folds one book delta into the tracked top of book.
// A delta carries only bids or only asks. Non-zero levels improve the best
// when tighter; a zeroed level equal to the current best forces a recompute
// from the message's remaining levels, or discards the side entirely so the
// next update re-establishes it.
func (f *WSFeed) applyBookDelta(evt types.WSBookEvent) {
	f.quotesMu.Lock()
	q := f.quotes[evt.AssetID]
	if q == nil {
		q = &bestQuote{}
		f.quotes[evt.AssetID] = q
	}

	if len(evt.Bids) > 0 {
		for _, lvl := range evt.Bids {
			price, size := parseLevel(lvl)
			if price <= 0 {
				continue
			}
			if size > 0 {
				if !q.hasBid || price > q.bid {
					q.bid, q.hasBid = price, true
				}
			} else if q.hasBid && price == q.bid {
				best, ok := bestFromLevels(evt.Bids, true)
				q.bid, q.hasBid = best, ok
			}
		}
	}
	if len(evt.Asks) > 0 {
		for _, lvl := range evt.Asks {
			price, size := parseLevel(lvl)
			if price <= 0 {
				continue
			}
			if size > 0 {
				if !q.hasAsk || price < q.ask {
					q.ask, q.hasAsk = price, true
				}
			} else if q.hasAsk && price == q.ask {
				best, ok := bestFromLevels(evt.Asks, false)
				q.ask, q.hasAsk = best, ok
			}
		}
	}

	update, ok := q.mid(evt.AssetID)
	f.quotesMu.Unlock()

	if ok {
		f.emitMid(update)
	}
}

// applyPriceChange overwrites tracked values with the authoritative best
// bid/ask carried by a price_change snapshot.
func (f *WSFeed) applyPriceChange(evt types.WSPriceChangeEvent) {
	for _, pc := range evt.PriceChanges {
		f.quotesMu.Lock()
		q := f.quotes[pc.AssetID]
		if q == nil {
			q = &bestQuote{}
			f.quotes[pc.AssetID] = q
		}
		if bid, err := strconv.ParseFloat(pc.BestBid, 64); err == nil && bid > 0 {
			q.bid, q.hasBid = bid, true
		}
		if ask, err := strconv.ParseFloat(pc.BestAsk, 64); err == nil && ask > 0 {
			q.ask, q.hasAsk = ask, true
		}
		update, ok := q.mid(pc.AssetID)
		f.quotesMu.Unlock()

		if ok {
			f.emitMid(update)
		}
	}
}

// handleTrade filters the user channel down to first-notification MATCHED
// fills and deduplicates against the bounded seen-set.
func (f *WSFeed) handleTrade(evt types.WSTradeEvent) {
	if evt.Status != "MATCHED" {
		return
	}

	key := evt.ID
	if key == "" {
		key = evt.TakerOrderID + "|" + evt.Timestamp
	}

	f.seenMu.Lock()
	if f.seenSet[key] {
		f.seenMu.Unlock()
		return
	}
	f.seenSet[key] = true
	f.seenOrder = append(f.seenOrder, key)
	if len(f.seenOrder) > seenTradesCap {
		drop := f.seenOrder[:len(f.seenOrder)-seenTradesPrune]
		for _, k := range drop {
			delete(f.seenSet, k)
		}
		f.seenOrder = append([]string(nil), f.seenOrder[len(f.seenOrder)-seenTradesPrune:]...)
	}
	f.seenMu.Unlock()

	select {
	case f.tradeCh <- evt:
	default:
		f.logger.Warn("trade channel full, dropping event", "id", evt.ID)
	}
}

func (q *bestQuote) mid(assetID string) (types.MidUpdate, bool) {
	if !q.hasBid || !q.hasAsk || q.ask <= q.bid {
		return types.MidUpdate{}, false
	}
	return types.MidUpdate{
		AssetID: assetID,
		Mid:     (q.bid + q.ask) / 2,
		BestBid: q.bid,
		BestAsk: q.ask,
	}, true
}

func (f *WSFeed) emitMid(update types.MidUpdate) {
	select {
	case f.midCh <- update:
	default:
		// Hot path must not block; a dropped mid is superseded by the next.
	}
}

func (f *WSFeed) logParseError(data []byte) {
	f.parseErrMu.Lock()
	defer f.parseErrMu.Unlock()
	if time.Since(f.lastBadData) < parseErrLogEvery {
		return
	}
	f.lastBadData = time.Now()
	sample := string(data)
	if len(sample) > 200 {
		sample = sample[:200]
	}
	f.logger.Warn("unparseable ws message", "data", sample)
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

func parseLevel(lvl types.PriceLevel) (price, size float64) {
	price, _ = strconv.ParseFloat(lvl.Price, 64)
	size, _ = strconv.ParseFloat(lvl.Size, 64)
	return price, size
}

// bestFromLevels scans message levels with non-zero size for the best price:
// highest for bids, lowest for asks.
func bestFromLevels(levels []types.PriceLevel, isBid bool) (float64, bool) {
	var best float64
	found := false
	for _, lvl := range levels {
		price, size := parseLevel(lvl)
		if price <= 0 || size <= 0 {
			continue
		}
		if !found || (isBid && price > best) || (!isBid && price < best) {
			best = price
			found = true
		}
	}
	return best, found
}
