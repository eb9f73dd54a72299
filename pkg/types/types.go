// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order and market
// metadata, book snapshots, the per-market phase machine, and WebSocket
// event payloads. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // rests until filled or cancelled
	OrderTypeGTD OrderType = "GTD" // rests until the expiration timestamp
	OrderTypeFAK OrderType = "FAK" // fills what's available, kills the rest
)

// OrderStatus tracks the lifecycle of an order we placed.
// Status only ever advances: live → filled or live → cancelled.
type OrderStatus string

const (
	OrderLive      OrderStatus = "live"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Phase is the per-market state machine position.
type Phase string

const (
	PhaseQuoting  Phase = "quoting"
	PhaseCooldown Phase = "cooldown"
	PhaseExiting  Phase = "exiting"
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Float returns the tick size as a float64 price increment.
func (t TickSize) Float() float64 {
	switch t {
	case Tick01:
		return 0.1
	case Tick001:
		return 0.01
	case Tick0001:
		return 0.001
	case Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}

// TickSizeFromFloat maps a numeric tick size to the enum, defaulting to 0.01.
func TickSizeFromFloat(v float64) TickSize {
	switch v {
	case 0.1:
		return Tick01
	case 0.001:
		return Tick0001
	case 0.0001:
		return Tick00001
	default:
		return Tick001
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Token is one outcome leg of a binary market.
type Token struct {
	ID           string `json:"id"`            // CLOB asset ID
	Outcome      string `json:"outcome"`       // human label, e.g. "Yes"
	ComplementID string `json:"complement_id"` // the other leg's asset ID
}

// Market is a reward-eligible trading venue selected by the scanner.
// Immutable once emitted by a scan cycle.
type Market struct {
	ConditionID string   `json:"condition_id"`
	Question    string   `json:"question"`
	Tokens      [2]Token `json:"tokens"` // complementary outcome pair

	MaxSpread float64  `json:"max_spread"` // reward band width in price units
	MinSize   float64  `json:"min_size"`   // minimum scoring order size in shares
	DailyRate float64  `json:"daily_rate"` // sponsor reward pool per 24h, USD
	TickSize  TickSize `json:"tick_size"`
	NegRisk   bool     `json:"neg_risk"` // inverted book encoding, altered scoring symmetry

	Active  bool      `json:"active"`
	EndDate time.Time `json:"end_date"`
	Score   float64   `json:"score"` // scanner ranking score
}

// TokenIDs returns both asset IDs in order.
func (m *Market) TokenIDs() []string {
	return []string{m.Tokens[0].ID, m.Tokens[1].ID}
}

// HasToken reports whether tokenID is one of this market's legs.
func (m *Market) HasToken(tokenID string) bool {
	return m.Tokens[0].ID == tokenID || m.Tokens[1].ID == tokenID
}

// ————————————————————————————————————————————————————————————————————————
// Book
// ————————————————————————————————————————————————————————————————————————

// Level is one parsed price level.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is the last observed ladder for one token.
// Invariant: BestBid < Midpoint < BestAsk < 1 and Midpoint > 0 when populated.
type BookSnapshot struct {
	AssetID   string    `json:"asset_id"`
	Midpoint  float64   `json:"midpoint"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	Bids      []Level   `json:"bids"` // ascending by price; best bid is the last element
	Asks      []Level   `json:"asks"` // descending by price; best ask is the last element
	Timestamp time.Time `json:"timestamp"`
}

// PriceLevel is a raw bid or ask level as the CLOB API returns it.
// Price and Size are strings to preserve decimal precision on the wire.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
	NegRisk   bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// TrackedOrder is a limit order the system believes is live (or recently was).
// Invariant: 0 ≤ FilledSize ≤ OriginalSize.
type TrackedOrder struct {
	ID           string      `json:"id"`
	TokenID      string      `json:"token_id"`
	ConditionID  string      `json:"condition_id"`
	Side         Side        `json:"side"`
	Price        float64     `json:"price"`
	OriginalSize float64     `json:"original_size"`
	FilledSize   float64     `json:"filled_size"`
	Status       OrderStatus `json:"status"`
	PlacedAt     time.Time   `json:"placed_at"`
	Level        int         `json:"level"`   // 0 = tightest quote level
	Scoring      bool        `json:"scoring"` // inside the reward band at placement
}

// Remaining returns the unfilled share count.
func (o *TrackedOrder) Remaining() float64 {
	return o.OriginalSize - o.FilledSize
}

// Quote is a target order the quote engine wants resting.
type Quote struct {
	TokenID string
	Side    Side
	Price   float64
	Size    float64
	Level   int
}

// OrderSpec is the placement request handed to the gateway.
type OrderSpec struct {
	TokenID    string
	Price      float64
	Size       float64
	Side       Side
	OrderType  OrderType
	Expiration int64 // unix seconds, GTD only
	PostOnly   bool
	FeeRateBps int
}

// MarketParams carries the per-market placement parameters the exchange needs.
type MarketParams struct {
	TickSize TickSize
	NegRisk  bool
}

// PlaceResult is the outcome of a signed-order submission.
type PlaceResult struct {
	OrderID string `json:"orderID"`
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// OpenOrder represents a live resting order as reported by the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// CancelResponse is returned by DELETE /orders, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// ————————————————————————————————————————————————————————————————————————
// Trades and fills
// ————————————————————————————————————————————————————————————————————————

// MakerOrder identifies one maker order inside a trade.
type MakerOrder struct {
	OrderID     string `json:"order_id"`
	MatchedSize string `json:"matched_amount"`
	Price       string `json:"price"`
}

// Trade is a fill record from the trades endpoint.
type Trade struct {
	ID           string       `json:"id"`
	TakerOrderID string       `json:"taker_order_id"`
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Side         string       `json:"side"`
	Price        string       `json:"price"`
	Size         string       `json:"size"`
	Status       string       `json:"status"`
	MakerOrders  []MakerOrder `json:"maker_orders"`
	MatchTime    string       `json:"match_time"`
}

// FillEvent is an immutable historical record of a detected fill.
// Pruned from state on a two-hour rolling window.
type FillEvent struct {
	OrderID     string    `json:"order_id"`
	TokenID     string    `json:"token_id"`
	ConditionID string    `json:"condition_id"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"`
	Size        float64   `json:"size"`
	Timestamp   time.Time `json:"timestamp"`
}

// Position is net exposure per token. Long-only in this strategy.
type Position struct {
	ConditionID string  `json:"condition_id"`
	TokenID     string  `json:"token_id"`
	Outcome     string  `json:"outcome"`
	Shares      float64 `json:"shares"`
	AvgPrice    float64 `json:"avg_price"` // volume-weighted entry
	RealizedPnL float64 `json:"realized_pnl"`
}

// UserPosition is an on-chain conditional-token balance reported by the
// data API, used to discover orphans the local state never saw.
type UserPosition struct {
	ConditionID string  `json:"conditionId"`
	AssetID     string  `json:"asset"`
	Outcome     string  `json:"outcome"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
}

// ————————————————————————————————————————————————————————————————————————
// Rewards
// ————————————————————————————————————————————————————————————————————————

// RewardConfig is one entry from the current-rewards listing.
type RewardConfig struct {
	ConditionID     string  `json:"condition_id"`
	MaxSpreadCents  float64 `json:"rewards_max_spread"` // band width in cents
	MinSize         float64 `json:"rewards_min_size"`   // shares
	TotalDailyRate  float64 `json:"total_daily_rate"`
	NativeDailyRate float64 `json:"native_daily_rate"`
}

// DailyRate returns the effective reward pool for this entry.
func (rc *RewardConfig) DailyRate() float64 {
	if rc.TotalDailyRate > 0 {
		return rc.TotalDailyRate
	}
	return rc.NativeDailyRate
}

// RewardDay archives one UTC day of reward performance.
type RewardDay struct {
	Date         string  `json:"date"` // YYYY-MM-DD UTC
	EstimatedUSD float64 `json:"estimated_usd"`
	ActualUSD    float64 `json:"actual_usd"`
}

// ————————————————————————————————————————————————————————————————————————
// Per-market phase machine
// ————————————————————————————————————————————————————————————————————————

// AccidentalFill is the in-flight liquidation record while a market is exiting.
type AccidentalFill struct {
	TokenID     string    `json:"token_id"`
	Shares      float64   `json:"shares"`
	EntryPrice  float64   `json:"entry_price"`
	FilledAt    time.Time `json:"filled_at"`
	SellOrderID string    `json:"sell_order_id,omitempty"`
	Stage       int       `json:"stage"` // 1..4; the wired exit path starts at 3
}

// MarketState is the mutable per-market phase machine.
//
// Invariants:
//   - quoting:  ActiveOrderIDs non-empty (or in a transient placing gap) and
//     a danger trigger exists per token with a live order.
//   - cooldown: ActiveOrderIDs empty, CooldownUntil in the future.
//   - exiting:  AccidentalFill present, quoting suspended.
type MarketState struct {
	ConditionID          string             `json:"condition_id"`
	Phase                Phase              `json:"phase"`
	CooldownUntil        time.Time          `json:"cooldown_until"`
	ActiveOrderIDs       []string           `json:"active_order_ids"`
	OrdersPlacedAt       time.Time          `json:"orders_placed_at"`
	ConsecutiveCooldowns int                `json:"consecutive_cooldowns"`
	EmptyQuoteTicks      int                `json:"empty_quote_ticks"`
	LastCooldownMids     map[string]float64 `json:"last_cooldown_mids,omitempty"`
	AccidentalFill       *AccidentalFill    `json:"accidental_fill,omitempty"`
	EnteredExitingAt     time.Time          `json:"entered_exiting_at,omitempty"`
}

// DangerTrigger is a pre-computed per-token cancel threshold. The feed hot
// path does one map lookup and one comparison against CancelBelowMid.
type DangerTrigger struct {
	CancelBelowMid float64
	ConditionID    string
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the Polymarket WebSocket.
// Market channel: "book" deltas and "price_change" snapshots.
// User channel: "trade" fills and "order" lifecycle events.

// WSTradeEvent is a fill notification from the user channel.
// Only status MATCHED (the first notification) is processed.
type WSTradeEvent struct {
	EventType    string       `json:"event_type"`
	ID           string       `json:"id"`
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Side         string       `json:"side"`
	Price        string       `json:"price"`
	Size         string       `json:"size"`
	Status       string       `json:"status"`
	TakerOrderID string       `json:"taker_order_id"`
	MakerOrders  []MakerOrder `json:"maker_orders"`
	Timestamp    string       `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user channel,
// consumed only informationally.
type WSOrderEvent struct {
	EventType   string `json:"event_type"`
	ID          string `json:"id"`
	Market      string `json:"market"`
	AssetID     string `json:"asset_id"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	SizeMatched string `json:"size_matched"`
	Type        string `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
}

// WSBookEvent is a book delta from the market channel. A delta carries only
// bids or only asks, never both.
type WSBookEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Bids      []PriceLevel `json:"bids,omitempty"`
	Asks      []PriceLevel `json:"asks,omitempty"`
	Timestamp string       `json:"timestamp"`
}

// WSPriceChange is one per-asset entry of a price_change event; best_bid and
// best_ask are authoritative snapshots.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

// WSPriceChangeEvent is a price_change message from the market channel.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	PriceChanges []WSPriceChange `json:"price_changes"`
	Timestamp    string          `json:"timestamp"`
}

// MidUpdate is emitted by the market feed whenever a token's tracked best
// bid/ask yields a consistent midpoint.
type MidUpdate struct {
	AssetID string
	Mid     float64
	BestBid float64
	BestAsk float64
}

// WSSubscribeMsg is the initial subscription frame for either channel.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"` // "market" or "user"
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSAuth contains the L2 API credentials for the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg subscribes or unsubscribes after the initial connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"`
}
