// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) is the typed gateway the engine trades through:
//   - GetOrderBook / GetOrderBooks:   GET /book, POST /books
//   - GetMidpoint / GetMidpoints:     GET /midpoint, POST /midpoints
//   - GetRewardConfigs:               GET /rewards/markets/current
//   - GetMarket:                      GET /markets/{conditionID}
//   - GetOpenOrders / GetTrades:      GET /data/orders, /data/trades
//   - CreateAndPostOrder:             POST /order (signed, typed rejections)
//   - CancelOrders / CancelMarketOrders / CancelAll
//   - GetCollateralBalance / GetConditionalBalance (REST; conditional balances
//     read on-chain via chain.go when an RPC endpoint is configured)
//   - GetUserPositions:               data API /positions
//   - DeriveAPIKey:                   GET /auth/derive-api-key
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers where needed.
// Failures are classified into APIError kinds at parse time; a rolling
// consecutive-error counter feeds the engine's circuit breaker.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"polymarket-rewards/internal/config"
	"polymarket-rewards/pkg/types"
)

// CTF exchange contracts on Polygon. Neg-risk markets settle through the
// adapter exchange, which changes the EIP-712 verifying contract.
const (
	ctfExchangeAddress     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// Client is the Polymarket CLOB REST API gateway.
type Client struct {
	http   *resty.Client // CLOB API, with retry + base URL
	data   *resty.Client // data API (positions, earnings)
	auth   *Auth
	chain  *Chain // nil when no RPC endpoint is configured
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	errMu       sync.Mutex
	consecutive int // consecutive classified failures across all calls
}

// NewClient creates a REST gateway with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, chain *Chain, logger *slog.Logger) *Client {
	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		http:   newHTTP(cfg.API.CLOBBaseURL),
		data:   newHTTP(cfg.API.DataBaseURL),
		auth:   auth,
		chain:  chain,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// Init establishes the trading session: derives L2 API credentials via L1
// auth when they are not configured. Auth failures here are fatal.
func (c *Client) Init(ctx context.Context) error {
	if c.auth.HasL2Credentials() {
		return nil
	}
	c.logger.Info("no L2 credentials, deriving API key via L1...")
	if _, err := c.DeriveAPIKey(ctx); err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	return nil
}

// ConsecutiveErrors returns the rolling count of back-to-back failed gateway
// calls. Reset on any success. Benign order rejections are not counted.
func (c *Client) ConsecutiveErrors() int {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.consecutive
}

func (c *Client) recordOutcome(err error) {
	if err != nil && IsBenignRejection(err) {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if err != nil {
		c.consecutive++
	} else {
		c.consecutive = 0
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// GetOrderBook fetches the raw order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err = c.check(resp, err, "get book"); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOrderBooks fetches order books for many tokens in one batch call.
// The response array preserves request order; missing books come back with
// an empty asset ID.
func (c *Client) GetOrderBooks(ctx context.Context, tokenIDs []string) ([]types.BookResponse, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	params := make([]map[string]string, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = map[string]string{"token_id": id}
	}

	var result []types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&result).
		Post("/books")
	if err = c.check(resp, err, "get books"); err != nil {
		return nil, err
	}
	return result, nil
}

// GetMidpoint fetches the exchange-computed midpoint for one token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Mid string `json:"mid"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/midpoint")
	if err = c.check(resp, err, "get midpoint"); err != nil {
		return 0, err
	}

	mid, perr := strconv.ParseFloat(result.Mid, 64)
	if perr != nil || mid <= 0 || mid >= 1 {
		err := &APIError{Kind: ErrMalformed, Message: fmt.Sprintf("bad midpoint %q", result.Mid)}
		c.recordOutcome(err)
		return 0, err
	}
	return mid, nil
}

// GetMidpoints fetches midpoints for many tokens in one batch call.
// Entries the exchange cannot price are absent from the returned map.
func (c *Client) GetMidpoints(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	if len(tokenIDs) == 0 {
		return map[string]float64{}, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	params := make([]map[string]string, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = map[string]string{"token_id": id}
	}

	var raw map[string]string
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&raw).
		Post("/midpoints")
	if err = c.check(resp, err, "get midpoints"); err != nil {
		return nil, err
	}

	mids := make(map[string]float64, len(raw))
	for id, s := range raw {
		if mid, perr := strconv.ParseFloat(s, 64); perr == nil && mid > 0 && mid < 1 {
			mids[id] = mid
		}
	}
	return mids, nil
}

// ————————————————————————————————————————————————————————————————————————
// Rewards and market metadata
// ————————————————————————————————————————————————————————————————————————

// rewardMarketJSON is the wire shape of one /rewards/markets/current entry.
type rewardMarketJSON struct {
	ConditionID string `json:"condition_id"`
	Rewards     struct {
		MinSize   float64 `json:"min_size"`
		MaxSpread float64 `json:"max_spread"` // cents
		Rates     []struct {
			AssetAddress     string  `json:"asset_address"`
			RewardsDailyRate float64 `json:"rewards_daily_rate"`
		} `json:"rates"`
	} `json:"rewards"`
}

// GetRewardConfigs lists every reward-sponsored market with its scoring
// parameters, following cursor pagination to the end.
func (c *Client) GetRewardConfigs(ctx context.Context) ([]types.RewardConfig, error) {
	var configs []types.RewardConfig
	cursor := ""

	for {
		if err := c.rl.Data.Wait(ctx); err != nil {
			return nil, err
		}

		var page struct {
			Data       []rewardMarketJSON `json:"data"`
			NextCursor string             `json:"next_cursor"`
		}
		req := c.http.R().SetContext(ctx).SetResult(&page)
		if cursor != "" {
			req.SetQueryParam("next_cursor", cursor)
		}
		resp, err := req.Get("/rewards/markets/current")
		if err = c.check(resp, err, "get reward configs"); err != nil {
			return nil, err
		}

		for _, m := range page.Data {
			rc := types.RewardConfig{
				ConditionID:    m.ConditionID,
				MaxSpreadCents: m.Rewards.MaxSpread,
				MinSize:        m.Rewards.MinSize,
			}
			for _, rate := range m.Rewards.Rates {
				rc.TotalDailyRate += rate.RewardsDailyRate
			}
			configs = append(configs, rc)
		}

		if page.NextCursor == "" || page.NextCursor == "LTE=" || len(page.Data) == 0 {
			break
		}
		cursor = page.NextCursor
	}

	return configs, nil
}

// MarketDetail is the full metadata for one condition.
type MarketDetail struct {
	ConditionID     string
	Question        string
	Tokens          []MarketToken
	Active          bool
	Closed          bool
	AcceptingOrders bool
	EndDate         time.Time
	NegRisk         bool
	TickSize        float64
}

// MarketToken is one outcome leg in a market-detail response.
type MarketToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
}

// GetMarket fetches full metadata for one condition.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*MarketDetail, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var raw struct {
		ConditionID     string        `json:"condition_id"`
		Question        string        `json:"question"`
		Tokens          []MarketToken `json:"tokens"`
		Active          bool          `json:"active"`
		Closed          bool          `json:"closed"`
		AcceptingOrders bool          `json:"accepting_orders"`
		EndDateISO      string        `json:"end_date_iso"`
		NegRisk         bool          `json:"neg_risk"`
		MinimumTickSize float64       `json:"minimum_tick_size"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/markets/" + conditionID)
	if err = c.check(resp, err, "get market"); err != nil {
		return nil, err
	}

	endDate, _ := time.Parse(time.RFC3339, raw.EndDateISO)
	return &MarketDetail{
		ConditionID:     raw.ConditionID,
		Question:        raw.Question,
		Tokens:          raw.Tokens,
		Active:          raw.Active,
		Closed:          raw.Closed,
		AcceptingOrders: raw.AcceptingOrders,
		EndDate:         endDate,
		NegRisk:         raw.NegRisk,
		TickSize:        raw.MinimumTickSize,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// GetOpenOrders returns the authoritative list of live orders for this account.
func (c *Client) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/orders")
	if err = c.check(resp, err, "get open orders"); err != nil {
		return nil, err
	}
	return result, nil
}

// GetTrades returns recent fills for this account. The endpoint is paginated;
// one page of the most recent trades is enough for fill reconciliation.
func (c *Client) GetTrades(ctx context.Context) ([]types.Trade, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/trades", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.Trade
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/trades")
	if err = c.check(resp, err, "get trades"); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCollateralBalance returns the account's free USDC balance.
func (c *Client) GetCollateralBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/balance-allowance?asset_type=COLLATERAL"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get("/balance-allowance")
	if err = c.check(resp, err, "get collateral balance"); err != nil {
		return 0, err
	}

	raw, perr := strconv.ParseFloat(result.Balance, 64)
	if perr != nil {
		err := &APIError{Kind: ErrMalformed, Message: fmt.Sprintf("bad balance %q", result.Balance)}
		c.recordOutcome(err)
		return 0, err
	}
	return raw / 1e6, nil // USDC 6 decimals
}

// GetConditionalBalance returns the share count held for one token.
// Prefers the on-chain ERC-1155 read as ground truth; falls back to the
// CLOB balance endpoint when no RPC is configured.
func (c *Client) GetConditionalBalance(ctx context.Context, tokenID string) (float64, error) {
	if c.chain != nil {
		bal, err := c.chain.ConditionalBalance(ctx, tokenID)
		c.recordOutcome(err)
		if err != nil {
			return 0, err
		}
		return bal, nil
	}

	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}
	path := "/balance-allowance?asset_type=CONDITIONAL&token_id=" + tokenID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{"asset_type": "CONDITIONAL", "token_id": tokenID}).
		SetResult(&result).
		Get("/balance-allowance")
	if err = c.check(resp, err, "get conditional balance"); err != nil {
		return 0, err
	}

	raw, perr := strconv.ParseFloat(result.Balance, 64)
	if perr != nil {
		err := &APIError{Kind: ErrMalformed, Message: fmt.Sprintf("bad balance %q", result.Balance)}
		c.recordOutcome(err)
		return 0, err
	}
	return raw / 1e6, nil
}

// GetUserPositions returns every non-zero conditional-token balance the data
// API knows for this account, across all markets. Used to find orphans.
func (c *Client) GetUserPositions(ctx context.Context) ([]types.UserPosition, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.UserPosition
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("user", c.auth.FunderAddress().Hex()).
		SetResult(&result).
		Get("/positions")
	if err = c.check(resp, err, "get user positions"); err != nil {
		return nil, err
	}
	return result, nil
}

// GetDailyEarnings returns the actual reward payout recorded for one UTC date.
func (c *Client) GetDailyEarnings(ctx context.Context, date string) (float64, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/rewards/user?date=" + date
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Data []struct {
			Earnings float64 `json:"earnings"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("date", date).
		SetResult(&result).
		Get("/rewards/user")
	if err = c.check(resp, err, "get daily earnings"); err != nil {
		return 0, err
	}

	var total float64
	for _, d := range result.Data {
		total += d.Earnings
	}
	return total, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order submission and cancellation
// ————————————————————————————————————————————————————————————————————————

// orderPayload is the POST /order request body.
type orderPayload struct {
	Order     signedOrder     `json:"order"`
	Owner     string          `json:"owner"`
	OrderType types.OrderType `json:"orderType"`
	PostOnly  bool            `json:"postOnly,omitempty"`
}

// signedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units.
type signedOrder struct {
	Salt          string              `json:"salt"`
	Maker         string              `json:"maker"`
	Signer        string              `json:"signer"`
	Taker         string              `json:"taker"`
	TokenID       string              `json:"tokenId"`
	MakerAmount   *big.Int            `json:"makerAmount"`
	TakerAmount   *big.Int            `json:"takerAmount"`
	Side          types.Side          `json:"side"`
	Expiration    string              `json:"expiration"`
	Nonce         string              `json:"nonce"`
	FeeRateBps    string              `json:"feeRateBps"`
	SignatureType types.SignatureType `json:"signatureType"`
	Signature     string              `json:"signature"`
}

// CreateAndPostOrder signs and submits one order. Rejections come back as
// classified *APIError values; post-only and balance rejections are benign
// and do not advance the consecutive-error counter.
func (c *Client) CreateAndPostOrder(ctx context.Context, spec types.OrderSpec, params types.MarketParams) (*types.PlaceResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"token", spec.TokenID, "side", spec.Side, "price", spec.Price, "size", spec.Size)
		return &types.PlaceResult{OrderID: "dry-run-" + uuid.NewString(), Success: true, Status: "live"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := c.buildOrderPayload(spec, params)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		apiErr := &APIError{Kind: ErrTransport, Message: err.Error()}
		c.recordOutcome(apiErr)
		return nil, apiErr
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		msg := result.ErrorMsg
		if msg == "" {
			msg = resp.String()
		}
		apiErr := Classify(resp.StatusCode(), msg)
		c.recordOutcome(apiErr)
		return nil, apiErr
	}

	c.recordOutcome(nil)
	return &types.PlaceResult{OrderID: result.OrderID, Success: true, Status: result.Status}, nil
}

// buildOrderPayload converts an OrderSpec into the signed on-chain order the
// REST API expects: price/size become maker/taker amounts at the market's
// tick precision, the maker is the funder wallet, the signer the EOA, the
// taker the zero address, and the whole struct is EIP-712 signed against the
// exchange contract (the neg-risk adapter for neg-risk markets).
func (c *Client) buildOrderPayload(spec types.OrderSpec, params types.MarketParams) (*orderPayload, error) {
	tickSize := params.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(spec.Price, spec.Size, spec.Side, tickSize)

	var expiration int64
	if spec.OrderType == types.OrderTypeGTD {
		expiration = spec.Expiration
	}

	order := signedOrder{
		Salt:          strconv.FormatUint(uint64(uuid.New().ID()), 10),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       spec.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          spec.Side,
		Expiration:    strconv.FormatInt(expiration, 10),
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(spec.FeeRateBps),
		SignatureType: c.auth.sigType,
	}

	sig, err := c.signOrder(&order, params.NegRisk)
	if err != nil {
		return nil, err
	}
	order.Signature = sig

	return &orderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: spec.OrderType,
		PostOnly:  spec.PostOnly,
	}, nil
}

// signOrder produces the EIP-712 signature for a CTF exchange order.
func (c *Client) signOrder(order *signedOrder, negRisk bool) (string, error) {
	verifying := ctfExchangeAddress
	if negRisk {
		verifying = negRiskExchangeAddress
	}

	sideIdx := "0"
	if order.Side == types.SELL {
		sideIdx = "1"
	}

	sig, err := c.auth.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(c.auth.chainID)),
			VerifyingContract: verifying,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          sideIdx,
			"signatureType": strconv.Itoa(int(order.SignatureType)),
		},
		"Order",
	)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// CancelOrders cancels multiple orders by ID. Idempotent: already-gone IDs
// are simply absent from the Canceled list.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err = c.check(resp, err, "cancel orders"); err != nil {
		return nil, err
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err = c.check(resp, err, "cancel market orders"); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err = c.check(resp, err, "cancel all"); err != nil {
		return nil, err
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// Redeem settles a resolved condition on-chain and returns the tx hash.
func (c *Client) Redeem(ctx context.Context, conditionID string, indexSets []uint64, negRisk bool) (string, error) {
	if c.chain == nil {
		return "", fmt.Errorf("redeem: no RPC endpoint configured")
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would redeem", "condition", conditionID)
		return "0xdry-run", nil
	}
	hash, err := c.chain.Redeem(ctx, conditionID, indexSets, negRisk)
	c.recordOutcome(err)
	return hash, err
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &APIError{Kind: ErrAuth, StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// check folds the transport error and HTTP status into one classified error
// and updates the consecutive-error counter.
func (c *Client) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		apiErr := &APIError{Kind: ErrTransport, Message: fmt.Sprintf("%s: %v", op, err)}
		c.recordOutcome(apiErr)
		return apiErr
	}
	if resp.StatusCode() != http.StatusOK {
		apiErr := Classify(resp.StatusCode(), fmt.Sprintf("%s: %s", op, resp.String()))
		c.recordOutcome(apiErr)
		return apiErr
	}
	c.recordOutcome(nil)
	return nil
}
