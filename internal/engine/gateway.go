package engine

import (
	"context"

	"polymarket-rewards/pkg/types"
)

// Gateway is the slice of the exchange client the engine drives. The concrete
// implementation is *exchange.Client; tests substitute a mock.
type Gateway interface {
	Init(ctx context.Context) error

	GetCollateralBalance(ctx context.Context) (float64, error)
	GetConditionalBalance(ctx context.Context, tokenID string) (float64, error)
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	GetMidpoints(ctx context.Context, tokenIDs []string) (map[string]float64, error)
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
	GetOrderBooks(ctx context.Context, tokenIDs []string) ([]types.BookResponse, error)
	GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	GetTrades(ctx context.Context) ([]types.Trade, error)
	GetUserPositions(ctx context.Context) ([]types.UserPosition, error)
	GetDailyEarnings(ctx context.Context, date string) (float64, error)

	CreateAndPostOrder(ctx context.Context, spec types.OrderSpec, params types.MarketParams) (*types.PlaceResult, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
	Redeem(ctx context.Context, conditionID string, indexSets []uint64, negRisk bool) (string, error)

	ConsecutiveErrors() int
}
