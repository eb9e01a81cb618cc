// Package exchange defines the gateway boundary to the derivatives exchange
// and its Binance USDⓈ-M futures implementation. Responses are validated at
// this boundary; malformed payloads surface as typed errors instead of
// silently defaulting.
package exchange

import (
	"context"

	"github.com/stratoslab/perpengine/internal/types"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// OrderSpec describes one order to submit.
type OrderSpec struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity float64
	// StopPrice is the trigger price for STOP_MARKET and TAKE_PROFIT_MARKET.
	StopPrice float64
	// ReduceOnly orders can only decrease an existing position.
	ReduceOnly bool
	// ClientOrderID is the caller-provided idempotency key.
	ClientOrderID string
}

// OrderResult is the exchange's acknowledgement of a submitted order.
type OrderResult struct {
	OrderID string
	Status  OrderStatus
	// AvgPrice is the average fill price; zero until the order fills.
	AvgPrice float64
}

// PositionInfo is the exchange's view of one open position.
type PositionInfo struct {
	Symbol        string
	Side          types.PositionSide
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// Gateway is the boundary to the exchange. Implementations must classify
// failures: transient transport problems are retryable, exchange rejections
// are not.
type Gateway interface {
	// GetKlineHistory fetches up to limit historical candles, oldest first.
	GetKlineHistory(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	// SubscribeKlines streams candle updates until ctx is cancelled.
	// Provisional updates arrive with IsFinal=false.
	SubscribeKlines(ctx context.Context, symbols []string, interval string, onCandle func(types.Candle)) error
	// SubscribeTickers streams latest-price updates until ctx is cancelled.
	SubscribeTickers(ctx context.Context, symbols []string, onTicker func(types.Ticker)) error
	// PlaceOrder submits one order.
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderResult, error)
	// CancelOrder cancels one resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// GetOrder returns the current status of one order.
	GetOrder(ctx context.Context, symbol, orderID string) (OrderResult, error)
	// GetOrderByClientID looks an order up by its client order ID. Used when
	// a submission failed in flight and no exchange order ID is known.
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	// CancelOrderByClientID cancels an order by its client order ID.
	CancelOrderByClientID(ctx context.Context, symbol, clientOrderID string) error
	// CancelAllOrders cancels every resting order for the symbol.
	CancelAllOrders(ctx context.Context, symbol string) error
	// GetPositions returns the open positions for a symbol.
	GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	// GetBalance returns the available quote-asset balance.
	GetBalance(ctx context.Context) (float64, error)
	// SetLeverage sets the leverage multiplier for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// SetMarginType sets ISOLATED or CROSSED margin for a symbol.
	SetMarginType(ctx context.Context, symbol, marginType string) error
	// GetSymbolFilters returns the tick/step rounding rules for a symbol.
	GetSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error)
}
