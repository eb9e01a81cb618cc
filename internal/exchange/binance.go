package exchange

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"github.com/stratoslab/perpengine/internal/logger"
	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

// quoteAsset is the settlement asset of the USDⓈ-M futures account.
const quoteAsset = "USDT"

// BinanceGatewayConfig holds the credentials for the Binance futures API.
type BinanceGatewayConfig struct {
	ApiKey     string
	SecretKey  string
	UseTestnet bool
	// BaseURL overrides the endpoint when set; takes precedence over UseTestnet.
	BaseURL string
}

// BinanceGateway implements Gateway against Binance USDⓈ-M futures.
// It is stateless; every call goes to the API.
type BinanceGateway struct {
	client *futures.Client
	log    *logger.Logger
}

// NewBinanceGateway creates a gateway for the Binance futures API.
func NewBinanceGateway(config BinanceGatewayConfig, log *logger.Logger) *BinanceGateway {
	if config.UseTestnet {
		futures.UseTestnet = true
	}

	client := futures.NewClient(config.ApiKey, config.SecretKey)
	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}

	return &BinanceGateway{client: client, log: log}
}

// GetKlineHistory implements Gateway. The endpoint includes the current,
// still-open interval as its last element; that one is dropped so callers
// only ever see closed intervals.
func (g *BinanceGateway) GetKlineHistory(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	klines, err := g.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify("failed to fetch kline history", err)
	}

	candles := make([]types.Candle, 0, len(klines))

	for _, k := range klines {
		candle, convertErr := convertKline(symbol, k)
		if convertErr != nil {
			return nil, convertErr
		}

		candles = append(candles, candle)
	}

	return dropOpenInterval(candles, time.Now()), nil
}

// dropOpenInterval trims trailing candles whose interval has not closed yet.
func dropOpenInterval(candles []types.Candle, now time.Time) []types.Candle {
	n := len(candles)
	for n > 0 && !candles[n-1].CloseTime.Before(now) {
		n--
	}

	return candles[:n]
}

// SubscribeKlines implements Gateway. One WebSocket connection is opened per
// symbol; all of them stop when ctx is cancelled.
func (g *BinanceGateway) SubscribeKlines(ctx context.Context, symbols []string, interval string, onCandle func(types.Candle)) error {
	for _, symbol := range symbols {
		handler := func(event *futures.WsKlineEvent) {
			candle, err := convertWsKline(event)
			if err != nil {
				g.log.Warn("Dropping malformed kline event",
					zap.String("symbol", event.Symbol),
					zap.Error(err),
				)

				return
			}

			onCandle(candle)
		}

		errHandler := func(err error) {
			g.log.Warn("Kline stream error",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}

		doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, errHandler)
		if err != nil {
			return errors.Wrap(errors.ErrCodeTransientNetwork, "failed to open kline stream", err)
		}

		go stopOnCancel(ctx, doneC, stopC)
	}

	return nil
}

// SubscribeTickers implements Gateway.
func (g *BinanceGateway) SubscribeTickers(ctx context.Context, symbols []string, onTicker func(types.Ticker)) error {
	for _, symbol := range symbols {
		handler := func(event *futures.WsMarketTickerEvent) {
			price, err := parseFloat("ticker price", event.ClosePrice)
			if err != nil {
				g.log.Warn("Dropping malformed ticker event",
					zap.String("symbol", event.Symbol),
					zap.Error(err),
				)

				return
			}

			onTicker(types.Ticker{
				Symbol: event.Symbol,
				Price:  price,
				Time:   time.UnixMilli(event.Time),
			})
		}

		errHandler := func(err error) {
			g.log.Warn("Ticker stream error",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}

		doneC, stopC, err := futures.WsMarketTickerServe(symbol, handler, errHandler)
		if err != nil {
			return errors.Wrap(errors.ErrCodeTransientNetwork, "failed to open ticker stream", err)
		}

		go stopOnCancel(ctx, doneC, stopC)
	}

	return nil
}

// PlaceOrder implements Gateway.
func (g *BinanceGateway) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	if spec.Quantity <= 0 {
		return OrderResult{}, errors.New(errors.ErrCodeInvalidOrder, "order quantity must be greater than zero")
	}

	service := g.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Type(futures.OrderType(spec.Type)).
		Quantity(strconv.FormatFloat(spec.Quantity, 'f', -1, 64))

	if spec.StopPrice > 0 {
		service = service.StopPrice(strconv.FormatFloat(spec.StopPrice, 'f', -1, 64))
	}

	if spec.ReduceOnly {
		service = service.ReduceOnly(true)
	}

	if spec.ClientOrderID != "" {
		service = service.NewClientOrderID(spec.ClientOrderID)
	}

	response, err := service.Do(ctx)
	if err != nil {
		return OrderResult{}, classify("failed to place order", err)
	}

	avgPrice := 0.0
	if response.AvgPrice != "" {
		if avgPrice, err = parseFloat("average price", response.AvgPrice); err != nil {
			return OrderResult{}, err
		}
	}

	return OrderResult{
		OrderID:  strconv.FormatInt(response.OrderID, 10),
		Status:   mapOrderStatus(response.Status),
		AvgPrice: avgPrice,
	}, nil
}

// CancelOrder implements Gateway.
func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "invalid order ID format", err)
	}

	_, err = g.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return classify("failed to cancel order", err)
	}

	return nil
}

// GetOrder implements Gateway.
func (g *BinanceGateway) GetOrder(ctx context.Context, symbol, orderID string) (OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return OrderResult{}, errors.Wrap(errors.ErrCodeInvalidParameter, "invalid order ID format", err)
	}

	order, err := g.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return OrderResult{}, classify("failed to fetch order", err)
	}

	avgPrice := 0.0
	if order.AvgPrice != "" {
		if avgPrice, err = parseFloat("average price", order.AvgPrice); err != nil {
			return OrderResult{}, err
		}
	}

	return OrderResult{
		OrderID:  strconv.FormatInt(order.OrderID, 10),
		Status:   mapOrderStatus(order.Status),
		AvgPrice: avgPrice,
	}, nil
}

// GetOrderByClientID implements Gateway.
func (g *BinanceGateway) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	order, err := g.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return OrderResult{}, classify("failed to fetch order by client ID", err)
	}

	avgPrice := 0.0
	if order.AvgPrice != "" {
		if avgPrice, err = parseFloat("average price", order.AvgPrice); err != nil {
			return OrderResult{}, err
		}
	}

	return OrderResult{
		OrderID:  strconv.FormatInt(order.OrderID, 10),
		Status:   mapOrderStatus(order.Status),
		AvgPrice: avgPrice,
	}, nil
}

// CancelOrderByClientID implements Gateway.
func (g *BinanceGateway) CancelOrderByClientID(ctx context.Context, symbol, clientOrderID string) error {
	_, err := g.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return classify("failed to cancel order by client ID", err)
	}

	return nil
}

// CancelAllOrders implements Gateway.
func (g *BinanceGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return classify("failed to cancel open orders", err)
	}

	return nil
}

// GetPositions implements Gateway. Flat position entries (zero amount) are
// filtered out.
func (g *BinanceGateway) GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	risks, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("failed to fetch positions", err)
	}

	positions := make([]PositionInfo, 0, len(risks))

	for _, risk := range risks {
		amount, parseErr := parseFloat("position amount", risk.PositionAmt)
		if parseErr != nil {
			return nil, parseErr
		}

		if amount == 0 {
			continue
		}

		entryPrice, parseErr := parseFloat("entry price", risk.EntryPrice)
		if parseErr != nil {
			return nil, parseErr
		}

		markPrice, parseErr := parseFloat("mark price", risk.MarkPrice)
		if parseErr != nil {
			return nil, parseErr
		}

		unrealized, parseErr := parseFloat("unrealized pnl", risk.UnRealizedProfit)
		if parseErr != nil {
			return nil, parseErr
		}

		side := types.PositionSideLong
		quantity := amount

		if amount < 0 {
			side = types.PositionSideShort
			quantity = -amount
		}

		positions = append(positions, PositionInfo{
			Symbol:        risk.Symbol,
			Side:          side,
			Quantity:      quantity,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			UnrealizedPnL: unrealized,
		})
	}

	return positions, nil
}

// GetBalance implements Gateway.
func (g *BinanceGateway) GetBalance(ctx context.Context) (float64, error) {
	balances, err := g.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, classify("failed to fetch balance", err)
	}

	for _, balance := range balances {
		if balance.Asset == quoteAsset {
			return parseFloat("balance", balance.Balance)
		}
	}

	return 0, errors.Newf(errors.ErrCodeMalformedResponse, "no %s balance in exchange response", quoteAsset)
}

// SetLeverage implements Gateway.
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return classify("failed to set leverage", err)
	}

	return nil
}

// SetMarginType implements Gateway. The exchange returns an error when the
// margin type is already set; that case is not a failure.
func (g *BinanceGateway) SetMarginType(ctx context.Context, symbol, marginType string) error {
	err := g.client.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(futures.MarginType(marginType)).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == noNeedToChangeMarginType {
			return nil
		}

		return classify("failed to set margin type", err)
	}

	return nil
}

// GetSymbolFilters implements Gateway.
func (g *BinanceGateway) GetSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return types.SymbolFilters{}, classify("failed to fetch exchange info", err)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}

		lotSize := s.LotSizeFilter()
		priceFilter := s.PriceFilter()

		if lotSize == nil || priceFilter == nil {
			return types.SymbolFilters{}, errors.Newf(errors.ErrCodeMalformedResponse,
				"exchange info for %s is missing lot size or price filter", symbol)
		}

		stepSize, parseErr := parseFloat("step size", lotSize.StepSize)
		if parseErr != nil {
			return types.SymbolFilters{}, parseErr
		}

		tickSize, parseErr := parseFloat("tick size", priceFilter.TickSize)
		if parseErr != nil {
			return types.SymbolFilters{}, parseErr
		}

		return types.SymbolFilters{
			Symbol:   symbol,
			TickSize: tickSize,
			StepSize: stepSize,
		}, nil
	}

	return types.SymbolFilters{}, errors.Newf(errors.ErrCodeInvalidSymbol, "symbol %s not found in exchange info", symbol)
}

// Binance API error codes that need special handling.
const (
	noNeedToChangeMarginType = -4046
	rateLimitExceeded        = -1003
	internalError            = -1001
	timestampOutOfWindow     = -1021
)

// classify maps a transport or API error into the engine's taxonomy:
// API-level rejections are final, everything else is a transient network
// problem worth retrying.
func classify(message string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case rateLimitExceeded, internalError, timestampOutOfWindow:
			return errors.Wrap(errors.ErrCodeTransientNetwork, message, err)
		default:
			return errors.Wrap(errors.ErrCodeExchangeRejection, message, err)
		}
	}

	return errors.Wrap(errors.ErrCodeTransientNetwork, message, err)
}

// parseFloat validates a numeric field from an exchange response.
func parseFloat(field, value string) (float64, error) {
	if value == "" {
		return 0, errors.Newf(errors.ErrCodeMalformedResponse, "missing %s in exchange response", field)
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeMalformedResponse, err, "invalid %s %q in exchange response", field, value)
	}

	return f, nil
}

func convertKline(symbol string, k *futures.Kline) (types.Candle, error) {
	open, err := parseFloat("open", k.Open)
	if err != nil {
		return types.Candle{}, err
	}

	high, err := parseFloat("high", k.High)
	if err != nil {
		return types.Candle{}, err
	}

	low, err := parseFloat("low", k.Low)
	if err != nil {
		return types.Candle{}, err
	}

	closePrice, err := parseFloat("close", k.Close)
	if err != nil {
		return types.Candle{}, err
	}

	volume, err := parseFloat("volume", k.Volume)
	if err != nil {
		return types.Candle{}, err
	}

	return types.Candle{
		Symbol:    symbol,
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.UnixMilli(k.CloseTime),
		IsFinal:   true,
	}, nil
}

func convertWsKline(event *futures.WsKlineEvent) (types.Candle, error) {
	k := event.Kline

	open, err := parseFloat("open", k.Open)
	if err != nil {
		return types.Candle{}, err
	}

	high, err := parseFloat("high", k.High)
	if err != nil {
		return types.Candle{}, err
	}

	low, err := parseFloat("low", k.Low)
	if err != nil {
		return types.Candle{}, err
	}

	closePrice, err := parseFloat("close", k.Close)
	if err != nil {
		return types.Candle{}, err
	}

	volume, err := parseFloat("volume", k.Volume)
	if err != nil {
		return types.Candle{}, err
	}

	return types.Candle{
		Symbol:    event.Symbol,
		OpenTime:  time.UnixMilli(k.StartTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.UnixMilli(k.EndTime),
		IsFinal:   k.IsFinal,
	}, nil
}

func mapOrderStatus(status futures.OrderStatusType) OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return OrderStatusNew
	case futures.OrderStatusTypeFilled:
		return OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return OrderStatusRejected
	default:
		return OrderStatusRejected
	}
}

// stopOnCancel closes the stream's stop channel when ctx is cancelled, or
// returns when the stream finishes on its own.
func stopOnCancel(ctx context.Context, doneC, stopC chan struct{}) {
	select {
	case <-ctx.Done():
		close(stopC)
	case <-doneC:
	}
}

// Ensure BinanceGateway implements Gateway.
var _ Gateway = (*BinanceGateway)(nil)
