package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/stratoslab/perpengine/internal/config"
	"github.com/stratoslab/perpengine/internal/exchange"
	"github.com/stratoslab/perpengine/internal/logger"
	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

type PositionManagerTestSuite struct {
	suite.Suite

	gateway  *mockGateway
	notifier *recordingNotifier
	settings config.Settings
	manager  *PositionManager
}

func TestPositionManagerSuite(t *testing.T) {
	suite.Run(t, new(PositionManagerTestSuite))
}

func (suite *PositionManagerTestSuite) SetupTest() {
	suite.gateway = newMockGateway()
	suite.notifier = &recordingNotifier{}
	suite.settings = config.DefaultSettings()
	suite.manager = NewPositionManager(
		"BTCUSDT",
		suite.gateway,
		types.SymbolFilters{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001},
		suite.notifier,
		logger.NewNopLogger(),
	)
}

func (suite *PositionManagerTestSuite) openLong() {
	err := suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 100, suite.settings, "test")
	suite.Require().NoError(err)
}

func (suite *PositionManagerTestSuite) TestOpenPlacesEntryAndBracket() {
	suite.openLong()

	orders := suite.gateway.placedOrders()
	suite.Require().Len(orders, 3)

	entry := orders[0]
	suite.Equal(exchange.OrderSideBuy, entry.Side)
	suite.Equal(exchange.OrderTypeMarket, entry.Type)
	// (50 USDT * 5x) / 100 = 2.5
	suite.InDelta(2.5, entry.Quantity, 1e-9)
	suite.False(entry.ReduceOnly)

	tp := orders[1]
	suite.Equal(exchange.OrderTypeTakeProfitMarket, tp.Type)
	suite.Equal(exchange.OrderSideSell, tp.Side)
	suite.InDelta(100.6, tp.StopPrice, 1e-9)
	suite.True(tp.ReduceOnly)

	sl := orders[2]
	suite.Equal(exchange.OrderTypeStopMarket, sl.Type)
	suite.Equal(exchange.OrderSideSell, sl.Side)
	suite.InDelta(99.7, sl.StopPrice, 1e-9)
	suite.True(sl.ReduceOnly)

	suite.Equal(types.PositionStateOpen, suite.manager.State(types.PositionSideLong))

	positions := suite.manager.Positions()
	suite.Require().Len(positions, 1)
	suite.True(positions[0].HasBracket())
	suite.InDelta(100, positions[0].EntryPrice, 1e-9)
}

func (suite *PositionManagerTestSuite) TestShortBracketDirection() {
	err := suite.manager.OpenPosition(context.Background(), types.PositionSideShort, 100, suite.settings, "test")
	suite.Require().NoError(err)

	orders := suite.gateway.placedOrders()
	suite.Require().Len(orders, 3)
	suite.Equal(exchange.OrderSideSell, orders[0].Side)
	suite.InDelta(99.4, orders[1].StopPrice, 1e-9) // TP below entry
	suite.InDelta(100.3, orders[2].StopPrice, 1e-9)
}

func (suite *PositionManagerTestSuite) TestEntryRejectionRevertsToFlat() {
	suite.gateway.placeFn = func(spec exchange.OrderSpec) (exchange.OrderResult, error) {
		return exchange.OrderResult{}, errors.New(errors.ErrCodeExchangeRejection, "insufficient margin")
	}

	err := suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 100, suite.settings, "test")
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeExchangeRejection))

	suite.Equal(types.PositionStateFlat, suite.manager.State(types.PositionSideLong))
	suite.Empty(suite.manager.Positions())
	suite.NotEmpty(suite.notifier.all())
}

func (suite *PositionManagerTestSuite) TestPartialBracketFailureRetriesMissingLeg() {
	failures := 0
	suite.gateway.placeFn = func(spec exchange.OrderSpec) (exchange.OrderResult, error) {
		if spec.Type == exchange.OrderTypeStopMarket && failures == 0 {
			failures++

			return exchange.OrderResult{}, errors.New(errors.ErrCodeTransientNetwork, "timeout")
		}

		return suite.gateway.defaultResult(spec), nil
	}

	suite.openLong()

	positions := suite.manager.Positions()
	suite.Require().Len(positions, 1)
	suite.True(positions[0].HasBracket(), "missing leg must be retried until the bracket is complete")
	suite.Equal(types.PositionStateOpen, suite.manager.State(types.PositionSideLong))

	var alerted bool

	for _, message := range suite.notifier.all() {
		if message != "" {
			alerted = true
		}
	}

	suite.True(alerted)
}

func (suite *PositionManagerTestSuite) TestDuplicateSignalIgnored() {
	suite.openLong()
	before := len(suite.gateway.placedOrders())

	err := suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 101, suite.settings, "test")
	suite.Require().NoError(err)
	suite.Len(suite.gateway.placedOrders(), before)
}

func (suite *PositionManagerTestSuite) TestOnePositionPerSideUnderConcurrentEntries() {
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 100, suite.settings, "test")
		}()
	}

	wg.Wait()

	entries := 0

	for _, order := range suite.gateway.placedOrders() {
		if order.Type == exchange.OrderTypeMarket && !order.ReduceOnly {
			entries++
		}
	}

	suite.Equal(1, entries)
	suite.Len(suite.manager.Positions(), 1)
}

func (suite *PositionManagerTestSuite) TestPollFillsClosesOnTakeProfit() {
	suite.openLong()

	position := suite.manager.Positions()[0]

	// The exchange reports no open position and a filled TP order.
	suite.gateway.positionsFn = func(string) ([]exchange.PositionInfo, error) { return nil, nil }
	suite.gateway.getOrderFn = func(_, orderID string) (exchange.OrderResult, error) {
		if orderID == position.TpOrderID {
			return exchange.OrderResult{OrderID: orderID, Status: exchange.OrderStatusFilled, AvgPrice: 100.6}, nil
		}

		return exchange.OrderResult{OrderID: orderID, Status: exchange.OrderStatusNew}, nil
	}

	trades, err := suite.manager.PollFills(context.Background(), "test")
	suite.Require().NoError(err)
	suite.Require().Len(trades, 1)
	suite.InDelta((100.6-100)*2.5, trades[0].PnL, 1e-9)
	suite.Equal("take profit", trades[0].Reason)
	suite.Contains(suite.gateway.cancelled, position.SlOrderID)
	suite.Equal(types.PositionStateFlat, suite.manager.State(types.PositionSideLong))

	// A second poll after the close is a no-op.
	trades, err = suite.manager.PollFills(context.Background(), "test")
	suite.Require().NoError(err)
	suite.Empty(trades)
}

func (suite *PositionManagerTestSuite) TestPollFillsClosesOnStopLoss() {
	suite.openLong()

	position := suite.manager.Positions()[0]

	suite.gateway.positionsFn = func(string) ([]exchange.PositionInfo, error) { return nil, nil }
	suite.gateway.getOrderFn = func(_, orderID string) (exchange.OrderResult, error) {
		if orderID == position.SlOrderID {
			return exchange.OrderResult{OrderID: orderID, Status: exchange.OrderStatusFilled}, nil
		}

		return exchange.OrderResult{OrderID: orderID, Status: exchange.OrderStatusNew}, nil
	}

	trades, err := suite.manager.PollFills(context.Background(), "test")
	suite.Require().NoError(err)
	suite.Require().Len(trades, 1)
	suite.Equal("stop loss", trades[0].Reason)
	// No fill price reported for the stop leg; the trigger price stands in.
	suite.InDelta((99.7-100)*2.5, trades[0].PnL, 1e-9)
	suite.Contains(suite.gateway.cancelled, position.TpOrderID)
}

func (suite *PositionManagerTestSuite) TestPollFillsSkipsLivePosition() {
	suite.openLong()

	suite.gateway.positionsFn = func(string) ([]exchange.PositionInfo, error) {
		return []exchange.PositionInfo{{Symbol: "BTCUSDT", Side: types.PositionSideLong, Quantity: 2.5, EntryPrice: 100}}, nil
	}

	trades, err := suite.manager.PollFills(context.Background(), "test")
	suite.Require().NoError(err)
	suite.Empty(trades)
	suite.Equal(types.PositionStateOpen, suite.manager.State(types.PositionSideLong))
}

func (suite *PositionManagerTestSuite) TestCloseRealizesPnL() {
	suite.settings.QtyUSDT = 20 // (20 * 5x) / 100 = qty 1
	suite.openLong()

	suite.gateway.setFillPrice(102)

	trade, closed, err := suite.manager.Close(context.Background(), types.PositionSideLong, "manual", "test")
	suite.Require().NoError(err)
	suite.Require().True(closed)
	suite.InDelta(2.0, trade.PnL, 1e-9)
	suite.Equal(types.PositionStateFlat, suite.manager.State(types.PositionSideLong))

	// Both bracket legs were cancelled before the reduce-only close.
	suite.Len(suite.gateway.cancelled, 2)
}

func (suite *PositionManagerTestSuite) TestCloseRetriesTransientFailure() {
	suite.openLong()

	failures := 0
	suite.gateway.placeFn = func(spec exchange.OrderSpec) (exchange.OrderResult, error) {
		if spec.Type == exchange.OrderTypeMarket && spec.ReduceOnly && failures == 0 {
			failures++

			return exchange.OrderResult{}, errors.New(errors.ErrCodeTransientNetwork, "timeout")
		}

		return suite.gateway.defaultResult(spec), nil
	}

	trade, closed, err := suite.manager.Close(context.Background(), types.PositionSideLong, "manual", "test")
	suite.Require().NoError(err)
	suite.Require().True(closed)
	suite.Equal(1, failures)
	suite.InDelta(0.0, trade.PnL, 1e-9)
	suite.Equal(types.PositionStateFlat, suite.manager.State(types.PositionSideLong))
}

func (suite *PositionManagerTestSuite) TestPollFillsResolvesInterruptedClose() {
	suite.openLong()

	// The close order is rejected outright, leaving the side in CLOSING with
	// its bracket already cancelled.
	suite.gateway.placeFn = func(spec exchange.OrderSpec) (exchange.OrderResult, error) {
		if spec.Type == exchange.OrderTypeMarket && spec.ReduceOnly {
			return exchange.OrderResult{}, errors.New(errors.ErrCodeExchangeRejection, "rejected")
		}

		return suite.gateway.defaultResult(spec), nil
	}

	_, closed, err := suite.manager.Close(context.Background(), types.PositionSideLong, "manual", "test")
	suite.Require().Error(err)
	suite.False(closed)
	suite.Require().Equal(types.PositionStateClosing, suite.manager.State(types.PositionSideLong))

	// The exchange later reports the position gone (e.g. liquidation or an
	// operator closing it by hand); the poll must finalize the stuck side.
	suite.gateway.placeFn = nil
	suite.gateway.positionsFn = func(string) ([]exchange.PositionInfo, error) { return nil, nil }
	suite.gateway.getOrderFn = func(_, orderID string) (exchange.OrderResult, error) {
		return exchange.OrderResult{OrderID: orderID, Status: exchange.OrderStatusCancelled}, nil
	}

	trades, err := suite.manager.PollFills(context.Background(), "test")
	suite.Require().NoError(err)
	suite.Require().Len(trades, 1)
	suite.Equal("close", trades[0].Reason)
	suite.Equal(types.PositionStateFlat, suite.manager.State(types.PositionSideLong))
	suite.Empty(suite.manager.Positions())
}

func (suite *PositionManagerTestSuite) TestEntryAbortCancelsUnfilledOrder() {
	suite.manager.entryTimeout = 50 * time.Millisecond

	// The entry order books but never fills within the budget.
	suite.gateway.placeFn = func(spec exchange.OrderSpec) (exchange.OrderResult, error) {
		result := suite.gateway.defaultResult(spec)
		result.Status = exchange.OrderStatusNew
		result.AvgPrice = 0

		return result, nil
	}

	err := suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 100, suite.settings, "test")
	suite.Require().Error(err)
	suite.Equal(types.PositionStateFlat, suite.manager.State(types.PositionSideLong))
	suite.Empty(suite.manager.Positions())

	// The abandoned order must be cancelled, not left live on the exchange.
	placed := suite.gateway.placedOrders()
	suite.Require().Len(placed, 1)
	suite.Contains(suite.gateway.cancelledClientIDs, placed[0].ClientOrderID)
}

func (suite *PositionManagerTestSuite) TestEntryAbortAdoptsRacingFill() {
	suite.manager.entryTimeout = 50 * time.Millisecond

	suite.gateway.placeFn = func(spec exchange.OrderSpec) (exchange.OrderResult, error) {
		if spec.Type == exchange.OrderTypeMarket && !spec.ReduceOnly {
			result := suite.gateway.defaultResult(spec)
			result.Status = exchange.OrderStatusNew
			result.AvgPrice = 0

			return result, nil
		}

		return suite.gateway.defaultResult(spec), nil
	}
	// The cancel raced a fill and lost: the lookup reports FILLED.
	suite.gateway.getOrderByClientFn = func(_, clientOrderID string) (exchange.OrderResult, error) {
		return exchange.OrderResult{OrderID: "99", Status: exchange.OrderStatusFilled, AvgPrice: 100}, nil
	}

	err := suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 100, suite.settings, "test")
	suite.Require().NoError(err)
	suite.Equal(types.PositionStateOpen, suite.manager.State(types.PositionSideLong))

	positions := suite.manager.Positions()
	suite.Require().Len(positions, 1)
	suite.InDelta(100, positions[0].EntryPrice, 1e-9)
	suite.True(positions[0].HasBracket(), "an adopted fill must still get its protective bracket")
}

func (suite *PositionManagerTestSuite) TestTransientEntryFailureAborts() {
	suite.gateway.placeFn = func(spec exchange.OrderSpec) (exchange.OrderResult, error) {
		return exchange.OrderResult{}, errors.New(errors.ErrCodeTransientNetwork, "connection reset")
	}

	err := suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 100, suite.settings, "test")
	suite.Require().Error(err)
	suite.Equal(types.PositionStateFlat, suite.manager.State(types.PositionSideLong))

	suite.Require().Len(suite.gateway.cancelledClientIDs, 1)
	suite.True(strings.HasPrefix(suite.gateway.cancelledClientIDs[0], "entry-"))
}

func (suite *PositionManagerTestSuite) TestCloseIsIdempotent() {
	suite.openLong()

	_, closed, err := suite.manager.Close(context.Background(), types.PositionSideLong, "manual", "test")
	suite.Require().NoError(err)
	suite.True(closed)

	_, closed, err = suite.manager.Close(context.Background(), types.PositionSideLong, "manual", "test")
	suite.Require().NoError(err)
	suite.False(closed)
}

func (suite *PositionManagerTestSuite) TestCloseFlatSideIsNoOp() {
	_, closed, err := suite.manager.Close(context.Background(), types.PositionSideLong, "manual", "test")
	suite.Require().NoError(err)
	suite.False(closed)
	suite.Empty(suite.gateway.placedOrders())
}

func (suite *PositionManagerTestSuite) TestHaltFlattensAndBlocksEntries() {
	suite.openLong()

	suite.gateway.setFillPrice(99)

	trades, err := suite.manager.Halt(context.Background(), "loss limit")
	suite.Require().NoError(err)
	suite.Require().Len(trades, 1)
	suite.Equal(types.PositionStateHalted, suite.manager.State(types.PositionSideLong))
	suite.Contains(suite.gateway.cancelledAll, "BTCUSDT")

	before := len(suite.gateway.placedOrders())
	suite.Require().NoError(suite.manager.OpenPosition(context.Background(), types.PositionSideLong, 100, suite.settings, "test"))
	suite.Len(suite.gateway.placedOrders(), before)
}

func (suite *PositionManagerTestSuite) TestHaltTwiceIsNoOp() {
	_, err := suite.manager.Halt(context.Background(), "loss limit")
	suite.Require().NoError(err)

	trades, err := suite.manager.Halt(context.Background(), "loss limit")
	suite.Require().NoError(err)
	suite.Empty(trades)
	suite.Len(suite.gateway.cancelledAll, 1)
}
