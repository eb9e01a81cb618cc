package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratoslab/perpengine/internal/config"
	"github.com/stratoslab/perpengine/internal/exchange"
	"github.com/stratoslab/perpengine/internal/logger"
	"github.com/stratoslab/perpengine/internal/notify"
	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

// entryFillTimeout bounds how long an entry market order may stay unfilled
// before the entry is abandoned.
const entryFillTimeout = 15 * time.Second

// closeRetryTimeout bounds the retries of a reduce-only close order.
const closeRetryTimeout = 15 * time.Second

// ClosedTrade is the record of one confirmed position close.
type ClosedTrade struct {
	Symbol     string
	Side       types.PositionSide
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	Reason     string
}

// PositionManager owns the position lifecycle for a single symbol. It is the
// only writer of the symbol's position records; everything else sees copies.
//
// Per side the lifecycle is FLAT -> ENTERING -> OPEN -> CLOSING -> FLAT, with
// HALTED reachable from any state and terminal until an explicit restart.
type PositionManager struct {
	symbol   string
	gateway  exchange.Gateway
	filters  types.SymbolFilters
	notifier notify.Notifier
	log      *logger.Logger

	// entryTimeout defaults to entryFillTimeout; shortened in tests.
	entryTimeout time.Duration

	mu        sync.Mutex
	states    map[types.PositionSide]types.PositionState
	positions map[types.PositionSide]*types.Position
	halted    bool
}

// NewPositionManager creates a manager for one symbol. Both sides start FLAT.
func NewPositionManager(symbol string, gateway exchange.Gateway, filters types.SymbolFilters, notifier notify.Notifier, log *logger.Logger) *PositionManager {
	return &PositionManager{
		symbol:       symbol,
		gateway:      gateway,
		filters:      filters,
		notifier:     notifier,
		log:          log,
		entryTimeout: entryFillTimeout,
		states: map[types.PositionSide]types.PositionState{
			types.PositionSideLong:  types.PositionStateFlat,
			types.PositionSideShort: types.PositionStateFlat,
		},
		positions: map[types.PositionSide]*types.Position{},
	}
}

// State returns the lifecycle state for one side.
func (m *PositionManager) State(side types.PositionSide) types.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return types.PositionStateHalted
	}

	return m.states[side]
}

// Positions returns copies of the open position records.
func (m *PositionManager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		result = append(result, *p)
	}

	return result
}

// OpenPosition runs the entry sequence for one side: submit a market entry
// sized from the settings, wait for the fill, then attach the TP/SL bracket.
// A signal for a side that is not FLAT is ignored without error.
func (m *PositionManager) OpenPosition(ctx context.Context, side types.PositionSide, price float64, settings config.Settings, cycleID string) error {
	if price <= 0 {
		return errors.New(errors.ErrCodeInvalidParameter, "entry price must be greater than zero")
	}

	if !m.beginEntry(side) {
		m.log.Info("Skipping entry signal, side is not flat",
			zap.String("symbol", m.symbol),
			zap.String("side", string(side)),
			zap.String("state", string(m.State(side))),
			zap.String("cycle_id", cycleID),
		)

		return nil
	}

	quantity := m.entryQuantity(settings, price)
	if quantity <= 0 {
		m.setState(side, types.PositionStateFlat)

		return errors.Newf(errors.ErrCodeInvalidOrder,
			"computed quantity for %s rounds to zero at price %v", m.symbol, price)
	}

	entryID := clientOrderID("entry")

	result, err := m.gateway.PlaceOrder(ctx, exchange.OrderSpec{
		Symbol:        m.symbol,
		Side:          entryOrderSide(side),
		Type:          exchange.OrderTypeMarket,
		Quantity:      quantity,
		ClientOrderID: entryID,
	})
	if err != nil {
		// A transient transport failure leaves the order's fate unknown: the
		// request may have reached the exchange. Abort by client order ID.
		if errors.IsRetryable(err) {
			m.notifier.Notify(fmt.Sprintf("Entry outcome unknown for %s %s, aborting: %v", m.symbol, side, err))
			m.logError("entry order outcome unknown", side, cycleID, err)

			return m.abortEntry(ctx, side, entryID, quantity, settings, cycleID)
		}

		m.setState(side, types.PositionStateFlat)
		m.notifier.Notify(fmt.Sprintf("Entry rejected for %s %s: %v", m.symbol, side, err))
		m.logError("entry order failed", side, cycleID, err)

		return err
	}

	entryPrice, err := m.awaitEntryFill(ctx, result)
	if err != nil {
		m.notifier.Notify(fmt.Sprintf("Entry not filled for %s %s, aborting: %v", m.symbol, side, err))
		m.logError("entry fill not confirmed", side, cycleID, err)

		return m.abortEntry(ctx, side, entryID, quantity, settings, cycleID)
	}

	m.adoptPosition(side, entryPrice, quantity, cycleID)

	return m.placeBracket(ctx, m.position(side), settings, cycleID)
}

// abortEntry resolves an entry whose outcome is unknown: cancel the order by
// its client ID, then look it up to catch a cancel racing a fill. A fill that
// won the race is adopted as an OPEN position and protected with a bracket;
// anything else reverts the side to FLAT.
func (m *PositionManager) abortEntry(ctx context.Context, side types.PositionSide, entryID string, quantity float64, settings config.Settings, cycleID string) error {
	cancelErr := m.gateway.CancelOrderByClientID(ctx, m.symbol, entryID)
	if cancelErr != nil {
		m.logError("entry cancel failed", side, cycleID, cancelErr)
	}

	order, err := m.gateway.GetOrderByClientID(ctx, m.symbol, entryID)
	if err == nil && order.Status == exchange.OrderStatusFilled && order.AvgPrice > 0 {
		m.notifier.Notify(fmt.Sprintf("Entry for %s %s filled during abort, adopting position", m.symbol, side))
		m.adoptPosition(side, order.AvgPrice, quantity, cycleID)

		return m.placeBracket(ctx, m.position(side), settings, cycleID)
	}

	// Not filled, already cancelled, or never booked. Nothing is live.
	m.setState(side, types.PositionStateFlat)

	return errors.New(errors.ErrCodeOrderFailed, "entry aborted before fill")
}

// adoptPosition records a confirmed entry fill and moves the side to OPEN.
func (m *PositionManager) adoptPosition(side types.PositionSide, entryPrice, quantity float64, cycleID string) {
	position := &types.Position{
		Symbol:     m.symbol,
		Side:       side,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		OpenedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.positions[side] = position
	m.states[side] = types.PositionStateOpen
	m.mu.Unlock()

	m.log.Info("Position opened",
		zap.String("symbol", m.symbol),
		zap.String("side", string(side)),
		zap.Float64("entry_price", entryPrice),
		zap.Float64("quantity", quantity),
		zap.String("cycle_id", cycleID),
	)
}

func (m *PositionManager) position(side types.PositionSide) *types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.positions[side]
}

func (m *PositionManager) entryQuantity(settings config.Settings, price float64) float64 {
	return exchange.RoundToStep(settings.QtyUSDT*float64(settings.Leverage)/price, m.filters.StepSize)
}

// PollFills checks the exchange for every OPEN or CLOSING side and finalizes
// closes it finds. A side whose exchange position has disappeared is closed
// by whichever bracket order reports FILLED; any surviving leg is cancelled.
// A CLOSING side left behind by an interrupted manual close resolves here
// too. A second detection of the same close is a no-op.
func (m *PositionManager) PollFills(ctx context.Context, cycleID string) ([]ClosedTrade, error) {
	open := m.supervisedSides()
	if len(open) == 0 {
		return nil, nil
	}

	infos, err := m.gateway.GetPositions(ctx, m.symbol)
	if err != nil {
		return nil, err
	}

	live := map[types.PositionSide]bool{}
	for _, info := range infos {
		live[info.Side] = true
	}

	var closed []ClosedTrade

	for _, side := range open {
		if live[side] {
			continue
		}

		trade, ok, err := m.resolveBracketClose(ctx, side, cycleID)
		if err != nil {
			m.logError("failed to resolve bracket close", side, cycleID, err)

			continue
		}

		if ok {
			closed = append(closed, trade)
		}
	}

	return closed, nil
}

// Close runs the manual close sequence for one side: cancel both bracket
// orders, then submit a reduce-only market order. Closing a FLAT side is a
// no-op, which makes a duplicate close confirmation harmless; a CLOSING side
// left by an earlier failed attempt re-enters and tries again.
func (m *PositionManager) Close(ctx context.Context, side types.PositionSide, reason, cycleID string) (ClosedTrade, bool, error) {
	position, ok := m.beginClose(side)
	if !ok {
		return ClosedTrade{}, false, nil
	}

	m.cancelBracket(ctx, position, cycleID)

	var result exchange.OrderResult

	// One client ID across retries so a resend of a request that actually
	// reached the exchange cannot double-close.
	closeID := clientOrderID("close")

	place := func() error {
		var placeErr error

		result, placeErr = m.gateway.PlaceOrder(ctx, exchange.OrderSpec{
			Symbol:        m.symbol,
			Side:          exitOrderSide(side),
			Type:          exchange.OrderTypeMarket,
			Quantity:      position.Quantity,
			ReduceOnly:    true,
			ClientOrderID: closeID,
		})
		if placeErr != nil && !errors.IsRetryable(placeErr) {
			return backoff.Permanent(placeErr)
		}

		return placeErr
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = closeRetryTimeout

	if err := backoff.Retry(place, backoff.WithContext(policy, ctx)); err != nil {
		// The position is unprotected now that its bracket is cancelled.
		// The slot stays in CLOSING; the next poll resolves it once the
		// exchange position is gone, and further close attempts re-enter.
		m.notifier.Notify(fmt.Sprintf("Close order failed for %s %s: %v", m.symbol, side, err))
		m.logError("close order failed", side, cycleID, err)

		return ClosedTrade{}, false, err
	}

	exitPrice := result.AvgPrice
	if exitPrice <= 0 {
		exitPrice = position.EntryPrice
	}

	trade := m.finalizeClose(side, *position, exitPrice, reason)

	return trade, true, nil
}

// Halt cancels all resting orders, force-closes any open position, and stops
// the manager from accepting new entries. Terminal until restart.
func (m *PositionManager) Halt(ctx context.Context, reason string) ([]ClosedTrade, error) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()

		return nil, nil
	}

	m.halted = true
	m.mu.Unlock()

	var closed []ClosedTrade

	var firstErr error

	for _, side := range []types.PositionSide{types.PositionSideLong, types.PositionSideShort} {
		trade, ok, err := m.Close(ctx, side, reason, "halt")
		if err != nil && firstErr == nil {
			firstErr = err
		}

		if ok {
			closed = append(closed, trade)
		}
	}

	if err := m.gateway.CancelAllOrders(ctx, m.symbol); err != nil {
		m.logError("failed to cancel orders during halt", "", "halt", err)

		if firstErr == nil {
			firstErr = err
		}
	}

	return closed, firstErr
}

// beginEntry claims the side for an entry. Returns false when the side is not
// FLAT or the manager is halted.
func (m *PositionManager) beginEntry(side types.PositionSide) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted || m.states[side] != types.PositionStateFlat {
		return false
	}

	m.states[side] = types.PositionStateEntering

	return true
}

// beginClose claims an OPEN side for closing and returns its position.
func (m *PositionManager) beginClose(side types.PositionSide) (*types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.states[side] != types.PositionStateOpen && m.states[side] != types.PositionStateClosing {
		return nil, false
	}

	position := m.positions[side]
	if position == nil {
		m.states[side] = types.PositionStateFlat

		return nil, false
	}

	m.states[side] = types.PositionStateClosing

	return position, true
}

func (m *PositionManager) setState(side types.PositionSide, state types.PositionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[side] = state
}

// supervisedSides returns the sides with a live position to supervise:
// OPEN, or CLOSING after an interrupted close.
func (m *PositionManager) supervisedSides() []types.PositionSide {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sides []types.PositionSide

	for side, state := range m.states {
		if state == types.PositionStateOpen || state == types.PositionStateClosing {
			sides = append(sides, side)
		}
	}

	return sides
}

// awaitEntryFill waits for the entry order to report FILLED and returns the
// average fill price. Market orders normally fill in the placement response.
func (m *PositionManager) awaitEntryFill(ctx context.Context, result exchange.OrderResult) (float64, error) {
	if result.Status == exchange.OrderStatusRejected {
		return 0, errors.Newf(errors.ErrCodeExchangeRejection, "entry order %s rejected", result.OrderID)
	}

	if result.Status == exchange.OrderStatusFilled && result.AvgPrice > 0 {
		return result.AvgPrice, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = m.entryTimeout

	var filled exchange.OrderResult

	operation := func() error {
		order, err := m.gateway.GetOrder(ctx, m.symbol, result.OrderID)
		if err != nil {
			if errors.IsRetryable(err) {
				return err
			}

			return backoff.Permanent(err)
		}

		switch order.Status {
		case exchange.OrderStatusFilled:
			filled = order

			return nil
		case exchange.OrderStatusRejected, exchange.OrderStatusCancelled:
			return backoff.Permanent(errors.Newf(errors.ErrCodeExchangeRejection,
				"entry order %s ended %s", order.OrderID, order.Status))
		default:
			return errors.Newf(errors.ErrCodeOrderFailed, "entry order %s still %s", order.OrderID, order.Status)
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return 0, err
	}

	return filled.AvgPrice, nil
}

// placeBracket submits the TP and SL resting orders for a freshly opened
// position. A leg that fails leaves the position unprotected, so the missing
// leg is retried with backoff and the operator is alerted until it resolves.
// The position is never closed silently on bracket failure.
func (m *PositionManager) placeBracket(ctx context.Context, position *types.Position, settings config.Settings, cycleID string) error {
	tpPrice, slPrice := bracketPrices(position.Side, position.EntryPrice, settings, m.filters.TickSize)

	tpID, tpErr := m.placeBracketLeg(ctx, position, exchange.OrderTypeTakeProfitMarket, tpPrice)
	slID, slErr := m.placeBracketLeg(ctx, position, exchange.OrderTypeStopMarket, slPrice)

	if tpErr == nil && slErr == nil {
		m.setBracket(position.Side, tpPrice, slPrice, tpID, slID)

		return nil
	}

	err := errors.Wrapf(errors.ErrCodePartialBracketFailure, firstError(tpErr, slErr),
		"position %s %s is missing a protective order", m.symbol, position.Side)
	m.notifier.Notify(fmt.Sprintf("UNPROTECTED POSITION %s %s: bracket incomplete, retrying", m.symbol, position.Side))
	m.logError("partial bracket failure", position.Side, cycleID, err)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until resolved or cancelled

	retry := func() error {
		var legErr error

		if tpErr != nil {
			if tpID, legErr = m.placeBracketLeg(ctx, position, exchange.OrderTypeTakeProfitMarket, tpPrice); legErr == nil {
				tpErr = nil
			}
		}

		if slErr != nil {
			if slID, legErr = m.placeBracketLeg(ctx, position, exchange.OrderTypeStopMarket, slPrice); legErr == nil {
				slErr = nil
			}
		}

		if legErr != nil {
			m.notifier.Notify(fmt.Sprintf("UNPROTECTED POSITION %s %s: bracket retry failed: %v", m.symbol, position.Side, legErr))

			return legErr
		}

		return nil
	}

	if retryErr := backoff.Retry(retry, backoff.WithContext(policy, ctx)); retryErr != nil {
		return err
	}

	m.setBracket(position.Side, tpPrice, slPrice, tpID, slID)
	m.notifier.Notify(fmt.Sprintf("Bracket restored for %s %s", m.symbol, position.Side))

	return nil
}

func (m *PositionManager) placeBracketLeg(ctx context.Context, position *types.Position, orderType exchange.OrderType, stopPrice float64) (string, error) {
	result, err := m.gateway.PlaceOrder(ctx, exchange.OrderSpec{
		Symbol:        m.symbol,
		Side:          exitOrderSide(position.Side),
		Type:          orderType,
		Quantity:      position.Quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID("bracket"),
	})
	if err != nil {
		return "", err
	}

	return result.OrderID, nil
}

// setBracket records both protective order IDs. The IDs are set together so
// the bracket invariant holds for every observer.
func (m *PositionManager) setBracket(side types.PositionSide, tpPrice, slPrice float64, tpID, slID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	position := m.positions[side]
	if position == nil {
		return
	}

	position.TpPrice = tpPrice
	position.SlPrice = slPrice
	position.TpOrderID = tpID
	position.SlOrderID = slID
}

// resolveBracketClose finds which bracket leg filled for a side whose
// exchange position is gone, cancels the surviving leg, and finalizes the
// close. A side with no filled leg (an interrupted manual close that did
// land on the exchange) is finalized as a plain close. Returns false when
// the side was already finalized by another path.
func (m *PositionManager) resolveBracketClose(ctx context.Context, side types.PositionSide, cycleID string) (ClosedTrade, bool, error) {
	m.mu.Lock()

	state := m.states[side]
	if state != types.PositionStateOpen && state != types.PositionStateClosing {
		m.mu.Unlock()

		return ClosedTrade{}, false, nil
	}

	position := m.positions[side]
	if position == nil {
		m.states[side] = types.PositionStateFlat
		m.mu.Unlock()

		return ClosedTrade{}, false, nil
	}

	snapshot := *position
	m.mu.Unlock()

	exitPrice, reason := 0.0, "close"
	remainingID := ""

	if snapshot.TpOrderID != "" {
		tp, err := m.gateway.GetOrder(ctx, m.symbol, snapshot.TpOrderID)
		if err != nil {
			return ClosedTrade{}, false, err
		}

		if tp.Status == exchange.OrderStatusFilled {
			exitPrice, reason = tp.AvgPrice, "take profit"
			remainingID = snapshot.SlOrderID

			if exitPrice <= 0 {
				exitPrice = snapshot.TpPrice
			}
		}
	}

	if reason == "close" && snapshot.SlOrderID != "" {
		sl, err := m.gateway.GetOrder(ctx, m.symbol, snapshot.SlOrderID)
		if err != nil {
			return ClosedTrade{}, false, err
		}

		if sl.Status == exchange.OrderStatusFilled {
			exitPrice, reason = sl.AvgPrice, "stop loss"
			remainingID = snapshot.TpOrderID

			if exitPrice <= 0 {
				exitPrice = snapshot.SlPrice
			}
		}
	}

	if remainingID != "" {
		if err := m.gateway.CancelOrder(ctx, m.symbol, remainingID); err != nil {
			// The other leg may have been cancelled by the exchange already.
			m.logError("failed to cancel surviving bracket leg", side, cycleID, err)
		}
	}

	if exitPrice <= 0 {
		exitPrice = snapshot.EntryPrice
	}

	trade := m.finalizeClose(side, snapshot, exitPrice, reason)

	return trade, true, nil
}

// cancelBracket cancels both protective orders before a manual close.
func (m *PositionManager) cancelBracket(ctx context.Context, position *types.Position, cycleID string) {
	for _, orderID := range []string{position.TpOrderID, position.SlOrderID} {
		if orderID == "" {
			continue
		}

		if err := m.gateway.CancelOrder(ctx, m.symbol, orderID); err != nil {
			m.logError("failed to cancel bracket order", position.Side, cycleID, err)
		}
	}
}

// finalizeClose removes the position record and returns the realized trade.
func (m *PositionManager) finalizeClose(side types.PositionSide, position types.Position, exitPrice float64, reason string) ClosedTrade {
	m.mu.Lock()
	delete(m.positions, side)
	m.states[side] = types.PositionStateFlat
	m.mu.Unlock()

	trade := ClosedTrade{
		Symbol:     m.symbol,
		Side:       side,
		EntryPrice: position.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   position.Quantity,
		PnL:        position.RealizedPnL(exitPrice),
		Reason:     reason,
	}

	m.log.Info("Position closed",
		zap.String("symbol", m.symbol),
		zap.String("side", string(side)),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl", trade.PnL),
		zap.String("reason", reason),
	)
	m.notifier.Notify(fmt.Sprintf("Closed %s %s at %v (%s), PnL %.4f", m.symbol, side, exitPrice, reason, trade.PnL))

	return trade
}

func (m *PositionManager) logError(message string, side types.PositionSide, cycleID string, err error) {
	m.log.Error(message,
		zap.String("symbol", m.symbol),
		zap.String("side", string(side)),
		zap.String("state", string(m.State(side))),
		zap.String("cycle_id", cycleID),
		zap.Error(err),
	)
}

// bracketPrices computes the TP/SL trigger prices for a side, rounded to the
// symbol's tick size.
func bracketPrices(side types.PositionSide, entryPrice float64, settings config.Settings, tickSize float64) (tpPrice, slPrice float64) {
	tpOffset := entryPrice * settings.TakeProfitPercent / 100
	slOffset := entryPrice * settings.StopLossPercent / 100

	if side == types.PositionSideLong {
		tpPrice = entryPrice + tpOffset
		slPrice = entryPrice - slOffset
	} else {
		tpPrice = entryPrice - tpOffset
		slPrice = entryPrice + slOffset
	}

	return exchange.RoundToTick(tpPrice, tickSize), exchange.RoundToTick(slPrice, tickSize)
}

func entryOrderSide(side types.PositionSide) exchange.OrderSide {
	if side == types.PositionSideLong {
		return exchange.OrderSideBuy
	}

	return exchange.OrderSideSell
}

func exitOrderSide(side types.PositionSide) exchange.OrderSide {
	if side == types.PositionSideLong {
		return exchange.OrderSideSell
	}

	return exchange.OrderSideBuy
}

// clientOrderID builds an idempotency key for one order submission.
func clientOrderID(kind string) string {
	return kind + "-" + uuid.NewString()
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
