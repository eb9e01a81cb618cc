// Package engine contains the signal-driven position lifecycle engine: the
// scheduler that drives evaluation cycles, the position state machine that
// places and supervises bracket orders, and the risk governor that halts
// trading when a daily limit is breached.
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
	"github.com/stratoslab/perpengine/internal/indicator"
	"github.com/stratoslab/perpengine/internal/logger"
	"github.com/stratoslab/perpengine/internal/market"
	"github.com/stratoslab/perpengine/internal/notify"
	"github.com/stratoslab/perpengine/internal/strategy"
	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

// TradeObserver receives confirmed position closes. Callbacks run on the
// engine's cycle goroutine and must not block.
type TradeObserver func(ClosedTrade)

// Engine wires the market data cache, indicator engine, signal generator,
// filter chain, position managers and risk governor behind a single operator
// surface. All read operations return copies.
type Engine struct {
	settings *config.Store
	gateway  exchange.Gateway
	notifier notify.Notifier
	log      *logger.Logger

	signals *strategy.Generator
	chain   *strategy.Chain

	mu         sync.Mutex
	status     types.EngineStatus
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	symbols    []string
	cache      *market.Cache
	indicators *indicator.Engine
	governor   *Governor
	scheduler  *Scheduler
	managers   map[string]*PositionManager
	locks      map[string]*sync.Mutex
	observers  []TradeObserver
}

// New creates a stopped engine. Call Start to begin trading.
func New(settings *config.Store, gateway exchange.Gateway, notifier notify.Notifier, log *logger.Logger) *Engine {
	return &Engine{
		settings: settings,
		gateway:  gateway,
		notifier: notifier,
		log:      log,
		signals:  strategy.NewGenerator(),
		chain:    strategy.NewChain(),
		status:   types.EngineStatusStopped,
	}
}

// OnTradeClosed registers an observer for confirmed position closes. Must be
// called before Start.
func (e *Engine) OnTradeClosed(observer TradeObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observers = append(e.observers, observer)
}

// Start prepares every configured symbol (margin mode, leverage, rounding
// filters, historical warm-up), opens the market data streams and launches
// the scheduler. Starting a running engine is an error; starting after a halt
// performs a full restart with fresh daily stats.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == types.EngineStatusRunning {
		return errors.New(errors.ErrCodeEngineAlreadyRunning, "engine is already running")
	}

	snapshot := e.settings.Current()
	settings := snapshot.Settings

	cache := market.NewCache(settings.CandleCacheSize)
	indicators := indicator.NewEngine(cache, e.settings, e.log)
	managers := make(map[string]*PositionManager, len(settings.Symbols))
	locks := make(map[string]*sync.Mutex, len(settings.Symbols))

	for _, symbol := range settings.Symbols {
		if err := e.prepareSymbol(ctx, symbol, settings, cache, indicators, managers); err != nil {
			return errors.Wrapf(errors.ErrCodeEngineInitFailed, err, "failed to prepare symbol %s", symbol)
		}

		locks[symbol] = &sync.Mutex{}
	}

	balance, err := e.gateway.GetBalance(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeEngineInitFailed, "failed to fetch account balance", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	e.symbols = append([]string(nil), settings.Symbols...)
	e.cache = cache
	e.indicators = indicators
	e.managers = managers
	e.locks = locks
	e.governor = NewGovernor(balance, time.Now(), e.settings, e.notifier, e.log)
	e.scheduler = NewScheduler(time.Duration(settings.TickIntervalSeconds)*time.Second, e.log)
	e.cancel = cancel
	e.status = types.EngineStatusRunning

	if err := e.openStreams(runCtx, settings); err != nil {
		cancel()
		e.status = types.EngineStatusStopped

		return err
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.scheduler.Run(runCtx, e.runCycle)
	}()

	e.log.Info("Engine started",
		zap.Strings("symbols", settings.Symbols),
		zap.String("interval", settings.Interval),
		zap.Int64("config_version", snapshot.Version),
		zap.Float64("balance", balance),
	)
	e.notifier.Notify(fmt.Sprintf("Engine started: %v @ %s, balance %.2f", settings.Symbols, settings.Interval, balance))

	return nil
}

// Stop cancels the scheduler and market data streams and waits for the
// in-flight cycle to finish. Open positions keep their resting brackets.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()

	if e.status == types.EngineStatusStopped {
		e.mu.Unlock()

		return errors.New(errors.ErrCodeEngineNotRunning, "engine is not running")
	}

	cancel := e.cancel
	e.status = types.EngineStatusStopped
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.wg.Wait()

	e.log.Info("Engine stopped")
	e.notifier.Notify("Engine stopped")

	return nil
}

// UpdateSettings applies fn to a copy of the current settings and publishes
// the result as a new versioned snapshot. Invalid settings are rejected and
// the previous snapshot stays active. Symbol set and cache size changes take
// effect on the next Start.
func (e *Engine) UpdateSettings(fn func(config.Settings) config.Settings) (config.Snapshot, error) {
	snapshot, err := e.settings.Update(fn)
	if err != nil {
		return config.Snapshot{}, err
	}

	e.log.Info("Settings updated", zap.Int64("config_version", snapshot.Version))

	return snapshot, nil
}

// EmergencyCloseAll force-closes every open position on every symbol. The
// engine keeps running; the daily stats absorb the realized PnL.
func (e *Engine) EmergencyCloseAll(ctx context.Context) error {
	e.mu.Lock()
	managers := e.managers
	locks := e.locks
	symbols := e.symbols
	e.mu.Unlock()

	if managers == nil {
		return errors.New(errors.ErrCodeEngineNotRunning, "engine is not running")
	}

	var firstErr error

	for _, symbol := range symbols {
		lock := locks[symbol]
		lock.Lock()

		for _, side := range []types.PositionSide{types.PositionSideLong, types.PositionSideShort} {
			trade, ok, err := managers[symbol].Close(ctx, side, "emergency close", "manual")
			if err != nil && firstErr == nil {
				firstErr = err
			}

			if ok {
				e.recordClose(trade)
			}
		}

		lock.Unlock()
	}

	return firstErr
}

// GetStatus returns the engine's coarse operating state.
func (e *Engine) GetStatus() types.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// GetDailyStats returns a copy of the day's stats.
func (e *Engine) GetDailyStats() types.DailyStats {
	e.mu.Lock()
	governor := e.governor
	e.mu.Unlock()

	if governor == nil {
		return types.DailyStats{}
	}

	return governor.Stats()
}

// GetActivePositions returns copies of every open position across symbols.
func (e *Engine) GetActivePositions() []types.Position {
	e.mu.Lock()
	managers := e.managers
	symbols := e.symbols
	e.mu.Unlock()

	var positions []types.Position

	for _, symbol := range symbols {
		positions = append(positions, managers[symbol].Positions()...)
	}

	return positions
}

// prepareSymbol sets margin and leverage, fetches the rounding filters,
// warms the cache with history and computes the first indicator snapshot.
func (e *Engine) prepareSymbol(ctx context.Context, symbol string, settings config.Settings, cache *market.Cache, indicators *indicator.Engine, managers map[string]*PositionManager) error {
	if err := e.gateway.SetMarginType(ctx, symbol, settings.MarginType); err != nil {
		return err
	}

	if err := e.gateway.SetLeverage(ctx, symbol, settings.Leverage); err != nil {
		return err
	}

	filters, err := e.gateway.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return err
	}

	history, err := e.gateway.GetKlineHistory(ctx, symbol, settings.Interval, settings.CandleCacheSize)
	if err != nil {
		return err
	}

	cache.WarmUp(symbol, history)
	indicators.Update(symbol)

	managers[symbol] = NewPositionManager(symbol, e.gateway, filters, e.notifier, e.log)

	return nil
}

// openStreams subscribes to the kline and ticker streams, retrying transient
// failures with backoff.
func (e *Engine) openStreams(ctx context.Context, settings config.Settings) error {
	subscribe := func() error {
		if err := e.gateway.SubscribeKlines(ctx, settings.Symbols, settings.Interval, e.onCandle); err != nil {
			if errors.IsRetryable(err) {
				return err
			}

			return backoff.Permanent(err)
		}

		if err := e.gateway.SubscribeTickers(ctx, settings.Symbols, e.onTicker); err != nil {
			if errors.IsRetryable(err) {
				return err
			}

			return backoff.Permanent(err)
		}

		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(subscribe, backoff.WithContext(policy, ctx)); err != nil {
		return errors.Wrap(errors.ErrCodeEngineInitFailed, "failed to open market data streams", err)
	}

	return nil
}

// onCandle feeds the cache from the kline stream. A finalized candle
// triggers an indicator recomputation; provisional updates never do. The
// recomputation holds the symbol's execution lock so it cannot interleave
// with that symbol's position sequences.
func (e *Engine) onCandle(candle types.Candle) {
	final := e.cache.Upsert(candle)
	if !final {
		return
	}

	lock := e.lockFor(candle.Symbol)
	if lock == nil {
		return
	}

	lock.Lock()
	defer lock.Unlock()

	e.indicators.Update(candle.Symbol)
}

func (e *Engine) onTicker(ticker types.Ticker) {
	e.cache.SetTicker(ticker)
}

// runCycle is one scheduler tick: risk check first, then per-symbol fill
// polling and signal evaluation.
func (e *Engine) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	now := time.Now().UTC()

	decision := e.governor.CheckLimits(now)
	if decision.Halt {
		e.halt(ctx, decision)

		return
	}

	settings := e.settings.Current().Settings

	for _, symbol := range e.symbols {
		e.processSymbol(ctx, symbol, settings, now, cycleID)
	}
}

// processSymbol finalizes detected closes and evaluates one entry signal for
// a symbol, all under the symbol's execution lock.
func (e *Engine) processSymbol(ctx context.Context, symbol string, settings config.Settings, now time.Time, cycleID string) {
	lock := e.lockFor(symbol)
	manager := e.managers[symbol]

	lock.Lock()
	defer lock.Unlock()

	trades, err := manager.PollFills(ctx, cycleID)
	if err != nil {
		e.log.Error("Fill poll failed",
			zap.String("symbol", symbol),
			zap.String("cycle_id", cycleID),
			zap.Error(err),
		)
	}

	for _, trade := range trades {
		e.recordClose(trade)
	}

	if !decisionAllowsEntry(e.governor, now, symbol, cycleID, e.log) {
		return
	}

	snapshot, ok := e.indicators.Snapshot(symbol)
	if !ok {
		return
	}

	candle, ok := e.cache.LastFinalized(symbol)
	if !ok {
		return
	}

	signal := e.signals.Evaluate(snapshot, candle, settings)
	if !signal.IsDirectional() {
		return
	}

	verdict := e.chain.Admit(signal, snapshot, settings, now)
	if !verdict.Admitted {
		e.log.Info("Signal vetoed",
			zap.String("symbol", symbol),
			zap.String("action", string(signal.Action)),
			zap.String("gate", verdict.Gate),
			zap.String("reason", verdict.Reason),
			zap.String("cycle_id", cycleID),
		)

		return
	}

	side := types.PositionSideLong
	if signal.Action == types.SignalActionShort {
		side = types.PositionSideShort
	}

	price := candle.Close
	if ticker, ok := e.cache.Ticker(symbol); ok && ticker.Price > 0 {
		price = ticker.Price
	}

	if err := manager.OpenPosition(ctx, side, price, settings, cycleID); err != nil {
		e.log.Error("Entry failed",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("cycle_id", cycleID),
			zap.Error(err),
		)
	}
}

// halt transitions the engine to HALTED: flatten every symbol, stop the
// scheduler and streams. An in-progress close completes because each close
// runs under its symbol's execution lock.
func (e *Engine) halt(ctx context.Context, decision RiskDecision) {
	e.mu.Lock()

	if e.status != types.EngineStatusRunning {
		e.mu.Unlock()

		return
	}

	e.status = types.EngineStatusHalted
	cancel := e.cancel
	e.mu.Unlock()

	e.log.Warn("Halting engine", zap.String("reason", decision.Reason))
	e.notifier.Notify(fmt.Sprintf("ENGINE HALTED: %s", decision.Reason))

	for _, symbol := range e.symbols {
		lock := e.lockFor(symbol)
		lock.Lock()

		trades, err := e.managers[symbol].Halt(ctx, decision.Reason)
		if err != nil {
			e.log.Error("Halt flatten failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}

		for _, trade := range trades {
			e.recordClose(trade)
		}

		lock.Unlock()
	}

	if cancel != nil {
		cancel()
	}
}

// recordClose feeds a confirmed close into the daily stats and notifies
// registered observers.
func (e *Engine) recordClose(trade ClosedTrade) {
	e.governor.RecordClose(trade)

	e.mu.Lock()
	observers := e.observers
	e.mu.Unlock()

	for _, observer := range observers {
		observer(trade)
	}
}

func (e *Engine) lockFor(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.locks[symbol]
}

// decisionAllowsEntry asks the governor whether a new entry may be taken and
// logs the refusal reason once per symbol per cycle.
func decisionAllowsEntry(governor *Governor, now time.Time, symbol, cycleID string, log *logger.Logger) bool {
	allowed, reason := governor.AllowEntry(now)
	if !allowed {
		log.Debug("Entry blocked",
			zap.String("symbol", symbol),
			zap.String("reason", reason),
			zap.String("cycle_id", cycleID),
		)
	}

	return allowed
}
