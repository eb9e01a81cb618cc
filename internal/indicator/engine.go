package indicator

import (
	"sync"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/stratoslab/perpengine/internal/config"
	"github.com/stratoslab/perpengine/internal/logger"
	"github.com/stratoslab/perpengine/internal/market"
	"github.com/stratoslab/perpengine/pkg/errors"
)

// Engine recomputes indicator snapshots from the market data cache.
// Periods come from the live settings snapshot, so a settings update takes
// effect on the next recomputation without a rebuild.
type Engine struct {
	cache    *market.Cache
	settings *config.Store
	log      *logger.Logger

	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewEngine creates a new indicator engine reading candles from cache.
func NewEngine(cache *market.Cache, settings *config.Store, log *logger.Logger) *Engine {
	return &Engine{
		cache:     cache,
		settings:  settings,
		log:       log,
		snapshots: make(map[string]Snapshot),
	}
}

// Update recomputes the snapshot for a symbol from its finalized candles
// and stores it atomically. It returns false when no finalized candle
// exists yet. Indicators with insufficient history are omitted from the
// snapshot; any other computation error drops that indicator and logs it.
func (e *Engine) Update(symbol string) (Snapshot, bool) {
	candles := e.cache.Finalized(symbol)
	if len(candles) == 0 {
		return Snapshot{}, false
	}

	settings := e.settings.Current().Settings
	last := candles[len(candles)-1]

	snapshot := Snapshot{
		Symbol:    symbol,
		Timestamp: last.CloseTime,
		Price:     last.Close,
	}

	snapshot.RSI = e.computeFloat(symbol, "rsi", func() (float64, error) {
		rsi, err := NewRSI(settings.RSIPeriod)
		if err != nil {
			return 0, err
		}

		return rsi.Compute(candles)
	})

	snapshot.EMAFast = e.computeFloat(symbol, "ema_fast", func() (float64, error) {
		ema, err := NewEMA(settings.EMAFastPeriod)
		if err != nil {
			return 0, err
		}

		return ema.Compute(candles)
	})

	snapshot.EMASlow = e.computeFloat(symbol, "ema_slow", func() (float64, error) {
		ema, err := NewEMA(settings.EMASlowPeriod)
		if err != nil {
			return 0, err
		}

		return ema.Compute(candles)
	})

	snapshot.SMA = e.computeFloat(symbol, "sma", func() (float64, error) {
		sma, err := NewSMA(settings.EMASlowPeriod)
		if err != nil {
			return 0, err
		}

		return sma.Compute(candles)
	})

	snapshot.VolumeRatio = e.computeFloat(symbol, "volume_ratio", func() (float64, error) {
		vr, err := NewVolumeRatio(settings.VolumePeriod)
		if err != nil {
			return 0, err
		}

		return vr.Compute(candles)
	})

	if macd, err := NewMACD(12, 26, 9); err == nil {
		if value, computeErr := macd.Compute(candles); computeErr == nil {
			snapshot.MACD = optional.Some(value)
		} else if !errors.IsInsufficientDataError(computeErr) {
			e.logComputeError(symbol, "macd", computeErr)
		}
	}

	if bb, err := NewBollingerBands(settings.BBPeriod, 2.0); err == nil {
		if value, computeErr := bb.Compute(candles); computeErr == nil {
			snapshot.Bands = optional.Some(value)
		} else if !errors.IsInsufficientDataError(computeErr) {
			e.logComputeError(symbol, "bollinger", computeErr)
		}
	}

	if stoch, err := NewStochastic(settings.StochasticPeriod, 3); err == nil {
		if value, computeErr := stoch.Compute(candles); computeErr == nil {
			snapshot.Stochastic = optional.Some(value)
		} else if !errors.IsInsufficientDataError(computeErr) {
			e.logComputeError(symbol, "stochastic", computeErr)
		}
	}

	e.mu.Lock()
	e.snapshots[symbol] = snapshot
	e.mu.Unlock()

	return snapshot, true
}

// Snapshot returns the last computed snapshot for a symbol.
func (e *Engine) Snapshot(symbol string) (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot, ok := e.snapshots[symbol]

	return snapshot, ok
}

func (e *Engine) computeFloat(symbol, name string, compute func() (float64, error)) optional.Option[float64] {
	value, err := compute()
	if err != nil {
		if !errors.IsInsufficientDataError(err) {
			e.logComputeError(symbol, name, err)
		}

		return optional.None[float64]()
	}

	return optional.Some(value)
}

func (e *Engine) logComputeError(symbol, name string, err error) {
	e.log.Warn("Indicator computation failed",
		zap.String("symbol", symbol),
		zap.String("indicator", name),
		zap.Error(err),
	)
}
