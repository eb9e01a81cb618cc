package indicator

import (
	"github.com/stratoslab/perpengine/internal/types"
)

// EMA implements Exponential Moving Average calculation.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) (*EMA, error) {
	if err := validatePeriod(period, "EMA"); err != nil {
		return nil, err
	}

	return &EMA{period: period}, nil
}

// Compute calculates the EMA over the given finalized candles. The first
// period closes seed a simple average; the remainder are smoothed with
// multiplier 2/(period+1). Requires at least period candles.
func (e *EMA) Compute(candles []types.Candle) (float64, error) {
	if err := requireHistory(candles, e.period, "EMA"); err != nil {
		return 0, err
	}

	prices := closes(candles)

	seed := 0.0
	for i := 0; i < e.period; i++ {
		seed += prices[i]
	}

	ema := seed / float64(e.period)
	multiplier := 2.0 / float64(e.period+1)

	for i := e.period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema, nil
}
