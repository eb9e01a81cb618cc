package indicator

import (
	"github.com/stratoslab/perpengine/internal/types"
)

// SMA implements Simple Moving Average calculation.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) (*SMA, error) {
	if err := validatePeriod(period, "SMA"); err != nil {
		return nil, err
	}

	return &SMA{period: period}, nil
}

// Compute calculates the average close of the last period candles.
func (m *SMA) Compute(candles []types.Candle) (float64, error) {
	if err := requireHistory(candles, m.period, "SMA"); err != nil {
		return 0, err
	}

	prices := closes(candles)

	sum := 0.0
	for _, p := range prices[len(prices)-m.period:] {
		sum += p
	}

	return sum / float64(m.period), nil
}
