package indicator

import (
	"github.com/stratoslab/perpengine/internal/types"
)

// RSI represents the Relative Strength Index indicator.
type RSI struct {
	period int
}

// NewRSI creates a new RSI indicator with the given period.
func NewRSI(period int) (*RSI, error) {
	if err := validatePeriod(period, "RSI"); err != nil {
		return nil, err
	}

	return &RSI{period: period}, nil
}

// Compute calculates the RSI over the given finalized candles using
// Wilder's smoothing method. Requires at least period+1 candles.
func (r *RSI) Compute(candles []types.Candle) (float64, error) {
	if err := requireHistory(candles, r.period+1, "RSI"); err != nil {
		return 0, err
	}

	prices := closes(candles)

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	avgGain := 0.0
	avgLoss := 0.0

	// First average over the initial period.
	for i := 0; i < r.period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}

	avgGain /= float64(r.period)
	avgLoss /= float64(r.period)

	// Subsequent averages use Wilder's smoothing.
	for i := r.period; i < len(gains); i++ {
		avgGain = (avgGain*float64(r.period-1) + gains[i]) / float64(r.period)
		avgLoss = (avgLoss*float64(r.period-1) + losses[i]) / float64(r.period)
	}

	if avgLoss == 0 {
		return 100, nil // Perfect uptrend
	}

	rs := avgGain / avgLoss

	return 100 - (100 / (1 + rs)), nil
}
