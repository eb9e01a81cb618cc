// Package indicator computes technical indicators over finalized candles.
// Each indicator lives in its own file and exposes a typed Compute method;
// the Engine assembles them into an atomically swapped Snapshot per symbol.
package indicator

import (
	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

// closes extracts the close prices from a candle window.
func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}

	return out
}

// requireHistory returns an InsufficientDataError when fewer than required
// candles are available. Callers omit the indicator rather than fail.
func requireHistory(candles []types.Candle, required int, name string) error {
	if len(candles) < required {
		symbol := ""
		if len(candles) > 0 {
			symbol = candles[0].Symbol
		}

		return errors.NewInsufficientDataError(required, len(candles), symbol,
			"insufficient history for "+name)
	}

	return nil
}

// validatePeriod rejects non-positive periods at construction time.
func validatePeriod(period int, name string) error {
	if period <= 0 {
		return errors.Newf(errors.ErrCodeInvalidPeriod, "%s period must be positive, got %d", name, period)
	}

	return nil
}
