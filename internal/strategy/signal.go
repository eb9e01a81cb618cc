// Package strategy turns indicator snapshots into directional signals and
// gates them through the filter chain. Everything here is pure: no clocks
// other than the injected evaluation time, no network, no mutation.
package strategy

import (
	"fmt"

	"github.com/stratoslab/perpengine/internal/config"
	"github.com/stratoslab/perpengine/internal/indicator"
	"github.com/stratoslab/perpengine/internal/types"
)

// Generator produces entry signals from RSI thresholds and candle shape.
type Generator struct{}

// NewGenerator creates a new signal generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Evaluate maps the latest snapshot and finalized candle to a signal.
//
// LONG when RSI < long threshold on a green candle, SHORT when RSI > short
// threshold on a red candle, WAIT otherwise. Confidence scales with how far
// RSI sits beyond the threshold, clamped to [0, 1].
func (g *Generator) Evaluate(snapshot indicator.Snapshot, lastCandle types.Candle, settings config.Settings) types.Signal {
	signal := types.Signal{
		Symbol: snapshot.Symbol,
		Time:   lastCandle.CloseTime,
		Action: types.SignalActionWait,
		Reason: "no entry condition met",
	}

	if snapshot.RSI.IsNone() {
		signal.Reason = "RSI not yet available"

		return signal
	}

	rsi := snapshot.RSI.Unwrap()

	switch {
	case rsi < settings.RSILongThreshold && lastCandle.IsGreen():
		signal.Action = types.SignalActionLong
		signal.Reason = fmt.Sprintf("RSI oversold (%.2f < %.2f) on green candle", rsi, settings.RSILongThreshold)
		signal.Confidence = clamp01((settings.RSILongThreshold - rsi) / settings.RSILongThreshold)
	case rsi > settings.RSIShortThreshold && lastCandle.IsRed():
		signal.Action = types.SignalActionShort
		signal.Reason = fmt.Sprintf("RSI overbought (%.2f > %.2f) on red candle", rsi, settings.RSIShortThreshold)
		signal.Confidence = clamp01((rsi - settings.RSIShortThreshold) / (100 - settings.RSIShortThreshold))
	}

	return signal
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
