package indicator

import (
	"math"

	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

// Bands is a single Bollinger Bands reading.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Position reports where price sits inside the bands: 0 at the lower band,
// 1 at the upper band. Values outside [0,1] mean price escaped the bands.
func (b Bands) Position(price float64) float64 {
	width := b.Upper - b.Lower
	if width == 0 {
		return 0.5
	}

	return (price - b.Lower) / width
}

// BollingerBands implements Bollinger Bands calculation.
type BollingerBands struct {
	period int
	stdDev float64
}

// NewBollingerBands creates a new Bollinger Bands indicator. The
// conventional configuration is period 20 with 2 standard deviations.
func NewBollingerBands(period int, stdDev float64) (*BollingerBands, error) {
	if err := validatePeriod(period, "Bollinger Bands"); err != nil {
		return nil, err
	}

	if stdDev <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter,
			"Bollinger Bands standard deviation multiplier must be positive, got %f", stdDev)
	}

	return &BollingerBands{period: period, stdDev: stdDev}, nil
}

// Compute calculates the bands over the last period finalized candles.
func (bb *BollingerBands) Compute(candles []types.Candle) (Bands, error) {
	if err := requireHistory(candles, bb.period, "Bollinger Bands"); err != nil {
		return Bands{}, err
	}

	prices := closes(candles)
	window := prices[len(prices)-bb.period:]

	sum := 0.0
	for _, p := range window {
		sum += p
	}

	middle := sum / float64(bb.period)

	variance := 0.0
	for _, p := range window {
		diff := p - middle
		variance += diff * diff
	}

	sd := math.Sqrt(variance / float64(bb.period))

	return Bands{
		Upper:  middle + bb.stdDev*sd,
		Middle: middle,
		Lower:  middle - bb.stdDev*sd,
	}, nil
}
