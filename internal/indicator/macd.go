package indicator

import (
	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

// MACDValue is a single MACD reading.
type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD implements Moving Average Convergence Divergence calculation.
type MACD struct {
	fastPeriod   int
	slowPeriod   int
	signalPeriod int
}

// NewMACD creates a new MACD indicator. The conventional configuration
// is (12, 26, 9).
func NewMACD(fastPeriod, slowPeriod, signalPeriod int) (*MACD, error) {
	for _, p := range []struct {
		value int
		name  string
	}{
		{fastPeriod, "MACD fast"},
		{slowPeriod, "MACD slow"},
		{signalPeriod, "MACD signal"},
	} {
		if err := validatePeriod(p.value, p.name); err != nil {
			return nil, err
		}
	}

	if fastPeriod >= slowPeriod {
		return nil, errors.Newf(errors.ErrCodeInvalidPeriod,
			"MACD fast period %d must be less than slow period %d", fastPeriod, slowPeriod)
	}

	return &MACD{
		fastPeriod:   fastPeriod,
		slowPeriod:   slowPeriod,
		signalPeriod: signalPeriod,
	}, nil
}

// Compute calculates the latest MACD line, signal line and histogram.
// Requires at least slowPeriod+signalPeriod candles so the signal EMA has
// a full series of MACD values to smooth over.
func (m *MACD) Compute(candles []types.Candle) (MACDValue, error) {
	required := m.slowPeriod + m.signalPeriod
	if err := requireHistory(candles, required, "MACD"); err != nil {
		return MACDValue{}, err
	}

	prices := closes(candles)

	fastSeries := emaSeries(prices, m.fastPeriod)
	slowSeries := emaSeries(prices, m.slowPeriod)

	// MACD line exists from the point where the slow EMA exists.
	offset := m.slowPeriod - m.fastPeriod
	macdLine := make([]float64, len(slowSeries))

	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries := emaSeries(macdLine, m.signalPeriod)

	macd := macdLine[len(macdLine)-1]
	signal := signalSeries[len(signalSeries)-1]

	return MACDValue{
		MACD:      macd,
		Signal:    signal,
		Histogram: macd - signal,
	}, nil
}

// emaSeries returns the EMA of values for every index where it is defined,
// i.e. len(values)-period+1 entries.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, 0, len(values)-period+1)

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}

	ema := seed / float64(period)
	out = append(out, ema)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out = append(out, ema)
	}

	return out
}
