package indicator

import (
	"github.com/stratoslab/perpengine/internal/types"
)

// StochasticValue is a single stochastic oscillator reading.
type StochasticValue struct {
	K float64
	D float64
}

// Stochastic implements the stochastic oscillator (%K with a smoothed %D).
type Stochastic struct {
	kPeriod int
	dPeriod int
}

// NewStochastic creates a new stochastic oscillator. The conventional
// configuration is a 14-candle %K smoothed into %D over 3 readings.
func NewStochastic(kPeriod, dPeriod int) (*Stochastic, error) {
	if err := validatePeriod(kPeriod, "stochastic %K"); err != nil {
		return nil, err
	}

	if err := validatePeriod(dPeriod, "stochastic %D"); err != nil {
		return nil, err
	}

	return &Stochastic{kPeriod: kPeriod, dPeriod: dPeriod}, nil
}

// Compute calculates %K for the latest candle and %D as the simple average
// of the last dPeriod %K readings. Requires kPeriod+dPeriod-1 candles.
func (s *Stochastic) Compute(candles []types.Candle) (StochasticValue, error) {
	required := s.kPeriod + s.dPeriod - 1
	if err := requireHistory(candles, required, "stochastic"); err != nil {
		return StochasticValue{}, err
	}

	kValues := make([]float64, 0, s.dPeriod)
	for i := len(candles) - s.dPeriod; i < len(candles); i++ {
		kValues = append(kValues, percentK(candles[:i+1], s.kPeriod))
	}

	dSum := 0.0
	for _, k := range kValues {
		dSum += k
	}

	return StochasticValue{
		K: kValues[len(kValues)-1],
		D: dSum / float64(s.dPeriod),
	}, nil
}

// percentK computes the raw %K of the last candle against the highest high
// and lowest low of the trailing period.
func percentK(candles []types.Candle, period int) float64 {
	window := candles[len(candles)-period:]

	highest := window[0].High
	lowest := window[0].Low

	for _, c := range window[1:] {
		if c.High > highest {
			highest = c.High
		}

		if c.Low < lowest {
			lowest = c.Low
		}
	}

	if highest == lowest {
		return 50 // Flat window: price is neither high nor low
	}

	last := candles[len(candles)-1]

	return (last.Close - lowest) / (highest - lowest) * 100
}
