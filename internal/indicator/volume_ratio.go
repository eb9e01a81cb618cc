package indicator

import (
	"github.com/stratoslab/perpengine/internal/types"
)

// VolumeRatio compares the latest candle's volume with the trailing average
// volume. A ratio above 1 means the latest candle traded more than usual.
type VolumeRatio struct {
	period int
}

// NewVolumeRatio creates a new volume ratio indicator with the given
// averaging period.
func NewVolumeRatio(period int) (*VolumeRatio, error) {
	if err := validatePeriod(period, "volume ratio"); err != nil {
		return nil, err
	}

	return &VolumeRatio{period: period}, nil
}

// Compute calculates latestVolume / avg(volume of the preceding period
// candles). Requires period+1 candles so the latest candle is excluded
// from its own baseline.
func (v *VolumeRatio) Compute(candles []types.Candle) (float64, error) {
	if err := requireHistory(candles, v.period+1, "volume ratio"); err != nil {
		return 0, err
	}

	last := candles[len(candles)-1]
	baseline := candles[len(candles)-1-v.period : len(candles)-1]

	sum := 0.0
	for _, c := range baseline {
		sum += c.Volume
	}

	avg := sum / float64(v.period)
	if avg == 0 {
		return 0, nil
	}

	return last.Volume / avg, nil
}
