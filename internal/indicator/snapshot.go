package indicator

import (
	"time"

	"github.com/moznion/go-optional"
)

// Snapshot is one symbol's full indicator readout, recomputed wholesale on
// every finalized candle and swapped atomically. An indicator that lacks
// history is None rather than a zero that could be mistaken for a value.
type Snapshot struct {
	Symbol    string
	Timestamp time.Time
	// Price is the close of the candle the snapshot was computed from.
	Price float64

	RSI         optional.Option[float64]
	EMAFast     optional.Option[float64]
	EMASlow     optional.Option[float64]
	SMA         optional.Option[float64]
	MACD        optional.Option[MACDValue]
	Bands       optional.Option[Bands]
	Stochastic  optional.Option[StochasticValue]
	VolumeRatio optional.Option[float64]
}

// BandPosition returns where Price sits inside the Bollinger Bands, or
// None when the bands are unavailable.
func (s Snapshot) BandPosition() optional.Option[float64] {
	if s.Bands.IsNone() {
		return optional.None[float64]()
	}

	return optional.Some(s.Bands.Unwrap().Position(s.Price))
}

// HasEntrySignalInputs reports whether the minimum inputs for signal
// evaluation are present.
func (s Snapshot) HasEntrySignalInputs() bool {
	return s.RSI.IsSome()
}
