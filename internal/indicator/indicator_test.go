package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/stratoslab/perpengine/internal/types"
	"github.com/stratoslab/perpengine/pkg/errors"
)

type IndicatorTestSuite struct {
	suite.Suite
}

func TestIndicatorSuite(t *testing.T) {
	suite.Run(t, new(IndicatorTestSuite))
}

// seriesFromCloses builds finalized candles with the given closes and a
// constant volume of 100.
func seriesFromCloses(closes ...float64) []types.Candle {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, len(closes))

	for i, c := range closes {
		candles = append(candles, types.Candle{
			Symbol:    "BTCUSDT",
			OpenTime:  t0.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
			CloseTime: t0.Add(time.Duration(i+1) * time.Minute),
			IsFinal:   true,
		})
	}

	return candles
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}

	return out
}

func falling(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 - float64(i)
	}

	return out
}

func (suite *IndicatorTestSuite) TestNewRSIRejectsBadPeriod() {
	_, err := NewRSI(0)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidPeriod))
}

func (suite *IndicatorTestSuite) TestRSIInsufficientHistory() {
	rsi, err := NewRSI(14)
	suite.NoError(err)

	_, err = rsi.Compute(seriesFromCloses(rising(10)...))
	suite.Error(err)
	suite.True(errors.IsInsufficientDataError(err))
}

func (suite *IndicatorTestSuite) TestRSIPerfectUptrend() {
	rsi, err := NewRSI(14)
	suite.NoError(err)

	value, err := rsi.Compute(seriesFromCloses(rising(20)...))
	suite.NoError(err)
	suite.Equal(100.0, value)
}

func (suite *IndicatorTestSuite) TestRSIPerfectDowntrend() {
	rsi, err := NewRSI(14)
	suite.NoError(err)

	value, err := rsi.Compute(seriesFromCloses(falling(20)...))
	suite.NoError(err)
	suite.Equal(0.0, value)
}

func (suite *IndicatorTestSuite) TestRSIBalancedMoves() {
	rsi, err := NewRSI(14)
	suite.NoError(err)

	// Alternating +1/-1 moves of equal size give equal average gain and loss.
	closes := make([]float64, 0, 30)
	price := 100.0

	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		if i%2 == 0 {
			price++
		} else {
			price--
		}
	}

	value, err := rsi.Compute(seriesFromCloses(closes...))
	suite.NoError(err)
	suite.InDelta(50.0, value, 1.0)
}

func (suite *IndicatorTestSuite) TestEMAConstantSeries() {
	ema, err := NewEMA(9)
	suite.NoError(err)

	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 42.5
	}

	value, err := ema.Compute(seriesFromCloses(closes...))
	suite.NoError(err)
	suite.InDelta(42.5, value, 1e-9)
}

func (suite *IndicatorTestSuite) TestEMATracksTrendAboveSMA() {
	// In a rising series the EMA sits above the SMA of the same period
	// because it weights recent prices more heavily.
	emaCalc, err := NewEMA(10)
	suite.NoError(err)
	smaCalc, err := NewSMA(10)
	suite.NoError(err)

	candles := seriesFromCloses(rising(40)...)

	ema, err := emaCalc.Compute(candles)
	suite.NoError(err)
	sma, err := smaCalc.Compute(candles)
	suite.NoError(err)

	suite.Greater(ema, sma)
}

func (suite *IndicatorTestSuite) TestSMA() {
	sma, err := NewSMA(5)
	suite.NoError(err)

	value, err := sma.Compute(seriesFromCloses(1, 2, 3, 4, 5, 6, 7))
	suite.NoError(err)
	suite.InDelta(5.0, value, 1e-9) // mean of 3..7
}

func (suite *IndicatorTestSuite) TestBollingerConstantSeriesCollapses() {
	bb, err := NewBollingerBands(20, 2.0)
	suite.NoError(err)

	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100
	}

	bands, err := bb.Compute(seriesFromCloses(closes...))
	suite.NoError(err)
	suite.InDelta(100.0, bands.Upper, 1e-9)
	suite.InDelta(100.0, bands.Middle, 1e-9)
	suite.InDelta(100.0, bands.Lower, 1e-9)
	// Degenerate band width reads as mid-band.
	suite.InDelta(0.5, bands.Position(100), 1e-9)
}

func (suite *IndicatorTestSuite) TestBollingerBandPosition() {
	bands := Bands{Upper: 110, Middle: 100, Lower: 90}
	suite.InDelta(0.0, bands.Position(90), 1e-9)
	suite.InDelta(0.5, bands.Position(100), 1e-9)
	suite.InDelta(1.0, bands.Position(110), 1e-9)
	suite.Greater(bands.Position(115), 1.0)
}

func (suite *IndicatorTestSuite) TestMACDRequiresSlowPlusSignal() {
	macd, err := NewMACD(12, 26, 9)
	suite.NoError(err)

	_, err = macd.Compute(seriesFromCloses(rising(30)...))
	suite.True(errors.IsInsufficientDataError(err))

	value, err := macd.Compute(seriesFromCloses(rising(40)...))
	suite.NoError(err)
	// Steady uptrend keeps the fast EMA above the slow EMA.
	suite.Greater(value.MACD, 0.0)
}

func (suite *IndicatorTestSuite) TestMACDRejectsInvertedPeriods() {
	_, err := NewMACD(26, 12, 9)
	suite.Error(err)
}

func (suite *IndicatorTestSuite) TestStochasticExtremes() {
	stoch, err := NewStochastic(14, 3)
	suite.NoError(err)

	value, err := stoch.Compute(seriesFromCloses(rising(20)...))
	suite.NoError(err)
	suite.Greater(value.K, 80.0)
	suite.Greater(value.D, 80.0)

	value, err = stoch.Compute(seriesFromCloses(falling(20)...))
	suite.NoError(err)
	suite.Less(value.K, 20.0)
}

func (suite *IndicatorTestSuite) TestVolumeRatio() {
	vr, err := NewVolumeRatio(5)
	suite.NoError(err)

	candles := seriesFromCloses(rising(10)...)
	candles[len(candles)-1].Volume = 150

	value, err := vr.Compute(candles)
	suite.NoError(err)
	suite.InDelta(1.5, value, 1e-9)
}
