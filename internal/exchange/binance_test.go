package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stratoslab/perpengine/internal/types"
)

func candleClosingAt(closeTime time.Time) types.Candle {
	return types.Candle{
		OpenTime:  closeTime.Add(-time.Minute),
		CloseTime: closeTime,
	}
}

func TestDropOpenIntervalTrimsCurrentCandle(t *testing.T) {
	// The klines endpoint returns the in-progress interval as its last
	// element; only fully closed intervals may reach the cache.
	now := time.Date(2026, 3, 1, 12, 30, 15, 0, time.UTC)
	candles := []types.Candle{
		candleClosingAt(now.Add(-2 * time.Minute)),
		candleClosingAt(now.Add(-time.Minute)),
		candleClosingAt(now.Add(45 * time.Second)),
	}

	closed := dropOpenInterval(candles, now)

	assert.Len(t, closed, 2)
	assert.Equal(t, candles[1].CloseTime, closed[1].CloseTime)
}

func TestDropOpenIntervalKeepsClosedHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 15, 0, time.UTC)
	candles := []types.Candle{
		candleClosingAt(now.Add(-2 * time.Minute)),
		candleClosingAt(now.Add(-time.Minute)),
	}

	assert.Len(t, dropOpenInterval(candles, now), 2)
}

func TestDropOpenIntervalEdges(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	// A candle closing exactly at the boundary has not yet closed.
	boundary := []types.Candle{candleClosingAt(now)}
	assert.Empty(t, dropOpenInterval(boundary, now))

	assert.Empty(t, dropOpenInterval(nil, now))
}
