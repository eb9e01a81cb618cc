// Package market holds the per-symbol rolling store of candles and tickers
// fed by the exchange stream. It is the only place provisional candles live;
// indicator code consumes finalized candles exclusively.
package market

import (
	"sync"

	"github.com/stratoslab/perpengine/internal/types"
)

// series is one symbol's bounded candle window plus its latest ticker.
// Invariant: at most the last candle is provisional; all earlier candles
// are final; len(candles) <= capacity.
type series struct {
	mu      sync.RWMutex
	candles []types.Candle
	ticker  types.Ticker
	hasTick bool
}

// Cache is the market data cache for all configured symbols.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	symbols  map[string]*series
}

// NewCache creates a cache holding up to capacity candles per symbol.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		symbols:  make(map[string]*series),
	}
}

func (c *Cache) series(symbol string) *series {
	c.mu.RLock()
	s, ok := c.symbols[symbol]
	c.mu.RUnlock()

	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok = c.symbols[symbol]; !ok {
		s = &series{candles: make([]types.Candle, 0, c.capacity)}
		c.symbols[symbol] = s
	}

	return s
}

// WarmUp bulk-loads historical candles for a symbol, replacing anything
// already cached. All warm-up candles are treated as final.
func (c *Cache) WarmUp(symbol string, candles []types.Candle) {
	s := c.series(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if len(candles) > c.capacity {
		start = len(candles) - c.capacity
	}

	s.candles = s.candles[:0]

	for _, candle := range candles[start:] {
		candle.IsFinal = true
		s.candles = append(s.candles, candle)
	}
}

// Upsert ingests one streamed candle. A provisional candle replaces the
// current provisional candle in place; a final candle seals that slot and
// the oldest candle is evicted once the window is full. It returns true
// when the ingested candle finalized an interval.
func (c *Cache) Upsert(candle types.Candle) bool {
	s := c.series(candle.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	if n > 0 && !s.candles[n-1].IsFinal && s.candles[n-1].OpenTime.Equal(candle.OpenTime) {
		s.candles[n-1] = candle
	} else {
		s.candles = append(s.candles, candle)
		if len(s.candles) > c.capacity {
			s.candles = s.candles[1:]
		}
	}

	return candle.IsFinal
}

// SetTicker stores the latest ticker for a symbol.
func (c *Cache) SetTicker(ticker types.Ticker) {
	s := c.series(ticker.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = ticker
	s.hasTick = true
}

// Ticker returns the latest ticker for a symbol.
func (c *Cache) Ticker(symbol string) (types.Ticker, bool) {
	s := c.series(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.ticker, s.hasTick
}

// Finalized returns a copy of the finalized candles for a symbol, oldest
// first. The trailing provisional candle, if any, is excluded.
func (c *Cache) Finalized(symbol string) []types.Candle {
	s := c.series(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.candles)
	if n > 0 && !s.candles[n-1].IsFinal {
		n--
	}

	out := make([]types.Candle, n)
	copy(out, s.candles[:n])

	return out
}

// LastFinalized returns the most recent finalized candle for a symbol.
func (c *Cache) LastFinalized(symbol string) (types.Candle, bool) {
	s := c.series(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.candles) - 1; i >= 0; i-- {
		if s.candles[i].IsFinal {
			return s.candles[i], true
		}
	}

	return types.Candle{}, false
}

// Len returns the number of cached candles for a symbol, provisional included.
func (c *Cache) Len(symbol string) int {
	s := c.series(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.candles)
}
