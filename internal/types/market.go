package types

import "time"

// Candle represents a single kline interval for a symbol.
// A candle with IsFinal=false is provisional: the exchange may replace it
// in place until the interval closes. Once IsFinal=true the values are
// immutable.
type Candle struct {
	Symbol    string    `yaml:"symbol" json:"symbol"`
	OpenTime  time.Time `yaml:"open_time" json:"open_time"`
	Open      float64   `yaml:"open" json:"open"`
	High      float64   `yaml:"high" json:"high"`
	Low       float64   `yaml:"low" json:"low"`
	Close     float64   `yaml:"close" json:"close"`
	Volume    float64   `yaml:"volume" json:"volume"`
	CloseTime time.Time `yaml:"close_time" json:"close_time"`
	IsFinal   bool      `yaml:"is_final" json:"is_final"`
}

// IsGreen reports whether the candle closed above its open.
func (c Candle) IsGreen() bool {
	return c.Close > c.Open
}

// IsRed reports whether the candle closed below its open.
func (c Candle) IsRed() bool {
	return c.Close < c.Open
}

// Ticker is the latest traded price for a symbol.
type Ticker struct {
	Symbol string    `yaml:"symbol" json:"symbol"`
	Price  float64   `yaml:"price" json:"price"`
	Time   time.Time `yaml:"time" json:"time"`
}

// SymbolFilters describes the exchange rounding rules for a symbol.
// Prices must land on a multiple of TickSize and quantities on a multiple
// of StepSize or the exchange rejects the order.
type SymbolFilters struct {
	Symbol   string  `yaml:"symbol" json:"symbol"`
	TickSize float64 `yaml:"tick_size" json:"tick_size"`
	StepSize float64 `yaml:"step_size" json:"step_size"`
}
