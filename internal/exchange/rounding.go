package exchange

import (
	"github.com/shopspring/decimal"
)

// RoundToStep rounds a quantity down to the symbol's step size. Rounding is
// always toward zero so a rounded order never exceeds the intended size.
func RoundToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}

	q := decimal.NewFromFloat(quantity)
	s := decimal.NewFromFloat(step)

	out, _ := q.Div(s).Floor().Mul(s).Float64()

	return out
}

// RoundToTick rounds a price to the nearest multiple of the symbol's tick
// size.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}

	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)

	out, _ := p.Div(t).Round(0).Mul(t).Float64()

	return out
}
