package types

import "time"

type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Opposite returns the other side.
func (s PositionSide) Opposite() PositionSide {
	if s == PositionSideLong {
		return PositionSideShort
	}

	return PositionSideLong
}

// PositionState is the lifecycle state of one side's position slot.
type PositionState string

const (
	// PositionStateFlat means no position and no in-flight orders.
	PositionStateFlat PositionState = "FLAT"
	// PositionStateEntering means an entry order has been submitted but not confirmed.
	PositionStateEntering PositionState = "ENTERING"
	// PositionStateOpen means the entry filled and the bracket is (or is being) placed.
	PositionStateOpen PositionState = "OPEN"
	// PositionStateClosing means a manual or emergency close is in flight.
	PositionStateClosing PositionState = "CLOSING"
	// PositionStateHalted is terminal until an explicit restart.
	PositionStateHalted PositionState = "HALTED"
)

// Position is an open leveraged position with its protective bracket.
// It is exclusively owned and mutated by the position lifecycle manager;
// everything else sees copies.
//
// Invariant: TpOrderID and SlOrderID are set together or neither is set.
type Position struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	EntryPrice float64      `json:"entry_price"`
	Quantity   float64      `json:"quantity"`
	TpPrice    float64      `json:"tp_price"`
	SlPrice    float64      `json:"sl_price"`
	TpOrderID  string       `json:"tp_order_id"`
	SlOrderID  string       `json:"sl_order_id"`
	OpenedAt   time.Time    `json:"opened_at"`
}

// HasBracket reports whether both protective orders are resting.
func (p Position) HasBracket() bool {
	return p.TpOrderID != "" && p.SlOrderID != ""
}

// RealizedPnL computes the profit of closing the position at exitPrice.
func (p Position) RealizedPnL(exitPrice float64) float64 {
	direction := 1.0
	if p.Side == PositionSideShort {
		direction = -1.0
	}

	return (exitPrice - p.EntryPrice) * p.Quantity * direction
}
