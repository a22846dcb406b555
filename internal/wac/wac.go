// Package wac implements the direction-aware weighted-average-cost state.
//
// The state is a pure value; ApplyTrade returns a new state and never touches
// a clock or the store. Trades must be folded in ascending sequence order.
package wac

import "github.com/shopspring/decimal"

// PriceScale is the fractional-digit scale of a derived WAC price.
const PriceScale = 12

// State is the running WAC accumulator for one position coordinate.
type State struct {
	AvgPrice       decimal.Decimal
	TotalCostBasis decimal.Decimal
	NetQuantity    int64
	LastSequence   int64
}

// New returns the flat (all-zero) state.
func New() State {
	return State{AvgPrice: decimal.Zero, TotalCostBasis: decimal.Zero}
}

// ApplyTrade folds one trade into the state. Exactly one of the four
// direction rules fires, evaluated in order:
//
//	R1  cross zero      -> restart at the trade price on the residual quantity
//	R2  flat            -> zero everything
//	R3  toward zero     -> average price unchanged, cost basis shrinks pro rata
//	R4a first from flat -> trade price becomes the average
//	R4b away from zero  -> cost-weighted blend of old basis and the new lot
//
// The average price is rounded half-up to PriceScale digits whenever it is
// re-derived (R1, R4a, R4b) and carried untouched otherwise (R2, R3).
func (s State) ApplyTrade(seq, qty int64, price decimal.Decimal) State {
	old := s.NetQuantity
	next := old + qty
	qtyDec := decimal.NewFromInt(qty)
	nextDec := decimal.NewFromInt(next)

	out := State{NetQuantity: next, LastSequence: seq}
	switch {
	case (old > 0 && next < 0) || (old < 0 && next > 0): // R1
		out.AvgPrice = price.Round(PriceScale)
		out.TotalCostBasis = price.Mul(nextDec)
	case next == 0: // R2
		out.AvgPrice = decimal.Zero
		out.TotalCostBasis = decimal.Zero
	case differentSign(old, qty): // R3
		out.AvgPrice = s.AvgPrice
		out.TotalCostBasis = s.TotalCostBasis.Add(s.AvgPrice.Mul(qtyDec))
	case old == 0: // R4a
		out.AvgPrice = price.Round(PriceScale)
		out.TotalCostBasis = price.Mul(nextDec)
	default: // R4b
		basis := s.TotalCostBasis.Add(price.Mul(qtyDec))
		out.AvgPrice = basis.Abs().DivRound(nextDec.Abs(), PriceScale)
		out.TotalCostBasis = basis
	}
	return out
}

func differentSign(a, b int64) bool {
	return (a > 0 && b < 0) || (a < 0 && b > 0)
}
