// Package pricing implements the pure position-update math shared by the
// position keeper and order processor: given a prior position state and an
// incoming fill, compute the new net quantity, new weighted-average price
// and the realized PnL delta the fill contributes.
//
// All arithmetic runs on shopspring/decimal, which carries fixed-point
// precision with no implicit rounding on multiply; division only happens in
// the Increase case, where the denominator (the new net quantity's
// magnitude) is nonzero by construction.
package pricing

import "github.com/shopspring/decimal"

// Side is the signed direction of a fill.
type Side int

const (
	Buy Side = iota
	Sell
)

// Fill is the transient execution record driving a position update.
type Fill struct {
	Side     Side
	Quantity decimal.Decimal // unsigned, > 0
	Price    decimal.Decimal // > 0
}

// Snapshot is the subset of position state the math needs: net signed
// quantity and average cost price.
type Snapshot struct {
	NetQuantity decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Result is the outcome of applying a fill to a prior snapshot.
type Result struct {
	NewQuantity   decimal.Decimal
	NewAvgPrice   decimal.Decimal
	RealizedDelta decimal.Decimal
}

// Compute implements the case table from the position-math specification:
// open-from-flat, increase, reduce, close-exact and cross-zero, in that
// order, first match wins.
func Compute(prior Snapshot, fill Fill) Result {
	q0 := prior.NetQuantity
	p0 := prior.AvgPrice
	qf := fill.Quantity
	pf := fill.Price

	signedQty := qf
	if fill.Side == Sell {
		signedQty = qf.Neg()
	}
	q1 := q0.Add(signedQty)

	switch {
	case q0.IsZero():
		// Open from flat.
		return Result{NewQuantity: q1, NewAvgPrice: pf, RealizedDelta: decimal.Zero}

	case sameSign(q0, signedQty):
		// Increase: weighted-average cost, no realized PnL.
		totalCost := q0.Abs().Mul(p0).Add(qf.Mul(pf))
		newAvg := totalCost.Div(q1.Abs())
		return Result{NewQuantity: q1, NewAvgPrice: newAvg, RealizedDelta: decimal.Zero}

	case !q1.IsZero() && sameSign(q1, q0):
		// Reduce: average price unchanged, realize the closed slice.
		realized := qf.Mul(pf.Sub(p0)).Mul(sign(q0))
		return Result{NewQuantity: q1, NewAvgPrice: p0, RealizedDelta: realized}

	case q1.IsZero():
		// Close exactly.
		realized := q0.Abs().Mul(pf.Sub(p0)).Mul(sign(q0))
		return Result{NewQuantity: decimal.Zero, NewAvgPrice: decimal.Zero, RealizedDelta: realized}

	default:
		// Cross zero: close the old side, open the new one at the fill price.
		realized := q0.Abs().Mul(pf.Sub(p0)).Mul(sign(q0))
		return Result{NewQuantity: q1, NewAvgPrice: pf, RealizedDelta: realized}
	}
}

// sign returns +1/-1/0 as a Decimal, matching the sign-multiplier rule used
// throughout the reduce/close/cross-zero cases.
func sign(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.IsPositive():
		return decimal.NewFromInt(1)
	case d.IsNegative():
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// sameSign reports whether a and b are both strictly positive or both
// strictly negative.
func sameSign(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsPositive()) || (a.IsNegative() && b.IsNegative())
}
