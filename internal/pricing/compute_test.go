package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCompute_Scenarios(t *testing.T) {
	tests := []struct {
		name         string
		prior        Snapshot
		fill         Fill
		wantQty      string
		wantAvg      string
		wantRealized string
	}{
		{
			name:         "A: flat then buy 10 @ 100",
			prior:        Snapshot{NetQuantity: dec("0"), AvgPrice: dec("0")},
			fill:         Fill{Side: Buy, Quantity: dec("10"), Price: dec("100")},
			wantQty:      "10",
			wantAvg:      "100",
			wantRealized: "0",
		},
		{
			name:         "B: long 10@100 buy 10@120",
			prior:        Snapshot{NetQuantity: dec("10"), AvgPrice: dec("100")},
			fill:         Fill{Side: Buy, Quantity: dec("10"), Price: dec("120")},
			wantQty:      "20",
			wantAvg:      "110",
			wantRealized: "0",
		},
		{
			name:         "C: long 10@100 sell 5@120",
			prior:        Snapshot{NetQuantity: dec("10"), AvgPrice: dec("100")},
			fill:         Fill{Side: Sell, Quantity: dec("5"), Price: dec("120")},
			wantQty:      "5",
			wantAvg:      "100",
			wantRealized: "100",
		},
		{
			name:         "D: long 10@100 sell 10@150 close exact",
			prior:        Snapshot{NetQuantity: dec("10"), AvgPrice: dec("100")},
			fill:         Fill{Side: Sell, Quantity: dec("10"), Price: dec("150")},
			wantQty:      "0",
			wantAvg:      "0",
			wantRealized: "500",
		},
		{
			name:         "E: long 10@100 sell 15@120 crosses zero",
			prior:        Snapshot{NetQuantity: dec("10"), AvgPrice: dec("100")},
			fill:         Fill{Side: Sell, Quantity: dec("15"), Price: dec("120")},
			wantQty:      "-5",
			wantAvg:      "120",
			wantRealized: "200",
		},
		{
			name:         "F: short 10@100 buy 10@80 close exact",
			prior:        Snapshot{NetQuantity: dec("-10"), AvgPrice: dec("100")},
			fill:         Fill{Side: Buy, Quantity: dec("10"), Price: dec("80")},
			wantQty:      "0",
			wantAvg:      "0",
			wantRealized: "200",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.prior, tt.fill)
			require.True(t, got.NewQuantity.Equal(dec(tt.wantQty)), "qty: got %s want %s", got.NewQuantity, tt.wantQty)
			require.True(t, got.NewAvgPrice.Equal(dec(tt.wantAvg)), "avg: got %s want %s", got.NewAvgPrice, tt.wantAvg)
			require.True(t, got.RealizedDelta.Equal(dec(tt.wantRealized)), "realized: got %s want %s", got.RealizedDelta, tt.wantRealized)
		})
	}
}

// TestCompute_IncreaseAvgWithinBounds verifies property 2: an Increase's new
// average price lies within [min(p0,pf), max(p0,pf)].
func TestCompute_IncreaseAvgWithinBounds(t *testing.T) {
	prior := Snapshot{NetQuantity: dec("10"), AvgPrice: dec("100")}
	fill := Fill{Side: Buy, Quantity: dec("5"), Price: dec("130")}

	got := Compute(prior, fill)

	require.True(t, got.NewAvgPrice.GreaterThanOrEqual(dec("100")))
	require.True(t, got.NewAvgPrice.LessThanOrEqual(dec("130")))
}

// TestCompute_CloseThenReopen verifies that an exact close leaves the
// position flat, and that the next fill reopens it from flat at the fill
// price, here on the short side, with no carry-over of the old average.
func TestCompute_CloseThenReopen(t *testing.T) {
	prior := Snapshot{NetQuantity: dec("10"), AvgPrice: dec("100")}

	closed := Compute(prior, Fill{Side: Sell, Quantity: dec("10"), Price: dec("150")})
	require.True(t, closed.NewQuantity.IsZero())

	reopened := Compute(Snapshot{NetQuantity: closed.NewQuantity, AvgPrice: closed.NewAvgPrice}, Fill{Side: Sell, Quantity: dec("10"), Price: dec("90")})
	require.True(t, reopened.NewQuantity.Equal(dec("-10")))
	require.True(t, reopened.NewAvgPrice.Equal(dec("90")))
}

func TestCompute_NewQuantityIdentity(t *testing.T) {
	prior := Snapshot{NetQuantity: dec("3"), AvgPrice: dec("50")}
	fill := Fill{Side: Sell, Quantity: dec("7"), Price: dec("60")}

	got := Compute(prior, fill)
	require.True(t, got.NewQuantity.Equal(dec("-4")))
}
