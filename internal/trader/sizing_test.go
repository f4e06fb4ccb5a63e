package trader

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSize(t *testing.T) {
	testCases := []struct {
		name     string
		quantity int
		factor   float64
		expected int
	}{
		{"half", 10, 0.5, 5},
		{"double", 10, 2.0, 20},
		{"identity", 7, 1.0, 7},
		{"floors fractional result", 10, 0.33, 3},
		{"rounds down to zero", 1, 0.5, 0},
		{"zero factor", 10, 0, 0},
		{"negative factor", 10, -1, 0},
		{"zero quantity", 0, 2, 0},
		{"float artefact", 30, 0.1, 3},
		{"large quantity", 1_000_000, 1.5, 1_500_000},
		{"at the cap", 1, MaxQuantity, MaxQuantity},
		{"above the cap", 10, 1e18, 0},
		{"huge quantity", math.MaxInt32, 2, 0},
		{"infinite factor", 10, math.Inf(1), 0},
		{"negative infinite factor", 10, math.Inf(-1), 0},
		{"nan factor", 10, math.NaN(), 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Size(tc.quantity, tc.factor))
		})
	}
}

func TestSize_MatchesFloorOfProduct(t *testing.T) {
	factors := []float64{0.25, 0.5, 0.75, 1, 1.25, 2, 3.5}
	for q := 1; q <= 200; q++ {
		for _, r := range factors {
			assert.Equal(t, int(math.Floor(float64(q)*r)), Size(q, r), "q=%d r=%v", q, r)
		}
	}
}
