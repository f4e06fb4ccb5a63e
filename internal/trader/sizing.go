package trader

import (
	"math"

	"github.com/shopspring/decimal"
)

// MaxQuantity is the largest order quantity Size will return.
const MaxQuantity = math.MaxInt32

var maxQuantity = decimal.NewFromInt(MaxQuantity)

// Size scales a leader quantity by a follower's risk factor, rounding down to whole shares.
// A result of 0 means the follower is skipped, which includes non-finite risk factors
// and products above MaxQuantity.
func Size(leaderQuantity int, riskFactor float64) int {
	if leaderQuantity <= 0 || !(riskFactor > 0) || math.IsInf(riskFactor, 1) {
		return 0
	}
	// decimal keeps 0.1 * 30 at 3 instead of 2.9999999999999996.
	qty := decimal.NewFromInt(int64(leaderQuantity)).
		Mul(decimal.NewFromFloat(riskFactor)).
		Floor()
	if qty.GreaterThan(maxQuantity) {
		return 0
	}
	return int(qty.IntPart())
}
