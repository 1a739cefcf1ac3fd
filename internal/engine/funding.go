package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
)

// FundingRate8H is the pair of 8-hour funding rates for one pool asset.
type FundingRate8H struct {
	LongFundingRate8H  decimal.Decimal `json:"long_funding_rate_8h"`
	ShortFundingRate8H decimal.Decimal `json:"short_funding_rate_8h"`
}

// ComputeFundingRate8H computes both sides of the utilization-based funding
// curve: the short side from the pool's stable-leg parameters, the long side
// from the asset's own parameters.
func ComputeFundingRate8H(pool model.LiquidityPool, asset model.Asset, stableUtilization, unstableUtilization decimal.Decimal) (FundingRate8H, error) {
	shortRate, err := ComputeSingleFundingRate8H(pool.ShortFundingBaseRate8H, pool.ShortFundingLimitRate8H, stableUtilization)
	if err != nil {
		return FundingRate8H{}, err
	}
	longRate, err := ComputeSingleFundingRate8H(asset.LongFundingBaseRate8H, asset.LongFundingLimitRate8H, unstableUtilization)
	if err != nil {
		return FundingRate8H{}, err
	}
	return FundingRate8H{LongFundingRate8H: longRate, ShortFundingRate8H: shortRate}, nil
}

// ComputeSingleFundingRate8H evaluates the funding curve
//
//	rate = max(utilization * limit, base)
//
// flat at base for low utilization, then rising linearly once the ramp
// exceeds it. Utilization above 1 is rejected.
func ComputeSingleFundingRate8H(baseRate8H, limitRate8H, utilization decimal.Decimal) (decimal.Decimal, error) {
	if utilization.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: utilization %s exceeds 1", ErrInvalidArgument, utilization)
	}
	return decimal.Max(utilization.Mul(limitRate8H), baseRate8H), nil
}
