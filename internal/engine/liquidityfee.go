package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
)

// liquidityFeeScale is the number of decimal places the dynamic fee
// component is rounded down to.
const liquidityFeeScale int32 = 5

// ComputeLiquidityFeeRate computes the dynamic add/remove-liquidity fee for
// one pool asset from its deviation against the target USD allocation.
//
// Flows that move the allocation toward target earn a rebate off the base
// fee (floored at zero); flows that skew it further pay a surcharge computed
// on the average of the old and new deviation, capped at the target. The
// curve financially incentivizes rebalancing flows.
func ComputeLiquidityFeeRate(pool model.LiquidityPool, currentAssetValue, targetAssetValue decimal.Decimal, isAdd bool, deltaValue decimal.Decimal) (decimal.Decimal, error) {
	if deltaValue.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative liquidity delta %s", ErrInvalidArgument, deltaValue)
	}
	if !isAdd && deltaValue.GreaterThan(currentAssetValue) {
		return decimal.Zero, fmt.Errorf("%w: removing %s from pool asset holding %s",
			ErrInsufficientLiquidity, deltaValue, currentAssetValue)
	}

	baseFeeRate := pool.LiquidityBaseFeeRate
	if targetAssetValue.IsZero() {
		// No target allocation to deviate from.
		return baseFeeRate, nil
	}

	newAssetValue := currentAssetValue.Add(deltaValue)
	if !isAdd {
		newAssetValue = currentAssetValue.Sub(deltaValue)
	}
	oldDiff := currentAssetValue.Sub(targetAssetValue).Abs()
	newDiff := newAssetValue.Sub(targetAssetValue).Abs()

	if newDiff.LessThan(oldDiff) {
		// The operation rebalances the pool toward target.
		rebate := pool.LiquidityDynamicFeeRate.Mul(oldDiff).Div(targetAssetValue).RoundDown(liquidityFeeScale)
		return decimal.Max(decimal.Zero, baseFeeRate.Sub(rebate)), nil
	}

	avgDiff := decimal.Min(oldDiff.Add(newDiff).Div(decimal.NewFromInt(2)), targetAssetValue)
	surcharge := pool.LiquidityDynamicFeeRate.Mul(avgDiff).Div(targetAssetValue).RoundDown(liquidityFeeScale)
	return baseFeeRate.Add(surcharge), nil
}
