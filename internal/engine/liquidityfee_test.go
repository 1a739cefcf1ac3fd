package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeLiquidityFeeRate_SurchargeOnSkewingAdd(t *testing.T) {
	pool := testPool()

	// Balanced pool (current == target == 100), adding 10 skews it.
	// avgDiff = (0+10)/2 = 5, surcharge = 0.01*5/100 = 0.0005.
	fee, err := ComputeLiquidityFeeRate(pool, d(100), d(100), true, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimalEq(t, "fee", fee, d(0.0007))
}

func TestComputeLiquidityFeeRate_RebateOnRebalancing(t *testing.T) {
	pool := testPool()

	// Overweight pool: removing brings it toward target. The rebate
	// (0.01*20/100 = 0.002) exceeds the base fee, flooring at zero.
	fee, err := ComputeLiquidityFeeRate(pool, d(120), d(100), false, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimalEq(t, "fee", fee, decimal.Zero)

	// Mild deviation: rebate 0.01*1/100 = 0.0001 leaves half the base fee.
	fee, err = ComputeLiquidityFeeRate(pool, d(101), d(100), false, d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimalEq(t, "fee", fee, d(0.0001))
}

func TestComputeLiquidityFeeRate_DynamicComponentRoundsDown(t *testing.T) {
	pool := testPool()

	// rebate = 0.01 * 0.777 / 100 = 0.0000777, rounded down to 0.00007.
	fee, err := ComputeLiquidityFeeRate(pool, d(100.777), d(100), false, d(0.777))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimalEq(t, "fee", fee, d(0.00013))
}

func TestComputeLiquidityFeeRate_SurchargeCappedAtTarget(t *testing.T) {
	pool := testPool()

	// Massive skew: avgDiff would be (900+1000)/2 = 950, capped at the
	// target of 100 so the surcharge tops out at the full dynamic rate.
	fee, err := ComputeLiquidityFeeRate(pool, d(1000), d(100), true, d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimalEq(t, "fee", pool.LiquidityBaseFeeRate.Add(pool.LiquidityDynamicFeeRate), fee)
}

func TestComputeLiquidityFeeRate_ZeroTarget(t *testing.T) {
	pool := testPool()

	fee, err := ComputeLiquidityFeeRate(pool, d(100), decimal.Zero, true, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDecimalEq(t, "fee", fee, pool.LiquidityBaseFeeRate)
}

func TestComputeLiquidityFeeRate_Errors(t *testing.T) {
	pool := testPool()

	if _, err := ComputeLiquidityFeeRate(pool, d(100), d(100), true, d(-1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative delta, got %v", err)
	}
	if _, err := ComputeLiquidityFeeRate(pool, d(100), d(100), false, d(101)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}
