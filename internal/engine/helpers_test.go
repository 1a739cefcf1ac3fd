package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const testAccount = "0xfefefefefefefefefefefefefefefefefefefefe"

const (
	usdcID = 0
	btcID  = 1
	usdtID = 2
)

// testAssets returns a fresh configuration snapshot: USDC (stable collateral),
// BTC (tradable position asset), USDT (stable profit asset).
func testAssets() []model.Asset {
	return []model.Asset{
		{
			ID: usdcID, Symbol: "USDC", IsStable: true, IsEnabled: true,
			SpotLiquidity: d(1_000_000),
		},
		{
			ID: btcID, Symbol: "BTC",
			IsTradable: true, IsOpenable: true, IsShortable: true, IsEnabled: true,
			InitialMarginRate:     d(0.1),
			MaintenanceMarginRate: d(0.05),
			PositionFeeRate:       d(0.001),
			MinProfitTime:         60,
			MinProfitRate:         d(0.01),
			HalfSpread:            decimal.Zero,
			LongFundingBaseRate8H: d(0.0001), LongFundingLimitRate8H: d(0.008),
			SpotLiquidity: d(1000),
		},
		{
			ID: usdtID, Symbol: "USDT", IsStable: true, IsEnabled: true,
			SpotLiquidity: d(1_000_000),
		},
	}
}

func testPrices() model.PriceDict {
	return model.PriceDict{
		"USDC": d(1),
		"BTC":  d(100),
		"USDT": d(1),
	}
}

func testPool() model.LiquidityPool {
	return model.LiquidityPool{
		LiquidityBaseFeeRate:    d(0.0002),
		LiquidityDynamicFeeRate: d(0.01),
		ShortFundingBaseRate8H:  d(0.0001),
		ShortFundingLimitRate8H: d(0.01),
	}
}

// subID builds a sub-account id for the test account.
func subID(t *testing.T, collateralID, assetID uint8, isLong bool) string {
	t.Helper()
	id, err := subaccount.Encode(testAccount, collateralID, assetID, isLong)
	if err != nil {
		t.Fatalf("encode sub-account id: %v", err)
	}
	return id
}

// assertDecimalEq fails unless got equals want exactly.
func assertDecimalEq(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

// assertDecimalNear fails unless got is within tolerance of want.
func assertDecimalNear(t *testing.T, name string, got, want, tolerance decimal.Decimal) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(tolerance) {
		t.Errorf("%s: expected ≈ %s, got %s", name, want, got)
	}
}
