package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
)

// RealizedProfit is the settlement breakdown of a realized profit.
type RealizedProfit struct {
	// DeductUsd is the portion of the profit consumed by fees.
	DeductUsd decimal.Decimal
	// ProfitAssetTransferred is paid out immediately from spot liquidity,
	// in the profit asset's native unit.
	ProfitAssetTransferred decimal.Decimal
	// BitoroTokenTransferred is the IOU issued for the shortfall beyond
	// available spot liquidity.
	BitoroTokenTransferred decimal.Decimal
}

// ComputeRealizeProfit settles a realized profit. Fees are deducted from the
// profit first; the remainder is converted to the profit asset's native unit
// and split between immediately-available spot liquidity and the IOU token.
func ComputeRealizeProfit(profitUsd, feeUsd decimal.Decimal, profitAsset model.Asset, profitAssetPrice decimal.Decimal) RealizedProfit {
	deductUsd := decimal.Min(profitUsd, feeUsd)
	remainUsd := profitUsd.Sub(deductUsd)

	result := RealizedProfit{DeductUsd: deductUsd}
	if !remainUsd.IsPositive() || !profitAssetPrice.IsPositive() {
		return result
	}

	remain := remainUsd.Div(profitAssetPrice)
	result.ProfitAssetTransferred = decimal.Min(remain, profitAsset.SpotLiquidity)
	result.BitoroTokenTransferred = remain.Sub(result.ProfitAssetTransferred)
	return result
}

// ComputeRealizeLoss deducts a realized loss from the sub-account's
// collateral, in place. With isThrowBankrupt set, a loss exceeding available
// collateral aborts with ErrBankrupt and no mutation; otherwise the
// deduction is clamped to available collateral and the remainder dropped
// (socialized loss is a protocol-level concern outside this core).
func ComputeRealizeLoss(sub *model.SubAccount, collateralPrice, lossUsd decimal.Decimal, isThrowBankrupt bool) error {
	if lossUsd.IsZero() {
		return nil
	}
	if !collateralPrice.IsPositive() {
		return fmt.Errorf("%w: non-positive collateral price %s", ErrInvalidArgument, collateralPrice)
	}

	lossCollateral := lossUsd.Div(collateralPrice)
	if lossCollateral.GreaterThan(sub.Collateral) {
		if isThrowBankrupt {
			return fmt.Errorf("%w: loss %s exceeds collateral %s", ErrBankrupt, lossCollateral, sub.Collateral)
		}
		sub.Collateral = decimal.Zero
		return nil
	}
	sub.Collateral = sub.Collateral.Sub(lossCollateral)
	return nil
}
