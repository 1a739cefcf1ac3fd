package engine

import (
	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

// ComputeSubAccount computes the full derived risk snapshot for a
// sub-account at the given prices. The asset price is expected to already
// carry the directional spread (see ComputeTradingPrice). Pure: the input
// account is never mutated, and no error is raised for any well-formed
// input — divisions are guarded by explicit positivity checks.
func ComputeSubAccount(assets []model.Asset, subAccountID string, sub model.SubAccount, collateralPrice, assetPrice decimal.Decimal, now int64) (model.SubAccountDetails, error) {
	decoded, err := subaccount.Decode(subAccountID)
	if err != nil {
		return model.SubAccountDetails{}, err
	}
	asset, err := assetByID(assets, decoded.AssetID)
	if err != nil {
		return model.SubAccountDetails{}, err
	}
	if _, err := assetByID(assets, decoded.CollateralID); err != nil {
		return model.SubAccountDetails{}, err
	}

	positionValueUsd := assetPrice.Mul(sub.Size)
	fundingFeeUsd := computeFundingFeeUsd(asset, sub, decoded.IsLong, assetPrice)

	pendingPnlUsd, pnlUsd := computePositionPnlUsd(asset, sub, decoded.IsLong, sub.Size, assetPrice, now)
	pendingPnlAfterFundingUsd := pendingPnlUsd.Sub(fundingFeeUsd)
	pnlAfterFundingUsd := pnlUsd.Sub(fundingFeeUsd)

	collateralValue := sub.Collateral.Mul(collateralPrice)
	marginBalanceUsd := collateralValue.Add(pendingPnlAfterFundingUsd)

	computed := model.SubAccountComputed{
		PositionValueUsd:          positionValueUsd,
		FundingFeeUsd:             fundingFeeUsd,
		PendingPnlUsd:             pendingPnlUsd,
		PendingPnlAfterFundingUsd: pendingPnlAfterFundingUsd,
		PnlUsd:                    pnlUsd,
		PnlAfterFundingUsd:        pnlAfterFundingUsd,
		MarginBalanceUsd:          marginBalanceUsd,
		IsIMSafe:                  marginBalanceUsd.GreaterThanOrEqual(positionValueUsd.Mul(asset.InitialMarginRate)),
		IsMMSafe:                  marginBalanceUsd.GreaterThanOrEqual(positionValueUsd.Mul(asset.MaintenanceMarginRate)),
		IsMarginSafe:              marginBalanceUsd.GreaterThanOrEqual(decimal.Zero),
	}

	if collateralValue.IsPositive() {
		computed.Leverage = sub.EntryPrice.Mul(sub.Size).Div(collateralValue)
		computed.PendingRoe = pendingPnlAfterFundingUsd.Div(collateralValue)
	}
	if marginBalanceUsd.IsPositive() {
		computed.EffectiveLeverage = positionValueUsd.Div(marginBalanceUsd)
	}

	computed.LiquidationPrice = computeLiquidationPrice(asset, sub, decoded, collateralValue)

	// Withdrawable amounts: each is the IM headroom capped by a type-specific
	// bound, floored at zero, converted from USD to native units.
	imUsd := positionValueUsd.Mul(asset.InitialMarginRate)
	headroomUsd := marginBalanceUsd.Sub(imUsd)

	wcUsd := decimal.Min(headroomUsd, collateralValue.Add(pnlAfterFundingUsd).Sub(sub.EntryPrice.Mul(sub.Size).Mul(asset.InitialMarginRate)))
	wcUsd = decimal.Max(decimal.Zero, wcUsd)
	if collateralPrice.IsPositive() {
		computed.WithdrawableCollateral = wcUsd.Div(collateralPrice)
	}

	wpUsd := decimal.Min(headroomUsd, pnlAfterFundingUsd)
	wpUsd = decimal.Max(decimal.Zero, wpUsd)
	if decoded.IsLong {
		// Long profit settles in the position asset; short profit settles
		// directly in stable terms.
		if assetPrice.IsPositive() {
			computed.WithdrawableProfit = wpUsd.Div(assetPrice)
		}
	} else {
		computed.WithdrawableProfit = wpUsd
	}

	return model.SubAccountDetails{SubAccount: sub, Computed: computed}, nil
}

// computePositionPnlUsd returns the pending (marked-to-market) and realized
// pnl for closing `amount` of the position at `assetPrice`.
//
// The minimum-profit lockup suppresses realized profit while the position is
// younger than MinProfitTime and the relative move is below MinProfitRate,
// preventing micro-profit-taking right after entry. Pending pnl always
// reflects the true unrealized value.
func computePositionPnlUsd(asset model.Asset, sub model.SubAccount, isLong bool, amount, assetPrice decimal.Decimal, now int64) (pendingPnlUsd, pnlUsd decimal.Decimal) {
	if amount.IsZero() {
		return decimal.Zero, decimal.Zero
	}

	priceDelta := assetPrice.Sub(sub.EntryPrice)
	if !isLong {
		priceDelta = sub.EntryPrice.Sub(assetPrice)
	}
	pendingPnlUsd = priceDelta.Mul(amount)

	if priceDelta.IsPositive() &&
		now < sub.LastIncreasedTime+asset.MinProfitTime &&
		priceDelta.Abs().LessThan(asset.MinProfitRate.Mul(sub.EntryPrice)) {
		return pendingPnlUsd, decimal.Zero
	}
	return pendingPnlUsd, pendingPnlUsd
}

// computeFundingFeeUsd returns the funding owed since the account's entry
// funding snapshot. Long funding accrues in asset units and is converted at
// the current asset price; short funding is already USD-denominated.
func computeFundingFeeUsd(asset model.Asset, sub model.SubAccount, isLong bool, assetPrice decimal.Decimal) decimal.Decimal {
	if sub.Size.IsZero() {
		return decimal.Zero
	}
	if isLong {
		return asset.LongCumulativeFundingRate.Sub(sub.EntryFunding).Mul(assetPrice).Mul(sub.Size)
	}
	return asset.ShortCumulativeFunding.Sub(sub.EntryFunding).Mul(sub.Size)
}

// updateEntryFunding snapshots the current cumulative funding index into the
// account. Must run exactly once per simulated action that changes exposure,
// after the fee for the prior interval has been computed with the old
// snapshot.
func updateEntryFunding(asset model.Asset, sub *model.SubAccount, isLong bool) {
	if isLong {
		sub.EntryFunding = asset.LongCumulativeFundingRate
	} else {
		sub.EntryFunding = asset.ShortCumulativeFunding
	}
}

// computeLiquidationPrice solves for the trading price at which the margin
// balance reaches the maintenance threshold, then converts back to index
// price by unwinding the close-side spread (liquidation triggers are
// evaluated against index price, while the margin formula is in
// trading-price terms). Returns zero for a flat position or when no positive
// solution exists.
func computeLiquidationPrice(asset model.Asset, sub model.SubAccount, decoded subaccount.Decoded, collateralValue decimal.Decimal) decimal.Decimal {
	if sub.Size.IsZero() {
		return decimal.Zero
	}

	mm := asset.MaintenanceMarginRate
	entryValue := sub.EntryPrice.Mul(sub.Size)
	sameAsset := decoded.CollateralID == decoded.AssetID
	one := decimal.NewFromInt(1)

	var numerator, denominator decimal.Decimal
	if decoded.IsLong {
		// Long funding scales with the trading price, so it folds into the
		// denominator.
		fundingRate := asset.LongCumulativeFundingRate.Sub(sub.EntryFunding)
		if sameAsset {
			numerator = entryValue
			denominator = sub.Collateral.Add(sub.Size.Mul(one.Sub(fundingRate).Sub(mm)))
		} else {
			numerator = entryValue.Sub(collateralValue)
			denominator = sub.Size.Mul(one.Sub(mm).Sub(fundingRate))
		}
	} else {
		// Short funding is a fixed USD amount at the current snapshot.
		fundingUsd := asset.ShortCumulativeFunding.Sub(sub.EntryFunding).Mul(sub.Size)
		if sameAsset {
			numerator = fundingUsd.Sub(entryValue)
			denominator = sub.Collateral.Sub(sub.Size.Mul(one.Add(mm)))
		} else {
			numerator = collateralValue.Add(entryValue).Sub(fundingUsd)
			denominator = sub.Size.Mul(one.Add(mm))
		}
	}

	if denominator.IsZero() {
		return decimal.Zero
	}
	tradingPrice := numerator.Div(denominator)
	if !tradingPrice.IsPositive() {
		return decimal.Zero
	}

	// Trading price → index price. A long liquidates on the bid, a short on
	// the ask.
	spreadFactor := one.Add(asset.HalfSpread)
	if decoded.IsLong {
		spreadFactor = one.Sub(asset.HalfSpread)
	}
	if !spreadFactor.IsPositive() {
		return decimal.Zero
	}
	return tradingPrice.Div(spreadFactor)
}
