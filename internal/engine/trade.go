package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

// Every simulation below follows the same shape: validate inputs, resolve
// execution prices, apply the action to a by-value copy of the account, and
// recompute the full snapshot for the post-trade state. The caller's
// SubAccount is never mutated; on error nothing is returned.

// OpenPositionResult is the outcome of a simulated position increase.
type OpenPositionResult struct {
	AfterTrade    model.SubAccountDetails `json:"after_trade"`
	IsTradeSafe   bool                    `json:"is_trade_safe"`
	FundingFeeUsd decimal.Decimal         `json:"funding_fee_usd"`
	FeeUsd        decimal.Decimal         `json:"fee_usd"`
}

// ClosePositionResult is the outcome of a simulated position decrease.
type ClosePositionResult struct {
	AfterTrade             model.SubAccountDetails `json:"after_trade"`
	IsTradeSafe            bool                    `json:"is_trade_safe"`
	FundingFeeUsd          decimal.Decimal         `json:"funding_fee_usd"`
	FeeUsd                 decimal.Decimal         `json:"fee_usd"`
	ProfitAssetID          uint8                   `json:"profit_asset_id"`
	ProfitAssetTransferred decimal.Decimal         `json:"profit_asset_transferred"`
	BitoroTokenTransferred decimal.Decimal         `json:"bitoro_token_transferred"`
}

// WithdrawCollateralResult is the outcome of a simulated collateral withdrawal.
type WithdrawCollateralResult struct {
	AfterTrade    model.SubAccountDetails `json:"after_trade"`
	IsTradeSafe   bool                    `json:"is_trade_safe"`
	FundingFeeUsd decimal.Decimal         `json:"funding_fee_usd"`
}

// WithdrawProfitResult is the outcome of a simulated profit withdrawal.
type WithdrawProfitResult struct {
	AfterTrade             model.SubAccountDetails `json:"after_trade"`
	IsTradeSafe            bool                    `json:"is_trade_safe"`
	FundingFeeUsd          decimal.Decimal         `json:"funding_fee_usd"`
	ProfitAssetID          uint8                   `json:"profit_asset_id"`
	ProfitAssetTransferred decimal.Decimal         `json:"profit_asset_transferred"`
	BitoroTokenTransferred decimal.Decimal         `json:"bitoro_token_transferred"`
}

// ComputeOpenPosition simulates increasing the position by amount. Fees and
// broker gas are deducted from collateral, which is allowed to go negative —
// rejecting on insufficiency is a policy decision owned by the caller, who
// should reject the trade when IsTradeSafe is false.
func ComputeOpenPosition(assets []model.Asset, subAccountID string, sub model.SubAccount, prices model.PriceDict, amount, brokerGasFee decimal.Decimal, now int64) (OpenPositionResult, error) {
	if !amount.IsPositive() {
		return OpenPositionResult{}, fmt.Errorf("%w: open amount %s must be positive", ErrInvalidArgument, amount)
	}
	if brokerGasFee.IsNegative() {
		return OpenPositionResult{}, fmt.Errorf("%w: negative broker gas fee %s", ErrInvalidArgument, brokerGasFee)
	}

	decoded, err := subaccount.Decode(subAccountID)
	if err != nil {
		return OpenPositionResult{}, err
	}
	asset, err := assetByID(assets, decoded.AssetID)
	if err != nil {
		return OpenPositionResult{}, err
	}
	if !asset.IsEnabled || !asset.IsTradable || !asset.IsOpenable {
		return OpenPositionResult{}, fmt.Errorf("%w: asset %s is not openable", ErrInvalidArgument, asset.Symbol)
	}
	if !decoded.IsLong && !asset.IsShortable {
		return OpenPositionResult{}, fmt.Errorf("%w: asset %s is not shortable", ErrInvalidArgument, asset.Symbol)
	}

	price, err := ComputeTradingPrice(assets, subAccountID, prices, true)
	if err != nil {
		return OpenPositionResult{}, err
	}

	after := sub

	// Funding for the prior interval is charged with the old snapshot, then
	// the snapshot advances. Ordering is load-bearing.
	fundingFeeUsd := computeFundingFeeUsd(asset, after, decoded.IsLong, price.AssetPrice)
	feeUsd := asset.PositionFeeRate.Mul(amount).Mul(price.AssetPrice).Add(fundingFeeUsd)
	updateEntryFunding(asset, &after, decoded.IsLong)

	// Realized pnl of the existing position decides the entry-price rule.
	_, pnlUsd := computePositionPnlUsd(asset, after, decoded.IsLong, after.Size, price.AssetPrice, now)

	after.Collateral = after.Collateral.Sub(feeUsd.Div(price.CollateralPrice)).Sub(brokerGasFee)

	newSize := after.Size.Add(amount)
	if pnlUsd.IsZero() {
		after.EntryPrice = price.AssetPrice
	} else {
		after.EntryPrice = after.EntryPrice.Mul(after.Size).Add(price.AssetPrice.Mul(amount)).Div(newSize)
	}
	after.Size = newSize
	after.LastIncreasedTime = now

	details, err := ComputeSubAccount(assets, subAccountID, after, price.CollateralPrice, price.AssetPrice, now)
	if err != nil {
		return OpenPositionResult{}, err
	}

	return OpenPositionResult{
		AfterTrade:    details,
		IsTradeSafe:   details.Computed.IsIMSafe,
		FundingFeeUsd: fundingFeeUsd,
		FeeUsd:        feeUsd,
	}, nil
}

// ComputeClosePosition simulates decreasing the position by amount. Realized
// profit routes through profit settlement with fees deducted first; realized
// loss is clamped to available collateral (no bankruptcy abort on close).
// Closing need only remain solvent, so IsTradeSafe follows IsMarginSafe
// rather than the stricter initial-margin check.
func ComputeClosePosition(assets []model.Asset, subAccountID string, profitAssetID uint8, sub model.SubAccount, prices model.PriceDict, amount, brokerGasFee decimal.Decimal, now int64) (ClosePositionResult, error) {
	if !amount.IsPositive() || amount.GreaterThan(sub.Size) {
		return ClosePositionResult{}, fmt.Errorf("%w: close amount %s out of range (position size %s)", ErrInvalidArgument, amount, sub.Size)
	}
	if brokerGasFee.IsNegative() {
		return ClosePositionResult{}, fmt.Errorf("%w: negative broker gas fee %s", ErrInvalidArgument, brokerGasFee)
	}

	decoded, err := subaccount.Decode(subAccountID)
	if err != nil {
		return ClosePositionResult{}, err
	}
	asset, err := assetByID(assets, decoded.AssetID)
	if err != nil {
		return ClosePositionResult{}, err
	}
	if !asset.IsEnabled || !asset.IsTradable {
		return ClosePositionResult{}, fmt.Errorf("%w: asset %s is not tradable", ErrInvalidArgument, asset.Symbol)
	}
	if !decoded.IsLong && !asset.IsShortable {
		return ClosePositionResult{}, fmt.Errorf("%w: asset %s is not shortable", ErrInvalidArgument, asset.Symbol)
	}

	price, err := ComputeTradingPrice(assets, subAccountID, prices, false)
	if err != nil {
		return ClosePositionResult{}, err
	}
	profitAsset, profitAssetPrice, err := resolveProfitAsset(assets, asset, decoded, profitAssetID, prices, price.AssetPrice)
	if err != nil {
		return ClosePositionResult{}, err
	}

	after := sub

	fundingFeeUsd := computeFundingFeeUsd(asset, after, decoded.IsLong, price.AssetPrice)
	totalFeeUsd := asset.PositionFeeRate.Mul(amount).Mul(price.AssetPrice).Add(fundingFeeUsd)
	updateEntryFunding(asset, &after, decoded.IsLong)

	_, pnlUsd := computePositionPnlUsd(asset, after, decoded.IsLong, amount, price.AssetPrice, now)

	result := ClosePositionResult{
		FundingFeeUsd: fundingFeeUsd,
		FeeUsd:        totalFeeUsd,
		ProfitAssetID: profitAsset.ID,
	}

	paidFeeUsd := decimal.Zero
	if pnlUsd.IsPositive() {
		realized := ComputeRealizeProfit(pnlUsd, totalFeeUsd, profitAsset, profitAssetPrice)
		paidFeeUsd = realized.DeductUsd
		result.ProfitAssetTransferred = realized.ProfitAssetTransferred
		result.BitoroTokenTransferred = realized.BitoroTokenTransferred
	} else if pnlUsd.IsNegative() {
		// Bankruptcy check suppressed: the deduction clamps instead of
		// aborting.
		if err := ComputeRealizeLoss(&after, price.CollateralPrice, pnlUsd.Neg(), false); err != nil {
			return ClosePositionResult{}, err
		}
	}

	after.Size = after.Size.Sub(amount)
	if after.Size.IsZero() {
		after.EntryPrice = decimal.Zero
		after.EntryFunding = decimal.Zero
		after.LastIncreasedTime = 0
	}

	// Gas is paid first; whatever collateral remains pays the fee shortfall.
	// Collateral never goes negative on close.
	after.Collateral = decimal.Max(decimal.Zero, after.Collateral.Sub(brokerGasFee))
	if shortfallUsd := totalFeeUsd.Sub(paidFeeUsd); shortfallUsd.IsPositive() {
		feeCollateral := decimal.Min(shortfallUsd.Div(price.CollateralPrice), after.Collateral)
		after.Collateral = after.Collateral.Sub(feeCollateral)
	}

	details, err := ComputeSubAccount(assets, subAccountID, after, price.CollateralPrice, price.AssetPrice, now)
	if err != nil {
		return ClosePositionResult{}, err
	}
	result.AfterTrade = details
	result.IsTradeSafe = details.Computed.IsMarginSafe
	return result, nil
}

// ComputeWithdrawCollateral simulates withdrawing collateral. Funding owed
// is settled from collateral first; the funding snapshot advances only while
// a position remains open.
func ComputeWithdrawCollateral(assets []model.Asset, subAccountID string, sub model.SubAccount, prices model.PriceDict, amount decimal.Decimal, now int64) (WithdrawCollateralResult, error) {
	if !amount.IsPositive() {
		return WithdrawCollateralResult{}, fmt.Errorf("%w: withdraw amount %s must be positive", ErrInvalidArgument, amount)
	}

	decoded, err := subaccount.Decode(subAccountID)
	if err != nil {
		return WithdrawCollateralResult{}, err
	}
	asset, err := assetByID(assets, decoded.AssetID)
	if err != nil {
		return WithdrawCollateralResult{}, err
	}
	collateralAsset, err := assetByID(assets, decoded.CollateralID)
	if err != nil {
		return WithdrawCollateralResult{}, err
	}
	if !asset.IsEnabled || !collateralAsset.IsEnabled {
		return WithdrawCollateralResult{}, fmt.Errorf("%w: asset is disabled", ErrInvalidArgument)
	}

	price, err := ComputeTradingPrice(assets, subAccountID, prices, false)
	if err != nil {
		return WithdrawCollateralResult{}, err
	}

	after := sub

	fundingFeeUsd := computeFundingFeeUsd(asset, after, decoded.IsLong, price.AssetPrice)
	after.Collateral = after.Collateral.Sub(fundingFeeUsd.Div(price.CollateralPrice))
	if !after.Size.IsZero() {
		updateEntryFunding(asset, &after, decoded.IsLong)
	}

	after.Collateral = after.Collateral.Sub(amount)

	details, err := ComputeSubAccount(assets, subAccountID, after, price.CollateralPrice, price.AssetPrice, now)
	if err != nil {
		return WithdrawCollateralResult{}, err
	}

	return WithdrawCollateralResult{
		AfterTrade:    details,
		IsTradeSafe:   details.Computed.IsIMSafe,
		FundingFeeUsd: fundingFeeUsd,
	}, nil
}

// ComputeWithdrawProfit simulates withdrawing realized profit without closing
// the position. The withdrawal plus owed funding must fit inside the realized
// pnl available at the full position size; the entry price then shifts to
// reflect the profit taken without changing economic exposure.
func ComputeWithdrawProfit(assets []model.Asset, subAccountID string, profitAssetID uint8, sub model.SubAccount, prices model.PriceDict, amount decimal.Decimal, now int64) (WithdrawProfitResult, error) {
	if !amount.IsPositive() {
		return WithdrawProfitResult{}, fmt.Errorf("%w: withdraw amount %s must be positive", ErrInvalidArgument, amount)
	}
	if sub.Size.IsZero() {
		return WithdrawProfitResult{}, fmt.Errorf("%w: no position to withdraw profit from", ErrInvalidArgument)
	}

	decoded, err := subaccount.Decode(subAccountID)
	if err != nil {
		return WithdrawProfitResult{}, err
	}
	asset, err := assetByID(assets, decoded.AssetID)
	if err != nil {
		return WithdrawProfitResult{}, err
	}
	if !asset.IsEnabled || !asset.IsTradable {
		return WithdrawProfitResult{}, fmt.Errorf("%w: asset %s is not tradable", ErrInvalidArgument, asset.Symbol)
	}

	price, err := ComputeTradingPrice(assets, subAccountID, prices, false)
	if err != nil {
		return WithdrawProfitResult{}, err
	}
	profitAsset, profitAssetPrice, err := resolveProfitAsset(assets, asset, decoded, profitAssetID, prices, price.AssetPrice)
	if err != nil {
		return WithdrawProfitResult{}, err
	}

	after := sub

	fundingFeeUsd := computeFundingFeeUsd(asset, after, decoded.IsLong, price.AssetPrice)
	deltaUsd := amount.Mul(profitAssetPrice).Add(fundingFeeUsd)

	_, pnlUsd := computePositionPnlUsd(asset, after, decoded.IsLong, after.Size, price.AssetPrice, now)
	if pnlUsd.LessThan(deltaUsd) {
		return WithdrawProfitResult{}, fmt.Errorf("%w: requested %s USD, realized pnl is %s USD",
			ErrInsufficientPnl, deltaUsd, pnlUsd)
	}

	realized := ComputeRealizeProfit(deltaUsd, fundingFeeUsd, profitAsset, profitAssetPrice)
	updateEntryFunding(asset, &after, decoded.IsLong)

	// Raising the cost basis of a long (or lowering it for a short) removes
	// exactly the extracted profit from future pnl.
	entryShift := deltaUsd.Div(after.Size)
	if decoded.IsLong {
		after.EntryPrice = after.EntryPrice.Add(entryShift)
	} else {
		after.EntryPrice = after.EntryPrice.Sub(entryShift)
	}

	details, err := ComputeSubAccount(assets, subAccountID, after, price.CollateralPrice, price.AssetPrice, now)
	if err != nil {
		return WithdrawProfitResult{}, err
	}

	return WithdrawProfitResult{
		AfterTrade:             details,
		IsTradeSafe:            details.Computed.IsIMSafe,
		FundingFeeUsd:          fundingFeeUsd,
		ProfitAssetID:          profitAsset.ID,
		ProfitAssetTransferred: realized.ProfitAssetTransferred,
		BitoroTokenTransferred: realized.BitoroTokenTransferred,
	}, nil
}

// resolveProfitAsset picks the asset profit settles in. A long settles in
// the position asset itself unless the pool forces stable profit; every
// other case requires a stable asset with a valid positive price.
func resolveProfitAsset(assets []model.Asset, asset model.Asset, decoded subaccount.Decoded, profitAssetID uint8, prices model.PriceDict, assetPrice decimal.Decimal) (model.Asset, decimal.Decimal, error) {
	if decoded.IsLong && !asset.UseStableTokenForProfit {
		return asset, assetPrice, nil
	}

	profitAsset, err := assetByID(assets, profitAssetID)
	if err != nil {
		return model.Asset{}, decimal.Zero, err
	}
	if !profitAsset.IsStable {
		return model.Asset{}, decimal.Zero, fmt.Errorf("%w: profit asset %s must be stable", ErrInvalidArgument, profitAsset.Symbol)
	}
	profitAssetPrice, err := lookupPrice(prices, profitAsset.Symbol)
	if err != nil {
		return model.Asset{}, decimal.Zero, err
	}
	return profitAsset, profitAssetPrice, nil
}
