// Package model defines the core domain types shared across the margin engine.
// All monetary and ratio values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset is the static per-market configuration snapshot. Immutable within a
// single computation; the engine never mutates it.
type Asset struct {
	ID       uint8  `json:"id" db:"id"`
	Symbol   string `json:"symbol" db:"symbol"`
	IsStable bool   `json:"is_stable" db:"is_stable"`

	// Trading permissions.
	IsTradable              bool `json:"is_tradable" db:"is_tradable"`
	IsOpenable              bool `json:"is_openable" db:"is_openable"`
	IsShortable             bool `json:"is_shortable" db:"is_shortable"`
	IsEnabled               bool `json:"is_enabled" db:"is_enabled"`
	UseStableTokenForProfit bool `json:"use_stable_token_for_profit" db:"use_stable_token_for_profit"`

	// Margin and fee parameters.
	InitialMarginRate     decimal.Decimal `json:"initial_margin_rate" db:"initial_margin_rate"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate" db:"maintenance_margin_rate"`
	PositionFeeRate       decimal.Decimal `json:"position_fee_rate" db:"position_fee_rate"`

	// Minimum-profit lockup: realized profit is suppressed while the position
	// is younger than MinProfitTime and the move is below MinProfitRate.
	MinProfitTime int64           `json:"min_profit_time" db:"min_profit_time"` // seconds
	MinProfitRate decimal.Decimal `json:"min_profit_rate" db:"min_profit_rate"`

	// One-sided spread applied around the index price.
	HalfSpread decimal.Decimal `json:"half_spread" db:"half_spread"`

	// Cumulative funding indices. Long funding accrues in asset units,
	// short funding in USD.
	LongCumulativeFundingRate decimal.Decimal `json:"long_cumulative_funding_rate" db:"long_cumulative_funding_rate"`
	ShortCumulativeFunding    decimal.Decimal `json:"short_cumulative_funding" db:"short_cumulative_funding"`

	// Per-asset funding curve parameters (long side).
	LongFundingBaseRate8H  decimal.Decimal `json:"long_funding_base_rate_8h" db:"long_funding_base_rate_8h"`
	LongFundingLimitRate8H decimal.Decimal `json:"long_funding_limit_rate_8h" db:"long_funding_limit_rate_8h"`

	// Liquidity immediately available for profit settlement in this asset.
	SpotLiquidity decimal.Decimal `json:"spot_liquidity" db:"spot_liquidity"`
}

// LiquidityPool holds the pool-wide configuration shared by all assets.
type LiquidityPool struct {
	LiquidityBaseFeeRate    decimal.Decimal `json:"liquidity_base_fee_rate" db:"liquidity_base_fee_rate"`
	LiquidityDynamicFeeRate decimal.Decimal `json:"liquidity_dynamic_fee_rate" db:"liquidity_dynamic_fee_rate"`

	// Pool-level funding curve parameters (short side, stable leg).
	ShortFundingBaseRate8H  decimal.Decimal `json:"short_funding_base_rate_8h" db:"short_funding_base_rate_8h"`
	ShortFundingLimitRate8H decimal.Decimal `json:"short_funding_limit_rate_8h" db:"short_funding_limit_rate_8h"`
}

// SubAccount is the raw state of one leveraged position slot. The identity
// (collateral asset, position asset, direction) lives in the sub-account id,
// not here. When Size is zero the position is flat and EntryPrice,
// EntryFunding and LastIncreasedTime are all zero.
type SubAccount struct {
	Collateral        decimal.Decimal `json:"collateral" db:"collateral"`
	Size              decimal.Decimal `json:"size" db:"size"`
	EntryPrice        decimal.Decimal `json:"entry_price" db:"entry_price"`
	EntryFunding      decimal.Decimal `json:"entry_funding" db:"entry_funding"`
	LastIncreasedTime int64           `json:"last_increased_time" db:"last_increased_time"` // unix seconds, 0 if flat
}

// IsEmpty reports whether the sub-account holds no position.
func (s SubAccount) IsEmpty() bool {
	return s.Size.IsZero()
}

// SubAccountComputed is the derived risk snapshot for one sub-account at a
// given pair of prices.
type SubAccountComputed struct {
	PositionValueUsd          decimal.Decimal `json:"position_value_usd"`
	FundingFeeUsd             decimal.Decimal `json:"funding_fee_usd"`
	PendingPnlUsd             decimal.Decimal `json:"pending_pnl_usd"`
	PendingPnlAfterFundingUsd decimal.Decimal `json:"pending_pnl_after_funding_usd"`
	PnlUsd                    decimal.Decimal `json:"pnl_usd"`
	PnlAfterFundingUsd        decimal.Decimal `json:"pnl_after_funding_usd"`
	MarginBalanceUsd          decimal.Decimal `json:"margin_balance_usd"`
	IsIMSafe                  bool            `json:"is_im_safe"`
	IsMMSafe                  bool            `json:"is_mm_safe"`
	IsMarginSafe              bool            `json:"is_margin_safe"`
	Leverage                  decimal.Decimal `json:"leverage"`
	EffectiveLeverage         decimal.Decimal `json:"effective_leverage"`
	PendingRoe                decimal.Decimal `json:"pending_roe"`
	LiquidationPrice          decimal.Decimal `json:"liquidation_price"`
	WithdrawableCollateral    decimal.Decimal `json:"withdrawable_collateral"`
	WithdrawableProfit        decimal.Decimal `json:"withdrawable_profit"`
}

// SubAccountDetails pairs raw sub-account state with its derived metrics.
type SubAccountDetails struct {
	SubAccount SubAccount         `json:"sub_account"`
	Computed   SubAccountComputed `json:"computed"`
}

// PriceDict maps asset symbol to current index price. Supplied by the
// caller's price source; read-only per call.
type PriceDict map[string]decimal.Decimal

// LedgerEntry is an immutable record of an applied trade simulation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID              string          `json:"id" db:"id"`
	SubAccountID    string          `json:"sub_account_id" db:"sub_account_id"`
	Action          string          `json:"action" db:"action"` // "open", "close", "withdraw_collateral", "withdraw_profit"
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	AssetPrice      decimal.Decimal `json:"asset_price" db:"asset_price"`
	CollateralPrice decimal.Decimal `json:"collateral_price" db:"collateral_price"`
	FeeUsd          decimal.Decimal `json:"fee_usd" db:"fee_usd"`
	IsTradeSafe     bool            `json:"is_trade_safe" db:"is_trade_safe"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}
