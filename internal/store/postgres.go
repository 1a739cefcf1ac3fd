package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Sub-account rows carry the decoded id components so exposure aggregation
// runs in SQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, symbol, is_stable, is_tradable, is_openable, is_shortable, is_enabled,
		                     use_stable_token_for_profit,
		                     initial_margin_rate, maintenance_margin_rate, position_fee_rate,
		                     min_profit_time, min_profit_rate, half_spread,
		                     long_cumulative_funding_rate, short_cumulative_funding,
		                     long_funding_base_rate_8h, long_funding_limit_rate_8h, spot_liquidity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13::NUMERIC, $14::NUMERIC,
		         $15::NUMERIC, $16::NUMERIC,
		         $17::NUMERIC, $18::NUMERIC, $19::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		         symbol = EXCLUDED.symbol, is_stable = EXCLUDED.is_stable,
		         is_tradable = EXCLUDED.is_tradable, is_openable = EXCLUDED.is_openable,
		         is_shortable = EXCLUDED.is_shortable, is_enabled = EXCLUDED.is_enabled,
		         use_stable_token_for_profit = EXCLUDED.use_stable_token_for_profit,
		         initial_margin_rate = EXCLUDED.initial_margin_rate,
		         maintenance_margin_rate = EXCLUDED.maintenance_margin_rate,
		         position_fee_rate = EXCLUDED.position_fee_rate,
		         min_profit_time = EXCLUDED.min_profit_time,
		         min_profit_rate = EXCLUDED.min_profit_rate,
		         half_spread = EXCLUDED.half_spread,
		         long_cumulative_funding_rate = EXCLUDED.long_cumulative_funding_rate,
		         short_cumulative_funding = EXCLUDED.short_cumulative_funding,
		         long_funding_base_rate_8h = EXCLUDED.long_funding_base_rate_8h,
		         long_funding_limit_rate_8h = EXCLUDED.long_funding_limit_rate_8h,
		         spot_liquidity = EXCLUDED.spot_liquidity`,
		int16(a.ID), a.Symbol, a.IsStable, a.IsTradable, a.IsOpenable, a.IsShortable, a.IsEnabled,
		a.UseStableTokenForProfit,
		a.InitialMarginRate.String(), a.MaintenanceMarginRate.String(), a.PositionFeeRate.String(),
		a.MinProfitTime, a.MinProfitRate.String(), a.HalfSpread.String(),
		a.LongCumulativeFundingRate.String(), a.ShortCumulativeFunding.String(),
		a.LongFundingBaseRate8H.String(), a.LongFundingLimitRate8H.String(), a.SpotLiquidity.String(),
	)
	return err
}

const assetColumns = `id, symbol, is_stable, is_tradable, is_openable, is_shortable, is_enabled,
       use_stable_token_for_profit,
       initial_margin_rate::TEXT, maintenance_margin_rate::TEXT, position_fee_rate::TEXT,
       min_profit_time, min_profit_rate::TEXT, half_spread::TEXT,
       long_cumulative_funding_rate::TEXT, short_cumulative_funding::TEXT,
       long_funding_base_rate_8h::TEXT, long_funding_limit_rate_8h::TEXT, spot_liquidity::TEXT`

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	var id int16
	var imr, mmr, posFee, minProfitRate, halfSpread string
	var longCum, shortCum, longBase, longLimit, spot string

	err := row.Scan(&id, &a.Symbol, &a.IsStable, &a.IsTradable, &a.IsOpenable, &a.IsShortable, &a.IsEnabled,
		&a.UseStableTokenForProfit,
		&imr, &mmr, &posFee,
		&a.MinProfitTime, &minProfitRate, &halfSpread,
		&longCum, &shortCum,
		&longBase, &longLimit, &spot)
	if err != nil {
		return nil, err
	}

	a.ID = uint8(id)
	a.InitialMarginRate, _ = decimal.NewFromString(imr)
	a.MaintenanceMarginRate, _ = decimal.NewFromString(mmr)
	a.PositionFeeRate, _ = decimal.NewFromString(posFee)
	a.MinProfitRate, _ = decimal.NewFromString(minProfitRate)
	a.HalfSpread, _ = decimal.NewFromString(halfSpread)
	a.LongCumulativeFundingRate, _ = decimal.NewFromString(longCum)
	a.ShortCumulativeFunding, _ = decimal.NewFromString(shortCum)
	a.LongFundingBaseRate8H, _ = decimal.NewFromString(longBase)
	a.LongFundingLimitRate8H, _ = decimal.NewFromString(longLimit)
	a.SpotLiquidity, _ = decimal.NewFromString(spot)
	return &a, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id uint8) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`, int16(id)))
	if err != nil {
		return nil, fmt.Errorf("get asset %d: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assetColumns+` FROM assets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) SetLiquidityPool(ctx context.Context, p *model.LiquidityPool) error {
	// Single-row table; id is fixed.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO liquidity_pool (id, liquidity_base_fee_rate, liquidity_dynamic_fee_rate,
		                             short_funding_base_rate_8h, short_funding_limit_rate_8h)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		         liquidity_base_fee_rate = EXCLUDED.liquidity_base_fee_rate,
		         liquidity_dynamic_fee_rate = EXCLUDED.liquidity_dynamic_fee_rate,
		         short_funding_base_rate_8h = EXCLUDED.short_funding_base_rate_8h,
		         short_funding_limit_rate_8h = EXCLUDED.short_funding_limit_rate_8h`,
		p.LiquidityBaseFeeRate.String(), p.LiquidityDynamicFeeRate.String(),
		p.ShortFundingBaseRate8H.String(), p.ShortFundingLimitRate8H.String(),
	)
	return err
}

func (s *PostgresStore) GetLiquidityPool(ctx context.Context) (*model.LiquidityPool, error) {
	var p model.LiquidityPool
	var baseFee, dynFee, shortBase, shortLimit string

	err := s.pool.QueryRow(ctx,
		`SELECT liquidity_base_fee_rate::TEXT, liquidity_dynamic_fee_rate::TEXT,
		        short_funding_base_rate_8h::TEXT, short_funding_limit_rate_8h::TEXT
		 FROM liquidity_pool WHERE id = 1`).
		Scan(&baseFee, &dynFee, &shortBase, &shortLimit)
	if err != nil {
		return nil, fmt.Errorf("get liquidity pool: %w", err)
	}

	p.LiquidityBaseFeeRate, _ = decimal.NewFromString(baseFee)
	p.LiquidityDynamicFeeRate, _ = decimal.NewFromString(dynFee)
	p.ShortFundingBaseRate8H, _ = decimal.NewFromString(shortBase)
	p.ShortFundingLimitRate8H, _ = decimal.NewFromString(shortLimit)
	return &p, nil
}

func (s *PostgresStore) GetSubAccount(ctx context.Context, id string) (*model.SubAccount, error) {
	var sub model.SubAccount
	var collateral, size, entryPrice, entryFunding string

	err := s.pool.QueryRow(ctx,
		`SELECT collateral::TEXT, size::TEXT, entry_price::TEXT, entry_funding::TEXT, last_increased_time
		 FROM sub_accounts WHERE id = $1`, id).
		Scan(&collateral, &size, &entryPrice, &entryFunding, &sub.LastIncreasedTime)
	if errors.Is(err, pgx.ErrNoRows) {
		// Never-written sub-accounts are flat, not missing.
		return &model.SubAccount{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sub-account %s: %w", id, err)
	}

	sub.Collateral, _ = decimal.NewFromString(collateral)
	sub.Size, _ = decimal.NewFromString(size)
	sub.EntryPrice, _ = decimal.NewFromString(entryPrice)
	sub.EntryFunding, _ = decimal.NewFromString(entryFunding)
	return &sub, nil
}

func (s *PostgresStore) SaveSubAccount(ctx context.Context, id string, sub *model.SubAccount) error {
	decoded, err := subaccount.Decode(id)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sub_accounts (id, account, collateral_id, asset_id, is_long,
		                           collateral, size, entry_price, entry_funding, last_increased_time)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (id) DO UPDATE SET
		         collateral = EXCLUDED.collateral, size = EXCLUDED.size,
		         entry_price = EXCLUDED.entry_price, entry_funding = EXCLUDED.entry_funding,
		         last_increased_time = EXCLUDED.last_increased_time`,
		id, decoded.Account, int16(decoded.CollateralID), int16(decoded.AssetID), decoded.IsLong,
		sub.Collateral.String(), sub.Size.String(), sub.EntryPrice.String(), sub.EntryFunding.String(),
		sub.LastIncreasedTime,
	)
	return err
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, sub_account_id, action, amount, asset_price, collateral_price, fee_usd, is_trade_safe, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		e.ID, e.SubAccountID, e.Action,
		e.Amount.String(), e.AssetPrice.String(), e.CollateralPrice.String(), e.FeeUsd.String(),
		e.IsTradeSafe, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntriesBySubAccount(ctx context.Context, subAccountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sub_account_id, action,
		        amount::TEXT, asset_price::TEXT, collateral_price::TEXT, fee_usd::TEXT,
		        is_trade_safe, timestamp
		 FROM ledger_entries WHERE sub_account_id = $1 ORDER BY timestamp`, subAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, assetPrice, collateralPrice, feeUsd string

		if err := rows.Scan(&e.ID, &e.SubAccountID, &e.Action,
			&amount, &assetPrice, &collateralPrice, &feeUsd,
			&e.IsTradeSafe, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Amount, _ = decimal.NewFromString(amount)
		e.AssetPrice, _ = decimal.NewFromString(assetPrice)
		e.CollateralPrice, _ = decimal.NewFromString(collateralPrice)
		e.FeeUsd, _ = decimal.NewFromString(feeUsd)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetAccountExposures(ctx context.Context, account string) (map[uint8]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id,
		        COALESCE(SUM(size * entry_price), 0)::TEXT AS notional
		 FROM sub_accounts
		 WHERE account = $1 AND size > 0
		 GROUP BY asset_id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[uint8]decimal.Decimal)
	for rows.Next() {
		var assetID int16
		var notionalStr string
		if err := rows.Scan(&assetID, &notionalStr); err != nil {
			return nil, err
		}
		notional, _ := decimal.NewFromString(notionalStr)
		exposures[uint8(assetID)] = notional
	}
	return exposures, rows.Err()
}
