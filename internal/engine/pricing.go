// Package engine implements the position valuation and trade-simulation core
// of the margin engine: a pure, deterministic set of arithmetic transforms
// over sub-account state. It performs no I/O and holds no state between
// calls; every function is independently reproducible from its arguments.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The current time is always an explicit parameter (unix seconds) so results
// are reproducible in tests.
package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

// TradingPrice is the pair of execution prices resolved for one sub-account.
// AssetPrice carries the directional spread; CollateralPrice does not.
type TradingPrice struct {
	AssetPrice      decimal.Decimal
	CollateralPrice decimal.Decimal
}

// ComputeTradingPrice resolves the execution prices for a trade on the given
// sub-account. Spread direction follows the side of the book the trade hits:
//
//	open  long  → ask    open  short → bid
//	close long  → bid    close short → ask
func ComputeTradingPrice(assets []model.Asset, subAccountID string, prices model.PriceDict, isOpenPosition bool) (TradingPrice, error) {
	decoded, err := subaccount.Decode(subAccountID)
	if err != nil {
		return TradingPrice{}, err
	}
	collateralAsset, err := assetByID(assets, decoded.CollateralID)
	if err != nil {
		return TradingPrice{}, err
	}
	asset, err := assetByID(assets, decoded.AssetID)
	if err != nil {
		return TradingPrice{}, err
	}

	collateralPrice, err := lookupPrice(prices, collateralAsset.Symbol)
	if err != nil {
		return TradingPrice{}, err
	}
	assetPrice, err := lookupPrice(prices, asset.Symbol)
	if err != nil {
		return TradingPrice{}, err
	}

	// Opening a long or closing a short lifts the ask; the mirror cases hit
	// the bid.
	isBid := decoded.IsLong != isOpenPosition
	assetPrice, err = ComputePriceWithSpread(asset.HalfSpread, assetPrice, isBid)
	if err != nil {
		return TradingPrice{}, err
	}

	return TradingPrice{AssetPrice: assetPrice, CollateralPrice: collateralPrice}, nil
}

// ComputeLiquidityPrice resolves the execution price for adding or removing
// pool liquidity in the given asset. Adding hits the bid, removing the ask.
func ComputeLiquidityPrice(assets []model.Asset, prices model.PriceDict, assetID uint8, isAddLiquidity bool) (decimal.Decimal, error) {
	asset, err := assetByID(assets, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := lookupPrice(prices, asset.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return ComputePriceWithSpread(asset.HalfSpread, price, isAddLiquidity)
}

// ComputePriceWithSpread applies a one-sided half-spread to an index price.
// A zero half-spread returns the price unchanged. A bid price collapsing to
// zero or below is a configuration bug (halfSpread >= 1), not user error.
func ComputePriceWithSpread(halfSpread, price decimal.Decimal, isBid bool) (decimal.Decimal, error) {
	if halfSpread.IsZero() {
		return price, nil
	}
	spread := price.Mul(halfSpread)
	if isBid {
		bid := price.Sub(spread)
		if !bid.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: half-spread %s collapses bid price %s to %s",
				ErrBrokenInvariant, halfSpread, price, bid)
		}
		return bid, nil
	}
	return price.Add(spread), nil
}

// assetByID range-checks an asset index against the configuration snapshot.
func assetByID(assets []model.Asset, id uint8) (model.Asset, error) {
	if int(id) >= len(assets) {
		return model.Asset{}, fmt.Errorf("%w: asset index %d out of range (%d assets)",
			ErrInvalidArgument, id, len(assets))
	}
	return assets[id], nil
}

// lookupPrice fetches a strictly-positive price from the price dict.
func lookupPrice(prices model.PriceDict, symbol string) (decimal.Decimal, error) {
	price, ok := prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: missing price for %s", ErrInvalidArgument, symbol)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s for %s", ErrInvalidArgument, price, symbol)
	}
	return price, nil
}
