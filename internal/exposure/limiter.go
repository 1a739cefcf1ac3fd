// Package exposure enforces open-notional limits across an account's
// sub-accounts.
//
// A single owner address can hold one sub-account per (collateral, asset,
// direction) triple. Caps apply at two levels: the absolute open notional in
// any single position asset, and the aggregate notional across all of the
// account's positions. Both are checked before an open simulation is
// committed.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrAssetLimitExceeded is returned when a trade would push the open
	// notional in one position asset beyond the per-asset maximum.
	ErrAssetLimitExceeded = errors.New("exposure: per-asset notional limit exceeded")

	// ErrTotalLimitExceeded is returned when a trade would push the
	// account's aggregate open notional beyond the total maximum.
	ErrTotalLimitExceeded = errors.New("exposure: total notional limit exceeded")
)

// Limiter enforces per-asset and account-wide open-notional caps, in USD.
type Limiter struct {
	// MaxPerAssetUsd is the maximum open notional in any single position
	// asset for one account.
	MaxPerAssetUsd decimal.Decimal

	// MaxTotalUsd is the maximum aggregate open notional across all of an
	// account's positions.
	MaxTotalUsd decimal.Decimal
}

// NewLimiter creates a limiter with the given per-asset and total caps.
func NewLimiter(maxPerAssetUsd, maxTotalUsd decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerAssetUsd: maxPerAssetUsd,
		MaxTotalUsd:    maxTotalUsd,
	}
}

// CheckLimit validates whether adding notionalDeltaUsd of exposure in
// assetID respects the caps, given the account's current per-asset open
// notional. Exposure at exactly the cap is allowed.
func (l *Limiter) CheckLimit(assetID uint8, notionalDeltaUsd decimal.Decimal, existing map[uint8]decimal.Decimal) error {
	newInAsset := existing[assetID].Add(notionalDeltaUsd)
	if newInAsset.GreaterThan(l.MaxPerAssetUsd) {
		return ErrAssetLimitExceeded
	}

	total := newInAsset
	for id, notional := range existing {
		if id == assetID {
			continue
		}
		total = total.Add(notional)
	}
	if total.GreaterThan(l.MaxTotalUsd) {
		return ErrTotalLimitExceeded
	}
	return nil
}
