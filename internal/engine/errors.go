package engine

import "errors"

var (
	// ErrInvalidArgument is returned for malformed or out-of-range caller
	// input: bad amounts, missing or non-positive prices, unknown asset
	// indices, or asset states that forbid the requested action.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// ErrInsufficientLiquidity is returned when removing more value from a
	// pool asset than it currently holds.
	ErrInsufficientLiquidity = errors.New("engine: insufficient liquidity")

	// ErrBankrupt is returned when a realized loss exceeds available
	// collateral and bankruptcy checking is enabled for the call path.
	// The attempted operation is aborted; no mutation is applied.
	ErrBankrupt = errors.New("engine: collateral cannot cover realized loss")

	// ErrBrokenInvariant signals a configuration bug upstream (for example a
	// half-spread that collapses a price to zero or below). Distinguishable
	// from ErrInvalidArgument so operators can alert on it.
	ErrBrokenInvariant = errors.New("engine: broken invariant")

	// ErrInsufficientPnl is returned when a profit withdrawal exceeds the
	// realized profit currently available.
	ErrInsufficientPnl = errors.New("engine: insufficient realized pnl")
)
