// Package store defines the persistence interface for the margin engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Asset configuration ---

	// UpsertAsset creates or replaces an asset's configuration.
	UpsertAsset(ctx context.Context, asset *model.Asset) error

	// GetAsset retrieves one asset by its index.
	GetAsset(ctx context.Context, id uint8) (*model.Asset, error)

	// ListAssets returns all configured assets ordered by index.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// --- Pool configuration ---

	// SetLiquidityPool replaces the pool-wide configuration.
	SetLiquidityPool(ctx context.Context, pool *model.LiquidityPool) error

	// GetLiquidityPool retrieves the pool-wide configuration.
	GetLiquidityPool(ctx context.Context) (*model.LiquidityPool, error)

	// --- Sub-accounts ---

	// GetSubAccount retrieves a sub-account's raw state. An id that has
	// never been written returns a zero-value (flat, uncollateralized)
	// account, not an error.
	GetSubAccount(ctx context.Context, id string) (*model.SubAccount, error)

	// SaveSubAccount persists a sub-account's post-trade state.
	SaveSubAccount(ctx context.Context, id string, sub *model.SubAccount) error

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable record of an applied trade.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesBySubAccount returns all applied trades for one
	// sub-account in timestamp order.
	GetLedgerEntriesBySubAccount(ctx context.Context, subAccountID string) ([]model.LedgerEntry, error)

	// --- Exposure queries ---

	// GetAccountExposures returns the account's open notional
	// (size * entryPrice, USD) per position asset, across all of the
	// owner address's sub-accounts.
	GetAccountExposures(ctx context.Context, account string) (map[uint8]decimal.Decimal, error)
}
