package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.UpsertAsset(ctx, a); err != nil {
		return err
	}
	s.cacheAsset(ctx, a)
	// The full list is stale now.
	s.rdb.Del(ctx, assetListKey)
	return nil
}

func (s *CachedStore) SetLiquidityPool(ctx context.Context, p *model.LiquidityPool) error {
	if err := s.primary.SetLiquidityPool(ctx, p); err != nil {
		return err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey, data, s.ttl)
	}
	return nil
}

func (s *CachedStore) SaveSubAccount(ctx context.Context, id string, sub *model.SubAccount) error {
	if err := s.primary.SaveSubAccount(ctx, id, sub); err != nil {
		return err
	}
	// Invalidate; next read re-populates. Exposures are not cached.
	s.rdb.Del(ctx, subAccountKey(id))
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, entry)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, id uint8) (*model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetKey(id)).Bytes()
	if err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAsset(ctx, a)
	return a, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetListKey).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, assetListKey, data, s.ttl)
	}
	return assets, nil
}

func (s *CachedStore) GetLiquidityPool(ctx context.Context) (*model.LiquidityPool, error) {
	data, err := s.rdb.Get(ctx, poolKey).Bytes()
	if err == nil {
		var p model.LiquidityPool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetLiquidityPool(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey, data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetSubAccount(ctx context.Context, id string) (*model.SubAccount, error) {
	data, err := s.rdb.Get(ctx, subAccountKey(id)).Bytes()
	if err == nil {
		var sub model.SubAccount
		if json.Unmarshal(data, &sub) == nil {
			return &sub, nil
		}
	}

	sub, err := s.primary.GetSubAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(sub); err == nil {
		s.rdb.Set(ctx, subAccountKey(id), data, s.ttl)
	}
	return sub, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetLedgerEntriesBySubAccount(ctx context.Context, subAccountID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesBySubAccount(ctx, subAccountID)
}

func (s *CachedStore) GetAccountExposures(ctx context.Context, account string) (map[uint8]decimal.Decimal, error) {
	// Always fresh: exposure checks gate trades.
	return s.primary.GetAccountExposures(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAsset(ctx context.Context, a *model.Asset) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, assetKey(a.ID), data, s.ttl)
	}
}

const (
	assetListKey = "assets:all"
	poolKey      = "pool:config"
)

func assetKey(id uint8) string       { return fmt.Sprintf("asset:%d", id) }
func subAccountKey(id string) string { return fmt.Sprintf("subaccount:%s", id) }
