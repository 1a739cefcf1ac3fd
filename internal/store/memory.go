package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	assets      map[uint8]*model.Asset
	pool        *model.LiquidityPool
	subAccounts map[string]*model.SubAccount
	ledger      []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[uint8]*model.Asset),
		subAccounts: make(map[string]*model.SubAccount),
	}
}

func (s *MemoryStore) UpsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *a
	s.assets[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id uint8) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %d not found", id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return assets, nil
}

func (s *MemoryStore) SetLiquidityPool(_ context.Context, p *model.LiquidityPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.pool = &copy
	return nil
}

func (s *MemoryStore) GetLiquidityPool(_ context.Context) (*model.LiquidityPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, fmt.Errorf("liquidity pool not configured")
	}
	copy := *s.pool
	return &copy, nil
}

func (s *MemoryStore) GetSubAccount(_ context.Context, id string) (*model.SubAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subAccounts[id]
	if !ok {
		// Never-written sub-accounts are flat, not missing.
		return &model.SubAccount{}, nil
	}
	copy := *sub
	return &copy, nil
}

func (s *MemoryStore) SaveSubAccount(_ context.Context, id string, sub *model.SubAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *sub
	s.subAccounts[id] = &copy
	return nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesBySubAccount(_ context.Context, subAccountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.SubAccountID == subAccountID {
			result = append(result, e)
		}
	}
	return result, nil
}

// GetAccountExposures aggregates open notional per position asset across the
// owner's sub-accounts.
func (s *MemoryStore) GetAccountExposures(_ context.Context, account string) (map[uint8]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposures := make(map[uint8]decimal.Decimal)
	for id, sub := range s.subAccounts {
		if sub.Size.IsZero() {
			continue
		}
		decoded, err := subaccount.Decode(id)
		if err != nil {
			return nil, fmt.Errorf("corrupt sub-account id %s: %w", id, err)
		}
		if decoded.Account != account {
			continue
		}
		notional := sub.Size.Mul(sub.EntryPrice)
		exposures[decoded.AssetID] = exposures[decoded.AssetID].Add(notional)
	}
	return exposures, nil
}
