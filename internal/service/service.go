// Package service provides the HTTP handlers for configuring assets and the
// liquidity pool, valuing sub-accounts, and simulating or applying trades.
//
// Prices always arrive in the request body: the engine never fetches prices
// itself, so callers decide the price source and results stay reproducible.
// All monetary values use shopspring/decimal — never float64 for money.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/engine"
	"github.com/bitoro/margin-engine/internal/exposure"
	"github.com/bitoro/margin-engine/internal/metrics"
	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/store"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

// Service handles margin-engine operations. Uses a mutex for serialized
// trade commits (single-instance). For horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
type Service struct {
	store   store.Store
	limiter *exposure.Limiter
	now     func() int64 // unix seconds; injectable for tests
	mu      sync.Mutex
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new margin service. Pass nil for hub if WebSocket
// broadcasting is not needed, and nil for now to use the wall clock.
func NewService(st store.Store, limiter *exposure.Limiter, hub *WSHub, now func() int64) *Service {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Service{
		store:   st,
		limiter: limiter,
		now:     now,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// ValuationRequest is the JSON body for POST /valuation.
type ValuationRequest struct {
	SubAccountID string          `json:"sub_account_id"`
	Prices       model.PriceDict `json:"prices"`
}

// OpenRequest is the JSON body for POST /simulate/open.
type OpenRequest struct {
	SubAccountID string          `json:"sub_account_id"`
	Prices       model.PriceDict `json:"prices"`
	Amount       decimal.Decimal `json:"amount"`
	BrokerGasFee decimal.Decimal `json:"broker_gas_fee"`
	Commit       bool            `json:"commit"` // persist the post-trade state if safe
}

// CloseRequest is the JSON body for POST /simulate/close.
type CloseRequest struct {
	SubAccountID  string          `json:"sub_account_id"`
	ProfitAssetID uint8           `json:"profit_asset_id"`
	Prices        model.PriceDict `json:"prices"`
	Amount        decimal.Decimal `json:"amount"`
	BrokerGasFee  decimal.Decimal `json:"broker_gas_fee"`
	Commit        bool            `json:"commit"`
}

// WithdrawCollateralRequest is the JSON body for POST /simulate/withdraw-collateral.
type WithdrawCollateralRequest struct {
	SubAccountID string          `json:"sub_account_id"`
	Prices       model.PriceDict `json:"prices"`
	Amount       decimal.Decimal `json:"amount"`
	Commit       bool            `json:"commit"`
}

// WithdrawProfitRequest is the JSON body for POST /simulate/withdraw-profit.
type WithdrawProfitRequest struct {
	SubAccountID  string          `json:"sub_account_id"`
	ProfitAssetID uint8           `json:"profit_asset_id"`
	Prices        model.PriceDict `json:"prices"`
	Amount        decimal.Decimal `json:"amount"`
	Commit        bool            `json:"commit"`
}

// FundingRateRequest is the JSON body for POST /funding-rate.
type FundingRateRequest struct {
	AssetID             uint8           `json:"asset_id"`
	StableUtilization   decimal.Decimal `json:"stable_utilization"`
	UnstableUtilization decimal.Decimal `json:"unstable_utilization"`
}

// LiquidityFeeRequest is the JSON body for POST /liquidity-fee.
type LiquidityFeeRequest struct {
	CurrentAssetValue decimal.Decimal `json:"current_asset_value"`
	TargetAssetValue  decimal.Decimal `json:"target_asset_value"`
	IsAdd             bool            `json:"is_add"`
	DeltaValue        decimal.Decimal `json:"delta_value"`
}

// LiquidityFeeResponse is the JSON body returned from POST /liquidity-fee.
type LiquidityFeeResponse struct {
	FeeRate decimal.Decimal `json:"fee_rate"`
}

// SubAccountResponse pairs the decoded id with the raw stored state.
type SubAccountResponse struct {
	SubAccountID string             `json:"sub_account_id"`
	Decoded      subaccount.Decoded `json:"decoded"`
	SubAccount   model.SubAccount   `json:"sub_account"`
}

// --- Configuration handlers ---

// UpsertAsset handles POST /api/v1/assets.
func (s *Service) UpsertAsset(w http.ResponseWriter, r *http.Request) {
	var asset model.Asset
	if err := json.NewDecoder(r.Body).Decode(&asset); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if asset.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	if err := s.store.UpsertAsset(r.Context(), &asset); err != nil {
		writeError(w, "failed to save asset", http.StatusInternalServerError)
		return
	}

	slog.Info("asset configured", "id", asset.ID, "symbol", asset.Symbol, "enabled", asset.IsEnabled)

	writeJSON(w, http.StatusOK, asset)
}

// ListAssets handles GET /api/v1/assets.
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.ListAssets(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// SetLiquidityPool handles PUT /api/v1/pool.
func (s *Service) SetLiquidityPool(w http.ResponseWriter, r *http.Request) {
	var pool model.LiquidityPool
	if err := json.NewDecoder(r.Body).Decode(&pool); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.SetLiquidityPool(r.Context(), &pool); err != nil {
		writeError(w, "failed to save pool config", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// GetLiquidityPool handles GET /api/v1/pool.
func (s *Service) GetLiquidityPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.store.GetLiquidityPool(r.Context())
	if err != nil {
		writeError(w, "liquidity pool not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// --- Sub-account handlers ---

// GetSubAccount handles GET /api/v1/sub-accounts/{subAccountID}.
func (s *Service) GetSubAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subAccountID")
	decoded, err := subaccount.Decode(id)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := s.store.GetSubAccount(r.Context(), id)
	if err != nil {
		writeError(w, "failed to load sub-account", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, SubAccountResponse{
		SubAccountID: id,
		Decoded:      decoded,
		SubAccount:   *sub,
	})
}

// GetSubAccountHistory handles GET /api/v1/sub-accounts/{subAccountID}/history.
func (s *Service) GetSubAccountHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "subAccountID")
	if _, err := subaccount.Decode(id); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.store.GetLedgerEntriesBySubAccount(r.Context(), id)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Valuation handles POST /api/v1/valuation.
// Values the stored sub-account at the supplied prices, marked at the
// close-direction trading price.
func (s *Service) Valuation(w http.ResponseWriter, r *http.Request) {
	var req ValuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	assets, err := s.loadAssets(ctx)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sub, err := s.store.GetSubAccount(ctx, req.SubAccountID)
	if err != nil {
		writeError(w, "failed to load sub-account", http.StatusInternalServerError)
		return
	}

	price, err := engine.ComputeTradingPrice(assets, req.SubAccountID, req.Prices, false)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	details, err := engine.ComputeSubAccount(assets, req.SubAccountID, *sub, price.CollateralPrice, price.AssetPrice, s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	metrics.ValuationsTotal.Inc()
	writeJSON(w, http.StatusOK, details)
}

// --- Simulation handlers ---

// SimulateOpen handles POST /api/v1/simulate/open.
// With commit set, a safe result is persisted: exposure limits are checked,
// the post-trade account saved, and a ledger entry appended.
func (s *Service) SimulateOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	defer func() {
		metrics.SimulationsTotal.WithLabelValues("open").Inc()
		metrics.SimulationLatency.WithLabelValues("open").Observe(time.Since(start).Seconds())
	}()

	ctx := r.Context()

	// Serialize state-changing simulations.
	s.mu.Lock()
	defer s.mu.Unlock()

	assets, err := s.loadAssets(ctx)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sub, err := s.store.GetSubAccount(ctx, req.SubAccountID)
	if err != nil {
		writeError(w, "failed to load sub-account", http.StatusInternalServerError)
		return
	}

	res, err := engine.ComputeOpenPosition(assets, req.SubAccountID, *sub, req.Prices, req.Amount, req.BrokerGasFee, s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !res.IsTradeSafe {
		metrics.UnsafeTradesTotal.WithLabelValues("open").Inc()
	}

	if req.Commit {
		if !res.IsTradeSafe {
			writeError(w, "trade would leave the account below initial margin", http.StatusConflict)
			return
		}

		decoded, err := subaccount.Decode(req.SubAccountID)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		exposures, err := s.store.GetAccountExposures(ctx, decoded.Account)
		if err != nil {
			writeError(w, "failed to check exposure limits", http.StatusInternalServerError)
			return
		}
		entryPrice := res.AfterTrade.SubAccount.EntryPrice
		if err := s.limiter.CheckLimit(decoded.AssetID, req.Amount.Mul(entryPrice), exposures); err != nil {
			metrics.ExposureLimitRejections.Inc()
			writeError(w, err.Error(), http.StatusConflict)
			return
		}

		execPrice, err := engine.ComputeTradingPrice(assets, req.SubAccountID, req.Prices, true)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := s.commit(ctx, req.SubAccountID, "open", req.Amount, res.FeeUsd, res.IsTradeSafe, execPrice, &res.AfterTrade); err != nil {
			writeError(w, "failed to persist trade", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// SimulateClose handles POST /api/v1/simulate/close.
func (s *Service) SimulateClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	defer func() {
		metrics.SimulationsTotal.WithLabelValues("close").Inc()
		metrics.SimulationLatency.WithLabelValues("close").Observe(time.Since(start).Seconds())
	}()

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	assets, err := s.loadAssets(ctx)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sub, err := s.store.GetSubAccount(ctx, req.SubAccountID)
	if err != nil {
		writeError(w, "failed to load sub-account", http.StatusInternalServerError)
		return
	}

	res, err := engine.ComputeClosePosition(assets, req.SubAccountID, req.ProfitAssetID, *sub, req.Prices, req.Amount, req.BrokerGasFee, s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !res.IsTradeSafe {
		metrics.UnsafeTradesTotal.WithLabelValues("close").Inc()
	}

	if req.Commit {
		if !res.IsTradeSafe {
			writeError(w, "trade would leave the account margin-unsafe", http.StatusConflict)
			return
		}
		execPrice, err := engine.ComputeTradingPrice(assets, req.SubAccountID, req.Prices, false)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := s.commit(ctx, req.SubAccountID, "close", req.Amount, res.FeeUsd, res.IsTradeSafe, execPrice, &res.AfterTrade); err != nil {
			writeError(w, "failed to persist trade", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// SimulateWithdrawCollateral handles POST /api/v1/simulate/withdraw-collateral.
func (s *Service) SimulateWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req WithdrawCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	defer func() {
		metrics.SimulationsTotal.WithLabelValues("withdraw_collateral").Inc()
		metrics.SimulationLatency.WithLabelValues("withdraw_collateral").Observe(time.Since(start).Seconds())
	}()

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	assets, err := s.loadAssets(ctx)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sub, err := s.store.GetSubAccount(ctx, req.SubAccountID)
	if err != nil {
		writeError(w, "failed to load sub-account", http.StatusInternalServerError)
		return
	}

	res, err := engine.ComputeWithdrawCollateral(assets, req.SubAccountID, *sub, req.Prices, req.Amount, s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !res.IsTradeSafe {
		metrics.UnsafeTradesTotal.WithLabelValues("withdraw_collateral").Inc()
	}

	if req.Commit {
		if !res.IsTradeSafe {
			writeError(w, "withdrawal would leave the account below initial margin", http.StatusConflict)
			return
		}
		execPrice, err := engine.ComputeTradingPrice(assets, req.SubAccountID, req.Prices, false)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := s.commit(ctx, req.SubAccountID, "withdraw_collateral", req.Amount, res.FundingFeeUsd, res.IsTradeSafe, execPrice, &res.AfterTrade); err != nil {
			writeError(w, "failed to persist withdrawal", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// SimulateWithdrawProfit handles POST /api/v1/simulate/withdraw-profit.
func (s *Service) SimulateWithdrawProfit(w http.ResponseWriter, r *http.Request) {
	var req WithdrawProfitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	defer func() {
		metrics.SimulationsTotal.WithLabelValues("withdraw_profit").Inc()
		metrics.SimulationLatency.WithLabelValues("withdraw_profit").Observe(time.Since(start).Seconds())
	}()

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	assets, err := s.loadAssets(ctx)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sub, err := s.store.GetSubAccount(ctx, req.SubAccountID)
	if err != nil {
		writeError(w, "failed to load sub-account", http.StatusInternalServerError)
		return
	}

	res, err := engine.ComputeWithdrawProfit(assets, req.SubAccountID, req.ProfitAssetID, *sub, req.Prices, req.Amount, s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !res.IsTradeSafe {
		metrics.UnsafeTradesTotal.WithLabelValues("withdraw_profit").Inc()
	}

	if req.Commit {
		if !res.IsTradeSafe {
			writeError(w, "withdrawal would leave the account below initial margin", http.StatusConflict)
			return
		}
		execPrice, err := engine.ComputeTradingPrice(assets, req.SubAccountID, req.Prices, false)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := s.commit(ctx, req.SubAccountID, "withdraw_profit", req.Amount, res.FundingFeeUsd, res.IsTradeSafe, execPrice, &res.AfterTrade); err != nil {
			writeError(w, "failed to persist withdrawal", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// --- Curve handlers ---

// FundingRate handles POST /api/v1/funding-rate.
func (s *Service) FundingRate(w http.ResponseWriter, r *http.Request) {
	var req FundingRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	pool, err := s.store.GetLiquidityPool(ctx)
	if err != nil {
		writeError(w, "liquidity pool not configured", http.StatusNotFound)
		return
	}
	asset, err := s.store.GetAsset(ctx, req.AssetID)
	if err != nil {
		writeError(w, "asset not found", http.StatusNotFound)
		return
	}

	rate, err := engine.ComputeFundingRate8H(*pool, *asset, req.StableUtilization, req.UnstableUtilization)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// LiquidityFee handles POST /api/v1/liquidity-fee.
func (s *Service) LiquidityFee(w http.ResponseWriter, r *http.Request) {
	var req LiquidityFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pool, err := s.store.GetLiquidityPool(r.Context())
	if err != nil {
		writeError(w, "liquidity pool not configured", http.StatusNotFound)
		return
	}

	fee, err := engine.ComputeLiquidityFeeRate(*pool, req.CurrentAssetValue, req.TargetAssetValue, req.IsAdd, req.DeltaValue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidityFeeResponse{FeeRate: fee})
}

// --- Internals ---

// commit persists an applied simulation: saves the post-trade account,
// appends a ledger entry stamped with the execution prices, and broadcasts
// the applied trade.
func (s *Service) commit(ctx context.Context, subAccountID, action string, amount, feeUsd decimal.Decimal, isTradeSafe bool, price engine.TradingPrice, after *model.SubAccountDetails) error {
	if err := s.store.SaveSubAccount(ctx, subAccountID, &after.SubAccount); err != nil {
		return err
	}

	entry := &model.LedgerEntry{
		ID:              uuid.New().String(),
		SubAccountID:    subAccountID,
		Action:          action,
		Amount:          amount,
		AssetPrice:      price.AssetPrice,
		CollateralPrice: price.CollateralPrice,
		FeeUsd:          feeUsd,
		IsTradeSafe:     isTradeSafe,
		Timestamp:       time.Unix(s.now(), 0).UTC(),
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}

	slog.Info("trade applied",
		"ledger_id", entry.ID,
		"sub_account", subAccountID,
		"action", action,
		"amount", amount.String(),
		"asset_price", entry.AssetPrice.String(),
		"fee_usd", feeUsd.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:         "trade_applied",
			SubAccountID: subAccountID,
			Action:       action,
			Amount:       amount.String(),
			FeeUsd:       feeUsd.String(),
			IsTradeSafe:  isTradeSafe,
		})
	}
	return nil
}

// loadAssets returns the configuration snapshot as a slice indexed by asset
// id, as the engine expects. Gaps are zero-value (disabled) assets.
func (s *Service) loadAssets(ctx context.Context) ([]model.Asset, error) {
	assets, err := s.store.ListAssets(ctx)
	if err != nil {
		return nil, errors.New("failed to load asset configuration")
	}

	maxID := -1
	for _, a := range assets {
		if int(a.ID) > maxID {
			maxID = int(a.ID)
		}
	}
	indexed := make([]model.Asset, maxID+1)
	for _, a := range assets {
		indexed[a.ID] = a
	}
	return indexed, nil
}

// writeEngineError maps engine sentinel errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument), errors.Is(err, subaccount.ErrInvalidID), errors.Is(err, subaccount.ErrInvalidPadding):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrInsufficientPnl),
		errors.Is(err, engine.ErrInsufficientLiquidity),
		errors.Is(err, engine.ErrBankrupt):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
