package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bitoro/margin-engine/internal/engine"
	"github.com/bitoro/margin-engine/internal/exposure"
	"github.com/bitoro/margin-engine/internal/model"
	"github.com/bitoro/margin-engine/internal/service"
	"github.com/bitoro/margin-engine/internal/store"
	"github.com/bitoro/margin-engine/internal/subaccount"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	testAccount = "0xfefefefefefefefefefefefefefefefefefefefe"
	usdcID      = 0
	btcID       = 1
	usdtID      = 2

	// Fixed clock for deterministic lockup behavior.
	testNow int64 = 5000
)

// newTestEnv creates a test Service with in-memory store, seeded asset and
// pool configuration, and a chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	return newTestEnvWithLimits(t, d(1_000_000), d(10_000_000))
}

func newTestEnvWithLimits(t *testing.T, maxPerAsset, maxTotal decimal.Decimal) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	assets := []model.Asset{
		{ID: usdcID, Symbol: "USDC", IsStable: true, IsEnabled: true, SpotLiquidity: d(1_000_000)},
		{
			ID: btcID, Symbol: "BTC",
			IsTradable: true, IsOpenable: true, IsShortable: true, IsEnabled: true,
			InitialMarginRate:     d(0.1),
			MaintenanceMarginRate: d(0.05),
			PositionFeeRate:       d(0.001),
			MinProfitTime:         60,
			MinProfitRate:         d(0.01),
			LongFundingBaseRate8H: d(0.0001), LongFundingLimitRate8H: d(0.008),
			SpotLiquidity: d(1000),
		},
		{ID: usdtID, Symbol: "USDT", IsStable: true, IsEnabled: true, SpotLiquidity: d(1_000_000)},
	}
	for i := range assets {
		if err := ms.UpsertAsset(ctx, &assets[i]); err != nil {
			t.Fatalf("seed asset: %v", err)
		}
	}
	pool := &model.LiquidityPool{
		LiquidityBaseFeeRate:    d(0.0002),
		LiquidityDynamicFeeRate: d(0.01),
		ShortFundingBaseRate8H:  d(0.0001),
		ShortFundingLimitRate8H: d(0.01),
	}
	if err := ms.SetLiquidityPool(ctx, pool); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	limiter := exposure.NewLimiter(maxPerAsset, maxTotal)
	svc := service.NewService(ms, limiter, nil, func() int64 { return testNow })

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/assets", svc.UpsertAsset)
		r.Get("/assets", svc.ListAssets)
		r.Put("/pool", svc.SetLiquidityPool)
		r.Get("/pool", svc.GetLiquidityPool)
		r.Get("/sub-accounts/{subAccountID}", svc.GetSubAccount)
		r.Get("/sub-accounts/{subAccountID}/history", svc.GetSubAccountHistory)
		r.Post("/valuation", svc.Valuation)
		r.Post("/simulate/open", svc.SimulateOpen)
		r.Post("/simulate/close", svc.SimulateClose)
		r.Post("/simulate/withdraw-collateral", svc.SimulateWithdrawCollateral)
		r.Post("/simulate/withdraw-profit", svc.SimulateWithdrawProfit)
		r.Post("/funding-rate", svc.FundingRate)
		r.Post("/liquidity-fee", svc.LiquidityFee)
	})

	return ms, r
}

func subID(t *testing.T, collateralID, assetID uint8, isLong bool) string {
	t.Helper()
	id, err := subaccount.Encode(testAccount, collateralID, assetID, isLong)
	if err != nil {
		t.Fatalf("encode sub-account id: %v", err)
	}
	return id
}

func seedSubAccount(t *testing.T, ms *store.MemoryStore, id string, sub model.SubAccount) {
	t.Helper()
	if err := ms.SaveSubAccount(context.Background(), id, &sub); err != nil {
		t.Fatalf("seed sub-account: %v", err)
	}
}

func testPrices() model.PriceDict {
	return model.PriceDict{"USDC": d(1), "BTC": d(100), "USDT": d(1)}
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Valuation ---

func TestValuation(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{
		Collateral: d(1000), Size: d(10), EntryPrice: d(90), LastIncreasedTime: 100,
	})

	w := doPost(t, router, "/api/v1/valuation", service.ValuationRequest{
		SubAccountID: id,
		Prices:       testPrices(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var details model.SubAccountDetails
	json.Unmarshal(w.Body.Bytes(), &details)

	if !details.Computed.MarginBalanceUsd.Equal(d(1100)) {
		t.Errorf("margin balance: expected 1100, got %s", details.Computed.MarginBalanceUsd)
	}
	if !details.Computed.IsIMSafe {
		t.Error("expected IM-safe account")
	}
}

func TestValuation_BadSubAccountID(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/valuation", service.ValuationRequest{
		SubAccountID: "0xnothex",
		Prices:       testPrices(),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Open ---

func TestSimulateOpen_NoCommitLeavesStoreUntouched(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{Collateral: d(200)})

	w := doPost(t, router, "/api/v1/simulate/open", service.OpenRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       d(1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res engine.OpenPositionResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.IsTradeSafe {
		t.Error("expected safe trade")
	}
	if !res.AfterTrade.SubAccount.Size.Equal(d(1)) {
		t.Errorf("post-trade size: expected 1, got %s", res.AfterTrade.SubAccount.Size)
	}

	// Simulation only: stored account still flat.
	stored, _ := ms.GetSubAccount(context.Background(), id)
	if !stored.Size.IsZero() {
		t.Errorf("stored account mutated by simulation: size %s", stored.Size)
	}
}

func TestSimulateOpen_CommitPersists(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{Collateral: d(200)})

	w := doPost(t, router, "/api/v1/simulate/open", service.OpenRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       d(1),
		Commit:       true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, _ := ms.GetSubAccount(context.Background(), id)
	if !stored.Size.Equal(d(1)) {
		t.Errorf("stored size: expected 1, got %s", stored.Size)
	}
	if !stored.EntryPrice.Equal(d(100)) {
		t.Errorf("stored entry price: expected 100, got %s", stored.EntryPrice)
	}
	if stored.LastIncreasedTime != testNow {
		t.Errorf("stored lastIncreasedTime: expected %d, got %d", testNow, stored.LastIncreasedTime)
	}
	// Fee: 0.001 * 1 * 100 = 0.1 USD at collateral price 1.
	if !stored.Collateral.Equal(d(199.9)) {
		t.Errorf("stored collateral: expected 199.9, got %s", stored.Collateral)
	}

	entries, _ := ms.GetLedgerEntriesBySubAccount(context.Background(), id)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != "open" {
		t.Errorf("expected action=open, got %s", e.Action)
	}
	if e.ID == "" {
		t.Error("expected non-empty ledger id")
	}
	if !e.IsTradeSafe {
		t.Error("expected safe ledger entry")
	}
	if e.Timestamp.Unix() != testNow {
		t.Errorf("ledger timestamp: expected %d, got %d", testNow, e.Timestamp.Unix())
	}
	if !e.AssetPrice.Equal(d(100)) {
		t.Errorf("ledger asset price: expected 100, got %s", e.AssetPrice)
	}
	if !e.CollateralPrice.Equal(d(1)) {
		t.Errorf("ledger collateral price: expected 1, got %s", e.CollateralPrice)
	}
}

func TestSimulateOpen_CommitRecordsAskPrice(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{Collateral: d(200)})

	// Opening a long executes at the ask: 100 * 1.001 = 100.1.
	btc, err := ms.GetAsset(context.Background(), btcID)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	btc.HalfSpread = d(0.001)
	if err := ms.UpsertAsset(context.Background(), btc); err != nil {
		t.Fatalf("upsert asset: %v", err)
	}

	w := doPost(t, router, "/api/v1/simulate/open", service.OpenRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       d(1),
		Commit:       true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	entries, _ := ms.GetLedgerEntriesBySubAccount(context.Background(), id)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if !entries[0].AssetPrice.Equal(d(100.1)) {
		t.Errorf("ledger asset price: expected 100.1, got %s", entries[0].AssetPrice)
	}
	if !entries[0].CollateralPrice.Equal(d(1)) {
		t.Errorf("ledger collateral price: expected 1, got %s", entries[0].CollateralPrice)
	}
}

func TestSimulateOpen_CommitUnsafeRejected(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{Collateral: d(5)})

	w := doPost(t, router, "/api/v1/simulate/open", service.OpenRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       d(10),
		Commit:       true,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unsafe commit, got %d: %s", w.Code, w.Body.String())
	}

	stored, _ := ms.GetSubAccount(context.Background(), id)
	if !stored.Size.IsZero() {
		t.Errorf("rejected trade must not persist, stored size %s", stored.Size)
	}
}

func TestSimulateOpen_ExposureLimitRejected(t *testing.T) {
	ms, router := newTestEnvWithLimits(t, d(500), d(10_000))
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{Collateral: d(200)})

	// 10 BTC at 100 = 1000 USD notional, above the 500 per-asset cap.
	w := doPost(t, router, "/api/v1/simulate/open", service.OpenRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       d(10),
		Commit:       true,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for exposure limit, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSimulateOpen_InvalidAmount(t *testing.T) {
	_, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)

	w := doPost(t, router, "/api/v1/simulate/open", service.OpenRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       decimal.Zero,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", w.Code)
	}
}

// --- Close ---

func TestSimulateClose_CommitFullCloseResets(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{
		Collateral: d(50), Size: d(10), EntryPrice: d(90), LastIncreasedTime: 100,
	})

	w := doPost(t, router, "/api/v1/simulate/close", service.CloseRequest{
		SubAccountID:  id,
		ProfitAssetID: usdtID,
		Prices:        testPrices(),
		Amount:        d(10),
		Commit:        true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res engine.ClosePositionResult
	json.Unmarshal(w.Body.Bytes(), &res)
	// Long profit settles in the position asset: 100 USD pnl, 1 USD fee,
	// remainder at price 100.
	if !res.ProfitAssetTransferred.Equal(d(0.99)) {
		t.Errorf("profit transferred: expected 0.99, got %s", res.ProfitAssetTransferred)
	}

	stored, _ := ms.GetSubAccount(context.Background(), id)
	if !stored.Size.IsZero() || !stored.EntryPrice.IsZero() || stored.LastIncreasedTime != 0 {
		t.Errorf("full close must reset position, got %+v", stored)
	}
}

func TestSimulateClose_AmountExceedsSize(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{
		Collateral: d(50), Size: d(10), EntryPrice: d(90), LastIncreasedTime: 100,
	})

	w := doPost(t, router, "/api/v1/simulate/close", service.CloseRequest{
		SubAccountID:  id,
		ProfitAssetID: usdtID,
		Prices:        testPrices(),
		Amount:        d(11),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for amount > size, got %d", w.Code)
	}
}

// --- Withdrawals ---

func TestSimulateWithdrawCollateral_Commit(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{
		Collateral: d(500), Size: d(10), EntryPrice: d(100), LastIncreasedTime: 100,
	})

	w := doPost(t, router, "/api/v1/simulate/withdraw-collateral", service.WithdrawCollateralRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       d(100),
		Commit:       true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, _ := ms.GetSubAccount(context.Background(), id)
	if !stored.Collateral.Equal(d(400)) {
		t.Errorf("stored collateral: expected 400, got %s", stored.Collateral)
	}
}

func TestSimulateWithdrawProfit_InsufficientPnl(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{
		Collateral: d(50), Size: d(10), EntryPrice: d(90), LastIncreasedTime: 100,
	})

	// Realized pnl is 100 USD; 2 BTC is 200 USD.
	w := doPost(t, router, "/api/v1/simulate/withdraw-profit", service.WithdrawProfitRequest{
		SubAccountID:  id,
		ProfitAssetID: usdtID,
		Prices:        testPrices(),
		Amount:        d(2),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient pnl, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Curves ---

func TestFundingRate(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/funding-rate", service.FundingRateRequest{
		AssetID:             btcID,
		StableUtilization:   d(0.5),
		UnstableUtilization: d(0.25),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var rate engine.FundingRate8H
	json.Unmarshal(w.Body.Bytes(), &rate)
	if !rate.ShortFundingRate8H.Equal(d(0.005)) {
		t.Errorf("short rate: expected 0.005, got %s", rate.ShortFundingRate8H)
	}
	if !rate.LongFundingRate8H.Equal(d(0.002)) {
		t.Errorf("long rate: expected 0.002, got %s", rate.LongFundingRate8H)
	}
}

func TestFundingRate_OverUtilized(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/funding-rate", service.FundingRateRequest{
		AssetID:           btcID,
		StableUtilization: d(1.5),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for utilization > 1, got %d", w.Code)
	}
}

func TestLiquidityFee(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/liquidity-fee", service.LiquidityFeeRequest{
		CurrentAssetValue: d(100),
		TargetAssetValue:  d(100),
		IsAdd:             true,
		DeltaValue:        d(10),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp service.LiquidityFeeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.FeeRate.Equal(d(0.0007)) {
		t.Errorf("fee rate: expected 0.0007, got %s", resp.FeeRate)
	}
}

// --- Sub-account queries ---

func TestGetSubAccount_UnseenIsFlat(t *testing.T) {
	_, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, false)

	req := httptest.NewRequest("GET", "/api/v1/sub-accounts/"+id, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp service.SubAccountResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Decoded.Account != testAccount {
		t.Errorf("decoded account: expected %s, got %s", testAccount, resp.Decoded.Account)
	}
	if resp.Decoded.IsLong {
		t.Error("expected short direction")
	}
	if !resp.SubAccount.Size.IsZero() {
		t.Errorf("unseen sub-account should be flat, got size %s", resp.SubAccount.Size)
	}
}

func TestGetSubAccountHistory(t *testing.T) {
	ms, router := newTestEnv(t)
	id := subID(t, usdcID, btcID, true)
	seedSubAccount(t, ms, id, model.SubAccount{Collateral: d(200)})

	doPost(t, router, "/api/v1/simulate/open", service.OpenRequest{
		SubAccountID: id,
		Prices:       testPrices(),
		Amount:       d(1),
		Commit:       true,
	})

	req := httptest.NewRequest("GET", "/api/v1/sub-accounts/"+id+"/history", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Action != "open" {
		t.Errorf("expected action=open, got %s", entries[0].Action)
	}
}
