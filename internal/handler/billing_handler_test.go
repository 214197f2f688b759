package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/memberclub/internal/billing"
	"github.com/hitoshi/memberclub/internal/identity"
	"github.com/hitoshi/memberclub/internal/middleware"
	"github.com/hitoshi/memberclub/internal/model"
)

// --- モック定義 ---

type mockBillingService struct {
	upgradeFn      func(ctx context.Context, sess *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error)
	listAttemptsFn func(ctx context.Context, principal model.Principal, limit int) ([]*model.UpgradeAttempt, error)

	upgradeCalls int
}

var _ BillingServiceInterface = (*mockBillingService)(nil)

func (m *mockBillingService) Upgrade(ctx context.Context, sess *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error) {
	m.upgradeCalls++
	if m.upgradeFn != nil {
		return m.upgradeFn(ctx, sess, targetPlan)
	}
	return nil, fmt.Errorf("not configured")
}

func (m *mockBillingService) ListAttempts(ctx context.Context, principal model.Principal, limit int) ([]*model.UpgradeAttempt, error) {
	if m.listAttemptsFn != nil {
		return m.listAttemptsFn(ctx, principal, limit)
	}
	return nil, nil
}

type mockMetadataProvider struct {
	getFn func(ctx context.Context) (*model.TokenMetadata, error)
}

var _ MetadataProviderInterface = (*mockMetadataProvider)(nil)

func (m *mockMetadataProvider) Get(ctx context.Context) (*model.TokenMetadata, error) {
	if m.getFn != nil {
		return m.getFn(ctx)
	}
	return &model.TokenMetadata{Symbol: "MCT", Decimals: 8}, nil
}

type mockBalanceProvider struct {
	balanceFn func(ctx context.Context, account string) (*big.Int, error)
}

var _ BalanceProviderInterface = (*mockBalanceProvider)(nil)

func (m *mockBalanceProvider) Balance(ctx context.Context, account string) (*big.Int, error) {
	if m.balanceFn != nil {
		return m.balanceFn(ctx, account)
	}
	return big.NewInt(0), nil
}

func newTestBillingHandler(svc *mockBillingService) *BillingHandler {
	return NewBillingHandler(svc, &mockMetadataProvider{}, &mockBalanceProvider{})
}

// gatedRequest は照合済みセッションをコンテキストに持つリクエストを生成する。
func gatedRequest(method, target, body string, sess *model.Session) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(middleware.ContextWithSession(req.Context(), sess))
}

// --- Upgrade のテスト ---

func TestBillingHandler_Upgrade_Success(t *testing.T) {
	sess := testSession("sess-up", "principal-up", model.PlanFree)
	svc := &mockBillingService{
		upgradeFn: func(ctx context.Context, s *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error) {
			if targetPlan != model.PlanElite {
				t.Errorf("targetPlan = %q, want %q", targetPlan, model.PlanElite)
			}
			return &billing.UpgradeOutcome{
				Kind:      billing.OutcomeUpgraded,
				NewPlan:   model.PlanElite,
				AttemptID: "attempt-1",
				ReceiptID: "receipt-1",
			}, nil
		},
	}
	h := newTestBillingHandler(svc)

	req := gatedRequest(http.MethodPost, "/api/billing/upgrade", `{"plan":"Elite"}`, sess)
	w := httptest.NewRecorder()

	h.Upgrade(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body upgradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Result != "upgraded" {
		t.Errorf("result = %q, want %q", body.Result, "upgraded")
	}
	if body.NewPlan != "Elite" {
		t.Errorf("new_plan = %q, want %q", body.NewPlan, "Elite")
	}
	if body.ReceiptID != "receipt-1" {
		t.Errorf("receipt_id = %q, want %q", body.ReceiptID, "receipt-1")
	}
}

func TestBillingHandler_Upgrade_NoSession_Returns401(t *testing.T) {
	svc := &mockBillingService{}
	h := newTestBillingHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/upgrade", strings.NewReader(`{"plan":"Elite"}`))
	w := httptest.NewRecorder()

	h.Upgrade(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
	if svc.upgradeCalls != 0 {
		t.Errorf("upgrade calls = %d, want 0", svc.upgradeCalls)
	}
}

func TestBillingHandler_Upgrade_UnknownPlan_Returns400(t *testing.T) {
	sess := testSession("sess-up", "principal-up", model.PlanFree)
	svc := &mockBillingService{}
	h := newTestBillingHandler(svc)

	req := gatedRequest(http.MethodPost, "/api/billing/upgrade", `{"plan":"Platinum"}`, sess)
	w := httptest.NewRecorder()

	h.Upgrade(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	var body apiErrorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != model.ErrCodeInvalidPlan {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidPlan)
	}
	// 未知のプランはサービス層に到達しない
	if svc.upgradeCalls != 0 {
		t.Errorf("upgrade calls = %d, want 0", svc.upgradeCalls)
	}
}

func TestBillingHandler_Upgrade_TransferRejected_Returns402(t *testing.T) {
	sess := testSession("sess-up", "principal-up", model.PlanFree)
	svc := &mockBillingService{
		upgradeFn: func(ctx context.Context, s *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error) {
			return &billing.UpgradeOutcome{
				Kind:      billing.OutcomeRejected,
				Reason:    model.NewTransferRejectedError("残高不足"),
				AttemptID: "attempt-2",
			}, nil
		},
	}
	h := newTestBillingHandler(svc)

	req := gatedRequest(http.MethodPost, "/api/billing/upgrade", `{"plan":"Elite"}`, sess)
	w := httptest.NewRecorder()

	h.Upgrade(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusPaymentRequired)
	}

	var body apiErrorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != model.ErrCodeTransferRejected {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeTransferRejected)
	}
}

func TestBillingHandler_Upgrade_AlreadyInProgress_Returns409(t *testing.T) {
	sess := testSession("sess-up", "principal-up", model.PlanFree)
	svc := &mockBillingService{
		upgradeFn: func(ctx context.Context, s *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error) {
			return &billing.UpgradeOutcome{
				Kind:   billing.OutcomeRejected,
				Reason: model.NewAlreadyInProgressError(),
			}, nil
		},
	}
	h := newTestBillingHandler(svc)

	req := gatedRequest(http.MethodPost, "/api/billing/upgrade", `{"plan":"Legendary"}`, sess)
	w := httptest.NewRecorder()

	h.Upgrade(w, req)

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusConflict)
	}
}

func TestBillingHandler_Upgrade_PartialFailure_Returns502WithReceipt(t *testing.T) {
	// 送金済み・確定失敗。拒否と区別され、試行IDと領収IDが含まれること
	sess := testSession("sess-up", "principal-up", model.PlanFree)
	svc := &mockBillingService{
		upgradeFn: func(ctx context.Context, s *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error) {
			return &billing.UpgradeOutcome{
				Kind:      billing.OutcomePartialFailure,
				Reason:    model.NewConfirmationFailedError("backend timeout"),
				AttemptID: "attempt-3",
				ReceiptID: "receipt-3",
			}, nil
		},
	}
	h := newTestBillingHandler(svc)

	req := gatedRequest(http.MethodPost, "/api/billing/upgrade", `{"plan":"Elite"}`, sess)
	w := httptest.NewRecorder()

	h.Upgrade(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}

	var body partialFailureResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeConfirmationFailed {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeConfirmationFailed)
	}
	if body.Result != "partial_failure" {
		t.Errorf("result = %q, want %q", body.Result, "partial_failure")
	}
	if body.AttemptID != "attempt-3" {
		t.Errorf("attempt_id = %q, want %q", body.AttemptID, "attempt-3")
	}
	if body.ReceiptID != "receipt-3" {
		t.Errorf("receipt_id = %q, want %q", body.ReceiptID, "receipt-3")
	}
}

func TestBillingHandler_Upgrade_SessionInvalidError_Returns401(t *testing.T) {
	sess := testSession("sess-up", "principal-up", model.PlanFree)
	svc := &mockBillingService{
		upgradeFn: func(ctx context.Context, s *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error) {
			return nil, model.NewSessionInvalidError()
		},
	}
	h := newTestBillingHandler(svc)

	req := gatedRequest(http.MethodPost, "/api/billing/upgrade", `{"plan":"Elite"}`, sess)
	w := httptest.NewRecorder()

	h.Upgrade(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// --- Metadata のテスト ---

func TestBillingHandler_Metadata_ReturnsSymbolAndDecimals(t *testing.T) {
	h := newTestBillingHandler(&mockBillingService{})

	req := httptest.NewRequest(http.MethodGet, "/api/billing/metadata", nil)
	w := httptest.NewRecorder()

	h.Metadata(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Symbol != "MCT" {
		t.Errorf("symbol = %q, want %q", body.Symbol, "MCT")
	}
	if body.Decimals != 8 {
		t.Errorf("decimals = %d, want 8", body.Decimals)
	}
}

func TestBillingHandler_Metadata_Unavailable_Returns503(t *testing.T) {
	h := NewBillingHandler(&mockBillingService{}, &mockMetadataProvider{
		getFn: func(ctx context.Context) (*model.TokenMetadata, error) {
			return nil, fmt.Errorf("ledger unreachable")
		},
	}, &mockBalanceProvider{})

	req := httptest.NewRequest(http.MethodGet, "/api/billing/metadata", nil)
	w := httptest.NewRecorder()

	h.Metadata(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	var body apiErrorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != model.ErrCodeMetadataUnavailable {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeMetadataUnavailable)
	}
}

// --- Balance のテスト ---

func TestBillingHandler_Balance_ReturnsDerivedAccountAndBigBalance(t *testing.T) {
	sess := testSession("sess-bal", "principal-bal", model.PlanFree)
	wantAccount := identity.DeriveAccountAddress("principal-bal")

	// int64に収まらない残高
	bigBalance, _ := new(big.Int).SetString("20000000000000000000", 10)

	h := NewBillingHandler(&mockBillingService{}, &mockMetadataProvider{}, &mockBalanceProvider{
		balanceFn: func(ctx context.Context, account string) (*big.Int, error) {
			if account != wantAccount {
				t.Errorf("account = %q, want %q", account, wantAccount)
			}
			return bigBalance, nil
		},
	})

	req := gatedRequest(http.MethodGet, "/api/billing/balance", "", sess)
	w := httptest.NewRecorder()

	h.Balance(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Account != wantAccount {
		t.Errorf("account = %q, want %q", body.Account, wantAccount)
	}
	if body.Balance != "20000000000000000000" {
		t.Errorf("balance = %q, want %q", body.Balance, "20000000000000000000")
	}
}

func TestBillingHandler_Balance_LedgerError_Returns502(t *testing.T) {
	sess := testSession("sess-bal", "principal-bal", model.PlanFree)
	h := NewBillingHandler(&mockBillingService{}, &mockMetadataProvider{}, &mockBalanceProvider{
		balanceFn: func(ctx context.Context, account string) (*big.Int, error) {
			return nil, fmt.Errorf("ledger down")
		},
	})

	req := gatedRequest(http.MethodGet, "/api/billing/balance", "", sess)
	w := httptest.NewRecorder()

	h.Balance(w, req)

	if w.Result().StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadGateway)
	}
}

// --- ListAttempts のテスト ---

func TestBillingHandler_ListAttempts_ReturnsHistory(t *testing.T) {
	sess := testSession("sess-at", "principal-at", model.PlanFree)
	svc := &mockBillingService{
		listAttemptsFn: func(ctx context.Context, principal model.Principal, limit int) ([]*model.UpgradeAttempt, error) {
			if principal != "principal-at" {
				t.Errorf("principal = %q, want %q", principal, "principal-at")
			}
			return []*model.UpgradeAttempt{
				{ID: "a-1", TargetPlan: model.PlanElite, Phase: model.AttemptPhaseConfirmed, ReceiptID: "r-1"},
				{ID: "a-2", TargetPlan: model.PlanLegendary, Phase: model.AttemptPhaseTransferred, ReceiptID: "r-2"},
				{ID: "a-3", TargetPlan: model.PlanElite, Phase: model.AttemptPhaseFailed, FailureReason: "insufficient funds"},
			}, nil
		},
	}
	h := newTestBillingHandler(svc)

	req := gatedRequest(http.MethodGet, "/api/billing/attempts", "", sess)
	w := httptest.NewRecorder()

	h.ListAttempts(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Attempts []attemptResponse `json:"attempts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(body.Attempts))
	}

	// 送金済みフェーズはfunds_moved=true、送金前の失敗はfalse
	if !body.Attempts[0].FundsMoved || !body.Attempts[1].FundsMoved {
		t.Error("confirmed/transferred attempts should report funds_moved=true")
	}
	if body.Attempts[2].FundsMoved {
		t.Error("failed attempt should report funds_moved=false")
	}
}
