package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/hitoshi/memberclub/internal/billing"
	"github.com/hitoshi/memberclub/internal/identity"
	"github.com/hitoshi/memberclub/internal/middleware"
	"github.com/hitoshi/memberclub/internal/model"
)

// BillingServiceInterface は課金ハンドラーが必要とするサービスインターフェース。
type BillingServiceInterface interface {
	// Upgrade はプランアップグレードを同期実行する。
	Upgrade(ctx context.Context, sess *model.Session, targetPlan model.Plan) (*billing.UpgradeOutcome, error)
	// ListAttempts はプリンシパルのアップグレード試行履歴を新しい順に返す。
	ListAttempts(ctx context.Context, principal model.Principal, limit int) ([]*model.UpgradeAttempt, error)
}

// MetadataProviderInterface はトークンメタデータの取得インターフェース。
type MetadataProviderInterface interface {
	Get(ctx context.Context) (*model.TokenMetadata, error)
}

// BalanceProviderInterface はレジャー残高の照会インターフェース。
type BalanceProviderInterface interface {
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// BillingHandler はプランアップグレードとトークン情報のHTTPハンドラー。
type BillingHandler struct {
	service  BillingServiceInterface
	metadata MetadataProviderInterface
	balances BalanceProviderInterface
}

// NewBillingHandler はBillingHandlerを生成する。
func NewBillingHandler(service BillingServiceInterface, metadata MetadataProviderInterface, balances BalanceProviderInterface) *BillingHandler {
	return &BillingHandler{
		service:  service,
		metadata: metadata,
		balances: balances,
	}
}

// upgradeRequest はアップグレードリクエストのボディ。
type upgradeRequest struct {
	Plan string `json:"plan"`
}

// upgradeResponse はアップグレード成功時のAPIレスポンス。
type upgradeResponse struct {
	Result    string `json:"result"`
	NewPlan   string `json:"new_plan"`
	AttemptID string `json:"attempt_id"`
	ReceiptID string `json:"receipt_id"`
}

// partialFailureResponse は送金済み・確定未完了のAPIレスポンス。
// 資金は移動済みのため、通常のエラーフォーマットに加えて試行IDと領収IDを含める。
type partialFailureResponse struct {
	apiErrorResponse
	Result    string `json:"result"`
	AttemptID string `json:"attempt_id"`
	ReceiptID string `json:"receipt_id"`
}

// metadataResponse はトークンメタデータのAPIレスポンス。
type metadataResponse struct {
	Symbol   string `json:"symbol"`
	Decimals uint   `json:"decimals"`
}

// balanceResponse はレジャー残高のAPIレスポンス。
// 残高はint64に収まらない場合があるため10進文字列で返す。
type balanceResponse struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// attemptResponse はアップグレード試行のAPIレスポンス。
type attemptResponse struct {
	ID            string `json:"id"`
	TargetPlan    string `json:"target_plan"`
	Phase         string `json:"phase"`
	ReceiptID     string `json:"receipt_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	FundsMoved    bool   `json:"funds_moved"`
	CreatedAt     string `json:"created_at"`
}

// Upgrade はプランアップグレードを処理する。
// POST /api/billing/upgrade
func (h *BillingHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	sess, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
		return
	}

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	plan, ok := model.ParsePlan(req.Plan)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPlanError(req.Plan))
		return
	}

	outcome, err := h.service.Upgrade(r.Context(), sess, plan)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	switch outcome.Kind {
	case billing.OutcomeUpgraded:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(upgradeResponse{
			Result:    string(outcome.Kind),
			NewPlan:   string(outcome.NewPlan),
			AttemptID: outcome.AttemptID,
			ReceiptID: outcome.ReceiptID,
		})

	case billing.OutcomePartialFailure:
		// 請求済み・未確定。拒否と混同させないため専用フォーマットで返す
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(partialFailureResponse{
			apiErrorResponse: apiErrorResponse{
				Code:     outcome.Reason.Code,
				Message:  outcome.Reason.Message,
				Category: outcome.Reason.Category,
				Action:   outcome.Reason.Action,
			},
			Result:    string(outcome.Kind),
			AttemptID: outcome.AttemptID,
			ReceiptID: outcome.ReceiptID,
		})

	default: // billing.OutcomeRejected
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(outcome.Reason), outcome.Reason)
	}
}

// Metadata はトークンメタデータを返す。
// GET /api/billing/metadata
func (h *BillingHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	meta, err := h.metadata.Get(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewMetadataUnavailableError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metadataResponse{
		Symbol:   meta.Symbol,
		Decimals: meta.Decimals,
	})
}

// Balance は現在の会員のレジャー残高を返す。
// アカウントアドレスはプリンシパルから決定的に導出する。
// GET /api/billing/balance
func (h *BillingHandler) Balance(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
		return
	}

	account := identity.DeriveAccountAddress(principal)

	balance, err := h.balances.Balance(r.Context(), account)
	if err != nil {
		slog.Error("failed to fetch ledger balance",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     "LEDGER_UNAVAILABLE",
			Message:  "残高を取得できませんでした。",
			Category: "billing",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balanceResponse{
		Account: account,
		Balance: balance.String(),
	})
}

// ListAttempts は現在の会員のアップグレード試行履歴を返す。
// GET /api/billing/attempts
func (h *BillingHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
		return
	}

	attempts, err := h.service.ListAttempts(r.Context(), principal, 20)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]attemptResponse, len(attempts))
	for i, a := range attempts {
		results[i] = attemptResponse{
			ID:            a.ID,
			TargetPlan:    string(a.TargetPlan),
			Phase:         string(a.Phase),
			ReceiptID:     a.ReceiptID,
			FailureReason: a.FailureReason,
			FundsMoved:    a.FundsMoved(),
			CreatedAt:     a.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"attempts": results,
	})
}
