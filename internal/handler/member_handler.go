package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/memberclub/internal/backend"
	"github.com/hitoshi/memberclub/internal/model"
)

// MemberServiceInterface は会員ハンドラーが必要とするサービスインターフェース。
type MemberServiceInterface interface {
	// Register は入力を検証し、会員をバックエンドに登録する。
	Register(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error)
	// Get は会員プロフィールを取得する。
	Get(ctx context.Context, principal model.Principal) (*model.Member, error)
	// List は会員一覧を返す。
	List(ctx context.Context) ([]backend.MemberEntry, error)
}

// DelegationVerifier は委任トークンの検証インターフェース。
// サインアップはセッション確立前に行われるため、セッションゲートの代わりに
// 委任トークンで本人性を確認する。
type DelegationVerifier interface {
	VerifyDelegation(ctx context.Context, token string) (*model.Identity, error)
}

// AvatarProviderInterface はアバター画像の取得インターフェース。
type AvatarProviderInterface interface {
	// Fetch はGitHub URLからアバター画像を取得し、本体とContent-Typeを返す。
	Fetch(ctx context.Context, githubURL string) ([]byte, string, error)
}

// MemberHandler は会員管理のHTTPハンドラー。
type MemberHandler struct {
	service  MemberServiceInterface
	verifier DelegationVerifier
	avatars  AvatarProviderInterface
}

// NewMemberHandler はMemberHandlerを生成する。
func NewMemberHandler(service MemberServiceInterface, verifier DelegationVerifier, avatars AvatarProviderInterface) *MemberHandler {
	return &MemberHandler{
		service:  service,
		verifier: verifier,
		avatars:  avatars,
	}
}

// signupRequest はサインアップリクエストのボディ。
type signupRequest struct {
	Token     string `json:"token"`
	Name      string `json:"name"`
	GithubURL string `json:"github_url"`
	Bio       string `json:"bio"`
}

// memberResponse は会員情報のAPIレスポンス。
type memberResponse struct {
	Principal string `json:"principal,omitempty"`
	Name      string `json:"name"`
	Bio       string `json:"bio"`
	GithubURL string `json:"github_url"`
	Plan      string `json:"plan"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Signup は会員登録を処理する。
// 会員記録が存在しないアイデンティティはログインを完了できないため、
// このエンドポイントはセッションゲートの外に置き、委任トークンで本人性を確認する。
// POST /api/signup
func (h *MemberHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if req.Token == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("委任トークンが空です"))
		return
	}

	identity, err := h.verifier.VerifyDelegation(r.Context(), req.Token)
	if err != nil {
		slog.Warn("signup delegation verification failed", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationFailedError("委任トークンを検証できませんでした"))
		return
	}

	member, err := h.service.Register(r.Context(), identity.Principal, req.Name, req.GithubURL, req.Bio)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toMemberResponse(identity.Principal, member))
}

// List は会員一覧を返す。
// GET /api/members
func (h *MemberHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]memberResponse, len(entries))
	for i, e := range entries {
		results[i] = toMemberResponse(e.Principal, &e.Member)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"members": results,
	})
}

// Get は会員詳細を取得する。
// GET /api/members/{principal}
func (h *MemberHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal := model.Principal(chi.URLParam(r, "principal"))

	member, err := h.service.Get(r.Context(), principal)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toMemberResponse(principal, member))
}

// Avatar は会員のGitHubアバター画像を取得して返す。
// 取得はSSRFガード付き・サイズ上限付きのサーバーサイドフェッチで行う。
// GET /api/members/{principal}/avatar
func (h *MemberHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	principal := model.Principal(chi.URLParam(r, "principal"))

	member, err := h.service.Get(r.Context(), principal)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if member.GithubURL == "" {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "AVATAR_NOT_FOUND",
			Message:  "この会員にはアバターが設定されていません。",
			Category: "validation",
			Action:   "GitHub URLが登録されている会員を指定してください。",
		})
		return
	}

	body, contentType, err := h.avatars.Fetch(r.Context(), member.GithubURL)
	if err != nil {
		slog.Warn("avatar fetch failed",
			slog.String("principal", string(principal)),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     "AVATAR_FETCH_FAILED",
			Message:  "アバター画像を取得できませんでした。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(body)
}

// --- ヘルパー関数 ---

// toMemberResponse はmodel.MemberからAPIレスポンスに変換する。
func toMemberResponse(principal model.Principal, member *model.Member) memberResponse {
	return memberResponse{
		Principal: string(principal),
		Name:      member.Name,
		Bio:       member.Bio,
		GithubURL: member.GithubURL,
		Plan:      string(member.Plan),
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAuthenticationFailed, model.ErrCodeMembershipMismatch, model.ErrCodeSessionInvalid:
		return http.StatusUnauthorized
	case model.ErrCodeTransferRejected:
		return http.StatusPaymentRequired
	case model.ErrCodeConfirmationFailed:
		return http.StatusBadGateway
	case model.ErrCodeAlreadyInProgress:
		return http.StatusConflict
	case model.ErrCodeMetadataUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeSamePlan, model.ErrCodeInvalidPlan, model.ErrCodeValidationFailed:
		return http.StatusBadRequest
	case model.ErrCodeMemberNotFound, model.ErrCodePostNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
