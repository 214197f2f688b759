// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/memberclub/internal/model"
)

const (
	sessionCookieName = "session_id"
	loginStateCookie  = "login_state"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// session.Managerの部分集合として定義する。
type AuthServiceInterface interface {
	BeginLogin(state string) string
	CompleteLogin(ctx context.Context, token string) (*model.Session, error)
	Reconcile(ctx context.Context, sessionID string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はログインセレモニー関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Login はアイデンティティプロバイダーのログインセレモニーを開始する。
// GET /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate login state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     loginStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	url := h.service.BeginLogin(state)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はプロバイダーからのコールバックを処理する。
// 委任トークンを検証し、会員記録と照合できた場合のみセッションを確立する。
// GET /auth/callback?token=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(loginStateCookie)
	if err != nil || stateCookie.Value != state {
		slog.Warn("login state mismatch",
			slog.String("query_state", state),
		)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     loginStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 委任トークンの取得
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing delegation token", http.StatusBadRequest)
		return
	}

	// 3. 認証処理（委任トークン検証 → 会員記録の照合）
	sess, err := h.service.CompleteLogin(r.Context(), token)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			// 会員記録なし等はユーザー起因のため統一フォーマットで返す
			writeAPIErrorResponse(w, http.StatusUnauthorized, apiErr)
			return
		}
		slog.Error("login callback failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// 4. セッションCookieを設定（HTTP Only）
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 5. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はプロバイダーセッションを失効させ、ローカルセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	// セッションCookieの取得
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	// セッションCookieをクリア
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// meResponse は現在のセッション情報のAPIレスポンス。
type meResponse struct {
	Principal string `json:"principal"`
	Name      string `json:"name"`
	Plan      string `json:"plan"`
	ExpiresAt string `json:"expires_at"`
}

// Me は現在のログイン会員情報を返す。
// レスポンスの会員情報はバックエンドと照合済みの最新スナップショット。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
		return
	}

	sess, err := h.service.Reconcile(r.Context(), cookie.Value)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			writeAPIErrorResponse(w, http.StatusUnauthorized, apiErr)
			return
		}
		slog.Error("failed to reconcile session", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meResponse{
		Principal: string(sess.Principal),
		Name:      sess.Member.Name,
		Plan:      string(sess.Member.Plan),
		ExpiresAt: sess.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
