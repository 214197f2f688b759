// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/memberclub/internal/model"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// SessionReconciler はゲート対象リクエストごとのセッション照合に必要なインターフェース。
// session.Managerの部分集合として定義する。
type SessionReconciler interface {
	Reconcile(ctx context.Context, sessionID string) (*model.Session, error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// バックエンドの会員記録と照合するミドルウェアを返す。
// 照合に成功したセッションをリクエストコンテキストに注入する。
// 未認証・失効・会員記録消失のリクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(reconciler SessionReconciler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからセッションIDを取得
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
				return
			}

			// 2. プロバイダーのログイン状態と会員記録を照合
			sess, err := reconciler.Reconcile(r.Context(), cookie.Value)
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
					return
				}
				slog.Error("failed to reconcile session",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
				return
			}
			if !sess.IsAuthenticated() || time.Now().After(sess.ExpiresAt) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
				return
			}

			// 3. 照合済みセッションをコンテキストに注入
			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	sess, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return sess, nil
}

// PrincipalFromContext はリクエストコンテキストからプリンシパルを取得する。
func PrincipalFromContext(ctx context.Context) (model.Principal, error) {
	sess, err := SessionFromContext(ctx)
	if err != nil {
		return "", err
	}
	return sess.Principal, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}
