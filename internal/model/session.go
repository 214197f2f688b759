package model

import "time"

// SessionState はセッション状態機械の状態を表す。
type SessionState string

const (
	// SessionStateUnauthenticated は未認証状態。初期状態かつログアウト後の状態。
	SessionStateUnauthenticated SessionState = "unauthenticated"
	// SessionStateReconciling はプロバイダーのログイン状態とバックエンドの会員記録を照合中の状態。
	SessionStateReconciling SessionState = "reconciling"
	// SessionStateAuthenticated は会員記録の取得まで完了した認証済み状態。
	SessionStateAuthenticated SessionState = "authenticated"
	// SessionStateNoMembership はプロバイダー上は認証済みだが会員記録が存在しない過渡状態。
	// 即座に強制ログアウトされ、外部からは到達不能。
	SessionStateNoMembership SessionState = "no_membership"
)

// Session は認証済みセッションを表す。
// 不変条件: Authenticated状態のセッションは必ずPrincipalとMemberを持ち、
// Memberは現在のGenerationでそのPrincipalについてバックエンドから取得されたものである。
type Session struct {
	ID            string
	Principal     Principal
	Member        *Member
	Generation    int64
	ProviderToken string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsAuthenticated はセッションが認証済みかを返す。
// PrincipalとMemberの両方が揃っている場合のみtrueになる。
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.Principal != "" && s.Member != nil
}

// SessionTransition はセッション状態機械の遷移イベントを表す。
// 購読者（メトリクス等）への通知に使用する。
type SessionTransition struct {
	SessionID string
	Principal Principal
	From      SessionState
	To        SessionState
	At        time.Time
}
