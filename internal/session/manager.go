// Package session は認証セッションの状態機械を提供する。
//
// 状態は Unauthenticated → Reconciling → Authenticated の順に遷移する。
// プロバイダー上は認証済みだがバックエンドに会員記録が存在しない場合は
// NoMembership を経由して即座に強制ログアウトされるため、
// 「認証済みだが会員でない」状態が外部に観測されることはない。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/repository"
)

// IdentityProvider はManagerが必要とするアイデンティティプロバイダー操作。
type IdentityProvider interface {
	LoginURL(state string) string
	VerifyDelegation(ctx context.Context, token string) (*model.Identity, error)
	Logout(ctx context.Context, token string) error
}

// MemberLookup はバックエンド権威の会員照会操作。
type MemberLookup interface {
	// GetMember は会員記録を取得する。見つからない場合はnilを返す。
	GetMember(ctx context.Context, principal model.Principal) (*model.Member, error)
}

// Manager はセッション状態機械を管理する。
// Authenticated状態の不変条件（PrincipalとMemberが揃い、Memberは現在の世代で
// そのPrincipalについて取得されたもの）の唯一の書き込み主体。
type Manager struct {
	provider IdentityProvider
	members  MemberLookup
	repo     repository.SessionRepository
	notifier *Notifier
	logger   *slog.Logger
	maxAge   time.Duration
}

// NewManager はManagerを生成する。
func NewManager(provider IdentityProvider, members MemberLookup, repo repository.SessionRepository, notifier *Notifier, logger *slog.Logger, maxAge time.Duration) *Manager {
	return &Manager{
		provider: provider,
		members:  members,
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		maxAge:   maxAge,
	}
}

// BeginLogin はログインセレモニーの開始URLを返す。
// stateはコールバック時のCSRF検証に使用するランダム値。
func (m *Manager) BeginLogin(state string) string {
	return m.provider.LoginURL(state)
}

// CompleteLogin はセレモニーのコールバックを処理してセッションを確立する。
//
// 1. デリゲーショントークンを検証してプリンシパルを取得する
// 2. バックエンドで会員記録を照合する
// 3. 会員記録があればセッションを永続化してAuthenticatedへ遷移する
//
// 会員記録が存在しない場合はフェイルクローズド: プロバイダー側のログインを
// 失効させたうえでMembershipMismatchを返す。バックエンド照会の失敗
// （トランスポート・デコード）も会員不在と同様に扱う。
func (m *Manager) CompleteLogin(ctx context.Context, token string) (*model.Session, error) {
	// 1. デリゲーション検証
	identity, err := m.provider.VerifyDelegation(ctx, token)
	if err != nil {
		m.logger.Warn("デリゲーション検証に失敗",
			slog.String("error", err.Error()),
		)
		m.notifier.notify("", "", model.SessionStateUnauthenticated, model.SessionStateUnauthenticated)
		return nil, model.NewAuthenticationFailedError(err.Error())
	}

	m.notifier.notify("", identity.Principal, model.SessionStateUnauthenticated, model.SessionStateReconciling)

	// 2. 会員記録の照合
	member, lookupErr := m.members.GetMember(ctx, identity.Principal)
	if lookupErr != nil {
		// 照会失敗は会員不在と同じ扱い。会員でない可能性がある状態で
		// 認証済みセッションを発行しない。
		m.logger.Warn("会員照会に失敗",
			slog.String("principal", identity.Principal.String()),
			slog.String("error", lookupErr.Error()),
		)
		member = nil
	}
	if member == nil {
		return nil, m.forceLogout(ctx, "", identity.Principal, token, model.SessionStateReconciling)
	}

	// 3. セッション永続化
	now := time.Now()
	sess := &model.Session{
		ID:            uuid.NewString(),
		Principal:     identity.Principal,
		Member:        member,
		Generation:    1,
		ProviderToken: token,
		ExpiresAt:     now.Add(m.maxAge),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.notifier.notify(sess.ID, sess.Principal, model.SessionStateReconciling, model.SessionStateAuthenticated)
	m.logger.Info("ログイン完了",
		slog.String("session_id", sess.ID),
		slog.String("principal", sess.Principal.String()),
		slog.String("plan", string(member.Plan)),
	)

	return sess, nil
}

// Reconcile は既存セッションの会員記録を再照合する。
// セッションで保護されたリクエスト経路の入口で毎回呼ばれる。
// 会員記録が消えていた場合は強制ログアウトし、MembershipMismatchを返す。
func (m *Manager) Reconcile(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, model.NewSessionInvalidError()
	}

	member, lookupErr := m.members.GetMember(ctx, sess.Principal)
	if lookupErr != nil {
		m.logger.Warn("会員再照合に失敗",
			slog.String("session_id", sess.ID),
			slog.String("principal", sess.Principal.String()),
			slog.String("error", lookupErr.Error()),
		)
		member = nil
	}
	if member == nil {
		if err := m.repo.DeleteByID(ctx, sess.ID); err != nil {
			m.logger.Error("セッション削除に失敗",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, m.forceLogout(ctx, sess.ID, sess.Principal, sess.ProviderToken, model.SessionStateAuthenticated)
	}

	generation := sess.Generation + 1
	if err := m.repo.UpdateMember(ctx, sess.ID, member, generation); err != nil {
		return nil, fmt.Errorf("failed to update session member: %w", err)
	}

	sess.Member = member
	sess.Generation = generation
	return sess, nil
}

// Logout はセッションを終了する。
// プロバイダー側のログイン失効とセッション行の削除を行う。
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	sess, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		// 既に無効なセッション。ログアウトは冪等に成功させる。
		return nil
	}

	if err := m.provider.Logout(ctx, sess.ProviderToken); err != nil {
		// プロバイダー失効の失敗でローカル削除を止めない
		m.logger.Warn("プロバイダーログアウトに失敗",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := m.repo.DeleteByID(ctx, sess.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.notifier.notify(sess.ID, sess.Principal, model.SessionStateAuthenticated, model.SessionStateUnauthenticated)
	m.logger.Info("ログアウト完了",
		slog.String("session_id", sess.ID),
		slog.String("principal", sess.Principal.String()),
	)
	return nil
}

// ApplyPlan はセッションの会員スナップショットにプラン変更を反映する。
// プラン確定後の課金オーケストレーターのみが呼ぶ。
func (m *Manager) ApplyPlan(ctx context.Context, sessionID string, member *model.Member) error {
	sess, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return model.NewSessionInvalidError()
	}

	if err := m.repo.UpdateMember(ctx, sess.ID, member, sess.Generation+1); err != nil {
		return fmt.Errorf("failed to apply plan to session: %w", err)
	}
	return nil
}

// forceLogout はNoMembership状態からの強制ログアウトを行う。
// Unauthenticatedへの遷移は必ずプロバイダーログアウトを伴う。
func (m *Manager) forceLogout(ctx context.Context, sessionID string, principal model.Principal, token string, from model.SessionState) error {
	m.notifier.notify(sessionID, principal, from, model.SessionStateNoMembership)

	if err := m.provider.Logout(ctx, token); err != nil {
		m.logger.Warn("強制ログアウト時のプロバイダー失効に失敗",
			slog.String("principal", principal.String()),
			slog.String("error", err.Error()),
		)
	}

	m.notifier.notify(sessionID, principal, model.SessionStateNoMembership, model.SessionStateUnauthenticated)
	m.logger.Info("会員記録なしのため強制ログアウト",
		slog.String("principal", principal.String()),
	)
	return model.NewMembershipMismatchError()
}
