// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/memberclub/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。期限切れまたは未存在の場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// UpdateMember はセッションの会員スナップショットと世代を更新する。
	// 照合（reconcile）の成功とプラン確定の反映で使用する。
	UpdateMember(ctx context.Context, id string, member *model.Member, generation int64) error

	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error

	// DeleteByPrincipal は指定プリンシパルの全セッションを削除する。
	DeleteByPrincipal(ctx context.Context, principal model.Principal) error
}

// UpgradeAttemptRepository はプランアップグレード試行の永続化インターフェース。
// レジャー送金とバックエンド確定の間に共有トランザクションがないため、
// フェーズ境界ごとに記録し、照合スイープが未確定の試行を再駆動できるようにする。
type UpgradeAttemptRepository interface {
	// Create は試行を作成する。
	Create(ctx context.Context, attempt *model.UpgradeAttempt) error

	// UpdatePhase は試行のフェーズと付随情報を更新する。
	UpdatePhase(ctx context.Context, attempt *model.UpgradeAttempt) error

	// FindByID は指定IDの試行を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UpgradeAttempt, error)

	// ListDueForConfirm は確定の再駆動が必要な試行を取得する。
	// phase = 'transferred' かつ next_confirm_at <= now のものを
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForConfirm(ctx context.Context, limit int) ([]*model.UpgradeAttempt, error)

	// ListByPrincipal は指定プリンシパルの試行を新しい順に取得する。
	ListByPrincipal(ctx context.Context, principal model.Principal, limit int) ([]*model.UpgradeAttempt, error)

	// DeleteFinishedBefore は指定時刻より前に終了した試行を削除する。
	// 終了フェーズ（confirmed / failed）のみが対象。support_requiredは
	// オペレーター対応が済むまで残す。削除件数を返す。
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
