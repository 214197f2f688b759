package model

import "time"

// AttemptPhase はプランアップグレード試行のフェーズを表す。
type AttemptPhase string

const (
	// AttemptPhasePending は試行開始直後、レジャー送金前の状態。
	AttemptPhasePending AttemptPhase = "pending"
	// AttemptPhaseTransferred はレジャー送金成功、バックエンド確定待ちの状態。
	// 資金は移動済みのため、このフェーズの試行は確定が完了するまで追跡される。
	AttemptPhaseTransferred AttemptPhase = "transferred"
	// AttemptPhaseConfirmed はバックエンド確定まで完了した状態。
	AttemptPhaseConfirmed AttemptPhase = "confirmed"
	// AttemptPhaseFailed はレジャー送金前または送金自体の失敗で終了した状態。資金は移動していない。
	AttemptPhaseFailed AttemptPhase = "failed"
	// AttemptPhaseSupportRequired は送金済みのまま確定リトライが尽きた状態。
	// 「支払いは受領済み、サポートに連絡してください」としてユーザーに提示する。
	AttemptPhaseSupportRequired AttemptPhase = "support_required"
)

// UpgradeAttempt はプランアップグレードの1回の試行を表す。
// レジャー送金とバックエンド確定は共有トランザクションのない2つの独立したコミットのため、
// フェーズ境界ごとに永続化し、プロセス再起動後も照合ジョブが確定を再駆動できるようにする。
type UpgradeAttempt struct {
	ID             string
	Principal      Principal
	TargetPlan     Plan
	Phase          AttemptPhase
	ReceiptID      string
	FailureReason  string
	ConfirmRetries int
	NextConfirmAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FundsMoved は試行においてユーザーの資金が移動済みかを返す。
// 移動済みの試行を単純な失敗として報告してはならない。
func (a *UpgradeAttempt) FundsMoved() bool {
	switch a.Phase {
	case AttemptPhaseTransferred, AttemptPhaseConfirmed, AttemptPhaseSupportRequired:
		return true
	}
	return false
}
