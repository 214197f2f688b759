package billing

import (
	"time"

	"github.com/hitoshi/memberclub/internal/model"
)

const (
	// initialConfirmBackoff はスイープによる確定再試行の初回遅延（30秒）。
	initialConfirmBackoff = 30 * time.Second
	// maxConfirmBackoff はスイープによる確定再試行の最大遅延（1時間）。
	maxConfirmBackoff = time.Hour
)

// CalculateConfirmBackoff は確定失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大1時間。
func CalculateConfirmBackoff(confirmRetries int) time.Duration {
	delay := initialConfirmBackoff
	for i := 0; i < confirmRetries; i++ {
		delay *= 2
		if delay > maxConfirmBackoff {
			return maxConfirmBackoff
		}
	}
	return delay
}

// ApplyTransferred は送金成功を試行に記録する。
// 確定前にプロセスが落ちてもスイープが即座に拾えるよう、
// next_confirm_atは現在時刻に設定する。
func ApplyTransferred(attempt *model.UpgradeAttempt, receiptID string) {
	attempt.Phase = model.AttemptPhaseTransferred
	attempt.ReceiptID = receiptID
	attempt.NextConfirmAt = time.Now()
	attempt.UpdatedAt = time.Now()
}

// ApplyTransferFailure は送金失敗を試行に記録する。
// 資金は動いていないため終了フェーズ（failed）に遷移する。
func ApplyTransferFailure(attempt *model.UpgradeAttempt, reason string) {
	attempt.Phase = model.AttemptPhaseFailed
	attempt.FailureReason = reason
	attempt.UpdatedAt = time.Now()
}

// ApplyConfirmFailure は確定失敗を試行に記録する。
// 資金は既に動いているためフェーズはtransferredのまま、
// 失敗回数をインクリメントし、指数バックオフで次回確定時刻を設定する。
func ApplyConfirmFailure(attempt *model.UpgradeAttempt, reason string) {
	attempt.ConfirmRetries++
	attempt.FailureReason = reason
	attempt.NextConfirmAt = time.Now().Add(CalculateConfirmBackoff(attempt.ConfirmRetries - 1))
	attempt.UpdatedAt = time.Now()
}

// ApplyConfirmed は確定成功を試行に記録する。
func ApplyConfirmed(attempt *model.UpgradeAttempt) {
	attempt.Phase = model.AttemptPhaseConfirmed
	attempt.FailureReason = ""
	attempt.UpdatedAt = time.Now()
}

// ApplySupportRequired は確定再試行の上限超過を試行に記録する。
// 資金は動いたが確定できない状態であり、オペレーター対応が必要。
func ApplySupportRequired(attempt *model.UpgradeAttempt, reason string) {
	attempt.Phase = model.AttemptPhaseSupportRequired
	attempt.FailureReason = reason
	attempt.UpdatedAt = time.Now()
}
