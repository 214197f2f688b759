// Package billing はトークン支払いによるプランアップグレードのオーケストレーションを提供する。
//
// アップグレードはレジャー送金とバックエンド確定の2つのコミットからなる。
// 両者に共有トランザクションはないため、フェーズ境界ごとに試行を永続化し、
// 送金済みで確定できない場合は通常の失敗と区別して報告する。
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/memberclub/internal/ledger"
	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/repository"
)

// OutcomeKind はアップグレード結果の分類。
type OutcomeKind string

const (
	// OutcomeUpgraded はレジャー送金とバックエンド確定の両方が完了した結果。
	OutcomeUpgraded OutcomeKind = "upgraded"
	// OutcomeRejected は資金移動前に失敗した結果。請求は発生していない。
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomePartialFailure は送金済みだが確定が完了していない結果。
	// 通常の失敗として扱ってはならない。照合ジョブが確定を再駆動する。
	OutcomePartialFailure OutcomeKind = "partial_failure"
)

// UpgradeOutcome はアップグレード操作の結果を表す。
type UpgradeOutcome struct {
	Kind      OutcomeKind
	NewPlan   model.Plan      // Kind == OutcomeUpgraded のとき有効
	Reason    *model.APIError // Kind != OutcomeUpgraded のとき有効
	AttemptID string
	ReceiptID string
}

// TokenTransferrer はオーケストレーターが必要とするレジャー操作。
type TokenTransferrer interface {
	Transfer(ctx context.Context, token, destination string, amount *big.Int) (string, error)
}

// MetadataSource はトークンメタデータの取得元。
type MetadataSource interface {
	Get(ctx context.Context) (*model.TokenMetadata, error)
}

// PlanAuthority はバックエンド権威のプラン購入操作。
type PlanAuthority interface {
	// GetCustodialAddress はバックエンド管理の入金先アドレスを取得する。決定的・冪等。
	GetCustodialAddress(ctx context.Context, principal model.Principal) (string, error)
	// ConfirmPlanPurchase はプラン購入を確定する。冪等。
	ConfirmPlanPurchase(ctx context.Context, principal model.Principal, plan model.Plan) (*model.Member, error)
}

// SessionApplier は確定したプランをセッションへ反映する。
type SessionApplier interface {
	ApplyPlan(ctx context.Context, sessionID string, member *model.Member) error
}

// OutcomeRecorder はアップグレード結果のメトリクス記録先。
type OutcomeRecorder interface {
	IncUpgradeOutcome(outcome string)
	IncConfirmRetry()
}

// Orchestrator はプランアップグレードの2フェーズコミットを駆動する。
type Orchestrator struct {
	ledger    TokenTransferrer
	metadata  MetadataSource
	authority PlanAuthority
	sessions  SessionApplier
	attempts  repository.UpgradeAttemptRepository
	recorder  OutcomeRecorder
	logger    *slog.Logger

	confirmMaxRetries int
	confirmBackoff    time.Duration

	// プリンシパル単位の進行中ガード。
	// 同一プリンシパルの2本目の呼び出しはリモート呼び出しなしで同期的に失敗する。
	mu       sync.Mutex
	inFlight map[model.Principal]struct{}
}

// NewOrchestrator はOrchestratorを生成する。recorderはnil可。
func NewOrchestrator(
	transferrer TokenTransferrer,
	metadata MetadataSource,
	authority PlanAuthority,
	sessions SessionApplier,
	attempts repository.UpgradeAttemptRepository,
	recorder OutcomeRecorder,
	logger *slog.Logger,
	confirmMaxRetries int,
	confirmBackoff time.Duration,
) *Orchestrator {
	return &Orchestrator{
		ledger:            transferrer,
		metadata:          metadata,
		authority:         authority,
		sessions:          sessions,
		attempts:          attempts,
		recorder:          recorder,
		logger:            logger,
		confirmMaxRetries: confirmMaxRetries,
		confirmBackoff:    confirmBackoff,
		inFlight:          make(map[model.Principal]struct{}),
	}
}

// Upgrade はセッションのプランをtargetPlanへ変更する。
//
// 1. 前提条件の検証（認証済み・有効プラン・現在プランと異なる）
// 2. プリンシパル単位の進行中ガードの獲得
// 3. トークンメタデータの取得と金額計算（整数演算のみ）
// 4. フェーズ1: レジャー送金（失敗 ⇒ Rejected、資金は動いていない）
// 5. フェーズ2: バックエンド確定（冪等・失敗時は有限回リトライ）
// 6. 確定成功時のみセッションのプランを更新
//
// 送金後にフェーズ2が完了しなかった場合はPartialFailureを返す。
// フェーズ1と2はクライアント切断で中断されないよう切り離したコンテキストで実行する。
func (o *Orchestrator) Upgrade(ctx context.Context, sess *model.Session, targetPlan model.Plan) (*UpgradeOutcome, error) {
	// 1. 前提条件
	if !sess.IsAuthenticated() {
		return nil, model.NewSessionInvalidError()
	}
	if !targetPlan.Valid() {
		return o.rejectedNoAttempt(model.NewInvalidPlanError(string(targetPlan))), nil
	}
	if targetPlan == sess.Member.Plan {
		return o.rejectedNoAttempt(model.NewSamePlanError(targetPlan)), nil
	}

	// 2. 進行中ガード
	if !o.acquire(sess.Principal) {
		o.record(OutcomeRejected)
		return &UpgradeOutcome{
			Kind:   OutcomeRejected,
			Reason: model.NewAlreadyInProgressError(),
		}, nil
	}
	defer o.release(sess.Principal)

	// 3. メタデータと金額
	metadata, err := o.metadata.Get(ctx)
	if err != nil {
		o.logger.Warn("トークンメタデータの取得に失敗",
			slog.String("principal", sess.Principal.String()),
			slog.String("error", err.Error()),
		)
		return o.rejectedNoAttempt(model.NewMetadataUnavailableError()), nil
	}
	amount := amountMinorUnits(targetPlan, metadata.Decimals)

	// 試行の永続化（pending）
	now := time.Now()
	attempt := &model.UpgradeAttempt{
		ID:            uuid.NewString(),
		Principal:     sess.Principal,
		TargetPlan:    targetPlan,
		Phase:         model.AttemptPhasePending,
		NextConfirmAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.attempts.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record upgrade attempt: %w", err)
	}

	// 以降のコミットはクライアント切断で中断させない
	commitCtx := context.WithoutCancel(ctx)

	// 4. フェーズ1: レジャー送金
	destination, err := o.authority.GetCustodialAddress(commitCtx, sess.Principal)
	if err != nil {
		return o.reject(commitCtx, attempt, model.NewTransferRejectedError("入金先アドレスの取得に失敗しました")), nil
	}

	receiptID, err := o.ledger.Transfer(commitCtx, sess.ProviderToken, destination, amount)
	if err != nil {
		reason := transferRejection(err)
		o.logger.Warn("レジャー送金に失敗",
			slog.String("attempt_id", attempt.ID),
			slog.String("principal", sess.Principal.String()),
			slog.String("target_plan", string(targetPlan)),
			slog.String("error", err.Error()),
		)
		return o.reject(commitCtx, attempt, reason), nil
	}

	ApplyTransferred(attempt, receiptID)
	if err := o.attempts.UpdatePhase(commitCtx, attempt); err != nil {
		// 送金は成功している。記録失敗でも確定は試みる。
		o.logger.Error("送金済み記録の永続化に失敗",
			slog.String("attempt_id", attempt.ID),
			slog.String("receipt_id", receiptID),
			slog.String("error", err.Error()),
		)
	}
	o.logger.Info("レジャー送金完了",
		slog.String("attempt_id", attempt.ID),
		slog.String("principal", sess.Principal.String()),
		slog.String("receipt_id", receiptID),
		slog.String("amount", amount.String()),
	)

	// 5. フェーズ2: バックエンド確定
	member, confirmErr := o.confirmWithRetries(commitCtx, attempt)
	if confirmErr != nil {
		// 資金は動いたが確定できていない。通常の失敗と区別して返す。
		o.record(OutcomePartialFailure)
		return &UpgradeOutcome{
			Kind:      OutcomePartialFailure,
			Reason:    model.NewConfirmationFailedError(confirmErr.Error()),
			AttemptID: attempt.ID,
			ReceiptID: receiptID,
		}, nil
	}

	// 6. セッションへの反映（プラン確定の唯一の書き込み経路）
	if err := o.sessions.ApplyPlan(commitCtx, sess.ID, member); err != nil {
		// 次回のreconcileで会員スナップショットは追い付くため結果は変えない
		o.logger.Warn("セッションへのプラン反映に失敗",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
	sess.Member = member

	o.record(OutcomeUpgraded)
	o.logger.Info("プランアップグレード完了",
		slog.String("attempt_id", attempt.ID),
		slog.String("principal", sess.Principal.String()),
		slog.String("plan", string(member.Plan)),
	)
	return &UpgradeOutcome{
		Kind:      OutcomeUpgraded,
		NewPlan:   member.Plan,
		AttemptID: attempt.ID,
		ReceiptID: receiptID,
	}, nil
}

// ListAttempts は指定プリンシパルの試行履歴を返す。
func (o *Orchestrator) ListAttempts(ctx context.Context, principal model.Principal, limit int) ([]*model.UpgradeAttempt, error) {
	return o.attempts.ListByPrincipal(ctx, principal, limit)
}

// confirmWithRetries はバックエンド確定を有限回リトライ付きで実行する。
// 確定は冪等のため再送しても安全。すべて失敗した場合、試行はtransferredのまま
// バックオフ付きで残り、照合スイープが引き続き確定を再駆動する。
func (o *Orchestrator) confirmWithRetries(ctx context.Context, attempt *model.UpgradeAttempt) (*model.Member, error) {
	var lastErr error
	for i := 0; i <= o.confirmMaxRetries; i++ {
		if i > 0 {
			if o.recorder != nil {
				o.recorder.IncConfirmRetry()
			}
			select {
			case <-time.After(o.confirmBackoff * time.Duration(1<<(i-1))):
			case <-ctx.Done():
				ApplyConfirmFailure(attempt, ctx.Err().Error())
				if err := o.attempts.UpdatePhase(ctx, attempt); err != nil {
					o.logger.Error("確定失敗記録の永続化に失敗",
						slog.String("attempt_id", attempt.ID),
						slog.String("error", err.Error()),
					)
				}
				return nil, ctx.Err()
			}
		}

		member, err := o.authority.ConfirmPlanPurchase(ctx, attempt.Principal, attempt.TargetPlan)
		if err == nil {
			ApplyConfirmed(attempt)
			if updateErr := o.attempts.UpdatePhase(ctx, attempt); updateErr != nil {
				o.logger.Error("確定記録の永続化に失敗",
					slog.String("attempt_id", attempt.ID),
					slog.String("error", updateErr.Error()),
				)
			}
			return member, nil
		}
		lastErr = err
		o.logger.Warn("プラン確定に失敗",
			slog.String("attempt_id", attempt.ID),
			slog.Int("confirm_retries", attempt.ConfirmRetries+1),
			slog.String("error", err.Error()),
		)
	}

	ApplyConfirmFailure(attempt, lastErr.Error())
	if err := o.attempts.UpdatePhase(ctx, attempt); err != nil {
		o.logger.Error("確定失敗記録の永続化に失敗",
			slog.String("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

// reject は資金移動前の失敗を記録してRejected結果を返す。
func (o *Orchestrator) reject(ctx context.Context, attempt *model.UpgradeAttempt, reason *model.APIError) *UpgradeOutcome {
	ApplyTransferFailure(attempt, reason.Message)
	if err := o.attempts.UpdatePhase(ctx, attempt); err != nil {
		o.logger.Error("失敗記録の永続化に失敗",
			slog.String("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
	}
	o.record(OutcomeRejected)
	return &UpgradeOutcome{
		Kind:      OutcomeRejected,
		Reason:    reason,
		AttemptID: attempt.ID,
	}
}

// rejectedNoAttempt は副作用なしで終わる前提条件違反のRejected結果を返す。
func (o *Orchestrator) rejectedNoAttempt(reason *model.APIError) *UpgradeOutcome {
	o.record(OutcomeRejected)
	return &UpgradeOutcome{
		Kind:   OutcomeRejected,
		Reason: reason,
	}
}

func (o *Orchestrator) acquire(principal model.Principal) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[principal]; exists {
		return false
	}
	o.inFlight[principal] = struct{}{}
	return true
}

func (o *Orchestrator) release(principal model.Principal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, principal)
}

func (o *Orchestrator) record(kind OutcomeKind) {
	if o.recorder != nil {
		o.recorder.IncUpgradeOutcome(string(kind))
	}
}

// amountMinorUnits はプランの名目価格をminor unitsへ換算する。
// amount = nominalPrice × 10^decimals。浮動小数点は使用しない。
// decimals=18では名目価格20でもint64を超えるためbig.Intで計算する。
func amountMinorUnits(plan model.Plan, decimals uint) *big.Int {
	price := big.NewInt(plan.NominalPrice())
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(price, scale)
}

// transferRejection は型付きレジャーエラーをユーザー向けエラーへ変換する。
func transferRejection(err error) *model.APIError {
	var transferErr *ledger.TransferError
	if errors.As(err, &transferErr) {
		switch transferErr.Kind {
		case ledger.TransferErrInsufficientFunds:
			return model.NewTransferRejectedError("残高が不足しています")
		case ledger.TransferErrBadAccount:
			return model.NewTransferRejectedError("入金先アカウントが不正です")
		case ledger.TransferErrTransport:
			return model.NewTransferRejectedError("レジャーに接続できませんでした")
		}
		return model.NewTransferRejectedError(transferErr.Message)
	}
	return model.NewTransferRejectedError(err.Error())
}
