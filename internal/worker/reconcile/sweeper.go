// Package reconcile は未確定のプランアップグレード試行を解決する照合ジョブを提供する。
//
// レジャー送金は成功したがバックエンド確定が完了していない試行
// （phase = transferred）を定期的に取得し、冪等な確定を再送する。
// 再試行上限を超えた試行はsupport_requiredへ遷移させ、オペレーター対応に委ねる。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/memberclub/internal/billing"
	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/repository"
)

// PlanConfirmer はバックエンド権威の確定操作。冪等。
type PlanConfirmer interface {
	ConfirmPlanPurchase(ctx context.Context, principal model.Principal, plan model.Plan) (*model.Member, error)
}

// SweepRecorder はスイープ結果のメトリクス記録先。
type SweepRecorder interface {
	RecordSweepResolved(phase string)
}

// Sweeper は未確定試行の照合スイープを実行する。
type Sweeper struct {
	attempts  repository.UpgradeAttemptRepository
	authority PlanConfirmer
	recorder  SweepRecorder
	logger    *slog.Logger

	batchSize     int
	maxRetries    int
	retentionDays int
}

// NewSweeper はSweeperを生成する。recorderはnil可。
// batchSizeが0以下の場合はデフォルト値50を使用する。
func NewSweeper(
	attempts repository.UpgradeAttemptRepository,
	authority PlanConfirmer,
	recorder SweepRecorder,
	logger *slog.Logger,
	batchSize int,
	maxRetries int,
) *Sweeper {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{
		attempts:      attempts,
		authority:     authority,
		recorder:      recorder,
		logger:        logger,
		batchSize:     batchSize,
		maxRetries:    maxRetries,
		retentionDays: 90,
	}
}

// Start は指定間隔のティッカーでスイープを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("照合スイープを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", s.batchSize),
		slog.Int("max_retries", s.maxRetries),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("照合スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("照合スイープを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("照合スイープの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は確定待ちの試行を1バッチ取得し、順に解決を試みる。
// 取得はFOR UPDATE SKIP LOCKEDのため、複数ワーカーが同時に走っても
// 同じ試行を二重に確定することはない（確定自体も冪等）。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()

	due, err := s.attempts.ListDueForConfirm(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list due attempts: %w", err)
	}

	if len(due) == 0 {
		return nil
	}

	s.logger.Info("照合サイクルを開始します",
		slog.Int("attempt_count", len(due)),
	)

	var confirmed, deferred, abandoned int
	for _, attempt := range due {
		switch s.resolve(ctx, attempt) {
		case model.AttemptPhaseConfirmed:
			confirmed++
		case model.AttemptPhaseSupportRequired:
			abandoned++
		default:
			deferred++
		}
	}

	duration := time.Since(start)
	s.logger.Info("照合サイクルが完了しました",
		slog.Int("confirmed", confirmed),
		slog.Int("deferred", deferred),
		slog.Int("support_required", abandoned),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// resolve は1件の試行の確定を再送し、解決後のフェーズを返す。
func (s *Sweeper) resolve(ctx context.Context, attempt *model.UpgradeAttempt) model.AttemptPhase {
	_, err := s.authority.ConfirmPlanPurchase(ctx, attempt.Principal, attempt.TargetPlan)
	if err == nil {
		billing.ApplyConfirmed(attempt)
		if updateErr := s.attempts.UpdatePhase(ctx, attempt); updateErr != nil {
			s.logger.Error("確定記録の永続化に失敗しました",
				slog.String("attempt_id", attempt.ID),
				slog.String("error", updateErr.Error()),
			)
		}
		if s.recorder != nil {
			s.recorder.RecordSweepResolved(string(model.AttemptPhaseConfirmed))
		}
		s.logger.Info("未確定の試行を確定しました",
			slog.String("attempt_id", attempt.ID),
			slog.String("principal", attempt.Principal.String()),
			slog.String("target_plan", string(attempt.TargetPlan)),
			slog.String("receipt_id", attempt.ReceiptID),
		)
		return attempt.Phase
	}

	if attempt.ConfirmRetries+1 > s.maxRetries {
		// 送金済みのまま確定できない。オペレーター対応が必要。
		billing.ApplySupportRequired(attempt, err.Error())
		if updateErr := s.attempts.UpdatePhase(ctx, attempt); updateErr != nil {
			s.logger.Error("サポート要記録の永続化に失敗しました",
				slog.String("attempt_id", attempt.ID),
				slog.String("error", updateErr.Error()),
			)
		}
		if s.recorder != nil {
			s.recorder.RecordSweepResolved(string(model.AttemptPhaseSupportRequired))
		}
		s.logger.Error("確定リトライの上限を超過しました",
			slog.String("attempt_id", attempt.ID),
			slog.String("principal", attempt.Principal.String()),
			slog.String("receipt_id", attempt.ReceiptID),
			slog.Int("confirm_retries", attempt.ConfirmRetries),
		)
		return attempt.Phase
	}

	billing.ApplyConfirmFailure(attempt, err.Error())
	if updateErr := s.attempts.UpdatePhase(ctx, attempt); updateErr != nil {
		s.logger.Error("確定失敗記録の永続化に失敗しました",
			slog.String("attempt_id", attempt.ID),
			slog.String("error", updateErr.Error()),
		)
	}
	s.logger.Warn("確定の再送に失敗しました",
		slog.String("attempt_id", attempt.ID),
		slog.Int("confirm_retries", attempt.ConfirmRetries),
		slog.String("error", err.Error()),
	)
	return attempt.Phase
}

// CleanupFinished は保持期間を超過した終了済み試行を削除する。
// support_requiredの試行はオペレーター対応が済むまで削除しない。
// 冪等: 削除対象がない場合でもエラーにならない。
func (s *Sweeper) CleanupFinished(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.attempts.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up finished attempts: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("終了済み試行のクリーンアップが完了しました",
			slog.Int64("deleted_count", deleted),
			slog.Int("retention_days", s.retentionDays),
		)
	}
	return nil
}
