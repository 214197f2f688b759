package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/memberclub/internal/model"
)

// PostgresAttemptRepo はPostgreSQLを使用したアップグレード試行リポジトリ。
type PostgresAttemptRepo struct {
	db *sql.DB
}

// NewPostgresAttemptRepo はPostgresAttemptRepoを生成する。
func NewPostgresAttemptRepo(db *sql.DB) *PostgresAttemptRepo {
	return &PostgresAttemptRepo{db: db}
}

// Create は試行を作成する。
func (r *PostgresAttemptRepo) Create(ctx context.Context, attempt *model.UpgradeAttempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upgrade_attempts
		   (id, principal, target_plan, phase, receipt_id, failure_reason,
		    confirm_retries, next_confirm_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		attempt.ID, attempt.Principal.String(), string(attempt.TargetPlan),
		string(attempt.Phase), attempt.ReceiptID, attempt.FailureReason,
		attempt.ConfirmRetries, attempt.NextConfirmAt, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create upgrade attempt: %w", err)
	}
	return nil
}

// UpdatePhase は試行のフェーズと付随情報を更新する。
func (r *PostgresAttemptRepo) UpdatePhase(ctx context.Context, attempt *model.UpgradeAttempt) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE upgrade_attempts
		 SET phase = $2, receipt_id = $3, failure_reason = $4,
		     confirm_retries = $5, next_confirm_at = $6, updated_at = now()
		 WHERE id = $1`,
		attempt.ID, string(attempt.Phase), attempt.ReceiptID, attempt.FailureReason,
		attempt.ConfirmRetries, attempt.NextConfirmAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update upgrade attempt: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("upgrade attempt not found: %s", attempt.ID)
	}

	return nil
}

// FindByID は指定IDの試行を取得する。見つからない場合はnilを返す。
func (r *PostgresAttemptRepo) FindByID(ctx context.Context, id string) (*model.UpgradeAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, principal, target_plan, phase, receipt_id, failure_reason,
		        confirm_retries, next_confirm_at, created_at, updated_at
		 FROM upgrade_attempts
		 WHERE id = $1`,
		id,
	)

	attempt, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upgrade attempt: %w", err)
	}
	return attempt, nil
}

// ListDueForConfirm は確定の再駆動が必要な試行を排他的に取得する。
// 複数ワーカーが同時に走っても同じ試行を二重に掴まないよう
// FOR UPDATE SKIP LOCKEDを使用する。
func (r *PostgresAttemptRepo) ListDueForConfirm(ctx context.Context, limit int) ([]*model.UpgradeAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, principal, target_plan, phase, receipt_id, failure_reason,
		        confirm_retries, next_confirm_at, created_at, updated_at
		 FROM upgrade_attempts
		 WHERE phase = 'transferred' AND next_confirm_at <= now()
		 ORDER BY next_confirm_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due attempts: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

// ListByPrincipal は指定プリンシパルの試行を新しい順に取得する。
func (r *PostgresAttemptRepo) ListByPrincipal(ctx context.Context, principal model.Principal, limit int) ([]*model.UpgradeAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, principal, target_plan, phase, receipt_id, failure_reason,
		        confirm_retries, next_confirm_at, created_at, updated_at
		 FROM upgrade_attempts
		 WHERE principal = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		principal.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	return collectAttempts(rows)
}

// DeleteFinishedBefore は終了済み（confirmed / failed）の古い試行を削除する。
func (r *PostgresAttemptRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM upgrade_attempts
		 WHERE phase IN ('confirmed', 'failed') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished attempts: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted attempts: %w", err)
	}
	return deleted, nil
}

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAttempt は1行をUpgradeAttemptにスキャンする。
func scanAttempt(row rowScanner) (*model.UpgradeAttempt, error) {
	attempt := &model.UpgradeAttempt{}
	var principal, targetPlan, phase string

	err := row.Scan(&attempt.ID, &principal, &targetPlan, &phase,
		&attempt.ReceiptID, &attempt.FailureReason,
		&attempt.ConfirmRetries, &attempt.NextConfirmAt,
		&attempt.CreatedAt, &attempt.UpdatedAt)
	if err != nil {
		return nil, err
	}

	attempt.Principal = model.Principal(principal)
	attempt.TargetPlan = model.Plan(targetPlan)
	attempt.Phase = model.AttemptPhase(phase)
	return attempt, nil
}

// collectAttempts は全行をスキャンして返す。
func collectAttempts(rows *sql.Rows) ([]*model.UpgradeAttempt, error) {
	var attempts []*model.UpgradeAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upgrade attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate upgrade attempts: %w", err)
	}
	return attempts, nil
}

// compile-time interface check
var _ UpgradeAttemptRepository = (*PostgresAttemptRepo)(nil)
