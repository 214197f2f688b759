package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/memberclub/internal/model"
)

// memberSnapshot はセッション行に保存する会員スナップショットのJSON表現。
type memberSnapshot struct {
	Name      string `json:"name"`
	Bio       string `json:"bio"`
	GithubURL string `json:"github_url"`
	Plan      string `json:"plan"`
}

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	memberJSON, err := marshalMember(session.Member)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, principal, member, generation, provider_token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		session.ID, session.Principal.String(), memberJSON, session.Generation,
		session.ProviderToken, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var principal string
	var memberJSON []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT id, principal, member, generation, provider_token, expires_at, created_at, updated_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &principal, &memberJSON, &session.Generation,
		&session.ProviderToken, &session.ExpiresAt, &session.CreatedAt, &session.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session.Principal = model.Principal(principal)
	member, err := unmarshalMember(memberJSON)
	if err != nil {
		return nil, err
	}
	session.Member = member

	return session, nil
}

// UpdateMember はセッションの会員スナップショットと世代を更新する。
func (r *PostgresSessionRepo) UpdateMember(ctx context.Context, id string, member *model.Member, generation int64) error {
	memberJSON, err := marshalMember(member)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET member = $2, generation = $3, updated_at = now() WHERE id = $1`,
		id, memberJSON, generation,
	)
	if err != nil {
		return fmt.Errorf("failed to update session member: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByPrincipal は指定プリンシパルの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByPrincipal(ctx context.Context, principal model.Principal) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE principal = $1`,
		principal.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete principal sessions: %w", err)
	}
	return nil
}

// marshalMember は会員スナップショットをJSONにシリアライズする。nilはNULLになる。
func marshalMember(member *model.Member) ([]byte, error) {
	if member == nil {
		return nil, nil
	}
	b, err := json.Marshal(memberSnapshot{
		Name:      member.Name,
		Bio:       member.Bio,
		GithubURL: member.GithubURL,
		Plan:      string(member.Plan),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal member snapshot: %w", err)
	}
	return b, nil
}

// unmarshalMember は会員スナップショットをデシリアライズする。NULLはnilになる。
func unmarshalMember(data []byte) (*model.Member, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var snap memberSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal member snapshot: %w", err)
	}
	plan, ok := model.ParsePlan(snap.Plan)
	if !ok {
		return nil, fmt.Errorf("stored member snapshot has unknown plan: %q", snap.Plan)
	}
	return &model.Member{
		Name:      snap.Name,
		Bio:       snap.Bio,
		GithubURL: snap.GithubURL,
		Plan:      plan,
	}, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
