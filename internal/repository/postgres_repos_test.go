package repository

import (
	"testing"

	"github.com/hitoshi/memberclub/internal/model"
)

// PostgresSessionRepoはSessionRepositoryインターフェースを満たすことを検証
func TestPostgresSessionRepo_ImplementsInterface(t *testing.T) {
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
}

// PostgresAttemptRepoはUpgradeAttemptRepositoryインターフェースを満たすことを検証
func TestPostgresAttemptRepo_ImplementsInterface(t *testing.T) {
	var _ UpgradeAttemptRepository = (*PostgresAttemptRepo)(nil)
}

// NewPostgresSessionRepoが正しく初期化されることを検証
func TestNewPostgresSessionRepo_Initializes(t *testing.T) {
	repo := NewPostgresSessionRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// NewPostgresAttemptRepoが正しく初期化されることを検証
func TestNewPostgresAttemptRepo_Initializes(t *testing.T) {
	repo := NewPostgresAttemptRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// ユニットテスト: 会員スナップショットのシリアライズが往復すること
// （DB接続なしでロジックのみ検証）
func TestMarshalMember_RoundTrip(t *testing.T) {
	member := &model.Member{
		Name:      "テスト太郎",
		Bio:       "よろしくお願いします",
		GithubURL: "https://github.com/testtaro",
		Plan:      model.PlanElite,
	}

	data, err := marshalMember(member)
	if err != nil {
		t.Fatalf("marshalMember failed: %v", err)
	}

	got, err := unmarshalMember(data)
	if err != nil {
		t.Fatalf("unmarshalMember failed: %v", err)
	}

	if got.Name != member.Name {
		t.Errorf("Name = %q, want %q", got.Name, member.Name)
	}
	if got.Plan != model.PlanElite {
		t.Errorf("Plan = %q, want %q", got.Plan, model.PlanElite)
	}
}

// nilの会員スナップショットはNULL（nil）として往復すること
func TestMarshalMember_Nil(t *testing.T) {
	data, err := marshalMember(nil)
	if err != nil {
		t.Fatalf("marshalMember(nil) failed: %v", err)
	}
	if data != nil {
		t.Errorf("expected nil data for nil member, got %q", data)
	}

	got, err := unmarshalMember(nil)
	if err != nil {
		t.Fatalf("unmarshalMember(nil) failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil member for nil data, got %+v", got)
	}
}

// 未知のプランを含むスナップショットはエラーになること
func TestUnmarshalMember_UnknownPlan(t *testing.T) {
	data := []byte(`{"name":"会員","bio":"自己紹介","github_url":"","plan":"Platinum"}`)

	_, err := unmarshalMember(data)
	if err == nil {
		t.Fatal("expected error for unknown plan")
	}
}
