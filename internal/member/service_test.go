package member

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/memberclub/internal/backend"
	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/security"
)

// mockDirectory はDirectoryのモック実装。
type mockDirectory struct {
	registerFn    func(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error)
	getMemberFn   func(ctx context.Context, principal model.Principal) (*model.Member, error)
	listMembersFn func(ctx context.Context) ([]backend.MemberEntry, error)
}

func (m *mockDirectory) Register(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, principal, name, githubURL, bio)
	}
	return &model.Member{Name: name, GithubURL: githubURL, Bio: bio, Plan: model.PlanFree}, nil
}

func (m *mockDirectory) GetMember(ctx context.Context, principal model.Principal) (*model.Member, error) {
	if m.getMemberFn != nil {
		return m.getMemberFn(ctx, principal)
	}
	return nil, nil
}

func (m *mockDirectory) ListMembers(ctx context.Context) ([]backend.MemberEntry, error) {
	if m.listMembersFn != nil {
		return m.listMembersFn(ctx)
	}
	return nil, nil
}

// mockSanitizer はContentSanitizerServiceのモック実装。入力をそのまま返す。
type mockSanitizer struct {
	sanitizeFn func(rawHTML string) string
}

func (m *mockSanitizer) Sanitize(rawHTML string) string {
	if m.sanitizeFn != nil {
		return m.sanitizeFn(rawHTML)
	}
	return rawHTML
}

// mockSSRFGuard はSSRFGuardServiceのモック実装。
type mockSSRFGuard struct {
	validateFn func(rawURL string) error
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return http.DefaultClient
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

// コンパイル時のインターフェース実装チェック
var (
	_ Directory                        = (*mockDirectory)(nil)
	_ security.ContentSanitizerService = (*mockSanitizer)(nil)
	_ security.SSRFGuardService        = (*mockSSRFGuard)(nil)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(directory *mockDirectory) *Service {
	return NewService(directory, &mockSanitizer{}, &mockSSRFGuard{}, testLogger())
}

func TestValidateRegistration(t *testing.T) {
	tests := []struct {
		name      string
		inputName string
		githubURL string
		bio       string
		wantErr   bool
	}{
		{"正常な入力", "alice", "https://github.com/alice", "ギター歴10年です。よろしくお願いします", false},
		{"表示名が3文字ちょうど", "abc", "https://github.com/abc", "自己紹介は10文字以上です", false},
		{"表示名が短すぎる", "ab", "https://github.com/ab", "自己紹介は10文字以上です", true},
		{"表示名が空白のみ", "   ", "https://github.com/x", "自己紹介は10文字以上です", true},
		{"自己紹介が短すぎる", "alice", "https://github.com/alice", "短い", true},
		{"URLのスキームが不正", "alice", "ftp://github.com/alice", "自己紹介は10文字以上です", true},
		{"URLにホストがない", "alice", "https:///alice", "自己紹介は10文字以上です", true},
		{"httpスキームは許可", "alice", "http://github.com/alice", "自己紹介は10文字以上です", false},
	}

	service := newTestService(&mockDirectory{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.ValidateRegistration(tt.inputName, tt.githubURL, tt.bio)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRegistration_SSRFGuardRejection(t *testing.T) {
	service := NewService(&mockDirectory{}, &mockSanitizer{}, &mockSSRFGuard{
		validateFn: func(rawURL string) error {
			return errors.New("blocked host")
		},
	}, testLogger())

	err := service.ValidateRegistration("alice", "https://192.168.1.1/alice", "自己紹介は10文字以上です")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}

func TestRegister_Success(t *testing.T) {
	var registeredBio string
	directory := &mockDirectory{
		registerFn: func(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error) {
			registeredBio = bio
			return &model.Member{Name: name, GithubURL: githubURL, Bio: bio, Plan: model.PlanFree}, nil
		},
	}
	service := NewService(directory, &mockSanitizer{
		sanitizeFn: func(rawHTML string) string {
			return "sanitized:" + rawHTML
		},
	}, &mockSSRFGuard{}, testLogger())

	registered, err := service.Register(context.Background(), "principal-1", "  alice  ", "https://github.com/alice", "ギター歴10年のメンバーです")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if registered.Name != "alice" {
		t.Errorf("name should be trimmed: %q", registered.Name)
	}
	// 自己紹介はサニタイズしてから保存される
	if registeredBio != "sanitized:ギター歴10年のメンバーです" {
		t.Errorf("bio should be sanitized: %q", registeredBio)
	}
	if registered.Plan != model.PlanFree {
		t.Errorf("new member should start on Free: %s", registered.Plan)
	}
}

func TestRegister_InvalidInput_NoBackendCall(t *testing.T) {
	called := false
	directory := &mockDirectory{
		registerFn: func(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error) {
			called = true
			return nil, nil
		},
	}
	service := newTestService(directory)

	_, err := service.Register(context.Background(), "principal-1", "ab", "https://github.com/ab", "自己紹介は10文字以上です")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Error("backend should not be called for invalid input")
	}
}

func TestGet_NotFound(t *testing.T) {
	service := newTestService(&mockDirectory{})

	_, err := service.Get(context.Background(), "unknown")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "MEMBER_NOT_FOUND" {
		t.Fatalf("expected MEMBER_NOT_FOUND, got %v", err)
	}
}

func TestGet_Found(t *testing.T) {
	directory := &mockDirectory{
		getMemberFn: func(ctx context.Context, principal model.Principal) (*model.Member, error) {
			return &model.Member{Name: "alice", Plan: model.PlanElite}, nil
		},
	}
	service := newTestService(directory)

	found, err := service.Get(context.Background(), "principal-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found.Name != "alice" || found.Plan != model.PlanElite {
		t.Errorf("unexpected member: %+v", found)
	}
}

func TestList(t *testing.T) {
	directory := &mockDirectory{
		listMembersFn: func(ctx context.Context) ([]backend.MemberEntry, error) {
			return []backend.MemberEntry{
				{Principal: "p1", Member: model.Member{Name: "alice"}},
				{Principal: "p2", Member: model.Member{Name: "bob"}},
			}, nil
		},
	}
	service := newTestService(directory)

	entries, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("unexpected entry count: %d", len(entries))
	}
}
