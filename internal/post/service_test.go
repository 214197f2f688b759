package post

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/security"
)

// mockAuthority はAuthorityのモック実装。
type mockAuthority struct {
	createPostFn func(ctx context.Context, author model.Principal, title, content string, status model.PostStatus) (*model.Post, error)
	getPostFn    func(ctx context.Context, id string) (*model.Post, error)
	listPostsFn  func(ctx context.Context) ([]*model.Post, error)
}

func (m *mockAuthority) CreatePost(ctx context.Context, author model.Principal, title, content string, status model.PostStatus) (*model.Post, error) {
	if m.createPostFn != nil {
		return m.createPostFn(ctx, author, title, content, status)
	}
	return &model.Post{ID: "post-1", Author: author, Title: title, Content: content, Status: status}, nil
}

func (m *mockAuthority) GetPost(ctx context.Context, id string) (*model.Post, error) {
	if m.getPostFn != nil {
		return m.getPostFn(ctx, id)
	}
	return nil, nil
}

func (m *mockAuthority) ListPosts(ctx context.Context) ([]*model.Post, error) {
	if m.listPostsFn != nil {
		return m.listPostsFn(ctx)
	}
	return nil, nil
}

// mockSanitizer はContentSanitizerServiceのモック実装。
type mockSanitizer struct {
	sanitizeFn func(rawHTML string) string
}

func (m *mockSanitizer) Sanitize(rawHTML string) string {
	if m.sanitizeFn != nil {
		return m.sanitizeFn(rawHTML)
	}
	return rawHTML
}

// コンパイル時のインターフェース実装チェック
var (
	_ Authority                        = (*mockAuthority)(nil)
	_ security.ContentSanitizerService = (*mockSanitizer)(nil)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreate_Success(t *testing.T) {
	var savedContent string
	authority := &mockAuthority{
		createPostFn: func(ctx context.Context, author model.Principal, title, content string, status model.PostStatus) (*model.Post, error) {
			savedContent = content
			return &model.Post{ID: "post-1", Author: author, Title: title, Content: content, Status: status}, nil
		},
	}
	service := NewService(authority, &mockSanitizer{
		sanitizeFn: func(rawHTML string) string {
			return strings.ReplaceAll(rawHTML, "<script>", "")
		},
	}, testLogger())

	created, err := service.Create(context.Background(), "principal-1", "  はじめての投稿  ", "<script>本文", "Published")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Title != "はじめての投稿" {
		t.Errorf("title should be trimmed: %q", created.Title)
	}
	if created.Status != model.PostStatusPublished {
		t.Errorf("unexpected status: %s", created.Status)
	}
	// 本文は保存前にサニタイズされる
	if savedContent != "本文" {
		t.Errorf("content should be sanitized before save: %q", savedContent)
	}
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		status  string
		wantErr bool
	}{
		{"正常", "タイトル", "Draft", false},
		{"空タイトル", "", "Draft", true},
		{"空白のみのタイトル", "   ", "Draft", true},
		{"長すぎるタイトル", strings.Repeat("あ", 201), "Draft", true},
		{"不正なステータス", "タイトル", "Secret", true},
		{"Archivedは許可", "タイトル", "Archived", false},
	}

	service := NewService(&mockAuthority{}, &mockSanitizer{}, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Create(context.Background(), "principal-1", tt.title, "本文", tt.status)
			if tt.wantErr {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) || apiErr.Code != "VALIDATION_FAILED" {
					t.Errorf("expected VALIDATION_FAILED, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestGet_SanitizesContent(t *testing.T) {
	authority := &mockAuthority{
		getPostFn: func(ctx context.Context, id string) (*model.Post, error) {
			return &model.Post{ID: id, Title: "t", Content: "<script>alert(1)</script>safe"}, nil
		},
	}
	service := NewService(authority, &mockSanitizer{
		sanitizeFn: func(rawHTML string) string {
			return "safe"
		},
	}, testLogger())

	found, err := service.Get(context.Background(), "post-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found.Content != "safe" {
		t.Errorf("content should be sanitized: %q", found.Content)
	}
}

func TestGet_NotFound(t *testing.T) {
	service := NewService(&mockAuthority{}, &mockSanitizer{}, testLogger())

	_, err := service.Get(context.Background(), "missing")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "POST_NOT_FOUND" {
		t.Fatalf("expected POST_NOT_FOUND, got %v", err)
	}
}

func TestList_SanitizesEachPost(t *testing.T) {
	authority := &mockAuthority{
		listPostsFn: func(ctx context.Context) ([]*model.Post, error) {
			return []*model.Post{
				{ID: "p1", Content: "raw1"},
				{ID: "p2", Content: "raw2"},
			}, nil
		},
	}
	service := NewService(authority, &mockSanitizer{
		sanitizeFn: func(rawHTML string) string {
			return "clean:" + rawHTML
		},
	}, testLogger())

	posts, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("unexpected post count: %d", len(posts))
	}
	for _, p := range posts {
		if !strings.HasPrefix(p.Content, "clean:") {
			t.Errorf("post %s content should be sanitized: %q", p.ID, p.Content)
		}
	}
}
