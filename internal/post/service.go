// Package post は会員向け投稿の作成・閲覧機能を提供する。
// 投稿本文はバックエンド権威に保存され、本サービスは入力検証と
// 表示前のサニタイズを担う。
package post

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/security"
)

const (
	// maxTitleLength はタイトルの最大文字数。
	maxTitleLength = 200
)

// Authority はバックエンド権威の投稿操作。
type Authority interface {
	CreatePost(ctx context.Context, author model.Principal, title, content string, status model.PostStatus) (*model.Post, error)
	GetPost(ctx context.Context, id string) (*model.Post, error)
	ListPosts(ctx context.Context) ([]*model.Post, error)
}

// Service は投稿操作を提供する。
type Service struct {
	authority Authority
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(authority Authority, sanitizer security.ContentSanitizerService, logger *slog.Logger) *Service {
	return &Service{
		authority: authority,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Create は投稿を作成する。
// タイトルは必須かつ上限以内、ステータスはDraft/Published/Archivedのいずれか。
// 本文は保存前にサニタイズする。
func (s *Service) Create(ctx context.Context, author model.Principal, title, content, statusRaw string) (*model.Post, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, model.NewValidationError("タイトルを入力してください")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, model.NewValidationError(fmt.Sprintf("タイトルは%d文字以内で入力してください", maxTitleLength))
	}

	status, ok := model.ParsePostStatus(statusRaw)
	if !ok {
		return nil, model.NewValidationError(fmt.Sprintf("不正な投稿ステータスです: %s", statusRaw))
	}

	created, err := s.authority.CreatePost(ctx, author, title, s.sanitizer.Sanitize(content), status)
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	s.logger.Info("投稿作成",
		slog.String("post_id", created.ID),
		slog.String("principal", author.String()),
		slog.String("status", string(created.Status)),
	)
	return created, nil
}

// Get は指定IDの投稿を取得する。存在しない場合はPostNotFoundを返す。
// 本文は表示用にサニタイズして返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Post, error) {
	found, err := s.authority.GetPost(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	if found == nil {
		return nil, model.NewPostNotFoundError(id)
	}

	found.Content = s.sanitizer.Sanitize(found.Content)
	return found, nil
}

// List は投稿の一覧を返す。本文はサニタイズ済み。
func (s *Service) List(ctx context.Context) ([]*model.Post, error) {
	posts, err := s.authority.ListPosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	for _, p := range posts {
		p.Content = s.sanitizer.Sanitize(p.Content)
	}
	return posts, nil
}
