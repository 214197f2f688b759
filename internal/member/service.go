// Package member は会員プロフィールの登録・閲覧機能を提供する。
package member

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/memberclub/internal/backend"
	"github.com/hitoshi/memberclub/internal/model"
	"github.com/hitoshi/memberclub/internal/security"
)

const (
	// minNameLength は表示名の最小文字数。
	minNameLength = 3
	// minBioLength は自己紹介の最小文字数。
	minBioLength = 10
)

// Directory はバックエンド権威の会員操作。
type Directory interface {
	Register(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error)
	GetMember(ctx context.Context, principal model.Principal) (*model.Member, error)
	ListMembers(ctx context.Context) ([]backend.MemberEntry, error)
}

// Service は会員プロフィール操作を提供する。
type Service struct {
	directory Directory
	sanitizer security.ContentSanitizerService
	ssrfGuard security.SSRFGuardService
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(directory Directory, sanitizer security.ContentSanitizerService, ssrfGuard security.SSRFGuardService, logger *slog.Logger) *Service {
	return &Service{
		directory: directory,
		sanitizer: sanitizer,
		ssrfGuard: ssrfGuard,
		logger:    logger,
	}
}

// ValidateRegistration は登録入力を検証する。
// 表示名は3文字以上、自己紹介は10文字以上、GitHub URLはhttp/httpsの
// 正当なURLである必要がある。
func (s *Service) ValidateRegistration(name, githubURL, bio string) error {
	if utf8.RuneCountInString(strings.TrimSpace(name)) < minNameLength {
		return model.NewValidationError(fmt.Sprintf("表示名は%d文字以上で入力してください", minNameLength))
	}
	if utf8.RuneCountInString(strings.TrimSpace(bio)) < minBioLength {
		return model.NewValidationError(fmt.Sprintf("自己紹介は%d文字以上で入力してください", minBioLength))
	}
	if err := s.validateGithubURL(githubURL); err != nil {
		return err
	}
	return nil
}

// validateGithubURL はGitHub URLの形式と安全性を検証する。
func (s *Service) validateGithubURL(githubURL string) error {
	parsed, err := url.Parse(githubURL)
	if err != nil {
		return model.NewValidationError("GitHub URLの形式が不正です")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return model.NewValidationError("GitHub URLはhttpまたはhttpsで始まる必要があります")
	}
	if parsed.Hostname() == "" {
		return model.NewValidationError("GitHub URLにホスト名がありません")
	}
	// プライベートIPやループバックを指すURLは受け付けない
	if err := s.ssrfGuard.ValidateURL(githubURL); err != nil {
		return model.NewValidationError("このGitHub URLは使用できません")
	}
	return nil
}

// Register は会員登録を行う。
// 入力検証に通過した場合のみバックエンドへ登録リクエストを送る。
// 自己紹介はサニタイズしてから保存する。
func (s *Service) Register(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error) {
	if err := s.ValidateRegistration(name, githubURL, bio); err != nil {
		return nil, err
	}

	registered, err := s.directory.Register(ctx, principal, strings.TrimSpace(name), githubURL, s.sanitizer.Sanitize(bio))
	if err != nil {
		return nil, err
	}

	s.logger.Info("会員登録完了",
		slog.String("principal", principal.String()),
		slog.String("name", registered.Name),
	)
	return registered, nil
}

// Get は指定プリンシパルの会員を取得する。存在しない場合はMemberNotFoundを返す。
func (s *Service) Get(ctx context.Context, principal model.Principal) (*model.Member, error) {
	found, err := s.directory.GetMember(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	if found == nil {
		return nil, model.NewMemberNotFoundError(principal)
	}
	return found, nil
}

// List は会員の一覧を返す。
func (s *Service) List(ctx context.Context) ([]backend.MemberEntry, error) {
	entries, err := s.directory.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return entries, nil
}
