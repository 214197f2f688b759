package member

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/memberclub/internal/security"
)

// AvatarFetcher は会員のGitHub URLからアバター画像を取得する。
// 取得先URLは外部入力由来のため、SSRF防止クライアントと
// レスポンスサイズ上限で保護する。
type AvatarFetcher struct {
	httpClient *http.Client
	ssrfGuard  security.SSRFGuardService
	maxSize    int64
}

// NewAvatarFetcher はAvatarFetcherを生成する。
// httpClientにはSSRFGuardService.NewSafeClientで生成したクライアントを渡すこと。
func NewAvatarFetcher(httpClient *http.Client, ssrfGuard security.SSRFGuardService, maxSize int64) *AvatarFetcher {
	return &AvatarFetcher{
		httpClient: httpClient,
		ssrfGuard:  ssrfGuard,
		maxSize:    maxSize,
	}
}

// AvatarURL は会員のGitHub URLからアバター画像URLを導出する。
// GitHubはプロフィールURLに".png"を付けるとアバター画像を返す。
func AvatarURL(githubURL string) (string, error) {
	parsed, err := url.Parse(githubURL)
	if err != nil {
		return "", fmt.Errorf("invalid github URL: %w", err)
	}
	path := strings.Trim(parsed.Path, "/")
	if path == "" || strings.Contains(path, "/") {
		return "", fmt.Errorf("github URL must point at a user profile: %s", githubURL)
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s.png", scheme, parsed.Host, path), nil
}

// Fetch はアバター画像を取得し、本体とContent-Typeを返す。
//
// 1. GitHub URLからアバターURLを導出する
// 2. URLの安全性を事前検証する
// 3. サイズ上限付きで取得し、画像であることを確認する
func (f *AvatarFetcher) Fetch(ctx context.Context, githubURL string) ([]byte, string, error) {
	avatarURL, err := AvatarURL(githubURL)
	if err != nil {
		return nil, "", err
	}

	if err := f.ssrfGuard.ValidateURL(avatarURL); err != nil {
		return nil, "", fmt.Errorf("avatar URL rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create avatar request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("avatar fetch returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("avatar response is not an image: %s", contentType)
	}

	// 上限+1バイト読んで超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read avatar body: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, "", fmt.Errorf("avatar exceeds size limit (%d bytes)", f.maxSize)
	}

	return body, contentType, nil
}
