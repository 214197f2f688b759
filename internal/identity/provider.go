// Package identity はアイデンティティプロバイダーとの連携を提供する。
// ログインセレモニーの開始、デリゲーション（署名付きアイデンティティ）の検証、
// プロバイダーセッションの失効を含む。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hitoshi/memberclub/internal/model"
)

const (
	authorizePath = "/api/v1/authorize"
	verifyPath    = "/api/v1/verify"
	logoutPath    = "/api/v1/logout"
)

// Provider はアイデンティティプロバイダーのインターフェース。
// ログインセレモニー自体（鍵の生成や署名方式）はプロバイダー側の責務であり、
// 本サービスは署名付きアイデンティティを不透明なケーパビリティとして扱う。
type Provider interface {
	// LoginURL はログインセレモニーの開始URLを生成する。
	LoginURL(state string) string
	// VerifyDelegation はデリゲーショントークンを検証し、アイデンティティを取得する。
	VerifyDelegation(ctx context.Context, token string) (*model.Identity, error)
	// Logout はプロバイダー側のログインセッションを失効させる。
	Logout(ctx context.Context, token string) error
}

// ClientConfig はアイデンティティプロバイダークライアントの設定。
type ClientConfig struct {
	BaseURL     string
	RedirectURL string

	// テスト用にオーバーライド可能なURL
	AuthorizeURL string
	VerifyURL    string
	LogoutURL    string
}

// Client はHTTP APIを公開するアイデンティティプロバイダーのクライアント実装。
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient はClientを生成する。
func NewClient(config ClientConfig, httpClient *http.Client) *Client {
	if config.AuthorizeURL == "" {
		config.AuthorizeURL = config.BaseURL + authorizePath
	}
	if config.VerifyURL == "" {
		config.VerifyURL = config.BaseURL + verifyPath
	}
	if config.LogoutURL == "" {
		config.LogoutURL = config.BaseURL + logoutPath
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{config: config, httpClient: httpClient}
}

// LoginURL はログインセレモニーの開始URLを生成する。
// セレモニー完了後、プロバイダーはredirect_uriにdelegationとstateを付けてリダイレクトする。
func (c *Client) LoginURL(state string) string {
	params := url.Values{
		"redirect_uri":  {c.config.RedirectURL},
		"response_type": {"delegation"},
		"state":         {state},
	}
	return c.config.AuthorizeURL + "?" + params.Encode()
}

// verifyResponse はプロバイダーの検証エンドポイントのレスポンス。
type verifyResponse struct {
	Principal string `json:"principal"`
}

// VerifyDelegation はデリゲーショントークンをプロバイダーで検証し、
// プリンシパルとレジャー用アカウントアドレスを持つアイデンティティを返す。
func (c *Client) VerifyDelegation(ctx context.Context, token string) (*model.Identity, error) {
	body, err := json.Marshal(map[string]string{"delegation": token})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.VerifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call identity provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("identity provider rejected delegation: status %d: %s", resp.StatusCode, respBody)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	if vr.Principal == "" {
		return nil, fmt.Errorf("identity provider returned empty principal")
	}

	principal := model.Principal(vr.Principal)
	return &model.Identity{
		Principal:      principal,
		AccountAddress: DeriveAccountAddress(principal),
	}, nil
}

// Logout はプロバイダー側のログインセッションを失効させる。
// Unauthenticatedへの全遷移で呼び出され、古いプロバイダー状態が
// 照合をすり抜けて再利用されることを防ぐ。
func (c *Client) Logout(ctx context.Context, token string) error {
	body, err := json.Marshal(map[string]string{"delegation": token})
	if err != nil {
		return fmt.Errorf("failed to marshal logout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.LogoutURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call identity provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("identity provider logout failed: status %d", resp.StatusCode)
	}

	return nil
}

// compile-time interface check
var _ Provider = (*Client)(nil)
