// Package backend はバックエンドオーソリティ（会員・決済の正本API）との連携を提供する。
// レスポンスはok/errのタグ付きユニオンで返り、フィールドの有無に依存しない形でデコードする。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/memberclub/internal/model"
)

const (
	membersPath   = "/api/v1/members"
	custodialPath = "/api/v1/custodial-address"
	confirmPath   = "/api/v1/plan-purchases/confirm"
	postsPath     = "/api/v1/posts"
)

// Client はバックエンドオーソリティのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientを生成する。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// envelope はバックエンドのok/errユニオンレスポンス。
// 成功時はokに呼び出しごとのペイロード、失敗時はerrにメッセージが入る。
type envelope struct {
	OK  json.RawMessage `json:"ok,omitempty"`
	Err *string         `json:"err,omitempty"`
}

// memberDTO はバックエンドの会員レコードのワイヤ表現。
type memberDTO struct {
	Principal string    `json:"principal"`
	Name      string    `json:"name"`
	Bio       string    `json:"bio"`
	GithubURL string    `json:"github_url"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// toModel はワイヤ表現をドメインモデルに変換する。
func (d *memberDTO) toModel() (*model.Member, error) {
	plan, ok := model.ParsePlan(d.Plan)
	if !ok {
		return nil, fmt.Errorf("backend returned unknown plan: %q", d.Plan)
	}
	return &model.Member{
		Name:      d.Name,
		Bio:       d.Bio,
		GithubURL: d.GithubURL,
		Plan:      plan,
		CreatedAt: d.CreatedAt,
	}, nil
}

// MemberEntry は会員一覧の1エントリ。会員レコードとそのプリンシパルを持つ。
type MemberEntry struct {
	Principal model.Principal
	Member    model.Member
}

// postDTO はバックエンドの投稿レコードのワイヤ表現。
type postDTO struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *postDTO) toModel() (*model.Post, error) {
	status, ok := model.ParsePostStatus(d.Status)
	if !ok {
		return nil, fmt.Errorf("backend returned unknown post status: %q", d.Status)
	}
	return &model.Post{
		ID:        d.ID,
		Author:    model.Principal(d.Author),
		Title:     d.Title,
		Content:   d.Content,
		Status:    status,
		CreatedAt: d.CreatedAt,
	}, nil
}

// doJSON はHTTPリクエストを実行し、envelopeとしてデコードする。
func (c *Client) doJSON(ctx context.Context, method, rawURL string, reqBody any) (*envelope, int, error) {
	var bodyReader *bytes.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to call backend authority: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode backend response (status %d): %w", resp.StatusCode, err)
	}

	return &env, resp.StatusCode, nil
}

// GetMember は指定プリンシパルの会員記録を取得する。
// 登録が存在しない場合はnilを返す（エラーではない）。
func (c *Client) GetMember(ctx context.Context, principal model.Principal) (*model.Member, error) {
	reqURL := c.baseURL + membersPath + "/" + url.PathEscape(principal.String())

	env, status, err := c.doJSON(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	if env.Err != nil {
		// 未登録はエラーではなく「会員なし」として返す
		return nil, nil
	}
	if env.OK == nil {
		return nil, fmt.Errorf("backend returned neither ok nor err (status %d)", status)
	}

	var dto memberDTO
	if err := json.Unmarshal(env.OK, &dto); err != nil {
		return nil, fmt.Errorf("failed to decode member: %w", err)
	}

	return dto.toModel()
}

// registerRequest は会員登録リクエスト。
type registerRequest struct {
	Principal string `json:"principal"`
	Name      string `json:"name"`
	GithubURL string `json:"github_url"`
	Bio       string `json:"bio"`
}

// Register は新規会員を登録する。バリデーション失敗はerrメッセージとして返る。
func (c *Client) Register(ctx context.Context, principal model.Principal, name, githubURL, bio string) (*model.Member, error) {
	env, status, err := c.doJSON(ctx, http.MethodPost, c.baseURL+membersPath, registerRequest{
		Principal: principal.String(),
		Name:      name,
		GithubURL: githubURL,
		Bio:       bio,
	})
	if err != nil {
		return nil, err
	}

	if env.Err != nil {
		return nil, model.NewValidationError(*env.Err)
	}
	if env.OK == nil {
		return nil, fmt.Errorf("backend returned neither ok nor err (status %d)", status)
	}

	var dto memberDTO
	if err := json.Unmarshal(env.OK, &dto); err != nil {
		return nil, fmt.Errorf("failed to decode member: %w", err)
	}

	return dto.toModel()
}

// GetCustodialAddress は指定プリンシパル専用のカストディアル入金アドレスを取得する。
// アドレスはプリンシパルの純粋関数であり、何度呼んでも同じ値が返る。
func (c *Client) GetCustodialAddress(ctx context.Context, principal model.Principal) (string, error) {
	reqURL := c.baseURL + custodialPath + "?principal=" + url.QueryEscape(principal.String())

	env, status, err := c.doJSON(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}

	if env.Err != nil {
		return "", fmt.Errorf("backend refused custodial address: %s", *env.Err)
	}
	if env.OK == nil {
		return "", fmt.Errorf("backend returned neither ok nor err (status %d)", status)
	}

	var address string
	if err := json.Unmarshal(env.OK, &address); err != nil {
		return "", fmt.Errorf("failed to decode custodial address: %w", err)
	}
	if address == "" {
		return "", fmt.Errorf("backend returned empty custodial address")
	}

	return address, nil
}

// confirmRequest はプラン購入確定リクエスト。
type confirmRequest struct {
	Principal string `json:"principal"`
	Plan      string `json:"plan"`
}

// ConfirmPlanPurchase はプラン購入をバックエンドで確定し、更新後の会員記録を返す。
// バックエンド側で冪等に実装されており、確定済みプランの再確定は同じ成功を返す。
func (c *Client) ConfirmPlanPurchase(ctx context.Context, principal model.Principal, plan model.Plan) (*model.Member, error) {
	env, status, err := c.doJSON(ctx, http.MethodPost, c.baseURL+confirmPath, confirmRequest{
		Principal: principal.String(),
		Plan:      string(plan),
	})
	if err != nil {
		return nil, err
	}

	if env.Err != nil {
		return nil, fmt.Errorf("backend refused plan purchase: %s", *env.Err)
	}
	if env.OK == nil {
		return nil, fmt.Errorf("backend returned neither ok nor err (status %d)", status)
	}

	var dto memberDTO
	if err := json.Unmarshal(env.OK, &dto); err != nil {
		return nil, fmt.Errorf("failed to decode member: %w", err)
	}

	return dto.toModel()
}

// ListMembers は会員一覧を取得する。
func (c *Client) ListMembers(ctx context.Context) ([]MemberEntry, error) {
	env, status, err := c.doJSON(ctx, http.MethodGet, c.baseURL+membersPath, nil)
	if err != nil {
		return nil, err
	}

	if env.Err != nil {
		return nil, fmt.Errorf("backend refused member listing: %s", *env.Err)
	}
	if env.OK == nil {
		return nil, fmt.Errorf("backend returned neither ok nor err (status %d)", status)
	}

	var dtos []memberDTO
	if err := json.Unmarshal(env.OK, &dtos); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}

	entries := make([]MemberEntry, 0, len(dtos))
	for _, dto := range dtos {
		member, err := dto.toModel()
		if err != nil {
			return nil, err
		}
		entries = append(entries, MemberEntry{
			Principal: model.Principal(dto.Principal),
			Member:    *member,
		})
	}

	return entries, nil
}

// createPostRequest は投稿作成リクエスト。
type createPostRequest struct {
	Author  string `json:"author"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// CreatePost は投稿を作成する。
func (c *Client) CreatePost(ctx context.Context, author model.Principal, title, content string, status model.PostStatus) (*model.Post, error) {
	env, code, err := c.doJSON(ctx, http.MethodPost, c.baseURL+postsPath, createPostRequest{
		Author:  author.String(),
		Title:   title,
		Content: content,
		Status:  string(status),
	})
	if err != nil {
		return nil, err
	}

	if env.Err != nil {
		return nil, model.NewValidationError(*env.Err)
	}
	if env.OK == nil {
		return nil, fmt.Errorf("backend returned neither ok nor err (status %d)", code)
	}

	var dto postDTO
	if err := json.Unmarshal(env.OK, &dto); err != nil {
		return nil, fmt.Errorf("failed to decode post: %w", err)
	}

	return dto.toModel()
}

// GetPost は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (c *Client) GetPost(ctx context.Context, id string) (*model.Post, error) {
	reqURL := c.baseURL + postsPath + "/" + url.PathEscape(id)

	env, status, err := c.doJSON(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	if env.Err != nil {
		return nil, nil
	}
	if env.OK == nil {
		return nil, fmt.Errorf("backend returned neither ok nor err (status %d)", status)
	}

	var dto postDTO
	if err := json.Unmarshal(env.OK, &dto); err != nil {
		return nil, fmt.Errorf("failed to decode post: %w", err)
	}

	return dto.toModel()
}

// ListPosts は投稿一覧を取得する。
func (c *Client) ListPosts(ctx context.Context) ([]*model.Post, error) {
	env, status, err := c.doJSON(ctx, http.MethodGet, c.baseURL+postsPath, nil)
	if err != nil {
		return nil, err
	}

	if env.Err != nil {
		return nil, fmt.Errorf("backend refused post listing: %s", *env.Err)
	}
	if env.OK == nil {
		return nil, fmt.Errorf("backend returned neither ok nor err (status %d)", status)
	}

	var dtos []postDTO
	if err := json.Unmarshal(env.OK, &dtos); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}

	posts := make([]*model.Post, 0, len(dtos))
	for _, dto := range dtos {
		post, err := dto.toModel()
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}

	return posts, nil
}
