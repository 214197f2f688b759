package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/memberclub/internal/middleware"
	"github.com/hitoshi/memberclub/internal/model"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	// Create は投稿を検証・サニタイズしてバックエンドに保存する。
	Create(ctx context.Context, author model.Principal, title, content, status string) (*model.Post, error)
	// Get は投稿を取得する。本文はサニタイズ済み。
	Get(ctx context.Context, id string) (*model.Post, error)
	// List は投稿一覧を返す。
	List(ctx context.Context) ([]*model.Post, error)
}

// PostHandler は投稿管理のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{service: service}
}

// createPostRequest は投稿作成リクエストのボディ。
type createPostRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// postResponse は投稿のAPIレスポンス。
type postResponse struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Create は投稿作成を処理する。
// POST /api/posts
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	post, err := h.service.Create(r.Context(), principal, req.Title, req.Content, req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toPostResponse(post))
}

// Get は投稿詳細を取得する。
// GET /api/posts/{id}
func (h *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")

	post, err := h.service.Get(r.Context(), postID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toPostResponse(post))
}

// List は投稿一覧を返す。
// GET /api/posts
func (h *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	posts, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]postResponse, len(posts))
	for i, p := range posts {
		results[i] = toPostResponse(p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"posts": results,
	})
}

// toPostResponse はmodel.PostからAPIレスポンスに変換する。
func toPostResponse(post *model.Post) postResponse {
	return postResponse{
		ID:        post.ID,
		Author:    string(post.Author),
		Title:     post.Title,
		Content:   post.Content,
		Status:    string(post.Status),
		CreatedAt: post.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
