package model

import "time"

// Post は会員の投稿を表す。正本はバックエンドオーソリティが保持する。
type Post struct {
	ID        string
	Author    Principal
	Title     string
	Content   string
	Status    PostStatus
	CreatedAt time.Time
}

// PostStatus は投稿の公開状態を表す。
type PostStatus string

const (
	// PostStatusDraft は下書き状態。
	PostStatusDraft PostStatus = "Draft"
	// PostStatusPublished は公開済み状態。
	PostStatusPublished PostStatus = "Published"
	// PostStatusArchived はアーカイブ済み状態。
	PostStatusArchived PostStatus = "Archived"
)

// ParsePostStatus は文字列をPostStatusに変換する。未知の値はfalseを返す。
func ParsePostStatus(s string) (PostStatus, bool) {
	switch PostStatus(s) {
	case PostStatusDraft, PostStatusPublished, PostStatusArchived:
		return PostStatus(s), true
	}
	return "", false
}
