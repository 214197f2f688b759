package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, billing, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrCodeMembershipMismatch   = "MEMBERSHIP_MISMATCH"
	ErrCodeTransferRejected     = "TRANSFER_REJECTED"
	ErrCodeConfirmationFailed   = "CONFIRMATION_FAILED"
	ErrCodeAlreadyInProgress    = "ALREADY_IN_PROGRESS"
	ErrCodeMetadataUnavailable  = "METADATA_UNAVAILABLE"
	ErrCodeSamePlan             = "SAME_PLAN"
	ErrCodeInvalidPlan          = "INVALID_PLAN"
	ErrCodeSessionInvalid       = "SESSION_INVALID"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeMemberNotFound       = "MEMBER_NOT_FOUND"
	ErrCodePostNotFound         = "POST_NOT_FOUND"
)

// NewAuthenticationFailedError は認証セレモニー失敗エラーを生成する。
// セッション状態は変更されず、ユーザーは再ログインできる。
func NewAuthenticationFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthenticationFailed,
		Message:  fmt.Sprintf("ログインを完了できませんでした: %s", reason),
		Category: "auth",
		Action:   "もう一度ログインをお試しください。",
	}
}

// NewMembershipMismatchError は「プロバイダー上は認証済みだが会員記録が存在しない」エラーを生成する。
// フェイルクローズ方針によりプロバイダーセッションは失効済み。
func NewMembershipMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeMembershipMismatch,
		Message:  "アカウントが登録されていません。",
		Category: "auth",
		Action:   "サインアップしてアカウントを作成してください。",
	}
}

// NewTransferRejectedError はレジャー送金の失敗エラーを生成する。
// 資金は移動しておらず、アップグレードは最初からやり直せる。
func NewTransferRejectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeTransferRejected,
		Message:  fmt.Sprintf("トークンの送金が拒否されました: %s", reason),
		Category: "billing",
		Action:   "残高を確認のうえ、もう一度お試しください。",
	}
}

// NewConfirmationFailedError は送金後の確定失敗エラーを生成する。
// 資金は移動済みのため、送金失敗とは区別して扱う。
func NewConfirmationFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeConfirmationFailed,
		Message:  fmt.Sprintf("お支払いは受領済みですが、プランの確定に失敗しました: %s", reason),
		Category: "billing",
		Action:   "プランは自動的に再確定されます。解決しない場合はサポートにお問い合わせください。",
	}
}

// NewAlreadyInProgressError は多重アップグレード呼び出しのエラーを生成する。
// 2回目の呼び出しはリモート呼び出しを行わずに即座に拒否される。
func NewAlreadyInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyInProgress,
		Message:  "プランのアップグレードは既に処理中です。",
		Category: "billing",
		Action:   "処理が完了するまでお待ちください。",
	}
}

// NewMetadataUnavailableError はトークンメタデータ未取得のエラーを生成する。
// リモートへの変更系呼び出しは一切行われていない。
func NewMetadataUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeMetadataUnavailable,
		Message:  "トークン情報を取得できていません。",
		Category: "billing",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSamePlanError は現在と同じプランへのアップグレード要求エラーを生成する。
func NewSamePlanError(plan Plan) *APIError {
	return &APIError{
		Code:     ErrCodeSamePlan,
		Message:  fmt.Sprintf("既に %s プランをご利用中です。", plan),
		Category: "validation",
		Action:   "別のプランを選択してください。",
	}
}

// NewInvalidPlanError は未知のプラン指定エラーを生成する。
func NewInvalidPlanError(s string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlan,
		Message:  fmt.Sprintf("無効なプランです: %s", s),
		Category: "validation",
		Action:   "Free、Elite、Legendary のいずれかを指定してください。",
	}
}

// NewSessionInvalidError は未認証またはセッション失効のエラーを生成する。
func NewSessionInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionInvalid,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewValidationError は入力バリデーション失敗のエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewMemberNotFoundError は会員未検出エラーを生成する。
func NewMemberNotFoundError(principal Principal) *APIError {
	return &APIError{
		Code:     ErrCodeMemberNotFound,
		Message:  fmt.Sprintf("指定された会員が見つかりません: %s", principal),
		Category: "validation",
		Action:   "会員一覧から存在する会員を確認してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "validation",
		Action:   "投稿IDを確認してください。",
	}
}
