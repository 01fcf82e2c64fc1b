// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, user, system
	Action   string // ユーザー向け対処方法
	// Fields は入力項目ごとの検証エラー。検証エラー以外では空。
	Fields map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeUserAlreadyExists = "USER_ALREADY_EXISTS"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeAuthFailed        = "WALLABAG_AUTH_FAILED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeUpstream          = "WALLABAG_UNAVAILABLE"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "入力内容に誤りがあります。",
		Category: "validation",
		Action:   "各項目のエラー内容を確認して再度送信してください。",
		Fields:   fields,
	}
}

// NewUserAlreadyExistsError は登録済みユーザーを再登録しようとした場合のエラーを生成する。
func NewUserAlreadyExistsError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUserAlreadyExists,
		Message:  fmt.Sprintf("ユーザーは既に登録されています: %s", name),
		Category: "user",
		Action:   "トークンを更新する場合は /update を利用してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが登録されていません: %s", name),
		Category: "user",
		Action:   "先にユーザー登録を行ってください。",
	}
}

// NewAuthFailedError はwallabagでの認証に失敗した場合のエラーを生成する。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "wallabagサーバーでの認証に失敗しました。",
		Category: "auth",
		Action:   "ユーザー名とパスワードを確認してください。",
	}
}

// NewUpstreamError はwallabagサーバーに接続できない場合のエラーを生成する。
func NewUpstreamError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstream,
		Message:  "wallabagサーバーに接続できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はリクエスト数が上限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
