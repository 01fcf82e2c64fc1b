package wallabag

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAuthenticated はトークンエンドポイントが5xx以外の200以外を返した場合のエラー。
// パスワードまたはリフレッシュトークンが無効であることを示す。
// 5xxはサーバー側の一時的な障害として*StatusErrorになる。
var ErrNotAuthenticated = errors.New("wallabag: not authenticated")

// StatusError はAPI呼び出しが200以外を返した場合のエラー。
// トークンエンドポイントでは5xxの場合のみ使う。
// 呼び出し元はこの結果を「今回は結果なし」として扱う。
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wallabag: %s returned status %d", e.Op, e.StatusCode)
}

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusClassOK は成功（2xx）。
	StatusClassOK StatusClass = iota
	// StatusClassAuth は認証エラー（401/403）。ユーザーの再認証が必要。
	StatusClassAuth
	// StatusClassTransient はそれ以外の失敗。次回のtickで再試行される。
	StatusClassTransient
)

// String はメトリクスのラベル値を返す。
func (c StatusClass) String() string {
	switch c {
	case StatusClassOK:
		return "ok"
	case StatusClassAuth:
		return "auth"
	default:
		return "transient"
	}
}

// ClassifyStatus はHTTPステータスコードを分類する。
func ClassifyStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClassOK
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return StatusClassAuth
	default:
		return StatusClassTransient
	}
}

// ClassifyError はエラーを分類する。nilはStatusClassOKになる。
func ClassifyError(err error) StatusClass {
	if err == nil {
		return StatusClassOK
	}
	if errors.Is(err, ErrNotAuthenticated) {
		return StatusClassAuth
	}
	var se *StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.StatusCode)
	}
	return StatusClassTransient
}
