package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
	"github.com/natilou/wallabag-kindle-consumer/internal/user"
)

// maxRequestBody はリクエストボディの上限（バイト）。
const maxRequestBody = 16 << 10

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Register はwallabagで認証できたユーザーを登録する。
	Register(ctx context.Context, in user.RegisterInput) (*model.User, error)
	// Update は登録済みユーザーを再認証し、activeに戻す。
	Update(ctx context.Context, in user.LoginInput) (*model.User, error)
	// Delete は本人確認の上でユーザーと未配送のジョブを削除する。
	Delete(ctx context.Context, in user.LoginInput) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// userResponse はユーザー情報のAPIレスポンス。トークンは含めない。
type userResponse struct {
	Username    string    `json:"username"`
	KindleEmail string    `json:"kindleEmail"`
	NotifyEmail string    `json:"notifyEmail"`
	Active      bool      `json:"active"`
	TokenValid  time.Time `json:"tokenValid"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		Username:    u.Name,
		KindleEmail: u.KindleEmail,
		NotifyEmail: u.NotifyEmail,
		Active:      u.Active,
		TokenValid:  u.TokenValid,
	}
}

// Register はユーザー登録を処理する。
// POST /api/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req user.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.Register(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// Update は再認証を処理する。
// POST /api/users/update
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req user.LoginInput
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.Update(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// Delete はユーザー削除を処理する。
// POST /api/users/delete
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req user.LoginInput
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.Delete(r.Context(), req); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
