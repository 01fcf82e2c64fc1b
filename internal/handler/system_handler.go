package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

// HealthChecker はデータベースの疎通確認を行う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// tagResponse はタグとエクスポート形式の対応。
type tagResponse struct {
	Label  string `json:"label"`
	Format string `json:"format"`
}

// TagsHandler は検出対象のタグ一覧を返すハンドラーを生成する。
// GET /api/tags
func TagsHandler(tags []model.Tag) http.HandlerFunc {
	body := make([]tagResponse, 0, len(tags))
	for _, t := range tags {
		body = append(body, tagResponse{Label: t.Label, Format: string(t.Format)})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tags": body})
	}
}

// HealthHandler はDBに接続できる場合に200を返すハンドラーを生成する。
// GET /health
func HealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
