// Package wallabag はwallabag v2 APIのクライアントを提供する。
// トークンの取得・更新、タグ付きエントリの一覧、タグの削除、エントリのエクスポートを扱う。
package wallabag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

const (
	userAgent = "wallabag-kindle-consumer/1.0"
	// maxExportSize はエクスポートで受け付ける最大サイズ（50MB）。
	maxExportSize = 50 << 20
	// defaultPerPage はperPage未指定時のページサイズ。
	defaultPerPage = 30
)

// TitleSanitizer はエントリタイトルの整形処理。
type TitleSanitizer interface {
	Sanitize(raw string) string
}

// Config はクライアントの設定。
type Config struct {
	// Host はwallabagのベースURL（末尾スラッシュなし）。
	Host         string
	ClientID     string
	ClientSecret string
	// PerPage はエントリ一覧の1ページあたりの件数。
	PerPage int
}

// Client はwallabag APIのクライアント。
// 全てのリクエストはlimiterを通過してから送信される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	cfg        Config
	limiter    *rate.Limiter
	sanitizer  TitleSanitizer
	now        func() time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
// limiterとsanitizerはnilでもよい。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config, limiter *rate.Limiter, sanitizer TitleSanitizer) *Client {
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		cfg:        cfg,
		limiter:    limiter,
		sanitizer:  sanitizer,
		now:        time.Now,
	}
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// GetToken はパスワードグラントでトークンを取得する。
// 4xxはErrNotAuthenticated、5xxは*StatusErrorを返す。
func (c *Client) GetToken(ctx context.Context, username, password string) (model.Credentials, error) {
	creds, err := c.requestToken(ctx, tokenRequest{
		GrantType:    "password",
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Username:     username,
		Password:     password,
	})
	if err != nil {
		return model.Credentials{}, err
	}
	c.logger.Info("アクセストークンを取得しました", slog.String("user", username))
	return creds, nil
}

// RefreshToken はリフレッシュトークングラントでトークンを更新する。
// 4xxはErrNotAuthenticated、5xxは*StatusErrorを返す。
func (c *Client) RefreshToken(ctx context.Context, user *model.User) (model.Credentials, error) {
	return c.requestToken(ctx, tokenRequest{
		GrantType:    "refresh_token",
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Username:     user.Name,
		RefreshToken: user.RefreshToken,
	})
}

func (c *Client) requestToken(ctx context.Context, payload tokenRequest) (model.Credentials, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("failed to encode token request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.cfg.Host+"/oauth/v2/token", nil, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("トークンエンドポイントの呼び出しに失敗しました",
			slog.String("user", payload.Username),
			slog.String("grant_type", payload.GrantType),
			slog.String("error", err.Error()),
		)
		return model.Credentials{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("トークンを取得できませんでした",
			slog.String("user", payload.Username),
			slog.String("grant_type", payload.GrantType),
			slog.Int("http_status", resp.StatusCode),
		)
		if resp.StatusCode >= http.StatusInternalServerError {
			return model.Credentials{}, &StatusError{Op: "token", StatusCode: resp.StatusCode}
		}
		return model.Credentials{}, ErrNotAuthenticated
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return model.Credentials{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return model.Credentials{}, fmt.Errorf("token response has no access_token: %w", ErrNotAuthenticated)
	}
	return token.Credentials(c.now()), nil
}

// ListEntries はタグが付いたエントリの1ページ目を取得する。
// 200以外のステータスは*StatusErrorを返す。
func (c *Client) ListEntries(ctx context.Context, user *model.User, tag model.Tag) (*EntryPage, error) {
	q := url.Values{}
	q.Set("tags", tag.Label)
	q.Set("perPage", strconv.Itoa(c.cfg.PerPage))

	resp, err := c.do(ctx, http.MethodGet, c.cfg.Host+"/api/entries.json", c.withToken(user, q), nil)
	if err != nil {
		c.logger.Warn("エントリ一覧の取得に失敗しました",
			slog.String("user", user.Name),
			slog.String("tag", tag.Label),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("エントリ一覧を取得できませんでした",
			slog.String("user", user.Name),
			slog.String("tag", tag.Label),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &StatusError{Op: "list entries", StatusCode: resp.StatusCode}
	}

	var page EntryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	if c.sanitizer != nil {
		for i := range page.Embedded.Items {
			page.Embedded.Items[i].Title = c.sanitizer.Sanitize(page.Embedded.Items[i].Title)
		}
	}
	return &page, nil
}

// RemoveTag はエントリからタグを削除する。
// 200以外のステータスは*StatusErrorを返す。
func (c *Client) RemoveTag(ctx context.Context, user *model.User, entryID, tagID int64) error {
	endpoint := fmt.Sprintf("%s/api/entries/%d/tags/%d.json", c.cfg.Host, entryID, tagID)

	resp, err := c.do(ctx, http.MethodDelete, endpoint, c.withToken(user, nil), nil)
	if err != nil {
		c.logger.Warn("タグの削除に失敗しました",
			slog.String("user", user.Name),
			slog.Int64("article_id", entryID),
			slog.Int64("tag_id", tagID),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("タグを削除できませんでした",
			slog.String("user", user.Name),
			slog.Int64("article_id", entryID),
			slog.Int64("tag_id", tagID),
			slog.Int("http_status", resp.StatusCode),
		)
		return &StatusError{Op: "remove tag", StatusCode: resp.StatusCode}
	}

	c.logger.Info("タグを削除しました",
		slog.String("user", user.Name),
		slog.Int64("article_id", entryID),
		slog.Int64("tag_id", tagID),
	)
	return nil
}

// Export はエントリを指定形式でエクスポートし、本文のバイト列を返す。
// 200以外のステータスは*StatusErrorを返す。
func (c *Client) Export(ctx context.Context, user *model.User, entryID int64, format model.Format) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/entries/%d/export.%s", c.cfg.Host, entryID, format)

	resp, err := c.do(ctx, http.MethodGet, endpoint, c.withToken(user, nil), nil)
	if err != nil {
		c.logger.Error("エクスポートに失敗しました",
			slog.String("user", user.Name),
			slog.Int64("article_id", entryID),
			slog.String("format", string(format)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("エクスポートできませんでした",
			slog.String("user", user.Name),
			slog.Int64("article_id", entryID),
			slog.String("format", string(format)),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &StatusError{Op: "export", StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExportSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read export body: %w", err)
	}
	if len(data) > maxExportSize {
		return nil, fmt.Errorf("export of entry %d exceeds %d bytes", entryID, maxExportSize)
	}
	return data, nil
}

func (c *Client) withToken(user *model.User, q url.Values) url.Values {
	if q == nil {
		q = url.Values{}
	}
	q.Set("access_token", user.AuthToken)
	return q
}

func (c *Client) do(ctx context.Context, method, endpoint string, q url.Values, body io.Reader) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}
