package wallabag

import (
	"time"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

// Token はトークンエンドポイントのレスポンス。
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// ExpiresAt はnowを基準にしたアクセストークンの有効期限を返す。
func (t *Token) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Credentials はnowを基準にmodel.Credentialsへ変換する。
func (t *Token) Credentials(now time.Time) model.Credentials {
	return model.Credentials{
		AuthToken:    t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenValid:   t.ExpiresAt(now),
	}
}

// EntryTag はエントリに付与されたタグ。
type EntryTag struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// Entry はwallabagのエントリのうち、配送に必要なフィールドのみを保持する。
type Entry struct {
	ID    int64      `json:"id"`
	Title string     `json:"title"`
	URL   string     `json:"url"`
	Tags  []EntryTag `json:"tags"`
}

// TagID はラベルに一致するタグのIDを返す。見つからない場合は-1を返す。
func (e *Entry) TagID(label string) int64 {
	for _, t := range e.Tags {
		if t.Label == label {
			return t.ID
		}
	}
	return -1
}

// EntryPage はエントリ一覧の1ページ分。
type EntryPage struct {
	Page     int `json:"page"`
	Limit    int `json:"limit"`
	Pages    int `json:"pages"`
	Total    int `json:"total"`
	Embedded struct {
		Items []Entry `json:"items"`
	} `json:"_embedded"`
}

// Entries はページに含まれるエントリを返す。
func (p *EntryPage) Entries() []Entry {
	return p.Embedded.Items
}

// SinglePage は一覧がちょうど1ページで完結している場合にtrueを返す。
// 空の一覧（pages=0）はfalseになり、last_checkは進めない。
func (p *EntryPage) SinglePage() bool {
	return p.Pages == 1
}
