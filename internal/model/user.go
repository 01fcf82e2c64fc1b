// Package model はドメインモデルを定義する。
package model

import "time"

// User は配送対象のユーザーを表す。
// NameはwallabagのログインIDで、一意キーとして扱う。
type User struct {
	Name         string
	AuthToken    string
	RefreshToken string
	// TokenValid は現在のAuthTokenの有効期限（絶対時刻）。
	TokenValid time.Time
	// LastCheck は単一ページで取得が完了した最後の検出時刻。未検出の場合はnil。
	LastCheck   *time.Time
	NotifyEmail string
	KindleEmail string
	// Active はトークン更新に失敗するとfalseになる。
	// 更新と検出はActiveなユーザーのみを対象とする。
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials はwallabagから取得したアクセストークン一式を表す。
type Credentials struct {
	AuthToken    string
	RefreshToken string
	TokenValid   time.Time
}

// ApplyCredentials はトークン一式をユーザーに反映する。
func (u *User) ApplyCredentials(c Credentials) {
	u.AuthToken = c.AuthToken
	u.RefreshToken = c.RefreshToken
	u.TokenValid = c.TokenValid
}
