package user

import (
	"errors"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

var errAddressForm = errors.New("address must not contain a display name")

// kindleDomains はKindleの受信アドレスとして受け付けるドメイン。
var kindleDomains = map[string]bool{
	"kindle.com":      true,
	"free.kindle.com": true,
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	KindleEmail string `json:"kindleEmail"`
	NotifyEmail string `json:"notifyEmail"`
}

// LoginInput は再認証と削除の入力。
type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// validate はwallabagの資格情報を検証し、項目ごとのエラーをfieldsに追加する。
func (in LoginInput) validate(fields map[string]string) {
	if strings.TrimSpace(in.Username) == "" {
		fields["username"] = "ユーザー名を入力してください。"
	}
	if in.Password == "" {
		fields["password"] = "パスワードを入力してください。"
	}
}

// Validate は入力を検証し、正規化したメールアドレスを設定した入力を返す。
// 検証エラーがある場合は項目名をキーとするエラーメッセージを返す。
func (in RegisterInput) Validate() (RegisterInput, map[string]string) {
	fields := make(map[string]string)
	LoginInput{Username: in.Username, Password: in.Password}.validate(fields)

	out := in
	out.Username = strings.TrimSpace(in.Username)

	kindle, domain, err := normalizeAddress(in.KindleEmail)
	switch {
	case err != nil:
		fields["kindleEmail"] = "メールアドレスの形式が正しくありません。"
	case !kindleDomains[domain]:
		fields["kindleEmail"] = "@kindle.com または @free.kindle.com のアドレスを入力してください。"
	default:
		out.KindleEmail = kindle
	}

	notify, _, err := normalizeAddress(in.NotifyEmail)
	if err != nil {
		fields["notifyEmail"] = "メールアドレスの形式が正しくありません。"
	} else {
		out.NotifyEmail = notify
	}

	return out, fields
}

// normalizeAddress は表示名を含まない単一のアドレスのみを受け付け、
// ドメインをIDNAのASCII表現（小文字）に正規化して返す。
func normalizeAddress(raw string) (address, domain string, err error) {
	raw = strings.TrimSpace(raw)
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", "", err
	}
	if parsed.Name != "" || parsed.Address != raw {
		return "", "", errAddressForm
	}

	at := strings.LastIndex(parsed.Address, "@")
	local, host := parsed.Address[:at], parsed.Address[at+1:]

	domain, err = idna.Lookup.ToASCII(host)
	if err != nil {
		return "", "", err
	}
	domain = strings.ToLower(domain)
	return local + "@" + domain, domain, nil
}
