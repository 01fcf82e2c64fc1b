package model

import (
	"fmt"
	"time"
)

// Format はwallabagのエクスポート形式を表す。
type Format string

const (
	// FormatPDF はPDF形式。
	FormatPDF Format = "pdf"
	// FormatMOBI はMOBI形式。
	FormatMOBI Format = "mobi"
	// FormatEPUB はEPUB形式。
	FormatEPUB Format = "epub"
)

// ParseFormat は文字列をFormatに変換する。未対応の形式はエラーを返す。
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if !f.Valid() {
		return "", fmt.Errorf("unsupported export format: %q", s)
	}
	return f, nil
}

// Valid は対応済みの形式であればtrueを返す。
func (f Format) Valid() bool {
	switch f {
	case FormatPDF, FormatMOBI, FormatEPUB:
		return true
	default:
		return false
	}
}

// MIMEType は添付ファイルのContent-Typeを返す。
func (f Format) MIMEType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatEPUB:
		return "application/epub+zip"
	case FormatMOBI:
		return "application/x-mobipocket-ebook"
	default:
		return "application/octet-stream"
	}
}

// Job は1件の配送待ちジョブを表す。
// 検出フェーズで作成され、配送フェーズでエクスポートを試行した後に削除される。
// 削除以外の更新は行わない。
type Job struct {
	ID        int64
	ArticleID int64
	Title     string
	Format    Format
	UserName  string
	CreatedAt time.Time

	// User はListPendingで結合されたジョブの所有ユーザー。
	User *User
}

// AttachmentName は添付ファイル名（{title}.{format}）を返す。
func (j *Job) AttachmentName() string {
	return j.Title + "." + string(j.Format)
}
