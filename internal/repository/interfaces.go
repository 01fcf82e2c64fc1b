// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByName は指定名のユーザーを取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// Delete は指定名のユーザーを削除する。
	// 関連するjobsはCASCADE削除される。
	Delete(ctx context.Context, name string) error

	// ListActive はactive=trueの全ユーザーを返す。
	ListActive(ctx context.Context) ([]*model.User, error)

	// ListExpiring はtoken_validがbeforeより前のactiveなユーザーを返す。
	ListExpiring(ctx context.Context, before time.Time) ([]*model.User, error)

	// MinActiveTokenValid はactiveなユーザーの中で最も早いtoken_validを返す。
	// activeなユーザーがいない場合はok=falseを返す。
	MinActiveTokenValid(ctx context.Context) (min time.Time, ok bool, err error)

	// UpdateCredentials はトークン一式と有効期限を更新し、active=trueに戻す。
	UpdateCredentials(ctx context.Context, name string, creds model.Credentials) error

	// Deactivate はユーザーをactive=falseにする。
	Deactivate(ctx context.Context, name string) error

	// UpdateLastCheck はlast_checkを更新する。
	UpdateLastCheck(ctx context.Context, name string, at time.Time) error
}

// JobRepository は配送ジョブの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを作成し、採番されたIDをjob.IDに設定する。
	Create(ctx context.Context, job *model.Job) error

	// ListPending は全ジョブを所有ユーザーと結合して返す。
	ListPending(ctx context.Context) ([]*model.Job, error)

	// Delete は指定IDのジョブを削除する。
	Delete(ctx context.Context, id int64) error
}

// Session は1トランザクションに束縛されたリポジトリ群。
type Session interface {
	Users() UserRepository
	Jobs() JobRepository
}

// Store はSessionの開始を提供する。
type Store interface {
	// InSession はfnを1つのトランザクション内で実行する。
	// fnがnilを返せばコミットし、エラーまたはpanicの場合はロールバックする。
	InSession(ctx context.Context, fn func(Session) error) error
}

// DBTX は*sql.DBと*sql.Txの共通メソッド。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
