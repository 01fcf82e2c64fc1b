package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

// ErrUserExists は同名のユーザーが既に登録されている場合に返される。
var ErrUserExists = errors.New("user already exists")

// ErrUserNotFound は更新・削除対象のユーザーが存在しない場合に返される。
var ErrUserNotFound = errors.New("user not found")

// PostgreSQLのエラーコード
const (
	pqUniqueViolation     = "23505" // unique_violation
	pqForeignKeyViolation = "23503" // foreign_key_violation
)

const userColumns = `name, auth_token, refresh_token, token_valid, last_check,
	notify_email, kindle_email, active, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db DBTX
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db DBTX) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*model.User, error) {
	user := &model.User{}
	var lastCheck sql.NullTime
	err := s.Scan(
		&user.Name, &user.AuthToken, &user.RefreshToken, &user.TokenValid, &lastCheck,
		&user.NotifyEmail, &user.KindleEmail, &user.Active, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		user.LastCheck = &t
	}
	return user, nil
}

// FindByName は指定名のユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByName(ctx context.Context, name string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE name = $1`,
		name,
	)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by name: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。同名ユーザーが存在する場合はErrUserExistsを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (name, auth_token, refresh_token, token_valid, last_check,
		                    notify_email, kindle_email, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		user.Name, user.AuthToken, user.RefreshToken, user.TokenValid, nullTime(user.LastCheck),
		user.NotifyEmail, user.KindleEmail, user.Active, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrUserExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Delete は指定名のユーザーを削除する。
func (r *PostgresUserRepo) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireAffected(result, name)
}

// ListActive はactive=trueの全ユーザーを返す。
func (r *PostgresUserRepo) ListActive(ctx context.Context) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE active ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return collectUsers(rows)
}

// ListExpiring はtoken_validがbeforeより前のactiveなユーザーを返す。
func (r *PostgresUserRepo) ListExpiring(ctx context.Context, before time.Time) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE active AND token_valid < $1
		 ORDER BY token_valid`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring users: %w", err)
	}
	return collectUsers(rows)
}

// MinActiveTokenValid はactiveなユーザーの中で最も早いtoken_validを返す。
func (r *PostgresUserRepo) MinActiveTokenValid(ctx context.Context) (time.Time, bool, error) {
	var min sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(token_valid) FROM users WHERE active`,
	).Scan(&min)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query min token_valid: %w", err)
	}
	if !min.Valid {
		return time.Time{}, false, nil
	}
	return min.Time, true, nil
}

// UpdateCredentials はトークン一式と有効期限を更新し、active=trueに戻す。
func (r *PostgresUserRepo) UpdateCredentials(ctx context.Context, name string, creds model.Credentials) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET auth_token = $2, refresh_token = $3, token_valid = $4, active = TRUE, updated_at = now()
		 WHERE name = $1`,
		name, creds.AuthToken, creds.RefreshToken, creds.TokenValid,
	)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return requireAffected(result, name)
}

// Deactivate はユーザーをactive=falseにする。
func (r *PostgresUserRepo) Deactivate(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET active = FALSE, updated_at = now() WHERE name = $1`,
		name,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	return requireAffected(result, name)
}

// UpdateLastCheck はlast_checkを更新する。
func (r *PostgresUserRepo) UpdateLastCheck(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_check = $2 WHERE name = $1`,
		name, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last_check: %w", err)
	}
	return nil
}

func collectUsers(rows *sql.Rows) ([]*model.User, error) {
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

func requireAffected(result sql.Result, name string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
