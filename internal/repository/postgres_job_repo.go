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

// PostgresJobRepo はPostgreSQLを使用したジョブリポジトリ。
type PostgresJobRepo struct {
	db DBTX
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db DBTX) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

// Create はジョブを作成し、採番されたIDをjob.IDに設定する。
// 所有ユーザーが削除済みの場合はErrUserNotFoundを返す。
// 所有ユーザー行をFOR KEY SHAREでロックしてから挿入し、行がなければ何も挿入しない。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO jobs (article_id, title, format, user_name, created_at)
		 SELECT $1::bigint, $2::text, $3::text, u.name, $5::timestamptz
		 FROM users u
		 WHERE u.name = $4::text
		 FOR KEY SHARE
		 RETURNING id`,
		job.ArticleID, job.Title, string(job.Format), job.UserName, job.CreatedAt,
	).Scan(&job.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, job.UserName)
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return fmt.Errorf("%w: %s", ErrUserNotFound, job.UserName)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ListPending は全ジョブを所有ユーザーと結合してID順に返す。
func (r *PostgresJobRepo) ListPending(ctx context.Context) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT j.id, j.article_id, j.title, j.format, j.user_name, j.created_at,
		        u.name, u.auth_token, u.refresh_token, u.token_valid, u.last_check,
		        u.notify_email, u.kindle_email, u.active, u.created_at, u.updated_at
		 FROM jobs j
		 JOIN users u ON u.name = j.user_name
		 ORDER BY j.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job := &model.Job{User: &model.User{}}
		var format string
		var lastCheck sql.NullTime
		u := job.User
		if err := rows.Scan(
			&job.ID, &job.ArticleID, &job.Title, &format, &job.UserName, &job.CreatedAt,
			&u.Name, &u.AuthToken, &u.RefreshToken, &u.TokenValid, &lastCheck,
			&u.NotifyEmail, &u.KindleEmail, &u.Active, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Format = model.Format(format)
		if lastCheck.Valid {
			t := lastCheck.Time
			u.LastCheck = &t
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// Delete は指定IDのジョブを削除する。存在しない場合もエラーにしない。
func (r *PostgresJobRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
