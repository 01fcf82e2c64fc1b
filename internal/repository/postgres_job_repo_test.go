package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

func TestPostgresJobRepo_Create_SetsID(t *testing.T) {
	mock, _, jobs := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs(int64(42), "Go Proverbs", "epub", "alice", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	job := &model.Job{ArticleID: 42, Title: "Go Proverbs", Format: model.FormatEPUB, UserName: "alice"}
	if err := jobs().Create(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID != 7 {
		t.Errorf("ID = %d, want 7", job.ID)
	}
	if job.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestPostgresJobRepo_Create_OwnerGone(t *testing.T) {
	mock, _, jobs := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FOR KEY SHARE")).
		WithArgs(int64(42), "Go Proverbs", "epub", "alice", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job := &model.Job{ArticleID: 42, Title: "Go Proverbs", Format: model.FormatEPUB, UserName: "alice"}
	err := jobs().Create(context.Background(), job)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestPostgresJobRepo_Create_ForeignKeyViolation(t *testing.T) {
	mock, _, jobs := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnError(&pq.Error{Code: "23503", Message: "insert or update on table \"jobs\" violates foreign key constraint"})

	job := &model.Job{ArticleID: 42, Format: model.FormatEPUB, UserName: "alice"}
	err := jobs().Create(context.Background(), job)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestPostgresJobRepo_ListPending_JoinsUser(t *testing.T) {
	mock, _, jobs := newMock(t)
	now := time.Now()

	cols := []string{
		"id", "article_id", "title", "format", "user_name", "created_at",
		"name", "auth_token", "refresh_token", "token_valid", "last_check",
		"notify_email", "kindle_email", "active", "created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("JOIN users u ON u.name = j.user_name")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), int64(10), "First", "pdf", "alice", now,
				"alice", "tok", "ref", now, nil, "", "alice@kindle.com", true, now, now).
			AddRow(int64(2), int64(11), "Second", "mobi", "alice", now,
				"alice", "tok", "ref", now, now, "", "alice@kindle.com", true, now, now))

	list, err := jobs().ListPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Format != model.FormatPDF || list[1].Format != model.FormatMOBI {
		t.Errorf("formats = %q, %q", list[0].Format, list[1].Format)
	}
	if list[0].User == nil || list[0].User.AuthToken != "tok" {
		t.Errorf("expected joined user with token, got %+v", list[0].User)
	}
	if list[0].User.LastCheck != nil {
		t.Error("expected nil LastCheck for first row")
	}
	if list[1].User.LastCheck == nil {
		t.Error("expected LastCheck for second row")
	}
}

func TestPostgresJobRepo_Delete(t *testing.T) {
	mock, _, jobs := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := jobs().Delete(context.Background(), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresJobRepo_Delete_Error(t *testing.T) {
	mock, _, jobs := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs")).
		WillReturnError(errors.New("connection reset"))

	if err := jobs().Delete(context.Background(), 3); err == nil {
		t.Fatal("expected error, got nil")
	}
}
