package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newStoreMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestPostgresStore_InSession_CommitsOnSuccess(t *testing.T) {
	store, mock := newStoreMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.InSession(context.Background(), func(s Session) error {
		return s.Jobs().Delete(context.Background(), 1)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_InSession_RollsBackOnError(t *testing.T) {
	store, mock := newStoreMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InSession(context.Background(), func(s Session) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_InSession_RollsBackAndRepanics(t *testing.T) {
	store, mock := newStoreMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	defer func() {
		if r := recover(); r != "kaboom" {
			t.Errorf("recovered %v, want kaboom", r)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	}()

	_ = store.InSession(context.Background(), func(s Session) error {
		panic("kaboom")
	})
	t.Fatal("expected panic")
}

func TestPostgresStore_InSession_BeginError(t *testing.T) {
	store, mock := newStoreMock(t)

	mock.ExpectBegin().WillReturnError(errors.New("no connection"))

	called := false
	err := store.InSession(context.Background(), func(s Session) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if called {
		t.Error("fn must not run when the transaction fails to start")
	}
}
