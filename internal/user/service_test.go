package user

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/natilou/wallabag-kindle-consumer/internal/metrics"
	"github.com/natilou/wallabag-kindle-consumer/internal/model"
	"github.com/natilou/wallabag-kindle-consumer/internal/repository/repotest"
	"github.com/natilou/wallabag-kindle-consumer/internal/wallabag"
)

// --- モック ---

type mockTokenClient struct {
	getTokenFn func(ctx context.Context, username, password string) (model.Credentials, error)
	calls      int
}

func (m *mockTokenClient) GetToken(ctx context.Context, username, password string) (model.Credentials, error) {
	m.calls++
	if m.getTokenFn != nil {
		return m.getTokenFn(ctx, username, password)
	}
	return model.Credentials{}, nil
}

type mockWaker struct {
	woken int
}

func (m *mockWaker) Wake() { m.woken++ }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var tokenValid = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func okClient() *mockTokenClient {
	return &mockTokenClient{
		getTokenFn: func(_ context.Context, username, password string) (model.Credentials, error) {
			if password != "secret" {
				return model.Credentials{}, wallabag.ErrNotAuthenticated
			}
			return model.Credentials{
				AuthToken:    "access-" + username,
				RefreshToken: "refresh-" + username,
				TokenValid:   tokenValid,
			}, nil
		},
	}
}

func newTestService(store *repotest.Store, client *mockTokenClient, waker *mockWaker, buf *bytes.Buffer) *Service {
	var w Waker
	if waker != nil {
		w = waker
	}
	return NewService(store, client, metrics.NewCollector(prometheus.NewRegistry()), newTestLogger(buf), w)
}

func registerInput() RegisterInput {
	return RegisterInput{
		Username:    "alice",
		Password:    "secret",
		KindleEmail: "alice@kindle.com",
		NotifyEmail: "alice@example.com",
	}
}

func apiErrorCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T: %v", err, err)
	}
	return apiErr.Code
}

// --- Register ---

func TestService_Register(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	waker := &mockWaker{}
	svc := newTestService(store, okClient(), waker, &buf)

	u, err := svc.Register(context.Background(), registerInput())
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if u.AuthToken != "access-alice" {
		t.Errorf("AuthToken = %q", u.AuthToken)
	}

	stored, ok := store.User("alice")
	if !ok {
		t.Fatal("user was not stored")
	}
	if !stored.Active {
		t.Error("registered user should be active")
	}
	if !stored.TokenValid.Equal(tokenValid) {
		t.Errorf("TokenValid = %v, want %v", stored.TokenValid, tokenValid)
	}
	if stored.KindleEmail != "alice@kindle.com" || stored.NotifyEmail != "alice@example.com" {
		t.Errorf("emails = %q / %q", stored.KindleEmail, stored.NotifyEmail)
	}
	if waker.woken != 1 {
		t.Errorf("woken = %d, want 1", waker.woken)
	}
}

func TestService_Register_ValidationError(t *testing.T) {
	var buf bytes.Buffer
	client := okClient()
	svc := newTestService(repotest.NewStore(), client, nil, &buf)

	in := registerInput()
	in.KindleEmail = "alice@gmail.com"

	_, err := svc.Register(context.Background(), in)
	if code := apiErrorCode(t, err); code != model.ErrCodeValidation {
		t.Errorf("code = %q, want %q", code, model.ErrCodeValidation)
	}
	if client.calls != 0 {
		t.Error("wallabag must not be called for invalid input")
	}
}

func TestService_Register_Duplicate(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	store.AddUser(model.User{Name: "alice", Active: false})
	client := okClient()
	svc := newTestService(store, client, nil, &buf)

	_, err := svc.Register(context.Background(), registerInput())
	if code := apiErrorCode(t, err); code != model.ErrCodeUserAlreadyExists {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUserAlreadyExists)
	}
	if client.calls != 0 {
		t.Error("wallabag must not be called for a duplicate user")
	}
}

func TestService_Register_AuthFailed(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	waker := &mockWaker{}
	svc := newTestService(store, okClient(), waker, &buf)

	in := registerInput()
	in.Password = "wrong"

	_, err := svc.Register(context.Background(), in)
	if code := apiErrorCode(t, err); code != model.ErrCodeAuthFailed {
		t.Errorf("code = %q, want %q", code, model.ErrCodeAuthFailed)
	}
	if _, ok := store.User("alice"); ok {
		t.Error("user must not be stored when authentication fails")
	}
	if waker.woken != 0 {
		t.Error("refresher must not be woken")
	}
}

func TestService_Register_UpstreamUnavailable(t *testing.T) {
	var buf bytes.Buffer
	client := &mockTokenClient{
		getTokenFn: func(context.Context, string, string) (model.Credentials, error) {
			return model.Credentials{}, errors.New("dial tcp: connection refused")
		},
	}
	svc := newTestService(repotest.NewStore(), client, nil, &buf)

	_, err := svc.Register(context.Background(), registerInput())
	if code := apiErrorCode(t, err); code != model.ErrCodeUpstream {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUpstream)
	}
}

func TestService_Register_WallabagServerError(t *testing.T) {
	var buf bytes.Buffer
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := wallabag.NewClient(server.Client(), newTestLogger(&buf), wallabag.Config{
		Host:         server.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}, nil, nil)
	store := repotest.NewStore()
	svc := NewService(store, client, metrics.NewCollector(prometheus.NewRegistry()), newTestLogger(&buf), nil)

	_, err := svc.Register(context.Background(), registerInput())
	if code := apiErrorCode(t, err); code != model.ErrCodeUpstream {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUpstream)
	}
	if _, ok := store.User("alice"); ok {
		t.Error("user must not be stored when wallabag is unavailable")
	}
}

func TestService_Register_StoreError(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	store.FailNext = errors.New("connection lost")
	svc := newTestService(store, okClient(), nil, &buf)

	_, err := svc.Register(context.Background(), registerInput())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("store failure should not be an APIError: %v", apiErr)
	}
}

// --- Update ---

func TestService_Update_ReactivatesUser(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	store.AddUser(model.User{
		Name:         "alice",
		AuthToken:    "expired",
		RefreshToken: "revoked",
		TokenValid:   tokenValid.Add(-24 * time.Hour),
		Active:       false,
	})
	waker := &mockWaker{}
	svc := newTestService(store, okClient(), waker, &buf)

	u, err := svc.Update(context.Background(), LoginInput{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if !u.Active {
		t.Error("returned user should be active")
	}

	stored, _ := store.User("alice")
	if !stored.Active {
		t.Error("stored user should be active")
	}
	if stored.AuthToken != "access-alice" || stored.RefreshToken != "refresh-alice" {
		t.Errorf("tokens = %q / %q", stored.AuthToken, stored.RefreshToken)
	}
	if !stored.TokenValid.Equal(tokenValid) {
		t.Errorf("TokenValid = %v, want %v", stored.TokenValid, tokenValid)
	}
	if waker.woken != 1 {
		t.Errorf("woken = %d, want 1", waker.woken)
	}
}

func TestService_Update_UserNotFound(t *testing.T) {
	var buf bytes.Buffer
	client := okClient()
	svc := newTestService(repotest.NewStore(), client, nil, &buf)

	_, err := svc.Update(context.Background(), LoginInput{Username: "bob", Password: "secret"})
	if code := apiErrorCode(t, err); code != model.ErrCodeUserNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUserNotFound)
	}
	if client.calls != 0 {
		t.Error("wallabag must not be called for an unknown user")
	}
}

func TestService_Update_AuthFailedKeepsUserInactive(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	store.AddUser(model.User{Name: "alice", AuthToken: "old", Active: false})
	svc := newTestService(store, okClient(), nil, &buf)

	_, err := svc.Update(context.Background(), LoginInput{Username: "alice", Password: "wrong"})
	if code := apiErrorCode(t, err); code != model.ErrCodeAuthFailed {
		t.Errorf("code = %q, want %q", code, model.ErrCodeAuthFailed)
	}

	stored, _ := store.User("alice")
	if stored.Active || stored.AuthToken != "old" {
		t.Errorf("user changed unexpectedly: %+v", stored)
	}
}

func TestService_Update_ValidationError(t *testing.T) {
	var buf bytes.Buffer
	svc := newTestService(repotest.NewStore(), okClient(), nil, &buf)

	_, err := svc.Update(context.Background(), LoginInput{Username: "alice"})
	if code := apiErrorCode(t, err); code != model.ErrCodeValidation {
		t.Errorf("code = %q, want %q", code, model.ErrCodeValidation)
	}
}

// --- Delete ---

func TestService_Delete_RemovesUserAndJobs(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	store.AddUser(model.User{Name: "alice", Active: true})
	store.AddUser(model.User{Name: "bob", Active: true})
	store.AddJob(model.Job{ArticleID: 1, Title: "a", Format: model.FormatPDF, UserName: "alice"})
	store.AddJob(model.Job{ArticleID: 2, Title: "b", Format: model.FormatPDF, UserName: "bob"})
	svc := newTestService(store, okClient(), nil, &buf)

	if err := svc.Delete(context.Background(), LoginInput{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	if _, ok := store.User("alice"); ok {
		t.Error("alice should be deleted")
	}
	jobs := store.Jobs()
	if len(jobs) != 1 || jobs[0].UserName != "bob" {
		t.Errorf("jobs = %+v, want only bob's job", jobs)
	}
}

func TestService_Delete_AuthFailedKeepsUser(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	store.AddUser(model.User{Name: "alice", Active: true})
	svc := newTestService(store, okClient(), nil, &buf)

	err := svc.Delete(context.Background(), LoginInput{Username: "alice", Password: "wrong"})
	if code := apiErrorCode(t, err); code != model.ErrCodeAuthFailed {
		t.Errorf("code = %q, want %q", code, model.ErrCodeAuthFailed)
	}
	if _, ok := store.User("alice"); !ok {
		t.Error("alice must not be deleted")
	}
}

func TestService_Delete_UserNotFound(t *testing.T) {
	var buf bytes.Buffer
	svc := newTestService(repotest.NewStore(), okClient(), nil, &buf)

	err := svc.Delete(context.Background(), LoginInput{Username: "alice", Password: "secret"})
	if code := apiErrorCode(t, err); code != model.ErrCodeUserNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUserNotFound)
	}
}
