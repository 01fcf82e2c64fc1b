// Package user はユーザー登録・再認証・削除のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/natilou/wallabag-kindle-consumer/internal/metrics"
	"github.com/natilou/wallabag-kindle-consumer/internal/model"
	"github.com/natilou/wallabag-kindle-consumer/internal/repository"
	"github.com/natilou/wallabag-kindle-consumer/internal/wallabag"
)

// TokenClient はパスワードグラントでトークンを取得するクライアント。
type TokenClient interface {
	GetToken(ctx context.Context, username, password string) (model.Credentials, error)
}

// Waker は新しいトークンが保存されたことを更新ループへ通知する。
type Waker interface {
	Wake()
}

// Service はユーザー管理のサービス層。
type Service struct {
	store   repository.Store
	client  TokenClient
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	waker   Waker
}

// NewService はServiceの新しいインスタンスを生成する。
// wakerがnilの場合は通知しない。
func NewService(
	store repository.Store,
	client TokenClient,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	waker Waker,
) *Service {
	return &Service{
		store:   store,
		client:  client,
		metrics: collector,
		logger:  logger,
		waker:   waker,
	}
}

// Register は入力を検証し、wallabagで認証できたユーザーをactiveな状態で登録する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	in, fields := in.Validate()
	if len(fields) > 0 {
		s.metrics.RecordRegistration("register", metrics.ResultFailed)
		return nil, model.NewValidationError(fields)
	}

	existing, err := s.findUser(ctx, in.Username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.metrics.RecordRegistration("register", metrics.ResultFailed)
		return nil, model.NewUserAlreadyExistsError(in.Username)
	}

	creds, err := s.authenticate(ctx, "register", in.Username, in.Password)
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Name:        in.Username,
		NotifyEmail: in.NotifyEmail,
		KindleEmail: in.KindleEmail,
		Active:      true,
	}
	u.ApplyCredentials(creds)

	err = s.store.InSession(ctx, func(sess repository.Session) error {
		return sess.Users().Create(ctx, u)
	})
	if errors.Is(err, repository.ErrUserExists) {
		s.metrics.RecordRegistration("register", metrics.ResultFailed)
		return nil, model.NewUserAlreadyExistsError(in.Username)
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの登録に失敗しました: %w", err)
	}

	s.metrics.RecordRegistration("register", metrics.ResultOK)
	s.logger.Info("ユーザーを登録しました",
		slog.String("user", u.Name),
		slog.Time("token_valid", u.TokenValid),
	)
	s.wake()
	return u, nil
}

// Update は登録済みユーザーを再認証し、新しいトークンを保存してactiveに戻す。
func (s *Service) Update(ctx context.Context, in LoginInput) (*model.User, error) {
	if err := s.validateLogin("update", in); err != nil {
		return nil, err
	}

	u, err := s.requireUser(ctx, "update", in.Username)
	if err != nil {
		return nil, err
	}

	creds, err := s.authenticate(ctx, "update", u.Name, in.Password)
	if err != nil {
		return nil, err
	}

	err = s.store.InSession(ctx, func(sess repository.Session) error {
		return sess.Users().UpdateCredentials(ctx, u.Name, creds)
	})
	if errors.Is(err, repository.ErrUserNotFound) {
		s.metrics.RecordRegistration("update", metrics.ResultFailed)
		return nil, model.NewUserNotFoundError(u.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("トークンの保存に失敗しました: %w", err)
	}

	u.ApplyCredentials(creds)
	u.Active = true

	s.metrics.RecordRegistration("update", metrics.ResultOK)
	s.logger.Info("ユーザーを再認証しました",
		slog.String("user", u.Name),
		slog.Time("token_valid", u.TokenValid),
	)
	s.wake()
	return u, nil
}

// Delete はwallabagで本人確認をした上でユーザーを削除する。未配送のジョブも削除される。
func (s *Service) Delete(ctx context.Context, in LoginInput) error {
	if err := s.validateLogin("delete", in); err != nil {
		return err
	}

	u, err := s.requireUser(ctx, "delete", in.Username)
	if err != nil {
		return err
	}

	if _, err := s.authenticate(ctx, "delete", u.Name, in.Password); err != nil {
		return err
	}

	err = s.store.InSession(ctx, func(sess repository.Session) error {
		return sess.Users().Delete(ctx, u.Name)
	})
	if errors.Is(err, repository.ErrUserNotFound) {
		s.metrics.RecordRegistration("delete", metrics.ResultFailed)
		return model.NewUserNotFoundError(u.Name)
	}
	if err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	s.metrics.RecordRegistration("delete", metrics.ResultOK)
	s.logger.Info("ユーザーを削除しました", slog.String("user", u.Name))
	return nil
}

func (s *Service) validateLogin(action string, in LoginInput) error {
	fields := make(map[string]string)
	in.validate(fields)
	if len(fields) > 0 {
		s.metrics.RecordRegistration(action, metrics.ResultFailed)
		return model.NewValidationError(fields)
	}
	return nil
}

func (s *Service) findUser(ctx context.Context, name string) (*model.User, error) {
	var u *model.User
	err := s.store.InSession(ctx, func(sess repository.Session) error {
		var err error
		u, err = sess.Users().FindByName(ctx, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return u, nil
}

func (s *Service) requireUser(ctx context.Context, action, name string) (*model.User, error) {
	u, err := s.findUser(ctx, name)
	if err != nil {
		return nil, err
	}
	if u == nil {
		s.metrics.RecordRegistration(action, metrics.ResultFailed)
		return nil, model.NewUserNotFoundError(name)
	}
	return u, nil
}

// authenticate はwallabagでトークンを取得する。
// 認証エラーはNewAuthFailedError、通信エラーはNewUpstreamErrorに変換する。
func (s *Service) authenticate(ctx context.Context, action, username, password string) (model.Credentials, error) {
	creds, err := s.client.GetToken(ctx, username, password)
	s.metrics.RecordWallabagRequest("token", wallabag.ClassifyError(err).String())
	if err == nil {
		return creds, nil
	}

	s.metrics.RecordRegistration(action, metrics.ResultFailed)
	if errors.Is(err, wallabag.ErrNotAuthenticated) {
		s.logger.Warn("wallabagでの認証に失敗しました",
			slog.String("user", username),
			slog.String("action", action),
		)
		return model.Credentials{}, model.NewAuthFailedError()
	}
	s.logger.Error("wallabagに接続できませんでした",
		slog.String("user", username),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
	return model.Credentials{}, model.NewUpstreamError()
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}
