// Package refresh はアクセストークンの先行更新ループを提供する。
// 有効期限が最も近いユーザーに合わせて待機し、猶予期間に入ったユーザーのトークンを更新する。
// 更新できなかったユーザーは無効化し、通知メールを送る。
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/natilou/wallabag-kindle-consumer/internal/metrics"
	"github.com/natilou/wallabag-kindle-consumer/internal/model"
	"github.com/natilou/wallabag-kindle-consumer/internal/repository"
	"github.com/natilou/wallabag-kindle-consumer/internal/wallabag"
	"github.com/natilou/wallabag-kindle-consumer/internal/worker/waiter"
)

const (
	loopName = "refresh"
	// warningTimeout は通知メール1通の送信に許す時間。
	warningTimeout = time.Minute
)

// TokenClient はトークン更新を行うクライアント。
type TokenClient interface {
	RefreshToken(ctx context.Context, user *model.User) (model.Credentials, error)
}

// Notifier はトークン更新失敗の通知を送る。
type Notifier interface {
	SendWarning(ctx context.Context, user *model.User) error
}

// Config はRefresherの設定。
type Config struct {
	// Grace は有効期限の何秒前に更新するか。
	Grace time.Duration
	// Fallback はactiveなユーザーがいない場合の待機時間。
	Fallback time.Duration
	// MaxConcurrency は同時に更新するユーザー数の上限。
	MaxConcurrency int
}

// Refresher はトークン更新ループ。
type Refresher struct {
	store    repository.Store
	client   TokenClient
	notifier Notifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      Config
	waiter   *waiter.Waiter
	now      func() time.Time

	warnings sync.WaitGroup
}

// NewRefresher はRefresherの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewRefresher(
	store repository.Store,
	client TokenClient,
	notifier Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Refresher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	return &Refresher{
		store:    store,
		client:   client,
		notifier: notifier,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
		waiter:   waiter.New(),
		now:      time.Now,
	}
}

// NextWait は次の更新までの待機時間を計算する。
// activeなユーザーがいない場合（ok=false）はfallbackを返す。
// 最も近い有効期限までの残りがgrace未満なら0、それ以外は残りからgraceを引いた時間を返す。
func NextWait(minValid time.Time, ok bool, now time.Time, grace, fallback time.Duration) time.Duration {
	if !ok {
		return fallback
	}
	delta := minValid.Sub(now)
	if delta < grace {
		return 0
	}
	return delta - grace
}

// Wake は進行中の待機を打ち切り、待機時間を再計算させる。
// 新しいユーザーが登録された場合などに呼ぶ。
func (r *Refresher) Wake() {
	r.waiter.Wake()
}

// Run はctxが取り消されるまで更新ループを実行する。
// ctxの取り消しは待機だけを打ち切る。実行中の更新バッチは結果をコミットしてから停止し、
// 終了前に送信中の通知メールを待つ。
func (r *Refresher) Run(ctx context.Context) {
	work := context.WithoutCancel(ctx)
	r.logger.Info("トークン更新ループを開始しました",
		slog.Duration("grace", r.cfg.Grace),
		slog.Int("max_concurrency", r.cfg.MaxConcurrency),
	)
	defer func() {
		r.warnings.Wait()
		r.logger.Info("トークン更新ループを停止しました")
	}()

	retryLater := false
	for {
		wait, err := r.nextWait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("待機時間の計算に失敗しました", slog.String("error", err.Error()))
			wait = r.cfg.Fallback
		}
		// 通信エラーで更新できなかったユーザーが残っている場合は連続で叩かない
		if retryLater && wait < r.cfg.Fallback {
			wait = r.cfg.Fallback
		}

		r.logger.Debug("次のトークン更新まで待機します", slog.Duration("wait", wait))
		if err := r.waiter.Wait(ctx, wait); err != nil {
			return
		}

		pending, err := r.RunOnce(work)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("トークン更新サイクルの実行に失敗しました", slog.String("error", err.Error()))
		}
		retryLater = pending > 0 || err != nil
	}
}

func (r *Refresher) nextWait(ctx context.Context) (time.Duration, error) {
	var wait time.Duration
	err := r.store.InSession(ctx, func(s repository.Session) error {
		minValid, ok, err := s.Users().MinActiveTokenValid(ctx)
		if err != nil {
			return err
		}
		wait = NextWait(minValid, ok, r.now(), r.cfg.Grace, r.cfg.Fallback)
		return nil
	})
	return wait, err
}

type outcome struct {
	user  *model.User
	creds model.Credentials
	err   error
}

// RunOnce は猶予期間内に期限を迎えるactiveなユーザーのトークンを並列に更新し、結果を保存する。
// 認証エラーで更新できなかったユーザーは無効化し、コミット後に通知メールを送る。
// 戻り値は通信エラーなどで次回に持ち越したユーザー数。
func (r *Refresher) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordTick(loopName, time.Since(start))
	}()

	var deactivated []*model.User
	pending := 0

	err := r.store.InSession(ctx, func(s repository.Session) error {
		deactivated = nil
		pending = 0

		users, err := s.Users().ListExpiring(ctx, r.now().Add(r.cfg.Grace))
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}

		outcomes := make([]outcome, len(users))
		g := new(errgroup.Group)
		g.SetLimit(r.cfg.MaxConcurrency)
		for i, u := range users {
			g.Go(func() error {
				creds, err := r.client.RefreshToken(ctx, u)
				outcomes[i] = outcome{user: u, creds: creds, err: err}
				return nil
			})
		}
		_ = g.Wait()

		for _, o := range outcomes {
			r.metrics.RecordWallabagRequest("token", wallabag.ClassifyError(o.err).String())
			switch {
			case o.err == nil:
				err := s.Users().UpdateCredentials(ctx, o.user.Name, o.creds)
				if errors.Is(err, repository.ErrUserNotFound) {
					r.logUserGone(o.user)
					continue
				}
				if err != nil {
					return err
				}
				r.metrics.RecordTokenRefresh(true)
				r.logger.Info("トークンを更新しました",
					slog.String("user", o.user.Name),
					slog.Time("token_valid", o.creds.TokenValid),
				)
			case errors.Is(o.err, wallabag.ErrNotAuthenticated):
				err := s.Users().Deactivate(ctx, o.user.Name)
				if errors.Is(err, repository.ErrUserNotFound) {
					r.logUserGone(o.user)
					continue
				}
				if err != nil {
					return err
				}
				r.metrics.RecordTokenRefresh(false)
				r.metrics.RecordUserDeactivated()
				r.logger.Warn("トークンを更新できないためユーザーを無効化しました",
					slog.String("user", o.user.Name),
				)
				deactivated = append(deactivated, o.user)
			default:
				r.metrics.RecordTokenRefresh(false)
				r.logger.Error("トークンの更新に失敗しました。次回再試行します",
					slog.String("user", o.user.Name),
					slog.String("error", o.err.Error()),
				)
				pending++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, u := range deactivated {
		r.sendWarning(ctx, u)
	}
	return pending, nil
}

// logUserGone は更新中に削除されたユーザーの結果を破棄したことを記録する。
func (r *Refresher) logUserGone(user *model.User) {
	r.logger.Warn("ユーザーが削除されたためトークン更新の結果を破棄しました",
		slog.String("user", user.Name),
	)
}

// sendWarning は通知メールを非同期で送る。ループは送信完了を待たない。
func (r *Refresher) sendWarning(ctx context.Context, user *model.User) {
	r.warnings.Add(1)
	go func() {
		defer r.warnings.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), warningTimeout)
		defer cancel()

		err := r.notifier.SendWarning(sendCtx, user)
		r.metrics.RecordMail("warning", err == nil)
	}()
}

// WaitWarnings は送信中の通知メールが全て終わるまで待つ。
func (r *Refresher) WaitWarnings() {
	r.warnings.Wait()
}
