// Package consume は検出と配送のループを提供する。
// 一定間隔で、activeな全ユーザーについてタグ付きエントリをジョブとして保存し（検出）、
// 保存された全ジョブをエクスポートしてKindleアドレスへ送信する（配送）。
package consume

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/natilou/wallabag-kindle-consumer/internal/metrics"
	"github.com/natilou/wallabag-kindle-consumer/internal/model"
	"github.com/natilou/wallabag-kindle-consumer/internal/repository"
	"github.com/natilou/wallabag-kindle-consumer/internal/wallabag"
	"github.com/natilou/wallabag-kindle-consumer/internal/worker/waiter"
)

const loopName = "consume"

// ArchiveClient はwallabagとの通信を行うクライアント。
type ArchiveClient interface {
	ListEntries(ctx context.Context, user *model.User, tag model.Tag) (*wallabag.EntryPage, error)
	RemoveTag(ctx context.Context, user *model.User, entryID, tagID int64) error
	Export(ctx context.Context, user *model.User, entryID int64, format model.Format) ([]byte, error)
}

// Mailer は記事メールを送信する。
type Mailer interface {
	SendArticle(ctx context.Context, job *model.Job, data []byte) error
}

// Config はConsumerの設定。
type Config struct {
	// Interval はtickの開始から次のtickの開始までの間隔。
	Interval time.Duration
	// Tags は検出対象のタグ。この順序で処理する。
	Tags []model.Tag
	// MaxConcurrency はユーザー・ジョブ単位の並列数の上限。
	MaxConcurrency int
}

// Consumer は検出と配送のループ。
type Consumer struct {
	store   repository.Store
	client  ArchiveClient
	mailer  Mailer
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     Config
	waiter  *waiter.Waiter
	now     func() time.Time
}

// NewConsumer はConsumerの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewConsumer(
	store repository.Store,
	client ArchiveClient,
	mailer Mailer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Consumer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	return &Consumer{
		store:   store,
		client:  client,
		mailer:  mailer,
		metrics: collector,
		logger:  logger,
		cfg:     cfg,
		waiter:  waiter.New(),
		now:     time.Now,
	}
}

// NextWait はtick開始からelapsedが経過した時点での待機時間を返す。負にはならない。
func NextWait(interval, elapsed time.Duration) time.Duration {
	if wait := interval - elapsed; wait > 0 {
		return wait
	}
	return 0
}

// Wake は進行中の待機を打ち切り、次のtickを即座に開始させる。
func (c *Consumer) Wake() {
	c.waiter.Wake()
}

// Run はctxが取り消されるまでtickを繰り返す。起動直後に1回実行する。
// ctxの取り消しは待機だけを打ち切る。実行中のtickは最後まで処理してコミットしてから停止する。
func (c *Consumer) Run(ctx context.Context) {
	work := context.WithoutCancel(ctx)

	c.logger.Info("検出・配送ループを開始しました",
		slog.Duration("interval", c.cfg.Interval),
		slog.Int("tag_count", len(c.cfg.Tags)),
		slog.Int("max_concurrency", c.cfg.MaxConcurrency),
	)

	for {
		start := time.Now()
		c.RunOnce(work)

		if err := c.waiter.Wait(ctx, NextWait(c.cfg.Interval, time.Since(start))); err != nil {
			c.logger.Info("検出・配送ループを停止しました")
			return
		}
	}
}

// RunOnce は検出フェーズをコミットした後に配送フェーズを実行する。
// 各フェーズのエラーはログに記録し、ループには伝播させない。
func (c *Consumer) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		c.metrics.RecordTick(loopName, time.Since(start))
	}()

	if err := c.Discover(ctx); err != nil {
		c.logger.Error("検出フェーズの実行に失敗しました", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return
	}
	if err := c.Deliver(ctx); err != nil {
		c.logger.Error("配送フェーズの実行に失敗しました", slog.String("error", err.Error()))
	}
}

type discovery struct {
	user    *model.User
	jobs    []*model.Job
	checked bool
}

// Discover はactiveな全ユーザーについてタグ付きエントリを取得し、ジョブとして保存する。
// ユーザーごとに並列で処理し、全ユーザーの完了後にまとめてコミットする。
func (c *Consumer) Discover(ctx context.Context) error {
	return c.store.InSession(ctx, func(s repository.Session) error {
		users, err := s.Users().ListActive(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}

		results := make([]discovery, len(users))
		g := new(errgroup.Group)
		g.SetLimit(c.cfg.MaxConcurrency)
		for i, u := range users {
			g.Go(func() error {
				results[i] = c.discoverUser(ctx, u)
				return nil
			})
		}
		_ = g.Wait()

		total := 0
		for _, r := range results {
			n, err := c.persist(ctx, s, r)
			if err != nil {
				return err
			}
			total += n
		}

		c.metrics.RecordJobsDiscovered(total)
		if total > 0 {
			c.logger.Info("配送ジョブを作成しました",
				slog.Int("job_count", total),
				slog.Int("user_count", len(users)),
			)
		}
		return nil
	})
}

// persist は1ユーザー分の検出結果を保存し、作成したジョブ数を返す。
// tick中にユーザーが削除されていた場合はそのユーザーの結果だけを破棄し、他のユーザーの保存は続ける。
func (c *Consumer) persist(ctx context.Context, s repository.Session, r discovery) (int, error) {
	created := 0
	for _, job := range r.jobs {
		err := s.Jobs().Create(ctx, job)
		if errors.Is(err, repository.ErrUserNotFound) {
			c.logUserGone(r.user, len(r.jobs)-created)
			return created, nil
		}
		if err != nil {
			return created, err
		}
		created++
	}
	if r.checked {
		err := s.Users().UpdateLastCheck(ctx, r.user.Name, c.now())
		if errors.Is(err, repository.ErrUserNotFound) {
			c.logUserGone(r.user, 0)
			return created, nil
		}
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

func (c *Consumer) logUserGone(user *model.User, dropped int) {
	c.logger.Warn("ユーザーが削除されたため検出結果を破棄しました",
		slog.String("user", user.Name),
		slog.Int("dropped_jobs", dropped),
	)
}

// discoverUser は1ユーザー分のタグを順に処理する。
// 一覧の取得に失敗したタグはそのtickではスキップし、他のタグの処理は続ける。
// タグの削除に失敗してもジョブは作成する。
func (c *Consumer) discoverUser(ctx context.Context, user *model.User) discovery {
	result := discovery{user: user}

	for _, tag := range c.cfg.Tags {
		if ctx.Err() != nil {
			break
		}

		page, err := c.client.ListEntries(ctx, user, tag)
		c.metrics.RecordWallabagRequest("list", wallabag.ClassifyError(err).String())
		if err != nil {
			c.logger.Warn("タグのエントリを取得できませんでした",
				slog.String("user", user.Name),
				slog.String("tag", tag.Label),
				slog.String("error", err.Error()),
			)
			continue
		}

		if page.SinglePage() {
			result.checked = true
		}

		for _, entry := range page.Entries() {
			result.jobs = append(result.jobs, &model.Job{
				ArticleID: entry.ID,
				Title:     entry.Title,
				Format:    tag.Format,
				UserName:  user.Name,
			})

			err := c.client.RemoveTag(ctx, user, entry.ID, entry.TagID(tag.Label))
			c.metrics.RecordWallabagRequest("remove_tag", wallabag.ClassifyError(err).String())
			if err != nil {
				c.logger.Warn("タグを削除できませんでした。次回再検出される可能性があります",
					slog.String("user", user.Name),
					slog.String("tag", tag.Label),
					slog.Int64("article_id", entry.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return result
}

// Deliver は保存された全ジョブをエクスポートして送信し、ジョブを削除する。
// エクスポートや送信の成否にかかわらずジョブは削除する。
func (c *Consumer) Deliver(ctx context.Context) error {
	return c.store.InSession(ctx, func(s repository.Session) error {
		jobs, err := s.Jobs().ListPending(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		g := new(errgroup.Group)
		g.SetLimit(c.cfg.MaxConcurrency)
		for _, job := range jobs {
			g.Go(func() error {
				c.deliverJob(ctx, job)
				return nil
			})
		}
		_ = g.Wait()

		for _, job := range jobs {
			if err := s.Jobs().Delete(ctx, job.ID); err != nil {
				return err
			}
		}

		c.logger.Info("配送フェーズが完了しました", slog.Int("job_count", len(jobs)))
		return nil
	})
}

func (c *Consumer) deliverJob(ctx context.Context, job *model.Job) {
	if job.User == nil {
		c.logger.Error("ジョブの所有ユーザーが見つかりません",
			slog.Int64("job_id", job.ID),
			slog.String("user", job.UserName),
		)
		return
	}

	data, err := c.client.Export(ctx, job.User, job.ArticleID, job.Format)
	c.metrics.RecordWallabagRequest("export", wallabag.ClassifyError(err).String())
	if err != nil {
		c.logger.Error("記事をエクスポートできなかったためジョブを破棄します",
			slog.Int64("job_id", job.ID),
			slog.Int64("article_id", job.ArticleID),
			slog.String("user", job.UserName),
			slog.String("format", string(job.Format)),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(data) == 0 {
		c.logger.Warn("エクスポート結果が空のためジョブを破棄します",
			slog.Int64("job_id", job.ID),
			slog.Int64("article_id", job.ArticleID),
			slog.String("user", job.UserName),
		)
		return
	}

	err = c.mailer.SendArticle(ctx, job, data)
	c.metrics.RecordMail("article", err == nil)
}
