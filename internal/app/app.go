// Package app はプロセスの起動とコンポーネントの組み立てを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/natilou/wallabag-kindle-consumer/internal/config"
	"github.com/natilou/wallabag-kindle-consumer/internal/database"
	"github.com/natilou/wallabag-kindle-consumer/internal/handler"
	"github.com/natilou/wallabag-kindle-consumer/internal/logger"
	"github.com/natilou/wallabag-kindle-consumer/internal/mailer"
	"github.com/natilou/wallabag-kindle-consumer/internal/metrics"
	"github.com/natilou/wallabag-kindle-consumer/internal/middleware"
	"github.com/natilou/wallabag-kindle-consumer/internal/repository"
	"github.com/natilou/wallabag-kindle-consumer/internal/security"
	"github.com/natilou/wallabag-kindle-consumer/internal/user"
	"github.com/natilou/wallabag-kindle-consumer/internal/wallabag"
	"github.com/natilou/wallabag-kindle-consumer/internal/worker/consume"
	"github.com/natilou/wallabag-kindle-consumer/internal/worker/refresh"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの猶予。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、設定ファイルと環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, opts Options) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetDebug(opts.Debug)
	logger.SetupDefault(w)

	// 2. 設定ファイルと環境変数から設定を読み込む
	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとコンテキストを取り消して終了する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はコマンドライン引数からサブコマンドを解析し、ctxが取り消されるまで対応するモードで動作する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	opts, err := ParseArgs(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if opts.Command == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w, opts)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(opts.Command)),
		slog.String("wallabag_host", cfg.WallabagHost),
		slog.String("tag", cfg.Tag),
		slog.String("default_format", string(cfg.DefaultFormat)),
	)

	if opts.Command == CommandMigrate {
		return runMigrate(cfg)
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	switch opts.Command {
	case CommandWorker:
		return runWorker(ctx, rt)
	case CommandAll:
		return runAll(ctx, rt)
	default:
		return runServe(ctx, rt, nil)
	}
}

// runtime は各モードで共有する依存関係。
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	store     repository.Store
	registry  *prometheus.Registry
	collector *metrics.Collector
	client    *wallabag.Client
}

// openRuntime はDB接続を確立し、共有の依存関係を組み立てる。
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPool())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// wallabagへのリクエストはクライアント側で流量を制限する
	burst := int(math.Ceil(cfg.WallabagRate))
	if burst < 1 {
		burst = 1
	}
	client := wallabag.NewClient(
		&http.Client{Timeout: cfg.WallabagTimeout},
		slog.Default(),
		wallabag.Config{
			Host:         cfg.WallabagHost,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			PerPage:      cfg.EntriesPerPage,
		},
		rate.NewLimiter(rate.Limit(cfg.WallabagRate), burst),
		security.NewTitleSanitizer(),
	)

	return &runtime{
		cfg:       cfg,
		logger:    slog.Default(),
		db:        db,
		store:     repository.NewPostgresStore(db),
		registry:  registry,
		collector: collector,
		client:    client,
	}, nil
}

func (rt *runtime) close() {
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// workers はトークン更新ループと検出・配送ループの組。
type workers struct {
	refresher *refresh.Refresher
	consumer  *consume.Consumer
}

// newWorkers は送信者と2つのループを組み立てる。
func newWorkers(rt *runtime) (*workers, error) {
	cfg := rt.cfg
	mailCfg := mailer.Config{
		From:         cfg.SMTPFrom,
		Host:         cfg.SMTPHost,
		Port:         cfg.SMTPPort,
		User:         cfg.SMTPUser,
		Password:     cfg.SMTPPasswd,
		TLS:          cfg.SMTPTLS,
		WallabagHost: cfg.WallabagHost,
		Domain:       cfg.Domain,
	}
	dialer, err := mailer.NewDialer(mailCfg)
	if err != nil {
		return nil, err
	}
	sender := mailer.NewSender(dialer, mailCfg, rt.logger)

	refresher := refresh.NewRefresher(rt.store, rt.client, sender, rt.collector, rt.logger, refresh.Config{
		Grace:          cfg.RefreshGrace,
		Fallback:       cfg.RefreshIdlePoll,
		MaxConcurrency: cfg.MaxConcurrency,
	})
	consumer := consume.NewConsumer(rt.store, rt.client, sender, rt.collector, rt.logger, consume.Config{
		Interval:       cfg.ConsumeInterval,
		Tags:           cfg.Tags(),
		MaxConcurrency: cfg.MaxConcurrency,
	})

	return &workers{refresher: refresher, consumer: consumer}, nil
}

// run は2つのループを並行に実行し、両方が停止するまでブロックする。
func (w *workers) run(ctx context.Context) {
	g := new(errgroup.Group)
	g.Go(func() error {
		w.refresher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		w.consumer.Run(ctx)
		return nil
	})
	_ = g.Wait()
}

// newRouter は登録インターフェースのルーターを組み立てる。
// wakerが指定された場合、登録・再認証の成功時にトークン更新ループを起こす。
func newRouter(rt *runtime, waker user.Waker) (http.Handler, func()) {
	rateCfg := middleware.DefaultRateLimiterConfig()
	if rt.cfg.RateLimitRegistration > 0 {
		// configはreq/min単位なのでreq/secに変換する
		rateCfg.RegistrationRate = rate.Limit(float64(rt.cfg.RateLimitRegistration) / 60.0)
		rateCfg.RegistrationBurst = rt.cfg.RateLimitRegistration
	}
	limiter := middleware.NewRateLimiter(rateCfg, rt.logger)

	userService := user.NewService(rt.store, rt.client, rt.collector, rt.logger, waker)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         rt.logger,
		HealthChecker:  rt.db,
		RateLimiter:    limiter,
		UserService:    userService,
		Tags:           rt.cfg.Tags(),
		MetricsHandler: metrics.SetupMetricsRoute(rt.registry),
	})
	return router, limiter.Stop
}

// runServe は登録インターフェースを起動し、ctxが取り消されるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, rt *runtime, waker user.Waker) error {
	router, stopLimiter := newRouter(rt, waker)
	defer stopLimiter()

	return serveHTTP(ctx, ":"+rt.cfg.ServerPort, router)
}

// runWorker はワーカーモードで起動する。
// メトリクスは専用のポートで公開する。
func runWorker(ctx context.Context, rt *runtime) error {
	w, err := newWorkers(rt)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.run(gctx)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, ":"+rt.cfg.MetricsPort, metrics.SetupMetricsRoute(rt.registry))
	})

	err = g.Wait()
	slog.Info("worker stopped gracefully")
	return err
}

// runAll は登録インターフェースとワーカーを1プロセスで起動する。
// 登録・再認証が成功するとトークン更新ループの待機を打ち切る。
func runAll(ctx context.Context, rt *runtime) error {
	w, err := newWorkers(rt)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.run(gctx)
		return nil
	})
	g.Go(func() error {
		return runServe(gctx, rt, w.refresher)
	})

	err = g.Wait()
	slog.Info("application stopped gracefully")
	return err
}

// serveHTTP はHTTPサーバーを起動し、ctxが取り消されるまでブロックする。
// 起動に失敗した場合はエラーを返す。
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...", slog.String("addr", addr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully", slog.String("addr", addr))
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
