// Package mailer は記事配送メールとトークン更新失敗通知メールの組み立てと送信を行う。
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

const (
	articleBody    = "This email has been automatically sent."
	warningSubject = "Wallabag-Kindle-Consumer Notice"
	messageIDHost  = "wallabag-kindle"
)

// Dialer はSMTPサーバーへの接続と送信を行う。*mail.Clientが満たす。
type Dialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Config は送信者の設定。
type Config struct {
	From string
	Host string
	Port int
	User string
	// Password はSMTP AUTHのパスワード。Userが空の場合は使わない。
	Password string
	// TLS がtrueの場合はSTARTTLSを必須にする。
	TLS bool
	// WallabagHost は通知本文に記載するwallabagのURL。
	WallabagHost string
	// Domain は通知本文に記載する登録インターフェースのURL。
	Domain string
	// Timeout はSMTP接続のタイムアウト。0の場合はgo-mailの既定値。
	Timeout time.Duration
}

// NewDialer は設定からgo-mailのクライアントを生成する。
func NewDialer(cfg Config) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return client, nil
}

// Sender はメールを組み立ててDialerで送信する。
// 送信失敗はここでログに記録し、呼び出し元にはメトリクス用にエラーを返すだけにする。
type Sender struct {
	dialer Dialer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewSender はSenderの新しいインスタンスを生成する。
func NewSender(dialer Dialer, cfg Config, logger *slog.Logger) *Sender {
	return &Sender{
		dialer: dialer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SendArticle はエクスポートされた記事を添付してユーザーのKindleアドレスに送信する。
func (s *Sender) SendArticle(ctx context.Context, job *model.Job, data []byte) error {
	msg, err := s.BuildArticle(job, data)
	if err != nil {
		s.logger.Error("記事メールの作成に失敗しました",
			slog.Int64("article_id", job.ArticleID),
			slog.String("user", job.UserName),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := s.dialer.DialAndSendWithContext(ctx, msg); err != nil {
		s.logger.Error("記事メールの送信に失敗しました",
			slog.Int64("article_id", job.ArticleID),
			slog.String("user", job.UserName),
			slog.String("format", string(job.Format)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to send article %d: %w", job.ArticleID, err)
	}

	s.logger.Info("記事を送信しました",
		slog.Int64("article_id", job.ArticleID),
		slog.String("user", job.UserName),
		slog.String("format", string(job.Format)),
		slog.Int("size", len(data)),
	)
	return nil
}

// SendWarning はトークン更新に失敗したことをユーザーの通知アドレスに知らせる。
func (s *Sender) SendWarning(ctx context.Context, user *model.User) error {
	msg, err := s.BuildWarning(user)
	if err != nil {
		s.logger.Error("通知メールの作成に失敗しました",
			slog.String("user", user.Name),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := s.dialer.DialAndSendWithContext(ctx, msg); err != nil {
		s.logger.Error("通知メールの送信に失敗しました",
			slog.String("user", user.Name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to send warning to %s: %w", user.Name, err)
	}

	s.logger.Info("トークン更新失敗の通知を送信しました", slog.String("user", user.Name))
	return nil
}

// BuildArticle は記事配送メールを組み立てる。
// 添付ファイル名は{title}.{format}、Content-Typeは形式に応じたMIMEタイプになる。
func (s *Sender) BuildArticle(job *model.Job, data []byte) (*mail.Msg, error) {
	if job.User == nil {
		return nil, fmt.Errorf("job %d has no owner", job.ID)
	}

	msg, err := s.newMsg(job.User.KindleEmail, fmt.Sprintf("Send article '%s'", job.Title))
	if err != nil {
		return nil, err
	}
	msg.SetBodyString(mail.TypeTextPlain, articleBody)
	if err := msg.AttachReader(job.AttachmentName(), bytes.NewReader(data),
		mail.WithFileContentType(mail.ContentType(job.Format.MIMEType())),
	); err != nil {
		return nil, fmt.Errorf("failed to attach %s: %w", job.AttachmentName(), err)
	}
	return msg, nil
}

// BuildWarning はトークン更新失敗の通知メールを組み立てる。
func (s *Sender) BuildWarning(user *model.User) (*mail.Msg, error) {
	msg, err := s.newMsg(user.NotifyEmail, warningSubject)
	if err != nil {
		return nil, err
	}
	msg.SetBodyString(mail.TypeTextPlain, s.warningText())
	return msg, nil
}

func (s *Sender) warningText() string {
	return fmt.Sprintf("Hi,\n\n"+
		"the Wallabag-Kindle-Consumer for your Wallabag account on %s was not able to refresh the access token. "+
		"Please go to %s/update and log in again to retrieve a new api token.\n\n"+
		"Best regards,\nWallabag-Kindle-Consumer\n",
		s.cfg.WallabagHost, s.cfg.Domain)
}

func (s *Sender) newMsg(to, subject string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", s.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(s.now())
	msg.SetMessageIDWithValue(uuid.NewString() + "@" + messageIDHost)
	return msg, nil
}
