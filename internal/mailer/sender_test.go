package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/wneessen/go-mail"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// fakeDialer は送信されたメッセージを記録する。
type fakeDialer struct {
	mu   sync.Mutex
	sent []*mail.Msg
	err  error
}

func (d *fakeDialer) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, messages...)
	return nil
}

var testConfig = Config{
	From:         "consumer@example.com",
	Host:         "smtp.example.com",
	Port:         587,
	WallabagHost: "https://wallabag.example.com",
	Domain:       "https://kindle.example.com",
}

func testJob() *model.Job {
	return &model.Job{
		ID:        1,
		ArticleID: 42,
		Title:     "Go Proverbs",
		Format:    model.FormatEPUB,
		UserName:  "alice",
		User: &model.User{
			Name:        "alice",
			KindleEmail: "alice@kindle.com",
			NotifyEmail: "alice@example.com",
		},
	}
}

func TestSender_BuildArticle(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&fakeDialer{}, testConfig, newTestLogger(&buf))

	msg, err := s.BuildArticle(testJob(), []byte("EPUBDATA"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if subj := msg.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != "Send article 'Go Proverbs'" {
		t.Errorf("Subject = %v", subj)
	}
	to := msg.GetAddrHeader(mail.HeaderTo)
	if len(to) != 1 || to[0].Address != "alice@kindle.com" {
		t.Errorf("To = %v", to)
	}
	from := msg.GetAddrHeader(mail.HeaderFrom)
	if len(from) != 1 || from[0].Address != "consumer@example.com" {
		t.Errorf("From = %v", from)
	}
	if id := msg.GetGenHeader(mail.HeaderMessageID); len(id) != 1 || !strings.HasSuffix(id[0], "@wallabag-kindle>") {
		t.Errorf("Message-ID = %v", id)
	}
	if date := msg.GetGenHeader(mail.HeaderDate); len(date) != 1 || date[0] == "" {
		t.Errorf("Date = %v", date)
	}

	parts := msg.GetParts()
	if len(parts) != 1 {
		t.Fatalf("parts = %d, want 1", len(parts))
	}
	body, err := parts[0].GetContent()
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if string(body) != "This email has been automatically sent." {
		t.Errorf("body = %q", body)
	}

	files := msg.GetAttachments()
	if len(files) != 1 {
		t.Fatalf("attachments = %d, want 1", len(files))
	}
	if files[0].Name != "Go Proverbs.epub" {
		t.Errorf("attachment name = %q", files[0].Name)
	}
	if files[0].ContentType != mail.ContentType("application/epub+zip") {
		t.Errorf("attachment content type = %q", files[0].ContentType)
	}
}

func TestSender_BuildArticle_EncodesAttachmentAsBase64(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&fakeDialer{}, testConfig, newTestLogger(&buf))

	job := testJob()
	job.Format = model.FormatPDF
	msg, err := s.BuildArticle(job, []byte("%PDF-1.4 data"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out bytes.Buffer
	if _, err := msg.WriteTo(&out); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	raw := out.String()
	for _, want := range []string{
		"Content-Transfer-Encoding: base64",
		"application/pdf",
		"Go Proverbs.pdf",
		base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 data")),
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message does not contain %q", want)
		}
	}
}

func TestSender_BuildArticle_NoOwner(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&fakeDialer{}, testConfig, newTestLogger(&buf))

	job := testJob()
	job.User = nil
	if _, err := s.BuildArticle(job, []byte("x")); err == nil {
		t.Fatal("expected error for job without owner")
	}
}

func TestSender_BuildWarning(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&fakeDialer{}, testConfig, newTestLogger(&buf))

	msg, err := s.BuildWarning(testJob().User)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subj := msg.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != "Wallabag-Kindle-Consumer Notice" {
		t.Errorf("Subject = %v", subj)
	}
	to := msg.GetAddrHeader(mail.HeaderTo)
	if len(to) != 1 || to[0].Address != "alice@example.com" {
		t.Errorf("To = %v", to)
	}
	if len(msg.GetAttachments()) != 0 {
		t.Error("warning must not carry attachments")
	}

	body, err := msg.GetParts()[0].GetContent()
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	for _, want := range []string{
		"https://wallabag.example.com",
		"https://kindle.example.com/update",
		"was not able to refresh the access token",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body does not contain %q", want)
		}
	}
}

func TestSender_SendArticle(t *testing.T) {
	var buf bytes.Buffer
	dialer := &fakeDialer{}
	s := NewSender(dialer, testConfig, newTestLogger(&buf))

	if err := s.SendArticle(context.Background(), testJob(), []byte("EPUBDATA")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dialer.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(dialer.sent))
	}
	if !strings.Contains(buf.String(), "記事を送信しました") {
		t.Errorf("expected success log, got %s", buf.String())
	}
}

func TestSender_SendArticle_FailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	dialer := &fakeDialer{err: errors.New("554 relay denied")}
	s := NewSender(dialer, testConfig, newTestLogger(&buf))

	err := s.SendArticle(context.Background(), testJob(), []byte("EPUBDATA"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), "記事メールの送信に失敗しました") {
		t.Errorf("expected failure log, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"article_id":42`) {
		t.Errorf("expected article_id in log, got %s", buf.String())
	}
}

func TestSender_SendWarning(t *testing.T) {
	var buf bytes.Buffer
	dialer := &fakeDialer{}
	s := NewSender(dialer, testConfig, newTestLogger(&buf))

	if err := s.SendWarning(context.Background(), testJob().User); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dialer.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(dialer.sent))
	}
}

func TestSender_InvalidRecipient(t *testing.T) {
	var buf bytes.Buffer
	dialer := &fakeDialer{}
	s := NewSender(dialer, testConfig, newTestLogger(&buf))

	job := testJob()
	job.User.KindleEmail = "not an address"
	if err := s.SendArticle(context.Background(), job, []byte("x")); err == nil {
		t.Fatal("expected error for invalid recipient")
	}
	if len(dialer.sent) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestNewDialer(t *testing.T) {
	cfg := testConfig
	cfg.User = "user"
	cfg.Password = "pass"
	cfg.TLS = true

	client, err := NewDialer(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
}

func TestNewDialer_EmptyHost(t *testing.T) {
	cfg := testConfig
	cfg.Host = ""
	if _, err := NewDialer(cfg); err == nil {
		t.Fatal("expected error for empty host")
	}
}
