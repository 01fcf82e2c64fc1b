// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Wallabag
	WallabagHost    string
	ClientID        string
	ClientSecret    string
	WallabagTimeout time.Duration
	WallabagRate    float64
	EntriesPerPage  int

	// Domain はトークン更新失敗通知に記載する登録インターフェースのURL。
	Domain string

	// SMTP
	SMTPFrom   string
	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPasswd string
	SMTPTLS    bool

	// Tags
	Tag           string
	DefaultFormat model.Format

	// Refresh
	RefreshGrace    time.Duration
	RefreshIdlePoll time.Duration

	// Consume
	ConsumeInterval time.Duration
	MaxConcurrency  int

	// Server
	ServerPort  string
	MetricsPort string

	// Rate Limit（req/min/IP）
	RateLimitRegistration int
}

// Tags は設定から導出される4つのタグ対応表を返す。
func (c *Config) Tags() []model.Tag {
	return model.MakeTags(c.Tag, c.DefaultFormat)
}

// LoadFile はdotenv形式の設定ファイルを読み込んでからLoadを呼び出す。
// 既に環境変数に設定されている値はファイルの値より優先される。
func LoadFile(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	return Load()
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"WALLABAG_HOST", &cfg.WallabagHost},
		{"CLIENT_ID", &cfg.ClientID},
		{"CLIENT_SECRET", &cfg.ClientSecret},
		{"DOMAIN", &cfg.Domain},
		{"SMTP_FROM", &cfg.SMTPFrom},
		{"SMTP_HOST", &cfg.SMTPHost},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.WallabagHost = strings.TrimRight(cfg.WallabagHost, "/")
	cfg.Domain = strings.TrimRight(cfg.Domain, "/")

	format, err := model.ParseFormat(getEnvString("DEFAULT_FORMAT", string(model.FormatEPUB)))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_FORMAT: %w", err)
	}
	cfg.DefaultFormat = format

	// Optional fields with defaults
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnvString("SMTP_USER", "")
	cfg.SMTPPasswd = getEnvString("SMTP_PASSWD", "")
	cfg.SMTPTLS = getEnvBool("SMTP_TLS", true)
	cfg.Tag = getEnvString("TAG", "kindle")
	cfg.RefreshGrace = getEnvSeconds("REFRESH_GRACE", 120*time.Second)
	cfg.RefreshIdlePoll = getEnvSeconds("REFRESH_IDLE_POLL", 3*time.Second)
	cfg.ConsumeInterval = getEnvSeconds("CONSUME_INTERVAL", 30*time.Second)
	cfg.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", 10)
	cfg.EntriesPerPage = getEnvInt("ENTRIES_PER_PAGE", 30)
	cfg.WallabagTimeout = getEnvDuration("WALLABAG_TIMEOUT", 30*time.Second)
	cfg.WallabagRate = getEnvFloat("WALLABAG_RATE", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.RateLimitRegistration = getEnvInt("RATE_LIMIT_REGISTRATION", 10)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvSeconds は秒数の整数値をtime.Durationとして読み込む。
func getEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return defaultVal
	}
	return time.Duration(i) * time.Second
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
