package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/uma-arai/sbcntr-reminder/internal/common/database"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/notifier"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
	"gopkg.in/yaml.v3"
)

// 任意カラムを無効化する場合の環境変数の値
const disabledColumn = "none"

type Config struct {
	DB           database.Config        `yaml:"database"`
	Reminder     ReminderConfig         `yaml:"reminder"`
	Columns      repository.Columns     `yaml:"columns"`
	ServiceTable string                 `yaml:"service_table"`
	Notifier     notifier.Config        `yaml:"notifier"`
	Templates    model.Templates        `yaml:"templates"`
	Redis        repository.RedisConfig `yaml:"redis"`
	Digest       DigestConfig           `yaml:"digest"`
	Metrics      MetricsConfig          `yaml:"metrics"`
	SFN          struct {
		TaskToken string
	} `yaml:"-"`
	EnableTracing bool `yaml:"-"`
}

// ReminderConfig はスキャナーの実行間隔と対象範囲の設定です
type ReminderConfig struct {
	// Interval はtickの間隔です
	Interval time.Duration `yaml:"interval"`
	// Window は対象範囲の幅です。Interval以上である必要があります
	Window time.Duration `yaml:"window"`
	// Timeout は1回のtickのタイムアウトです
	Timeout time.Duration `yaml:"timeout"`
	// TimeZone はメッセージに表示する時刻のタイムゾーンです
	TimeZone string `yaml:"time_zone"`
	// LockKey はRedisロックのキーです
	LockKey string `yaml:"lock_key"`
}

// DigestConfig は管理者向け当日予約一覧の設定です
type DigestConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"`
	Recipient string `yaml:"recipient"`
}

// MetricsConfig はPrometheusエンドポイントの設定です
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default はデフォルト設定を返します
func Default() *Config {
	return &Config{
		DB: database.Config{
			Host:     "localhost",
			Port:     5432,
			UserName: "sbcntrapp",
			Password: "password",
			DBName:   "sbcntrapp",
		},
		Reminder: ReminderConfig{
			Interval: time.Minute,
			Window:   2 * time.Minute,
			Timeout:  50 * time.Second,
			TimeZone: "UTC",
			LockKey:  "sbcntr-reminder:tick",
		},
		Columns:      repository.DefaultColumns(),
		ServiceTable: "services",
		Notifier: notifier.Config{
			Channel:     notifier.ChannelTelegram,
			SendTimeout: notifier.DefaultSendTimeout,
		},
		Templates: model.DefaultTemplates(),
		Redis: repository.RedisConfig{
			PoolSize: 5,
		},
		Digest: DigestConfig{
			Schedule: "0 9 * * *",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// LoadConfig は設定を読み込みます
// 優先順位: 環境変数 > 設定ファイル(CONFIG_PATH) > デフォルト値
func LoadConfig(taskToken string) (*Config, error) {
	// .envがあれば読み込む。なければ環境変数のみ
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	cfg.SFN.TaskToken = taskToken
	cfg.Templates = cfg.Templates.WithDefaults()

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadFile はYAMLの設定ファイルを読み込みます。${VAR}形式の環境変数を展開します
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.DB.Host = getEnvOrDefault("DB_HOST", cfg.DB.Host)
	cfg.DB.Port = getEnvAsIntOrDefault("DB_PORT", cfg.DB.Port)
	cfg.DB.UserName = getEnvOrDefault("DB_USERNAME", cfg.DB.UserName)
	cfg.DB.Password = getEnvOrDefault("DB_PASSWORD", cfg.DB.Password)
	cfg.DB.DBName = getEnvOrDefault("DB_NAME", cfg.DB.DBName)
	cfg.DB.SSLMode = getEnvOrDefault("DB_SSL_MODE", cfg.DB.SSLMode)

	cfg.Reminder.Interval = getEnvAsDurationOrDefault("REMINDER_INTERVAL", cfg.Reminder.Interval)
	cfg.Reminder.Window = getEnvAsDurationOrDefault("REMINDER_WINDOW", cfg.Reminder.Window)
	cfg.Reminder.Timeout = getEnvAsDurationOrDefault("REMINDER_TIMEOUT", cfg.Reminder.Timeout)
	cfg.Reminder.TimeZone = getEnvOrDefault("REMINDER_TIME_ZONE", cfg.Reminder.TimeZone)
	cfg.Reminder.LockKey = getEnvOrDefault("REMINDER_LOCK_KEY", cfg.Reminder.LockKey)

	cfg.Columns.Table = getEnvOrDefault("APPOINTMENTS_TABLE", cfg.Columns.Table)
	cfg.Columns.ServiceID = getOptionalColumn("APPOINTMENTS_SERVICE_ID_COLUMN", cfg.Columns.ServiceID)
	cfg.Columns.ServiceName = getOptionalColumn("APPOINTMENTS_SERVICE_NAME_COLUMN", cfg.Columns.ServiceName)
	cfg.Columns.UpdatedAt = getOptionalColumn("APPOINTMENTS_UPDATED_AT_COLUMN", cfg.Columns.UpdatedAt)
	cfg.ServiceTable = getEnvOrDefault("SERVICES_TABLE", cfg.ServiceTable)

	cfg.Notifier.Channel = getEnvOrDefault("NOTIFY_CHANNEL", cfg.Notifier.Channel)
	cfg.Notifier.SendTimeout = getEnvAsDurationOrDefault("NOTIFY_SEND_TIMEOUT", cfg.Notifier.SendTimeout)
	cfg.Notifier.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notifier.Telegram.BotToken)
	cfg.Notifier.Telegram.Debug = getEnvAsBoolOrDefault("TELEGRAM_DEBUG", cfg.Notifier.Telegram.Debug)
	cfg.Notifier.Twilio.AccountSID = getEnvOrDefault("TWILIO_ACCOUNT_SID", cfg.Notifier.Twilio.AccountSID)
	cfg.Notifier.Twilio.AuthToken = getEnvOrDefault("TWILIO_AUTH_TOKEN", cfg.Notifier.Twilio.AuthToken)
	cfg.Notifier.Twilio.From = getEnvOrDefault("TWILIO_FROM_NUMBER", cfg.Notifier.Twilio.From)
	cfg.Notifier.Twilio.WhatsApp = getEnvAsBoolOrDefault("TWILIO_WHATSAPP", cfg.Notifier.Twilio.WhatsApp)

	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsIntOrDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Digest.Enabled = getEnvAsBoolOrDefault("DIGEST_ENABLED", cfg.Digest.Enabled)
	cfg.Digest.Schedule = getEnvOrDefault("DIGEST_SCHEDULE", cfg.Digest.Schedule)
	cfg.Digest.Recipient = getEnvOrDefault("DIGEST_RECIPIENT", cfg.Digest.Recipient)

	cfg.Metrics.Enabled = getEnvAsBoolOrDefault("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getEnvOrDefault("METRICS_ADDR", cfg.Metrics.Address)
}

// Validate は設定値の整合性を確認します
func (c *Config) Validate() error {
	if c.Reminder.Interval <= 0 {
		return fmt.Errorf("reminder interval must be positive, got %s", c.Reminder.Interval)
	}
	// 範囲がtick間隔より狭いと、tickの間に開始時刻が範囲を通過した予約を取りこぼす
	if c.Reminder.Window < c.Reminder.Interval {
		return fmt.Errorf("reminder window (%s) must be >= interval (%s)", c.Reminder.Window, c.Reminder.Interval)
	}
	if c.Reminder.Timeout <= 0 {
		c.Reminder.Timeout = c.Reminder.Interval
	}
	if c.Notifier.SendTimeout <= 0 {
		c.Notifier.SendTimeout = notifier.DefaultSendTimeout
	}
	// 1件の送信がtickのタイムアウトより長いと、tickが時間内に終わらない
	if c.Notifier.SendTimeout >= c.Reminder.Timeout {
		return fmt.Errorf("notifier send timeout (%s) must be < reminder timeout (%s)", c.Notifier.SendTimeout, c.Reminder.Timeout)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.Columns.Validate(); err != nil {
		return err
	}
	if err := c.Notifier.Validate(); err != nil {
		return err
	}
	if c.Digest.Enabled {
		if c.Digest.Recipient == "" {
			return fmt.Errorf("digest recipient is required when digest is enabled")
		}
		if _, err := cron.ParseStandard(c.Digest.Schedule); err != nil {
			return fmt.Errorf("invalid digest schedule %q: %w", c.Digest.Schedule, err)
		}
	}
	return nil
}

// Location はメッセージ表示用のタイムゾーンを返します
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Reminder.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", c.Reminder.TimeZone, err)
	}
	return loc, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	log.Printf("Environment variable %s is not set, using default value", key)
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Environment variable %s has invalid duration %q, using default value", key, value)
	}
	return defaultValue
}

func getOptionalColumn(key, defaultValue string) string {
	value := os.Getenv(key)
	switch {
	case value == "":
		return defaultValue
	case strings.EqualFold(value, disabledColumn):
		return ""
	}
	return value
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
