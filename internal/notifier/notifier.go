package notifier

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
)

// 通知チャネル
const (
	ChannelTelegram = "telegram"
	ChannelTwilio   = "twilio"
	ChannelInbox    = "inbox"
	ChannelLog      = "log"
)

// Message は送信するメッセージです
type Message struct {
	Recipient string
	Text      string
	Type      model.NotificationType
}

// Sender は通知チャネルへの送信を担当するインターフェースです
// nilを返した場合のみ送信成功とみなします
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Escaper はメッセージの書式を持つSenderが実装します
type Escaper interface {
	Escape(text string) string
}

// EscapeFunc は sender の書式に合わせて差し込む値をエスケープする関数を返します
// 書式を持たないSenderの場合はnilです
func EscapeFunc(sender Sender) model.Escaper {
	if e, ok := sender.(Escaper); ok {
		return e.Escape
	}
	return nil
}

// Config は通知チャネルの設定です
type Config struct {
	Channel string `yaml:"channel"`
	// SendTimeout は1件の送信(HTTPリクエスト)のタイムアウトです
	SendTimeout time.Duration `yaml:"send_timeout"`

	Telegram TelegramConfig `yaml:"telegram"`
	Twilio   TwilioConfig   `yaml:"twilio"`
}

// DefaultSendTimeout は SendTimeout 未設定時の値です
const DefaultSendTimeout = 10 * time.Second

// TelegramConfig はTelegram Botの設定です
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Debug    bool   `yaml:"debug"`
}

// TwilioConfig はTwilioの設定です
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	WhatsApp   bool   `yaml:"whatsapp"`
}

// Validate はチャネルに必要な設定が揃っているかを確認します
func (c Config) Validate() error {
	switch strings.ToLower(c.Channel) {
	case ChannelTelegram:
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot token is required")
		}
	case ChannelTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.From == "" {
			return fmt.Errorf("twilio account sid, auth token and from number are required")
		}
	case ChannelInbox, ChannelLog:
	default:
		return fmt.Errorf("unknown notification channel %q", c.Channel)
	}
	return nil
}

// New は設定に応じたSenderを作成します
// inboxチャネルの場合のみ notifications を利用します
func New(cfg Config, notifications repository.NotificationRepository) (Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}

	switch strings.ToLower(cfg.Channel) {
	case ChannelTelegram:
		return NewTelegramSender(cfg.Telegram, sendTimeout)
	case ChannelTwilio:
		return NewTwilioSender(cfg.Twilio), nil
	case ChannelInbox:
		if notifications == nil {
			return nil, fmt.Errorf("inbox channel requires a notification repository")
		}
		return NewInboxSender(notifications), nil
	default:
		return LogSender{}, nil
	}
}

// LogSender はメッセージをログに出力するだけのSenderです
// ローカル環境での動作確認用です
type LogSender struct{}

// Send logs the message and always succeeds.
func (LogSender) Send(_ context.Context, msg Message) error {
	log.Printf("Notification to %s (%s):\n%s", msg.Recipient, msg.Type, msg.Text)
	return nil
}
