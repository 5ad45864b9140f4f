package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAPI はtgbotapi.BotAPIのうち送信に使うメソッドです
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender はTelegramのチャットにメッセージを送信します
// 宛先(user_id)はチャットIDです
type TelegramSender struct {
	bot TelegramAPI
}

// NewTelegramSender はBot APIに接続してTelegramSenderを作成します
// Bot APIはcontextを受け取らないため、HTTPクライアントのタイムアウトで送信時間を制限します
func NewTelegramSender(cfg TelegramConfig, timeout time.Duration) (*TelegramSender, error) {
	return newTelegramSender(cfg, tgbotapi.APIEndpoint, timeout)
}

func newTelegramSender(cfg TelegramConfig, endpoint string, timeout time.Duration) (*TelegramSender, error) {
	client := &http.Client{Timeout: timeout}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug

	return NewTelegramSenderWithAPI(bot), nil
}

// NewTelegramSenderWithAPI は既存のAPIクライアントからTelegramSenderを作成します
func NewTelegramSenderWithAPI(bot TelegramAPI) *TelegramSender {
	return &TelegramSender{bot: bot}
}

// Escape はMarkdownの記号(_ * ` [)をエスケープします
func (s *TelegramSender) Escape(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, text)
}

// Send はMarkdown形式でメッセージを送信します
func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	chatID, err := strconv.ParseInt(msg.Recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.Recipient, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := tgbotapi.NewMessage(chatID, msg.Text)
	m.ParseMode = tgbotapi.ModeMarkdown
	m.DisableWebPagePreview = true

	if _, err := s.bot.Send(m); err != nil {
		return fmt.Errorf("failed to send telegram message to %d: %w", chatID, err)
	}
	return nil
}
