package notifier

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioAPI はTwilio REST APIのうち送信に使うメソッドです
type TwilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender はSMSまたはWhatsAppでメッセージを送信します
// 宛先(user_id)はE.164形式の電話番号です
type TwilioSender struct {
	api      TwilioAPI
	from     string
	whatsapp bool
}

// NewTwilioSender は新しいTwilioSenderを作成します
func NewTwilioSender(cfg TwilioConfig) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewTwilioSenderWithAPI(client.Api, cfg.From, cfg.WhatsApp)
}

// NewTwilioSenderWithAPI は既存のAPIクライアントからTwilioSenderを作成します
func NewTwilioSenderWithAPI(api TwilioAPI, from string, whatsapp bool) *TwilioSender {
	return &TwilioSender{
		api:      api,
		from:     from,
		whatsapp: whatsapp,
	}
}

// Send はメッセージを送信します
func (s *TwilioSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	to, from := msg.Recipient, s.from
	if s.whatsapp {
		to = withWhatsAppPrefix(to)
		from = withWhatsAppPrefix(from)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(msg.Text)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	if resp != nil && resp.Sid != nil {
		log.Printf("Message sent to %s, SID: %s", to, *resp.Sid)
	}
	return nil
}

func withWhatsAppPrefix(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
