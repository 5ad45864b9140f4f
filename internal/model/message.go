package model

import (
	"fmt"
	"strings"
	"time"
)

// テンプレート内のプレースホルダ
const (
	PlaceholderService = "[Service]"
	PlaceholderDate    = "[Date]"
	PlaceholderTime    = "[Time]"
)

var weekdayJa = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// Templates は通知メッセージの文面です
// 設定ファイルから上書きできます
type Templates struct {
	Reminder48h     string `yaml:"reminder_48h"`
	Reminder3h      string `yaml:"reminder_3h"`
	DigestHeader    string `yaml:"digest_header"`
	DigestEmpty     string `yaml:"digest_empty"`
	FallbackService string `yaml:"fallback_service"`
}

// DefaultTemplates はデフォルトの文面を返します
func DefaultTemplates() Templates {
	return Templates{
		Reminder48h: "こんにちは！\n\n" +
			"ご予約のリマインドです。\n" +
			"*[Service]*\n" +
			"📅 *[Date]*\n" +
			"⏰ *[Time]*\n\n" +
			"ご予定が変わった場合は、お早めに変更またはキャンセルをお願いします。",
		Reminder3h: "まもなくご予約の時間です。\n\n" +
			"本日のご予約:\n" +
			"*[Service]*\n" +
			"🕒 *[Time]*\n\n" +
			"5分前までにお越しください。",
		DigestHeader:    "📅 本日の予約: [Date]",
		DigestEmpty:     "本日の予約はありません。",
		FallbackService: "ご予約のサービス",
	}
}

// WithDefaults は空の項目をデフォルト値で埋めます
func (t Templates) WithDefaults() Templates {
	d := DefaultTemplates()
	if t.Reminder48h == "" {
		t.Reminder48h = d.Reminder48h
	}
	if t.Reminder3h == "" {
		t.Reminder3h = d.Reminder3h
	}
	if t.DigestHeader == "" {
		t.DigestHeader = d.DigestHeader
	}
	if t.DigestEmpty == "" {
		t.DigestEmpty = d.DigestEmpty
	}
	if t.FallbackService == "" {
		t.FallbackService = d.FallbackService
	}
	return t
}

// FormatDate は日付を「2006/01/02(月)」形式で返します
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%s(%s)", t.Format("2006/01/02"), weekdayJa[t.Weekday()])
}

// ServiceLabel はメッセージに表示するサービス名を返します
func (a Appointment) ServiceLabel(fallback string) string {
	if a.ServiceName.Valid && strings.TrimSpace(a.ServiceName.String) != "" {
		return a.ServiceName.String
	}
	return fallback
}

// Escaper はテンプレートに差し込む値をチャネルの書式に合わせてエスケープします
// テンプレート自体の書式(*太字*など)はエスケープしません
type Escaper func(string) string

func (e Escaper) apply(s string) string {
	if e == nil {
		return s
	}
	return e(s)
}

// ComposeReminder はオフセットに応じたリマインドメッセージを作成します
// 時刻は loc に変換して表示します
func ComposeReminder(tpl Templates, o Offset, a Appointment, loc *time.Location) string {
	return ComposeReminderEscaped(tpl, o, a, loc, nil)
}

// ComposeReminderEscaped は差し込む値を escape してからリマインドメッセージを作成します
func ComposeReminderEscaped(tpl Templates, o Offset, a Appointment, loc *time.Location, escape Escaper) string {
	tpl = tpl.WithDefaults()
	if loc == nil {
		loc = time.UTC
	}
	local := a.StartAt.In(loc)

	body := tpl.Reminder48h
	if o == Offset3h {
		body = tpl.Reminder3h
	}

	r := strings.NewReplacer(
		PlaceholderService, escape.apply(a.ServiceLabel(tpl.FallbackService)),
		PlaceholderDate, escape.apply(FormatDate(local)),
		PlaceholderTime, escape.apply(local.Format("15:04")),
	)
	return r.Replace(body)
}

// ComposeDigest は管理者向けの当日予約一覧を作成します
func ComposeDigest(tpl Templates, day time.Time, appointments []Appointment, loc *time.Location) string {
	return ComposeDigestEscaped(tpl, day, appointments, loc, nil)
}

// ComposeDigestEscaped は差し込む値を escape してから当日予約一覧を作成します
func ComposeDigestEscaped(tpl Templates, day time.Time, appointments []Appointment, loc *time.Location, escape Escaper) string {
	tpl = tpl.WithDefaults()
	if loc == nil {
		loc = time.UTC
	}
	if len(appointments) == 0 {
		return tpl.DigestEmpty
	}

	lines := make([]string, 0, len(appointments)+1)
	lines = append(lines, strings.ReplaceAll(tpl.DigestHeader, PlaceholderDate, escape.apply(FormatDate(day.In(loc)))))
	for _, a := range appointments {
		lines = append(lines, fmt.Sprintf("• %s | %s | %s",
			escape.apply(a.StartAt.In(loc).Format("15:04")),
			escape.apply(a.ServiceLabel(tpl.FallbackService)),
			escape.apply(a.UserID),
		))
	}
	return strings.Join(lines, "\n")
}
