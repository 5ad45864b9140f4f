package model

import (
	"database/sql"
	"fmt"
	"time"
)

// StatusBooked は通知対象となる予約ステータスです
const StatusBooked = "BOOKED"

// Offset は予約開始時刻の何時間前に通知するかを表します
type Offset string

const (
	// Offset48h は開始48時間前の通知です
	Offset48h Offset = "48h"
	// Offset3h は開始3時間前の通知です
	Offset3h Offset = "3h"
)

// Offsets は1回のtickで処理するオフセットの一覧です
var Offsets = []Offset{Offset48h, Offset3h}

// Lead はオフセットの時間幅を返します
func (o Offset) Lead() time.Duration {
	switch o {
	case Offset48h:
		return 48 * time.Hour
	case Offset3h:
		return 3 * time.Hour
	}
	return 0
}

// Valid reports whether o is one of the known offsets.
func (o Offset) Valid() bool {
	return o.Lead() > 0
}

// NotificationType はオフセットに対応する通知種別を返します
func (o Offset) NotificationType() NotificationType {
	switch o {
	case Offset48h:
		return NotificationTypeReminder48h
	case Offset3h:
		return NotificationTypeReminder3h
	}
	return NotificationTypeCommon
}

// ParseOffset は文字列からOffsetを生成します
func ParseOffset(s string) (Offset, error) {
	o := Offset(s)
	if !o.Valid() {
		return "", fmt.Errorf("unknown reminder offset %q", s)
	}
	return o, nil
}

// Appointment は予約テーブルの1行です
// 予約自体は予約システム側が管理しており、本バッチは通知フラグのみ更新します
type Appointment struct {
	ID          int64          `db:"id"`
	UserID      string         `db:"user_id"`
	StartAt     time.Time      `db:"start_dt"`
	Status      string         `db:"status"`
	ServiceID   sql.NullString `db:"service_id"`
	ServiceName sql.NullString `db:"service_name"`
	Reminded48h bool           `db:"reminded_48h"`
	Reminded3h  bool           `db:"reminded_3h"`
}

// Reminded は指定オフセットの通知が送信済みかを返します
func (a Appointment) Reminded(o Offset) bool {
	switch o {
	case Offset48h:
		return a.Reminded48h
	case Offset3h:
		return a.Reminded3h
	}
	return false
}

// Window は start_dt の対象範囲です。両端を含みます
type Window struct {
	From time.Time
	To   time.Time
}

// DueWindow は now 時点でオフセット o の通知対象となる開始時刻の範囲を返します
// [now+lead-width, now+lead]
func DueWindow(now time.Time, o Offset, width time.Duration) Window {
	to := now.UTC().Add(o.Lead())
	return Window{
		From: to.Add(-width),
		To:   to,
	}
}

// Contains reports whether t lies inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// IsDue は予約がオフセット o の通知対象かを判定します
// クエリと同じ条件をアプリケーション側でも表現したものです
func (a Appointment) IsDue(now time.Time, o Offset, width time.Duration) bool {
	if a.Status != StatusBooked || a.Reminded(o) {
		return false
	}
	return DueWindow(now, o, width).Contains(a.StartAt)
}
