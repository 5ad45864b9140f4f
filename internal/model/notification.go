package model

import (
	"time"
)

// NotificationType は通知の種類を表します
type NotificationType string

const (
	// NotificationTypeReminder48h は予約48時間前のリマインドです
	NotificationTypeReminder48h NotificationType = "reminder_48h"
	// NotificationTypeReminder3h は予約3時間前のリマインドです
	NotificationTypeReminder3h NotificationType = "reminder_3h"
	// NotificationTypeDigest は管理者向けの当日予約一覧です
	NotificationTypeDigest NotificationType = "digest"
	// NotificationTypeCommon は共通の通知を表します
	NotificationTypeCommon NotificationType = "common"
)

// NotificationRecord はアプリ内通知(notificationsテーブル)のレコードです
type NotificationRecord struct {
	ID        int              `db:"id"`
	UserID    string           `db:"user_id"`
	Title     string           `db:"title"`
	Message   string           `db:"message"`
	IsRead    bool             `db:"is_read"`
	Type      NotificationType `db:"type"`
	CreatedAt time.Time        `db:"created_at"`
	UpdatedAt time.Time        `db:"updated_at"`
}

// Title は通知種別ごとのタイトルを返します
func (t NotificationType) Title() string {
	switch t {
	case NotificationTypeReminder48h:
		return "ご予約のリマインド"
	case NotificationTypeReminder3h:
		return "まもなくご予約の時間です"
	case NotificationTypeDigest:
		return "本日の予約一覧"
	}
	return "新しい通知が届きました。"
}

// NewNotificationRecord は送信メッセージから通知レコードを作成します
func NewNotificationRecord(userID string, typ NotificationType, message string, now time.Time) NotificationRecord {
	return NotificationRecord{
		UserID:    userID,
		Title:     typ.Title(),
		Message:   message,
		IsRead:    false,
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
