package notifier

import (
	"context"
	"time"

	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
)

// InboxSender はnotificationsテーブルにアプリ内通知を作成します
type InboxSender struct {
	repo repository.NotificationRepository
	now  func() time.Time
}

// NewInboxSender は新しいInboxSenderを作成します
func NewInboxSender(repo repository.NotificationRepository) *InboxSender {
	return &InboxSender{
		repo: repo,
		now:  time.Now,
	}
}

// Send は通知レコードを作成します
func (s *InboxSender) Send(ctx context.Context, msg Message) error {
	record := model.NewNotificationRecord(msg.Recipient, msg.Type, msg.Text, s.now().UTC())
	return s.repo.Create(ctx, &record)
}
