package batch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-reminder/internal/common/config"
	"github.com/uma-arai/sbcntr-reminder/internal/common/utils"
	"github.com/uma-arai/sbcntr-reminder/internal/metrics"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/notifier"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
)

// DigestBatchService は管理者向けに当日の予約一覧を送信します
// 予約テーブルは読み取りのみです
type DigestBatchService struct {
	components      *components
	appointmentRepo repository.AppointmentRepository
	serviceRepo     repository.ServiceRepository
	sender          notifier.Sender
	metrics         *metrics.Metrics
	cfg             *config.Config
	loc             *time.Location
	now             func() time.Time
}

// NewDigestBatchService は新しいDigestBatchServiceを作成します
func NewDigestBatchService(cfg *config.Config, m *metrics.Metrics) (*DigestBatchService, error) {
	if cfg.Digest.Recipient == "" {
		return nil, fmt.Errorf("digest recipient is not set")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	c, err := newComponents(cfg)
	if err != nil {
		return nil, err
	}

	return &DigestBatchService{
		components:      c,
		appointmentRepo: c.appointmentRepo,
		serviceRepo:     c.serviceRepo,
		sender:          c.sender,
		metrics:         m,
		cfg:             cfg,
		loc:             loc,
		now:             time.Now,
	}, nil
}

// Close は終了処理を行います
// ReminderBatchService.Digest で作成した場合は接続を共有しているため何もしません
func (s *DigestBatchService) Close() error {
	if s.components != nil {
		return s.components.close()
	}
	return nil
}

// Run は現在時刻の日付でダイジェストを送信します
func (s *DigestBatchService) Run(ctx context.Context) error {
	if err := s.RunAt(ctx, s.now()); err != nil {
		return utils.GetStackWithError(err)
	}
	return nil
}

// RunAt は now を表示用タイムゾーンで見た日付のダイジェストを送信します
func (s *DigestBatchService) RunAt(ctx context.Context, now time.Time) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DigestBatchService.RunAt")
	defer seg.Close(nil)

	from, to := dayBounds(now, s.loc)
	appointments, err := s.appointmentRepo.FindBookedBetween(ctx, from, to)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to find appointments for digest: %w", err)
	}

	if err := fillServiceNames(ctx, s.serviceRepo, appointments); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to resolve service names: %w", err)
	}

	msg := notifier.Message{
		Recipient: s.cfg.Digest.Recipient,
		Text:      model.ComposeDigestEscaped(s.cfg.Templates, from, appointments, s.loc, notifier.EscapeFunc(s.sender)),
		Type:      model.NotificationTypeDigest,
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to send digest: %w", err)
	}

	s.metrics.DigestsSent.Inc()
	log.Printf("Digest sent for %s with %d appointments", from.Format("2006-01-02"), len(appointments))
	return nil
}

// dayBounds は now が属する loc での1日の開始と翌日の開始を返します
func dayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
