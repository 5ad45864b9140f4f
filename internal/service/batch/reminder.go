package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-reminder/internal/common/config"
	"github.com/uma-arai/sbcntr-reminder/internal/common/utils"
	"github.com/uma-arai/sbcntr-reminder/internal/metrics"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/notifier"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
)

// 失敗した処理段階(メトリクスのラベル)
const (
	stageSend  = "send"
	stageMark  = "mark"
	stageQuery = "query"
)

// markTimeout は送信後の送信済み記録のタイムアウトです
// tickがキャンセルされても、送信できた予約は記録まで行います
const markTimeout = 5 * time.Second

// lockMargin はロックの有効期間に足す余裕です
const lockMargin = 5 * time.Second

// OffsetResult はオフセットごとの処理結果です
type OffsetResult struct {
	Offset        model.Offset `json:"offset"`
	From          time.Time    `json:"from"`
	To            time.Time    `json:"to"`
	Due           int          `json:"due"`
	Sent          int          `json:"sent"`
	Failed        int          `json:"failed"`
	AlreadyMarked int          `json:"already_marked"`
	Skipped       int          `json:"skipped"`
	Error         string       `json:"error,omitempty"`
}

// TickSummary は1回のtickの処理結果です
type TickSummary struct {
	RunID   string         `json:"run_id"`
	Now     time.Time      `json:"now"`
	Skipped bool           `json:"skipped"`
	Results []OffsetResult `json:"results"`
}

// Sent は送信して記録まで完了した件数の合計です
func (s TickSummary) Sent() int {
	total := 0
	for _, r := range s.Results {
		total += r.Sent
	}
	return total
}

// Failed は送信または記録に失敗した件数の合計です
func (s TickSummary) Failed() int {
	total := 0
	for _, r := range s.Results {
		total += r.Failed
	}
	return total
}

// ReminderBatchService は予約のリマインド送信を担当します
// 1回のtickで48時間前と3時間前の対象を抽出し、送信が成功した予約だけ送信済みにします
type ReminderBatchService struct {
	components      *components
	appointmentRepo repository.AppointmentRepository
	serviceRepo     repository.ServiceRepository
	sender          notifier.Sender
	locker          repository.TickLocker
	reporter        TaskReporter
	metrics         *metrics.Metrics
	cfg             *config.Config
	loc             *time.Location
	now             func() time.Time
}

// NewReminderBatchService は新しいReminderBatchServiceを作成します
// 起動時にテーブルの構成を確認し、一致しない場合はエラーを返します
func NewReminderBatchService(cfg *config.Config, m *metrics.Metrics, reporter TaskReporter) (*ReminderBatchService, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	c, err := newComponents(cfg)
	if err != nil {
		return nil, err
	}

	return &ReminderBatchService{
		components:      c,
		appointmentRepo: c.appointmentRepo,
		serviceRepo:     c.serviceRepo,
		sender:          c.sender,
		locker:          c.locker,
		reporter:        reporter,
		metrics:         m,
		cfg:             cfg,
		loc:             loc,
		now:             time.Now,
	}, nil
}

// Close は終了処理を行います
func (s *ReminderBatchService) Close() error {
	if s.components != nil {
		return s.components.close()
	}
	return nil
}

// Digest は同じ接続を使う管理者向けダイジェストのサービスを返します
func (s *ReminderBatchService) Digest() *DigestBatchService {
	return &DigestBatchService{
		appointmentRepo: s.appointmentRepo,
		serviceRepo:     s.serviceRepo,
		sender:          s.sender,
		metrics:         s.metrics,
		cfg:             s.cfg,
		loc:             s.loc,
		now:             s.now,
	}
}

// Run は現在時刻で1回のtickを実行します
func (s *ReminderBatchService) Run(ctx context.Context) error {
	summary, err := s.RunAt(ctx, s.now())
	if err != nil {
		return utils.GetStackWithError(err)
	}
	if summary.Skipped {
		return nil
	}
	log.Printf("[%s] Reminder tick completed. sent=%d failed=%d", summary.RunID, summary.Sent(), summary.Failed())
	return nil
}

// RunOnce は1回のtickを実行し、結果をStep Functionsに通知します
func (s *ReminderBatchService) RunOnce(ctx context.Context) error {
	summary, err := s.RunAt(ctx, s.now())
	if err != nil {
		return utils.GetStackWithError(err)
	}
	log.Printf("[%s] Reminder run completed. sent=%d failed=%d", summary.RunID, summary.Sent(), summary.Failed())

	if err := sendTaskSuccess(ctx, s.reporter, s.cfg.SFN.TaskToken, summary); err != nil {
		return utils.GetStackWithError(err)
	}
	return nil
}

// RunAt は指定した時刻をnowとして1回のtickを実行します
// 接続エラーとスキーマ不一致の場合は残りの処理を中断してエラーを返します
// それ以外の失敗は対象の予約(またはオフセット)だけに留め、処理を続行します
func (s *ReminderBatchService) RunAt(ctx context.Context, now time.Time) (TickSummary, error) {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "ReminderBatchService.RunAt")
	defer seg.Close(nil)

	now = now.UTC()
	summary := TickSummary{RunID: uuid.NewString(), Now: now}
	startTime := time.Now()

	if err := seg.AddMetadata("run_id", summary.RunID); err != nil {
		log.Printf("Failed to add run_id metadata: %v", err)
	}

	release, acquired, err := s.locker.Acquire(ctx, s.cfg.Reminder.LockKey, s.lockTTL())
	if err != nil {
		// 送信済みの記録は条件付き更新のため、ロックが取れなくても二重送信にはならない
		log.Printf("[%s] Failed to acquire tick lock, continuing without lock: %v", summary.RunID, err)
	} else if !acquired {
		log.Printf("[%s] Another scanner holds the tick lock. Skipping this tick", summary.RunID)
		summary.Skipped = true
		s.metrics.Ticks.WithLabelValues("skipped").Inc()
		return summary, nil
	} else {
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Printf("[%s] Failed to release tick lock: %v", summary.RunID, err)
			}
		}()
	}

	log.Printf("[%s] Starting reminder tick at %s", summary.RunID, now.Format(time.RFC3339))

	var tickErr error
	for _, offset := range model.Offsets {
		result, err := s.processOffset(ctx, summary.RunID, now, offset)
		if err != nil {
			result.Error = err.Error()
		}
		summary.Results = append(summary.Results, result)

		if err == nil {
			continue
		}
		if isFatal(err) {
			tickErr = fmt.Errorf("reminder tick aborted at offset %s: %w", offset, err)
			break
		}
		log.Printf("[%s] Failed to process %s reminders: %v", summary.RunID, offset, err)
	}

	duration := time.Since(startTime)
	s.metrics.TickDuration.Observe(duration.Seconds())
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}

	if tickErr != nil {
		s.metrics.Ticks.WithLabelValues("error").Inc()
		seg.Close(tickErr)
		return summary, tickErr
	}

	s.metrics.Ticks.WithLabelValues("ok").Inc()
	return summary, nil
}

// processOffset は1つのオフセットについて抽出、送信、送信済みの記録を行います
func (s *ReminderBatchService) processOffset(ctx context.Context, runID string, now time.Time, offset model.Offset) (OffsetResult, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReminderBatchService.processOffset")
	defer seg.Close(nil)

	window := model.DueWindow(now, offset, s.cfg.Reminder.Window)
	result := OffsetResult{Offset: offset, From: window.From, To: window.To}

	if err := seg.AddMetadata("offset", string(offset)); err != nil {
		log.Printf("Failed to add offset metadata: %v", err)
	}

	appointments, err := s.appointmentRepo.FindDue(ctx, offset, window)
	if err != nil {
		s.metrics.RemindersFailed.WithLabelValues(string(offset), stageQuery).Inc()
		seg.Close(err)
		return result, fmt.Errorf("failed to find due appointments: %w", err)
	}
	result.Due = len(appointments)
	s.metrics.DueAppointments.WithLabelValues(string(offset)).Set(float64(len(appointments)))

	if len(appointments) == 0 {
		return result, nil
	}
	log.Printf("[%s] Found %d appointments due for %s reminder", runID, len(appointments), offset)

	if err := fillServiceNames(ctx, s.serviceRepo, appointments); err != nil {
		seg.Close(err)
		return result, fmt.Errorf("failed to resolve service names: %w", err)
	}

	escape := notifier.EscapeFunc(s.sender)
	for _, a := range appointments {
		if err := ctx.Err(); err != nil {
			seg.Close(err)
			return result, err
		}

		if a.UserID == "" {
			log.Printf("[%s] Appointment %d has no user, skipping %s reminder", runID, a.ID, offset)
			result.Skipped++
			continue
		}

		msg := notifier.Message{
			Recipient: a.UserID,
			Text:      model.ComposeReminderEscaped(s.cfg.Templates, offset, a, s.loc, escape),
			Type:      offset.NotificationType(),
		}
		if err := s.sender.Send(ctx, msg); err != nil {
			// フラグは立てずに次のtickで再送する
			log.Printf("[%s] Failed to send %s reminder for appointment %d: %v", runID, offset, a.ID, err)
			result.Failed++
			s.metrics.RemindersFailed.WithLabelValues(string(offset), stageSend).Inc()
			continue
		}

		err := s.markReminded(ctx, a.ID, offset)
		switch {
		case err == nil:
			result.Sent++
			s.metrics.RemindersSent.WithLabelValues(string(offset)).Inc()
		case errors.Is(err, repository.ErrAlreadyReminded):
			log.Printf("[%s] Appointment %d was already marked for %s reminder by another scanner, possible duplicate send", runID, a.ID, offset)
			result.AlreadyMarked++
			s.metrics.DuplicateMarks.WithLabelValues(string(offset)).Inc()
		default:
			log.Printf("[%s] Sent %s reminder for appointment %d but failed to mark it: %v", runID, offset, a.ID, err)
			result.Failed++
			s.metrics.RemindersFailed.WithLabelValues(string(offset), stageMark).Inc()
			if isFatal(err) {
				seg.Close(err)
				return result, fmt.Errorf("failed to mark appointment %d: %w", a.ID, err)
			}
		}
	}

	return result, nil
}

// markReminded はtickのキャンセルとは切り離したコンテキストで送信済みを記録します
func (s *ReminderBatchService) markReminded(ctx context.Context, id int64, offset model.Offset) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	return s.appointmentRepo.MarkReminded(ctx, id, offset, s.now().UTC())
}

// lockTTL はtickが最も長くかかった場合より長いロックの有効期間です
// タイムアウト後も実行中の送信(SendTimeout)と記録(markTimeout)が終わるまでtickは戻らない
func (s *ReminderBatchService) lockTTL() time.Duration {
	timeout := s.cfg.Reminder.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Reminder.Interval
	}
	return timeout + s.cfg.Notifier.SendTimeout + markTimeout + lockMargin
}

// isFatal はtickの残りの処理を続けても意味がないエラーかどうかを判定します
func isFatal(err error) bool {
	return errors.Is(err, repository.ErrSchemaMismatch) || repository.IsConnectionError(err)
}
