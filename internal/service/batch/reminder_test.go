package batch

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/uma-arai/sbcntr-reminder/internal/common/config"
	"github.com/uma-arai/sbcntr-reminder/internal/common/utils"
	"github.com/uma-arai/sbcntr-reminder/internal/metrics"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/notifier"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
)

var testNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

// newTestReminderBatchService はテスト用のReminderBatchServiceを作成します
func newTestReminderBatchService(repo repository.AppointmentRepository, sender notifier.Sender, locker repository.TickLocker) *ReminderBatchService {
	cfg := config.Default()
	cfg.Notifier.Channel = notifier.ChannelLog
	return &ReminderBatchService{
		appointmentRepo: repo,
		sender:          sender,
		locker:          locker,
		metrics:         metrics.New(nil),
		cfg:             cfg,
		loc:             time.UTC,
		now:             func() time.Time { return testNow },
	}
}

func booked(id int64, user string, start time.Time) model.Appointment {
	return model.Appointment{ID: id, UserID: user, StartAt: start, Status: model.StatusBooked}
}

func TestReminderBatchService_RunAt(t *testing.T) {
	// X-Rayのセグメントを設定
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_RunAt")
	defer seg.Close(nil)

	cancelled := booked(3, "user-3", testNow.Add(3*time.Hour))
	cancelled.Status = "CANCELLED"

	repo := newFakeAppointmentRepository(
		booked(1, "user-1", testNow.Add(48*time.Hour)),
		booked(2, "user-2", testNow.Add(3*time.Hour)),
		cancelled,
	)
	sender := newMockSender()
	locker := &MockTickLocker{}
	s := newTestReminderBatchService(repo, sender, locker)

	summary, err := s.RunAt(ctx, testNow)
	if err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}

	t.Run("48時間前の予約に1件だけ送信される", func(t *testing.T) {
		msgs := sender.messagesTo("user-1")
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages to user-1, want 1", len(msgs))
		}
		if msgs[0].Type != model.NotificationTypeReminder48h {
			t.Errorf("type = %s, want %s", msgs[0].Type, model.NotificationTypeReminder48h)
		}
		want := model.ComposeReminder(s.cfg.Templates, model.Offset48h, repo.row(1), time.UTC)
		if msgs[0].Text != want {
			t.Errorf("text = %q, want %q", msgs[0].Text, want)
		}
		row := repo.row(1)
		if !row.Reminded48h || row.Reminded3h {
			t.Errorf("flags = (48h:%v, 3h:%v), want (true, false)", row.Reminded48h, row.Reminded3h)
		}
	})

	t.Run("3時間前の予約には3時間前のリマインドだけ送信される", func(t *testing.T) {
		msgs := sender.messagesTo("user-2")
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages to user-2, want 1", len(msgs))
		}
		if msgs[0].Type != model.NotificationTypeReminder3h {
			t.Errorf("type = %s, want %s", msgs[0].Type, model.NotificationTypeReminder3h)
		}
		row := repo.row(2)
		if row.Reminded48h || !row.Reminded3h {
			t.Errorf("flags = (48h:%v, 3h:%v), want (false, true)", row.Reminded48h, row.Reminded3h)
		}
	})

	t.Run("BOOKED以外の予約には送信されない", func(t *testing.T) {
		if msgs := sender.messagesTo("user-3"); len(msgs) != 0 {
			t.Errorf("sent %d messages to cancelled appointment", len(msgs))
		}
		row := repo.row(3)
		if row.Reminded48h || row.Reminded3h || row.Status != "CANCELLED" {
			t.Errorf("cancelled row was modified: %+v", row)
		}
	})

	t.Run("結果の集計", func(t *testing.T) {
		if summary.Sent() != 2 || summary.Failed() != 0 {
			t.Errorf("summary sent=%d failed=%d, want 2/0", summary.Sent(), summary.Failed())
		}
		if len(summary.Results) != 2 {
			t.Fatalf("results = %d, want 2", len(summary.Results))
		}
		if got := testutil.ToFloat64(s.metrics.RemindersSent.WithLabelValues("48h")); got != 1 {
			t.Errorf("reminders_sent{48h} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(s.metrics.Ticks.WithLabelValues("ok")); got != 1 {
			t.Errorf("ticks{ok} = %v, want 1", got)
		}
		if locker.acquired != 1 || locker.released != 1 {
			t.Errorf("lock acquired=%d released=%d, want 1/1", locker.acquired, locker.released)
		}
	})

	t.Run("同じ時刻で再実行しても再送されない", func(t *testing.T) {
		before := len(sender.sent)
		if _, err := s.RunAt(ctx, testNow); err != nil {
			t.Fatalf("RunAt() error = %v", err)
		}
		if len(sender.sent) != before {
			t.Errorf("sent %d more messages on rerun, want 0", len(sender.sent)-before)
		}
	})
}

func TestReminderBatchService_SendFailureRetriedNextTick(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_SendFailureRetriedNextTick")
	defer seg.Close(nil)

	repo := newFakeAppointmentRepository(booked(1, "user-1", testNow.Add(48*time.Hour)))
	sender := newMockSender()
	sender.failFor["user-1"] = errors.New("telegram unavailable")
	s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

	summary, err := s.RunAt(ctx, testNow)
	if err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}
	if summary.Failed() != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed())
	}
	if repo.row(1).Reminded48h {
		t.Fatal("flag set after failed send")
	}
	if repo.markCalls != 0 {
		t.Errorf("mark called %d times after failed send", repo.markCalls)
	}
	if got := testutil.ToFloat64(s.metrics.RemindersFailed.WithLabelValues("48h", stageSend)); got != 1 {
		t.Errorf("reminders_failed{48h,send} = %v, want 1", got)
	}

	// 次のtickでは開始時刻がまだ範囲内にあるので再送される
	delete(sender.failFor, "user-1")
	if _, err := s.RunAt(ctx, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}
	if n := len(sender.messagesTo("user-1")); n != 1 {
		t.Errorf("sent %d messages on retry, want 1", n)
	}
	if !repo.row(1).Reminded48h {
		t.Error("flag not set after successful retry")
	}
}

func TestReminderBatchService_FailureIsolation(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_FailureIsolation")
	defer seg.Close(nil)

	start := testNow.Add(48 * time.Hour)
	tests := []struct {
		name        string
		setup       func(repo *fakeAppointmentRepository, sender *MockSender)
		wantFlagged []int64
		wantFailed  int
	}{
		{
			name: "1件の送信失敗で他の予約は止まらない",
			setup: func(repo *fakeAppointmentRepository, sender *MockSender) {
				sender.failFor["user-1"] = errors.New("blocked by user")
			},
			wantFlagged: []int64{2, 3},
			wantFailed:  1,
		},
		{
			name: "1件の更新失敗で他の予約は止まらない",
			setup: func(repo *fakeAppointmentRepository, sender *MockSender) {
				repo.markErr[2] = errors.New("deadlock detected")
			},
			wantFlagged: []int64{1, 3},
			wantFailed:  1,
		},
		{
			name: "宛先がない予約はスキップされる",
			setup: func(repo *fakeAppointmentRepository, sender *MockSender) {
				repo.rows[1].UserID = ""
			},
			wantFlagged: []int64{2, 3},
			wantFailed:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeAppointmentRepository(
				booked(1, "user-1", start),
				booked(2, "user-2", start.Add(-30*time.Second)),
				booked(3, "user-3", start.Add(-time.Minute)),
			)
			sender := newMockSender()
			tt.setup(repo, sender)
			s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

			summary, err := s.RunAt(ctx, testNow)
			if err != nil {
				t.Fatalf("RunAt() error = %v", err)
			}
			if summary.Failed() != tt.wantFailed {
				t.Errorf("failed = %d, want %d", summary.Failed(), tt.wantFailed)
			}
			for _, id := range tt.wantFlagged {
				if !repo.row(id).Reminded48h {
					t.Errorf("appointment %d not flagged", id)
				}
			}
			if summary.Sent() != len(tt.wantFlagged) {
				t.Errorf("sent = %d, want %d", summary.Sent(), len(tt.wantFlagged))
			}
		})
	}
}

func TestReminderBatchService_AbortsOnFatalErrors(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_AbortsOnFatalErrors")
	defer seg.Close(nil)

	tests := []struct {
		name      string
		setup     func(repo *fakeAppointmentRepository)
		wantErr   error
		wantCalls []model.Offset
		wantSent  int
	}{
		{
			name: "接続エラーで残りのオフセットを中断する",
			setup: func(repo *fakeAppointmentRepository) {
				repo.findErr[model.Offset48h] = driver.ErrBadConn
			},
			wantErr:   driver.ErrBadConn,
			wantCalls: []model.Offset{model.Offset48h},
			wantSent:  0,
		},
		{
			name: "更新時の接続切断で残りの予約を中断する",
			setup: func(repo *fakeAppointmentRepository) {
				repo.markErr[1] = fmt.Errorf("exec: %w", sql.ErrConnDone)
			},
			wantErr:   sql.ErrConnDone,
			wantCalls: []model.Offset{model.Offset48h},
			wantSent:  1,
		},
		{
			name: "スキーマ不一致は致命的エラー",
			setup: func(repo *fakeAppointmentRepository) {
				repo.findErr[model.Offset3h] = fmt.Errorf("%w: column \"reminded_3h\" does not exist", repository.ErrSchemaMismatch)
			},
			wantErr:   repository.ErrSchemaMismatch,
			wantCalls: []model.Offset{model.Offset48h, model.Offset3h},
			wantSent:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := testNow.Add(48 * time.Hour)
			repo := newFakeAppointmentRepository(
				booked(1, "user-1", start),
				booked(2, "user-2", start.Add(-time.Second)),
				booked(3, "user-3", testNow.Add(3*time.Hour)),
			)
			tt.setup(repo)
			sender := newMockSender()
			s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

			_, err := s.RunAt(ctx, testNow)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RunAt() error = %v, want %v", err, tt.wantErr)
			}
			if len(repo.findCalls) != len(tt.wantCalls) {
				t.Errorf("find calls = %v, want %v", repo.findCalls, tt.wantCalls)
			}
			if len(sender.sent) != tt.wantSent {
				t.Errorf("sent = %d, want %d", len(sender.sent), tt.wantSent)
			}
			if got := testutil.ToFloat64(s.metrics.Ticks.WithLabelValues("error")); got != 1 {
				t.Errorf("ticks{error} = %v, want 1", got)
			}
		})
	}
}

func TestReminderBatchService_QueryErrorIsolatedToOffset(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_QueryErrorIsolatedToOffset")
	defer seg.Close(nil)

	repo := newFakeAppointmentRepository(booked(1, "user-1", testNow.Add(3*time.Hour)))
	repo.findErr[model.Offset48h] = errors.New("canceling statement due to statement timeout")
	sender := newMockSender()
	s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

	summary, err := s.RunAt(ctx, testNow)
	if err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}
	if summary.Results[0].Error == "" {
		t.Error("48h result has no error")
	}
	if !repo.row(1).Reminded3h {
		t.Error("3h reminder not processed after 48h query failure")
	}
}

func TestReminderBatchService_ConcurrentMark(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_ConcurrentMark")
	defer seg.Close(nil)

	repo := newFakeAppointmentRepository(booked(1, "user-1", testNow.Add(48*time.Hour)))
	// 送信と更新の間に別のスキャナーがフラグを立てる
	repo.beforeMark = func(r *fakeAppointmentRepository, id int64, o model.Offset) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.setFlag(r.rows[id], o)
	}
	sender := newMockSender()
	s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

	summary, err := s.RunAt(ctx, testNow)
	if err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}
	if summary.Results[0].AlreadyMarked != 1 {
		t.Errorf("already marked = %d, want 1", summary.Results[0].AlreadyMarked)
	}
	if summary.Failed() != 0 {
		t.Errorf("failed = %d, want 0", summary.Failed())
	}
	if got := testutil.ToFloat64(s.metrics.DuplicateMarks.WithLabelValues("48h")); got != 1 {
		t.Errorf("already_marked{48h} = %v, want 1", got)
	}
}

func TestReminderBatchService_TickLock(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_TickLock")
	defer seg.Close(nil)

	tests := []struct {
		name        string
		locker      *MockTickLocker
		wantSkipped bool
		wantSent    int
	}{
		{
			name:        "ロックが取れない場合はスキップ",
			locker:      &MockTickLocker{deny: true},
			wantSkipped: true,
			wantSent:    0,
		},
		{
			name:        "Redisのエラー時はロックなしで続行",
			locker:      &MockTickLocker{err: errors.New("dial tcp: connection refused")},
			wantSkipped: false,
			wantSent:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeAppointmentRepository(booked(1, "user-1", testNow.Add(48*time.Hour)))
			sender := newMockSender()
			s := newTestReminderBatchService(repo, sender, tt.locker)

			summary, err := s.RunAt(ctx, testNow)
			if err != nil {
				t.Fatalf("RunAt() error = %v", err)
			}
			if summary.Skipped != tt.wantSkipped {
				t.Errorf("skipped = %v, want %v", summary.Skipped, tt.wantSkipped)
			}
			if len(sender.sent) != tt.wantSent {
				t.Errorf("sent = %d, want %d", len(sender.sent), tt.wantSent)
			}
			if tt.wantSkipped && len(repo.findCalls) != 0 {
				t.Errorf("queried %d times while skipped", len(repo.findCalls))
			}
		})
	}
}

// 1分ごとのtickで、どの開始時刻の予約もオフセットごとにちょうど1回だけ通知される
func TestReminderBatchService_EveryAppointmentRemindedExactlyOnce(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_EveryAppointmentRemindedExactlyOnce")
	defer seg.Close(nil)

	var rows []model.Appointment
	var id int64
	for k := 0; k < 40; k++ {
		id++
		rows = append(rows, booked(id, fmt.Sprintf("user-%d", id), testNow.Add(48*time.Hour+time.Duration(k)*17*time.Second)))
		id++
		rows = append(rows, booked(id, fmt.Sprintf("user-%d", id), testNow.Add(3*time.Hour+time.Duration(k)*23*time.Second)))
	}
	repo := newFakeAppointmentRepository(rows...)
	sender := newMockSender()
	s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

	// tickの実行時刻は多少ずれる
	for i := -5; i <= 20; i++ {
		now := testNow.Add(time.Duration(i)*time.Minute + time.Duration(i%3)*700*time.Millisecond)
		if _, err := s.RunAt(ctx, now); err != nil {
			t.Fatalf("RunAt(%s) error = %v", now, err)
		}
	}

	for _, a := range rows {
		msgs := sender.messagesTo(a.UserID)
		if len(msgs) != 1 {
			t.Errorf("appointment %d (start %s) got %d reminders, want 1", a.ID, a.StartAt.Format(time.RFC3339), len(msgs))
		}
		row := repo.row(a.ID)
		if !row.Reminded48h && !row.Reminded3h {
			t.Errorf("appointment %d not flagged", a.ID)
		}
	}
}

func TestReminderBatchService_ServiceNames(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_ServiceNames")
	defer seg.Close(nil)

	withService := func(a model.Appointment, serviceID string) model.Appointment {
		a.ServiceID = sql.NullString{String: serviceID, Valid: true}
		return a
	}
	start := testNow.Add(48 * time.Hour)
	named := booked(4, "user-4", start)
	named.ServiceName = sql.NullString{String: "Facial", Valid: true}

	repo := newFakeAppointmentRepository(
		withService(booked(1, "user-1", start), "s1"),
		withService(booked(2, "user-2", start), "s1"),
		withService(booked(3, "user-3", start), "missing"),
		named,
	)
	services := &MockServiceRepository{names: map[string]string{"s1": "Haircut"}}
	sender := newMockSender()
	s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})
	s.serviceRepo = services

	if _, err := s.RunAt(ctx, testNow); err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}

	if services.calls["s1"] != 1 {
		t.Errorf("GetNameByID(s1) called %d times, want 1", services.calls["s1"])
	}
	for _, user := range []string{"user-1", "user-2"} {
		msgs := sender.messagesTo(user)
		if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Haircut") {
			t.Errorf("message to %s = %+v, want service name Haircut", user, msgs)
		}
	}
	fallback := s.cfg.Templates.FallbackService
	if msgs := sender.messagesTo("user-3"); len(msgs) != 1 || !strings.Contains(msgs[0].Text, fallback) {
		t.Errorf("message to user-3 = %+v, want fallback %q", msgs, fallback)
	}
	if msgs := sender.messagesTo("user-4"); len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Facial") {
		t.Errorf("message to user-4 = %+v, want service name Facial", msgs)
	}
}

func TestReminderBatchService_RunOnce(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_RunOnce")
	defer seg.Close(nil)
	t.Setenv("ENV", "")

	repo := newFakeAppointmentRepository(booked(1, "user-1", testNow.Add(48*time.Hour)))
	reporter := &MockTaskReporter{}
	s := newTestReminderBatchService(repo, newMockSender(), repository.NoopTickLocker{})
	s.reporter = reporter
	s.cfg.SFN.TaskToken = "task-token"

	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(reporter.success) != 1 {
		t.Fatalf("SendTaskSuccess called %d times, want 1", len(reporter.success))
	}
	if got := *reporter.success[0].TaskToken; got != "task-token" {
		t.Errorf("task token = %s, want task-token", got)
	}

	var output struct {
		Reminders TickSummary `json:"reminders"`
	}
	if err := json.Unmarshal([]byte(*reporter.success[0].Output), &output); err != nil {
		t.Fatalf("invalid output: %v", err)
	}
	if output.Reminders.Sent() != 1 || output.Reminders.RunID == "" {
		t.Errorf("output summary = %+v", output.Reminders)
	}
}

func TestSendTaskFailure(t *testing.T) {
	t.Setenv("ENV", "")
	reporter := &MockTaskReporter{}

	if err := SendTaskFailure(context.Background(), reporter, "task-token", errors.New("boom")); err != nil {
		t.Fatalf("SendTaskFailure() error = %v", err)
	}
	if len(reporter.failure) != 1 || *reporter.failure[0].Cause != "boom" {
		t.Errorf("failure input = %+v", reporter.failure)
	}

	t.Setenv("ENV", "LOCAL")
	if err := SendTaskFailure(context.Background(), reporter, "task-token", errors.New("boom")); err != nil {
		t.Fatalf("SendTaskFailure() error = %v", err)
	}
	if len(reporter.failure) != 1 {
		t.Errorf("failure reported in LOCAL environment")
	}
}

// blockingSender はcontextを無視して release が閉じるまで送信を終えないSenderです
type blockingSender struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, msg notifier.Message) error {
	b.mu.Lock()
	b.calls[msg.Recipient]++
	b.mu.Unlock()
	<-b.release
	return nil
}

// タイムアウトしたtickの送信が終わる前に次のtickを始めない
func TestReminderBatchService_TimedOutTickDoesNotOverlap(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_TimedOutTickDoesNotOverlap")
	defer seg.Close(nil)

	repo := newFakeAppointmentRepository(booked(1, "user-1", testNow.Add(48*time.Hour)))
	sender := &blockingSender{calls: make(map[string]int), release: make(chan struct{})}
	s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(sender.release)
	}()

	for i := 0; i < 2; i++ {
		err := utils.RunWithTimeout(ctx, 20*time.Millisecond, s.Run)
		if i == 0 && !errors.Is(err, utils.ErrTimeout) {
			t.Errorf("first tick error = %v, want ErrTimeout", err)
		}
	}

	if n := sender.calls["user-1"]; n != 1 {
		t.Errorf("sent %d reminders for appointment 1, want 1", n)
	}
	if !repo.row(1).Reminded48h {
		t.Error("flag not set after the delayed send completed")
	}
	if repo.markCalls != 1 {
		t.Errorf("mark called %d times, want 1", repo.markCalls)
	}
}

func TestReminderBatchService_LockTTLCoversSlowestTick(t *testing.T) {
	s := newTestReminderBatchService(newFakeAppointmentRepository(), newMockSender(), repository.NoopTickLocker{})
	s.cfg.Reminder.Timeout = 50 * time.Second
	s.cfg.Notifier.SendTimeout = 10 * time.Second

	if got, floor := s.lockTTL(), 50*time.Second+10*time.Second+markTimeout; got <= floor {
		t.Errorf("lockTTL() = %v, want > %v", got, floor)
	}
}

// escapingSender はMarkdownの書式を持つチャネルを模したSenderです
type escapingSender struct {
	*MockSender
}

func (e escapingSender) Escape(text string) string {
	return strings.NewReplacer("_", `\_`, "*", `\*`).Replace(text)
}

func TestReminderBatchService_EscapesServiceName(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestReminderBatchService_EscapesServiceName")
	defer seg.Close(nil)

	a := booked(1, "user-1", testNow.Add(48*time.Hour))
	a.ServiceName = sql.NullString{String: "cut_and_*color*", Valid: true}
	repo := newFakeAppointmentRepository(a)
	sender := escapingSender{MockSender: newMockSender()}
	s := newTestReminderBatchService(repo, sender, repository.NoopTickLocker{})

	if _, err := s.RunAt(ctx, testNow); err != nil {
		t.Fatalf("RunAt() error = %v", err)
	}

	msgs := sender.messagesTo("user-1")
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, `*cut\_and\_\*color\**`) {
		t.Errorf("text = %q, want escaped service name inside template bold", msgs[0].Text)
	}
}
