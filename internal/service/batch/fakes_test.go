package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
	"github.com/uma-arai/sbcntr-reminder/internal/notifier"
	"github.com/uma-arai/sbcntr-reminder/internal/repository"
)

// fakeAppointmentRepository はテスト用のインメモリ予約テーブルです
// MarkReminded はSQLと同じ条件付き更新の動作をします
type fakeAppointmentRepository struct {
	mu        sync.Mutex
	rows      map[int64]*model.Appointment
	findErr   map[model.Offset]error
	markErr   map[int64]error
	findCalls []model.Offset
	markCalls int
	// beforeMark は更新の直前に呼ばれます。別スキャナーの割り込みを再現するために使います
	beforeMark func(r *fakeAppointmentRepository, id int64, o model.Offset)
}

func newFakeAppointmentRepository(rows ...model.Appointment) *fakeAppointmentRepository {
	r := &fakeAppointmentRepository{
		rows:    make(map[int64]*model.Appointment),
		findErr: make(map[model.Offset]error),
		markErr: make(map[int64]error),
	}
	for _, a := range rows {
		a := a
		r.rows[a.ID] = &a
	}
	return r
}

func (r *fakeAppointmentRepository) sortedIDs() []int64 {
	ids := make([]int64, 0, len(r.rows))
	for id := range r.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *fakeAppointmentRepository) FindDue(ctx context.Context, offset model.Offset, window model.Window) ([]model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.findCalls = append(r.findCalls, offset)
	if err := r.findErr[offset]; err != nil {
		return nil, err
	}

	var due []model.Appointment
	for _, id := range r.sortedIDs() {
		a := r.rows[id]
		if a.Status == model.StatusBooked && !a.Reminded(offset) && window.Contains(a.StartAt) {
			due = append(due, *a)
		}
	}
	return due, nil
}

func (r *fakeAppointmentRepository) MarkReminded(ctx context.Context, id int64, offset model.Offset, at time.Time) error {
	if r.beforeMark != nil {
		r.beforeMark(r, id, offset)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.markCalls++
	if err := r.markErr[id]; err != nil {
		return err
	}
	a, ok := r.rows[id]
	if !ok || a.Reminded(offset) {
		return repository.ErrAlreadyReminded
	}
	r.setFlag(a, offset)
	return nil
}

func (r *fakeAppointmentRepository) setFlag(a *model.Appointment, offset model.Offset) {
	switch offset {
	case model.Offset48h:
		a.Reminded48h = true
	case model.Offset3h:
		a.Reminded3h = true
	}
}

func (r *fakeAppointmentRepository) FindBookedBetween(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.findErr[""]; err != nil {
		return nil, err
	}

	var booked []model.Appointment
	for _, id := range r.sortedIDs() {
		a := r.rows[id]
		if a.Status == model.StatusBooked && !a.StartAt.Before(from) && a.StartAt.Before(to) {
			booked = append(booked, *a)
		}
	}
	sort.SliceStable(booked, func(i, j int) bool { return booked[i].StartAt.Before(booked[j].StartAt) })
	return booked, nil
}

func (r *fakeAppointmentRepository) VerifySchema(ctx context.Context) error {
	return nil
}

func (r *fakeAppointmentRepository) row(id int64) model.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

// MockSender は送信したメッセージを記録するテスト用のSenderです
type MockSender struct {
	mu      sync.Mutex
	sent    []notifier.Message
	failFor map[string]error
}

func newMockSender() *MockSender {
	return &MockSender{failFor: make(map[string]error)}
}

func (m *MockSender) Send(ctx context.Context, msg notifier.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[msg.Recipient]; err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockSender) messagesTo(recipient string) []notifier.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []notifier.Message
	for _, msg := range m.sent {
		if msg.Recipient == recipient {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// MockTickLocker はテスト用のロックです
type MockTickLocker struct {
	deny     bool
	err      error
	acquired int
	released int
}

func (m *MockTickLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (repository.ReleaseFunc, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	if m.deny {
		return nil, false, nil
	}
	m.acquired++
	return func(context.Context) error {
		m.released++
		return nil
	}, true, nil
}

// MockServiceRepository はテスト用のモックリポジトリです
type MockServiceRepository struct {
	names map[string]string
	err   error
	calls map[string]int
}

func (m *MockServiceRepository) GetNameByID(ctx context.Context, serviceID string) (string, error) {
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[serviceID]++
	if m.err != nil {
		return "", m.err
	}
	name, ok := m.names[serviceID]
	if !ok {
		return "", errors.New("service not found")
	}
	return name, nil
}

// MockTaskReporter はテスト用のStep Functionsクライアントです
type MockTaskReporter struct {
	success []*sfn.SendTaskSuccessInput
	failure []*sfn.SendTaskFailureInput
}

func (m *MockTaskReporter) SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	m.success = append(m.success, params)
	return &sfn.SendTaskSuccessOutput{}, nil
}

func (m *MockTaskReporter) SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	m.failure = append(m.failure, params)
	return &sfn.SendTaskFailureOutput{}, nil
}
