package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestonepay/pkg/trace"
)

type memStore struct {
	mu     sync.Mutex
	events map[int64]*Event
}

func newMemStore(events ...*Event) *memStore {
	s := &memStore{events: make(map[int64]*Event)}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *memStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)) && len(out) < limit; id++ {
		if e, ok := s.events[id]; ok && e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)) && len(out) < limit; id++ {
		if e, ok := s.events[id]; ok && e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	return e, nil
}

func (s *memStore) MarkAsSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusSent
	return nil
}

func (s *memStore) MarkAsFailed(_ context.Context, id int64, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.Status, e.RetryCount, e.NextRetryAt = nextAttempt(e.RetryCount, maxRetries, time.Now())
	return nil
}

type published struct {
	routingKey string
	traceID    string
	body       json.RawMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	fail map[string]error
	sent []published
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[routingKey]; err != nil {
		return err
	}
	p.sent = append(p.sent, published{
		routingKey: routingKey,
		traceID:    trace.FromContext(ctx),
		body:       payload.(json.RawMessage),
	})
	return nil
}

func pendingEvent(id int64, routingKey, payload string) *Event {
	return &Event{ID: id, RoutingKey: routingKey, Payload: json.RawMessage(payload), Status: StatusPending}
}

func TestDispatcher_RunOncePublishesAndMarks(t *testing.T) {
	store := newMemStore(
		pendingEvent(1, "notification.upfront_payment_secured", `{"notification_id":"n1","trace_id":"t-1"}`),
		pendingEvent(2, "notification.payment_failed", `{"notification_id":"n2"}`),
	)
	pub := &fakePublisher{fail: map[string]error{"notification.payment_failed": errors.New("channel closed")}}

	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)
	sent := d.RunOnce(context.Background())

	assert.Equal(t, 1, sent)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "t-1", pub.sent[0].traceID)
	assert.JSONEq(t, `{"notification_id":"n1","trace_id":"t-1"}`, string(pub.sent[0].body))

	assert.Equal(t, StatusSent, store.events[1].Status)
	assert.Equal(t, StatusPending, store.events[2].Status)
	assert.Equal(t, 1, store.events[2].RetryCount)
	require.NotNil(t, store.events[2].NextRetryAt)

	// 第二次失败达到上限
	store.events[2].NextRetryAt = nil
	d.RunOnce(context.Background())
	assert.Equal(t, StatusFailed, store.events[2].Status)
}

func TestReplayService_ReplayFailedEvents(t *testing.T) {
	failed := pendingEvent(1, "notification.project_completed", `{"notification_id":"n1"}`)
	failed.Status = StatusFailed
	failed.RetryCount = 5
	store := newMemStore(failed)
	pub := &fakePublisher{}

	svc := NewReplayService(store, pub, zap.NewNop())
	n, err := svc.ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, store.events[1].Status)
}

func TestReplayService_UnknownEvent(t *testing.T) {
	svc := NewReplayService(newMemStore(), &fakePublisher{}, zap.NewNop())
	err := svc.ReplayEvent(context.Background(), 42)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	status, count, next := nextAttempt(0, 3, now)
	assert.Equal(t, StatusPending, status)
	assert.Equal(t, 1, count)
	assert.Equal(t, now.Add(5*time.Second), *next)

	status, count, next = nextAttempt(2, 3, now)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, 3, count)
	assert.Nil(t, next)
}
