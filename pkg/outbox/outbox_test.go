package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/pkg/trace"
)

type fakeStore struct {
	pending []*Event
	failed  []*Event
	sent    []int64
	retried []int64
	replay  []int64
}

func (f *fakeStore) GetPendingEvents(context.Context, int) ([]*Event, error) { return f.pending, nil }

func (f *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeStore) GetFailedEvents(context.Context, int) ([]*Event, error) { return f.failed, nil }

func (f *fakeStore) ReplayEvent(_ context.Context, id int64) error {
	if id < 0 {
		return errors.New("boom")
	}
	f.replay = append(f.replay, id)
	return nil
}

type published struct {
	key     string
	body    []byte
	traceID string
}

type fakePublisher struct {
	out  []published
	fail map[string]bool
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, key string, payload any) error {
	b, _ := json.Marshal(payload)
	return p.PublishRaw(ctx, key, b)
}

func (p *fakePublisher) PublishRaw(ctx context.Context, key string, body []byte) error {
	if p.fail[key] {
		return errors.New("channel closed")
	}
	p.out = append(p.out, published{key: key, body: body, traceID: trace.FromContext(ctx)})
	return nil
}

func TestDispatchOnce(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 1, RoutingKey: "milestone.status_changed", Payload: json.RawMessage(`{"milestone_id":"m1","trace_id":"abc"}`)},
		{ID: 2, RoutingKey: "broken", Payload: json.RawMessage(`{}`)},
		{ID: 3, RoutingKey: "milestone.status_changed", Payload: json.RawMessage(`{"milestone_id":"m2"}`)},
	}}
	pub := &fakePublisher{fail: map[string]bool{"broken": true}}
	d := NewDispatcher(store, pub, zap.NewNop()).WithMaxRetries(3)

	sent := d.DispatchOnce(context.Background())

	assert.Equal(t, 2, sent)
	assert.Equal(t, []int64{1, 3}, store.sent)
	assert.Equal(t, []int64{2}, store.retried)
	require.Len(t, pub.out, 2)
	assert.Equal(t, "abc", pub.out[0].traceID)
	assert.Empty(t, pub.out[1].traceID)
	assert.JSONEq(t, `{"milestone_id":"m1","trace_id":"abc"}`, string(pub.out[0].body))
}

func TestWithTraceID(t *testing.T) {
	out, err := withTraceID([]byte(`{"a":1}`), "t-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"trace_id":"t-1"}`, string(out))

	out, err = withTraceID([]byte(`{"trace_id":"keep"}`), "t-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"trace_id":"keep"}`, string(out))

	out, err = withTraceID([]byte(`[1,2]`), "t-1")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(out))
}

func TestReplayFailedEvents(t *testing.T) {
	store := &fakeStore{failed: []*Event{{ID: 7}, {ID: -1}, {ID: 9}}}
	svc := NewReplayService(store, zap.NewNop())

	n, err := svc.ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{7, 9}, store.replay)
}
