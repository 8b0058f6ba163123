package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

func TestRecordAcceptsEitherTypeField(t *testing.T) {
	st := store.NewMemoryStore()
	svc := New(st)
	ts := time.Now()

	ev, err := svc.Record(context.Background(), Input{UserID: "u1", Type: "click", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "click", ev.EventType)
	assert.NotEqual(t, uuid.Nil, ev.ID)

	var in Input
	require.NoError(t, json.Unmarshal([]byte(`{"user_id":"u2","event_type":"purchase","timestamp":"2024-01-01T00:00:00Z","properties":{"amount":5}}`), &in))
	ev, err = svc.Record(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "purchase", ev.EventType)
	assert.JSONEq(t, `{"amount":5}`, string(ev.Properties))
	assert.Equal(t, 2, st.EventCount())
}

func TestRecordValidation(t *testing.T) {
	svc := New(store.NewMemoryStore())
	ts := time.Now()
	cases := map[string]Input{
		"missing user":      {Type: "click", Timestamp: ts},
		"missing type":      {UserID: "u", Timestamp: ts},
		"missing timestamp": {UserID: "u", Type: "click"},
		"array properties":  {UserID: "u", Type: "click", Timestamp: ts, Properties: json.RawMessage(`[1,2]`)},
	}
	for name, in := range cases {
		_, err := svc.Record(context.Background(), in)
		assert.ErrorIs(t, err, errdefs.ErrInvalidInput, name)
	}
}

func TestRecordBatchIsAllOrNothing(t *testing.T) {
	st := store.NewMemoryStore()
	svc := New(st)
	ts := time.Now()

	_, err := svc.RecordBatch(context.Background(), []Input{
		{UserID: "u1", Type: "click", Timestamp: ts},
		{UserID: "", Type: "click", Timestamp: ts},
	})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
	assert.Equal(t, 0, st.EventCount())

	out, err := svc.RecordBatch(context.Background(), []Input{
		{UserID: "u1", Type: "click", Timestamp: ts},
		{UserID: "u2", Type: "click", Timestamp: ts, Properties: json.RawMessage("null")},
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Nil(t, out[1].Properties)

	out, err = svc.RecordBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRecordBatchLimit(t *testing.T) {
	svc := New(store.NewMemoryStore())
	_, err := svc.RecordBatch(context.Background(), make([]Input, MaxBatchSize+1))
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

// fakeReader serves queued messages and then blocks until the fetch context
// ends, the way kafka.Reader does on an idle topic.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func message(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "experiment.events", Partition: 0, Offset: offset, Value: []byte(value)}
}

func runConsumer(t *testing.T, c *Consumer) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestConsumerStoresBatchesAndSkipsPoison(t *testing.T) {
	st := store.NewMemoryStore()
	reader := &fakeReader{queue: []kafka.Message{
		message(1, `{"user_id":"u1","type":"click","timestamp":"2024-01-01T00:00:00Z"}`),
		message(2, `not json`),
		message(3, `{"user_id":"u2","event_type":"purchase","timestamp":"2024-01-01T00:00:00Z"}`),
		message(4, `{"user_id":"","type":"click","timestamp":"2024-01-01T00:00:00Z"}`),
	}}
	c := NewConsumer(reader, New(st), ConsumerConfig{BatchSize: 2, FlushInterval: 50 * time.Millisecond})
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return reader.committedCount() == 4 }, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 2, st.EventCount())
	assert.True(t, reader.closed)
}

func TestConsumerRedeliveryIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	body := `{"user_id":"u1","type":"click","timestamp":"2024-01-01T00:00:00Z"}`
	reader := &fakeReader{queue: []kafka.Message{message(7, body), message(7, body)}}
	c := NewConsumer(reader, New(st), ConsumerConfig{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return reader.committedCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	stop()
	assert.Equal(t, 1, st.EventCount())
}

type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) InsertEvents(ctx context.Context, in []store.EventInput) ([]models.Event, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.InsertEvents(ctx, in)
}

func TestConsumerRetriesBeforeCommitting(t *testing.T) {
	mem := store.NewMemoryStore()
	st := &flakyStore{MemoryStore: mem, failures: 2}
	reader := &fakeReader{queue: []kafka.Message{
		message(1, `{"user_id":"u1","type":"click","timestamp":"2024-01-01T00:00:00Z"}`),
	}}
	c := NewConsumer(reader, New(st), ConsumerConfig{BatchSize: 1, FlushInterval: 20 * time.Millisecond, RetryInterval: 10 * time.Millisecond})
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return reader.committedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()
	assert.Equal(t, 1, mem.EventCount())
}

func TestMessageIDIsStable(t *testing.T) {
	a := messageID(message(3, ""))
	b := messageID(message(3, ""))
	c := messageID(message(4, ""))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
