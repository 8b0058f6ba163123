package exposure

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

type fakeProducer struct {
	mu       sync.Mutex
	keys     []string
	values   [][]byte
	fail     bool
	block    chan struct{}
	closed   bool
	inflight int
	peak     int
}

func (f *fakeProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return time.Time{}, errors.New("broker unavailable")
	}
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, append([]byte(nil), value...))
	return time.Now(), nil
}

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProducer) produced() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

func assignmentFor(user string) models.Assignment {
	return models.Assignment{
		ID:           uuid.New(),
		ExperimentID: 9,
		UserID:       user,
		VariantID:    3,
		VariantName:  "treatment",
		AssignedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func startPublisher(t *testing.T, p *Publisher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("publisher did not stop")
		}
	}
}

func TestPublisherProducesExposure(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, PublisherConfig{})
	stop := startPublisher(t, p)

	a := assignmentFor("user-1")
	p.AssignmentCreated(context.Background(), a)
	require.Eventually(t, func() bool { return prod.produced() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, "9:user-1", prod.keys[0])
	var msg Message
	require.NoError(t, json.Unmarshal(prod.values[0], &msg))
	assert.Equal(t, a.ID, msg.AssignmentID)
	assert.Equal(t, int64(3), msg.VariantID)
	assert.Equal(t, "treatment", msg.VariantName)
	assert.True(t, a.AssignedAt.Equal(msg.AssignedAt))
	assert.True(t, prod.closed)
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, PublisherConfig{QueueSize: 2})

	// Not running, so nothing drains the queue.
	for i := 0; i < 5; i++ {
		p.AssignmentCreated(context.Background(), assignmentFor("u"))
	}
	assert.Len(t, p.queue, 2)
}

func TestPublisherBoundsConcurrency(t *testing.T) {
	prod := &fakeProducer{block: make(chan struct{})}
	p := NewPublisher(prod, PublisherConfig{MaxConcurrency: 2})
	stop := startPublisher(t, p)

	for i := 0; i < 6; i++ {
		p.AssignmentCreated(context.Background(), assignmentFor("u"))
	}
	time.Sleep(50 * time.Millisecond)
	close(prod.block)
	require.Eventually(t, func() bool { return prod.produced() == 6 }, time.Second, 5*time.Millisecond)
	stop()

	prod.mu.Lock()
	defer prod.mu.Unlock()
	assert.LessOrEqual(t, prod.peak, 2)
}

func TestPublisherSurvivesProducerFailure(t *testing.T) {
	prod := &fakeProducer{fail: true}
	p := NewPublisher(prod, PublisherConfig{})
	stop := startPublisher(t, p)

	p.AssignmentCreated(context.Background(), assignmentFor("u1"))
	time.Sleep(30 * time.Millisecond)

	prod.mu.Lock()
	prod.fail = false
	prod.mu.Unlock()
	p.AssignmentCreated(context.Background(), assignmentFor("u2"))

	require.Eventually(t, func() bool { return prod.produced() == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, "9:u2", prod.keys[0])
}

func TestNewKafkaProducerValidates(t *testing.T) {
	_, err := NewKafkaProducer(KafkaProducerConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "experiment.exposures"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.maxAttempts)
	assert.NoError(t, p.Close())
}
