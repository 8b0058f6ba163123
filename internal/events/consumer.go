package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "experiment_events_skipped_total",
	Help: "Kafka event messages dropped before storage by reason",
}, []string{"reason"})

// MessageReader is the subset of kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	// BatchSize is the number of events written per storage transaction.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits for more messages.
	FlushInterval time.Duration
	// RetryInterval is the pause after a failed storage write.
	RetryInterval time.Duration
}

// Consumer ingests events published to Kafka. Offsets are committed only
// after the batch containing them is stored, so a crash replays at most the
// uncommitted tail; replayed messages map to the same event ids and are
// absorbed by the store.
type Consumer struct {
	reader MessageReader
	svc    *Service
	cfg    ConsumerConfig
}

func NewConsumer(reader MessageReader, svc *Service, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Consumer{reader: reader, svc: svc, cfg: cfg}
}

// NewKafkaReader builds a consumer-group reader for the events topic.
func NewKafkaReader(brokers []string, topic, groupID string) (*kafka.Reader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), nil
}

// messageID derives a stable event id from the message coordinates.
func messageID(msg kafka.Message) uuid.UUID {
	name := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name))
}

func decode(msg kafka.Message) (Input, error) {
	var in Input
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return Input{}, err
	}
	if in.ID == uuid.Nil {
		in.ID = messageID(msg)
	}
	if _, err := in.toStore(); err != nil {
		return Input{}, err
	}
	return in, nil
}

// Run consumes until ctx is cancelled. It returns ctx.Err() on shutdown and
// closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[events.consumer] starting (batch=%d, flush=%s)", c.cfg.BatchSize, c.cfg.FlushInterval)
	defer log.Printf("[events.consumer] stopped")
	defer c.reader.Close()

	var (
		pending []Input
		msgs    []kafka.Message
	)
	deadline := time.Now().Add(c.cfg.FlushInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if len(msgs) > 0 && (len(msgs) >= c.cfg.BatchSize || !time.Now().Before(deadline)) {
			if err := c.flush(ctx, pending, msgs); err != nil {
				log.Printf("[events.consumer] flush %d messages: %v", len(msgs), err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.cfg.RetryInterval):
				}
				continue
			}
			pending, msgs = nil, nil
		}
		if len(msgs) == 0 {
			deadline = time.Now().Add(c.cfg.FlushInterval)
		}

		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Printf("[events.consumer] fetch: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}

		msgs = append(msgs, msg)
		in, err := decode(msg)
		if err != nil {
			// Poison messages are committed with their batch and never retried.
			skippedTotal.WithLabelValues("invalid").Inc()
			log.Printf("[events.consumer] skip %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			continue
		}
		pending = append(pending, in)
	}
}

func (c *Consumer) flush(ctx context.Context, pending []Input, msgs []kafka.Message) error {
	if len(pending) > 0 {
		if _, err := c.svc.record(ctx, pending, "kafka"); err != nil {
			return err
		}
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}
