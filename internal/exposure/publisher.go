// Package exposure announces newly created assignments on a Kafka topic so
// downstream analytics can join exposures without polling the database.
// Publication is best effort and never delays or fails an assignment.
package exposure

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "experiment_exposures_total",
	Help: "Exposure messages by result (published, failed, dropped)",
}, []string{"result"})

// Producer is the subset of producer behavior the publisher needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

// Message is the payload written for each exposure.
type Message struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	ExperimentID int64     `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    int64     `json:"variant_id"`
	VariantName  string    `json:"variant_name"`
	AssignedAt   time.Time `json:"assigned_at"`
}

type PublisherConfig struct {
	// QueueSize bounds exposures waiting to be produced. Defaults to 1024.
	QueueSize int
	// MaxConcurrency bounds in-flight Produce calls. Defaults to 4.
	MaxConcurrency int
	// ProduceTimeout bounds one Produce call including retries. Defaults to 15s.
	ProduceTimeout time.Duration
}

type Publisher struct {
	producer Producer
	queue    chan models.Assignment
	cfg      PublisherConfig
	wg       sync.WaitGroup
}

func NewPublisher(producer Producer, cfg PublisherConfig) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ProduceTimeout <= 0 {
		cfg.ProduceTimeout = 15 * time.Second
	}
	return &Publisher{
		producer: producer,
		queue:    make(chan models.Assignment, cfg.QueueSize),
		cfg:      cfg,
	}
}

// AssignmentCreated enqueues an exposure. When the queue is full the exposure
// is dropped and counted.
func (p *Publisher) AssignmentCreated(_ context.Context, a models.Assignment) {
	select {
	case p.queue <- a:
	default:
		publishedTotal.WithLabelValues("dropped").Inc()
	}
}

// Run produces queued exposures until ctx is cancelled, then waits for
// in-flight produces and closes the producer.
func (p *Publisher) Run(ctx context.Context) error {
	log.Printf("[exposure] publisher starting (queue=%d, concurrency=%d)", p.cfg.QueueSize, p.cfg.MaxConcurrency)
	defer log.Printf("[exposure] publisher stopped")

	sem := make(chan struct{}, p.cfg.MaxConcurrency)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			if err := p.producer.Close(); err != nil {
				log.Printf("[exposure] close producer: %v", err)
			}
			return ctx.Err()
		case a := <-p.queue:
			sem <- struct{}{}
			p.wg.Add(1)
			go func(a models.Assignment) {
				defer func() {
					<-sem
					p.wg.Done()
				}()
				if err := p.publish(ctx, a); err != nil {
					publishedTotal.WithLabelValues("failed").Inc()
					log.Printf("[exposure] publish experiment=%d user=%s: %v", a.ExperimentID, a.UserID, err)
					return
				}
				publishedTotal.WithLabelValues("published").Inc()
			}(a)
		}
	}
}

func (p *Publisher) publish(parent context.Context, a models.Assignment) error {
	ctx, cancel := context.WithTimeout(parent, p.cfg.ProduceTimeout)
	defer cancel()

	value, err := json.Marshal(Message{
		AssignmentID: a.ID,
		ExperimentID: a.ExperimentID,
		UserID:       a.UserID,
		VariantID:    a.VariantID,
		VariantName:  a.VariantName,
		AssignedAt:   a.AssignedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal exposure: %w", err)
	}
	key := []byte(fmt.Sprintf("%d:%s", a.ExperimentID, a.UserID))
	if _, err := p.producer.Produce(ctx, key, value); err != nil {
		return err
	}
	return nil
}
