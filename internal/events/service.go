// Package events ingests user events from the HTTP API and from Kafka.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

// MaxBatchSize bounds a single RecordBatch call.
const MaxBatchSize = 1000

var ingestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "experiment_events_ingested_total",
	Help: "Events written to storage by source",
}, []string{"source"})

// Input is the wire shape of an event. The type may be sent as either "type"
// or "event_type". ID is optional; supplying one makes retries idempotent.
type Input struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Type         string          `json:"type,omitempty"`
	EventType    string          `json:"event_type,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Properties   json.RawMessage `json:"properties,omitempty"`
	ExperimentID *int64          `json:"experiment_id,omitempty"`
}

func (in Input) eventType() string {
	if t := strings.TrimSpace(in.Type); t != "" {
		return t
	}
	return strings.TrimSpace(in.EventType)
}

func (in Input) toStore() (store.EventInput, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return store.EventInput{}, errdefs.InvalidInput("user_id is required")
	}
	eventType := in.eventType()
	if eventType == "" {
		return store.EventInput{}, errdefs.InvalidInput("type is required")
	}
	if in.Timestamp.IsZero() {
		return store.EventInput{}, errdefs.InvalidInput("timestamp is required")
	}
	props := bytes.TrimSpace(in.Properties)
	if len(props) == 0 || bytes.Equal(props, []byte("null")) {
		props = nil
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(props, &obj); err != nil {
			return store.EventInput{}, errdefs.InvalidInput("properties must be a JSON object")
		}
	}
	return store.EventInput{
		ID:           in.ID,
		UserID:       in.UserID,
		EventType:    eventType,
		Timestamp:    in.Timestamp.UTC(),
		Properties:   json.RawMessage(props),
		ExperimentID: in.ExperimentID,
	}, nil
}

// Service validates and persists events.
type Service struct {
	store store.Store
}

func New(st store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Record(ctx context.Context, in Input) (models.Event, error) {
	out, err := s.record(ctx, []Input{in}, "api")
	if err != nil {
		return models.Event{}, err
	}
	return out[0], nil
}

// RecordBatch validates every event before writing any; one invalid event
// rejects the whole batch.
func (s *Service) RecordBatch(ctx context.Context, in []Input) ([]models.Event, error) {
	return s.record(ctx, in, "api")
}

func (s *Service) record(ctx context.Context, in []Input, source string) ([]models.Event, error) {
	if len(in) > MaxBatchSize {
		return nil, errdefs.InvalidInput("batch of %d events exceeds limit of %d", len(in), MaxBatchSize)
	}
	if len(in) == 0 {
		return []models.Event{}, nil
	}
	rows := make([]store.EventInput, 0, len(in))
	for i, ev := range in {
		row, err := ev.toStore()
		if err != nil {
			if len(in) > 1 {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	out, err := s.store.InsertEvents(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("record events: %w", err)
	}
	ingestedTotal.WithLabelValues(source).Add(float64(len(out)))
	return out, nil
}
