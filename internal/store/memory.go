package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

type assignmentKey struct {
	experimentID int64
	userID       string
}

// MemoryStore provides an in-memory implementation useful for tests. It
// enforces the same uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu          sync.RWMutex
	nextExpID   int64
	nextVarID   int64
	experiments map[int64]models.Experiment
	names       map[string]int64
	variants    map[int64]models.Variant
	assignments map[assignmentKey]models.Assignment
	events      map[uuid.UUID]models.Event
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: map[int64]models.Experiment{},
		names:       map[string]int64{},
		variants:    map[int64]models.Variant{},
		assignments: map[assignmentKey]models.Assignment{},
		events:      map[uuid.UUID]models.Event{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneExperiment(exp models.Experiment) models.Experiment {
	exp.Variants = append([]models.Variant(nil), exp.Variants...)
	if exp.Description != nil {
		d := *exp.Description
		exp.Description = &d
	}
	return exp
}

func (m *MemoryStore) CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error) {
	if in.Status == "" {
		in.Status = models.StatusDraft
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[in.Name]; ok {
		return models.Experiment{}, ErrDuplicate
	}
	now := m.now()
	m.nextExpID++
	exp := models.Experiment{
		ID:          m.nextExpID,
		Name:        in.Name,
		Description: in.Description,
		Status:      in.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
		Variants:    make([]models.Variant, 0, len(in.Variants)),
	}
	for _, v := range in.Variants {
		m.nextVarID++
		variant := models.Variant{
			ID:                m.nextVarID,
			ExperimentID:      exp.ID,
			Name:              v.Name,
			TrafficPercentage: v.TrafficPercentage,
			CreatedAt:         now,
		}
		m.variants[variant.ID] = variant
		exp.Variants = append(exp.Variants, variant)
	}
	m.experiments[exp.ID] = exp
	m.names[exp.Name] = exp.ID
	return cloneExperiment(exp), nil
}

func (m *MemoryStore) GetExperiment(ctx context.Context, id int64) (models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[id]
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	return cloneExperiment(exp), nil
}

func (m *MemoryStore) GetExperimentStatus(ctx context.Context, id int64) (models.ExperimentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[id]
	if !ok {
		return "", ErrNotFound
	}
	return exp.Status, nil
}

func (m *MemoryStore) UpdateExperimentStatus(ctx context.Context, id int64, status models.ExperimentStatus) (models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return models.Experiment{}, ErrNotFound
	}
	exp.Status = status
	exp.UpdatedAt = m.now()
	m.experiments[id] = exp
	return cloneExperiment(exp), nil
}

// DeleteExperiment removes an experiment and everything attached to it. It
// exists so tests can simulate a row vanishing behind a warm cache.
func (m *MemoryStore) DeleteExperiment(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return
	}
	for _, v := range exp.Variants {
		delete(m.variants, v.ID)
	}
	for key := range m.assignments {
		if key.experimentID == id {
			delete(m.assignments, key)
		}
	}
	delete(m.names, exp.Name)
	delete(m.experiments, id)
}

func (m *MemoryStore) GetAssignment(ctx context.Context, experimentID int64, userID string) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey{experimentID, userID}]
	if !ok {
		return models.Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) InsertAssignment(ctx context.Context, in AssignmentInput) (models.Assignment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.AssignedAt.IsZero() {
		in.AssignedAt = m.now()
	}
	key := assignmentKey{in.ExperimentID, in.UserID}
	if _, ok := m.assignments[key]; ok {
		return models.Assignment{}, ErrDuplicate
	}
	variant, ok := m.variants[in.VariantID]
	if !ok || variant.ExperimentID != in.ExperimentID {
		return models.Assignment{}, fmt.Errorf("insert assignment: unknown variant %d", in.VariantID)
	}
	a := models.Assignment{
		ID:           in.ID,
		ExperimentID: in.ExperimentID,
		UserID:       in.UserID,
		VariantID:    in.VariantID,
		VariantName:  variant.Name,
		AssignedAt:   in.AssignedAt,
	}
	m.assignments[key] = a
	return a, nil
}

// SetAssignedAt rewrites the timestamp of an existing assignment. Tests use
// it to place assignments in earlier time buckets.
func (m *MemoryStore) SetAssignedAt(experimentID int64, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey{experimentID, userID}
	a, ok := m.assignments[key]
	if !ok {
		return ErrNotFound
	}
	a.AssignedAt = at
	m.assignments[key] = a
	return nil
}

// AssignmentCount reports how many assignment rows exist for an experiment.
func (m *MemoryStore) AssignmentCount(experimentID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for key := range m.assignments {
		if key.experimentID == experimentID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) CountAssignmentsByVariant(ctx context.Context, experimentID int64) (map[int64]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[int64]int64{}
	for key, a := range m.assignments {
		if key.experimentID == experimentID {
			counts[a.VariantID]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) ListAssignmentStamps(ctx context.Context, experimentID int64) ([]AssignmentStamp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stamps []AssignmentStamp
	for key, a := range m.assignments {
		if key.experimentID == experimentID {
			stamps = append(stamps, AssignmentStamp{VariantID: a.VariantID, AssignedAt: a.AssignedAt})
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].AssignedAt.Before(stamps[j].AssignedAt) })
	return stamps, nil
}

func (m *MemoryStore) InsertEvents(ctx context.Context, in []EventInput) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, 0, len(in))
	for _, ev := range in {
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		var expID *int64
		if ev.ExperimentID != nil {
			id := *ev.ExperimentID
			expID = &id
		}
		event := models.Event{
			ID:           ev.ID,
			UserID:       ev.UserID,
			EventType:    ev.EventType,
			Timestamp:    ev.Timestamp,
			Properties:   copyJSON(ev.Properties),
			ExperimentID: expID,
		}
		if _, exists := m.events[event.ID]; !exists {
			m.events[event.ID] = event
		}
		out = append(out, event)
	}
	return out, nil
}

// EventCount reports how many distinct events are stored.
func (m *MemoryStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) ListQualifiedEvents(ctx context.Context, experimentID int64, filter EventFilter) ([]models.QualifiedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.QualifiedEvent
	for _, ev := range m.events {
		if ev.ExperimentID == nil || *ev.ExperimentID != experimentID {
			continue
		}
		a, ok := m.assignments[assignmentKey{experimentID, ev.UserID}]
		if !ok || ev.Timestamp.Before(a.AssignedAt) {
			continue
		}
		if filter.Start != nil && ev.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && ev.Timestamp.After(*filter.End) {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.VariantID != nil && a.VariantID != *filter.VariantID {
			continue
		}
		ev.Properties = copyJSON(ev.Properties)
		out = append(out, models.QualifiedEvent{Event: ev, AssignedAt: a.AssignedAt, VariantID: a.VariantID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
