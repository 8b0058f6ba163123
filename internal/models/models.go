package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusActive    ExperimentStatus = "active"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
)

func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Experiment is a read-only snapshot of an experiment row and its variants.
// Variants are ordered by ID, which is also creation order.
type Experiment struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description *string          `json:"description"`
	Status      ExperimentStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Variants    []Variant        `json:"variants"`
}

type Variant struct {
	ID                int64     `json:"id"`
	ExperimentID      int64     `json:"experiment_id"`
	Name              string    `json:"name"`
	TrafficPercentage float64   `json:"traffic_percentage"`
	CreatedAt         time.Time `json:"created_at"`
}

// Assignment is the durable (experiment, user) → variant mapping. At most one
// exists per (ExperimentID, UserID).
type Assignment struct {
	ID           uuid.UUID `json:"id"`
	ExperimentID int64     `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    int64     `json:"variant_id"`
	VariantName  string    `json:"variant_name"`
	AssignedAt   time.Time `json:"assigned_at"`
}

type Event struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	EventType    string          `json:"event_type"`
	Timestamp    time.Time       `json:"timestamp"`
	Properties   json.RawMessage `json:"properties,omitempty"`
	ExperimentID *int64          `json:"experiment_id,omitempty"`
}

// QualifiedEvent is an event joined to the assignment of its user, with
// Event.Timestamp >= AssignedAt.
type QualifiedEvent struct {
	Event
	AssignedAt time.Time `json:"assigned_at"`
	VariantID  int64     `json:"variant_id"`
}
