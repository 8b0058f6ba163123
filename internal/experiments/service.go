// Package experiments manages experiment definitions and their lifecycle.
package experiments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/ILLUVRSE/experiment-engine/internal/cache"
	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

// shareTolerance absorbs float rounding in client-supplied percentages.
const shareTolerance = 0.1

type VariantInput struct {
	Name              string  `json:"name"`
	TrafficPercentage float64 `json:"traffic_percentage"`
}

type CreateInput struct {
	Name        string                  `json:"name"`
	Description *string                 `json:"description,omitempty"`
	Status      models.ExperimentStatus `json:"status,omitempty"`
	Variants    []VariantInput          `json:"variants"`
}

type Service struct {
	store       store.Store
	experiments cache.Cache[models.Experiment]
}

// New builds a Service. experiments is the metadata cache shared with the
// assignment coordinator; it may be nil.
func New(st store.Store, experiments cache.Cache[models.Experiment]) *Service {
	return &Service{store: st, experiments: experiments}
}

func (in CreateInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errdefs.InvalidInput("name is required")
	}
	if in.Status != "" && !in.Status.Valid() {
		return errdefs.InvalidInput("unknown status %q", in.Status)
	}
	if len(in.Variants) == 0 {
		return errdefs.InvalidInput("at least one variant is required")
	}
	seen := make(map[string]bool, len(in.Variants))
	total := 0.0
	for _, v := range in.Variants {
		if strings.TrimSpace(v.Name) == "" {
			return errdefs.InvalidInput("variant name is required")
		}
		if seen[v.Name] {
			return errdefs.InvalidInput("duplicate variant name %q", v.Name)
		}
		seen[v.Name] = true
		if math.IsNaN(v.TrafficPercentage) || v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
			return errdefs.InvalidInput("variant %q traffic_percentage must be between 0 and 100", v.Name)
		}
		total += v.TrafficPercentage
	}
	if math.Abs(total-100) > shareTolerance {
		return errdefs.InvalidInput("variant traffic percentages must sum to 100, got %g", total)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (models.Experiment, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := in.validate(); err != nil {
		return models.Experiment{}, err
	}
	variants := make([]store.VariantInput, 0, len(in.Variants))
	for _, v := range in.Variants {
		variants = append(variants, store.VariantInput{Name: v.Name, TrafficPercentage: v.TrafficPercentage})
	}
	exp, err := s.store.CreateExperiment(ctx, store.ExperimentInput{
		Name:        in.Name,
		Description: in.Description,
		Status:      in.Status,
		Variants:    variants,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return models.Experiment{}, errdefs.InvalidInput("experiment %q already exists", in.Name)
	}
	if err != nil {
		return models.Experiment{}, err
	}
	log.Printf("[experiments] created id=%d name=%q variants=%d", exp.ID, exp.Name, len(exp.Variants))
	return exp, nil
}

func (s *Service) Get(ctx context.Context, id int64) (models.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Experiment{}, errdefs.NotFound("experiment %d", id)
	}
	return exp, err
}

// CanTransition reports whether an experiment may move from one status to
// another. Completed is terminal; setting the current status is a no-op.
func CanTransition(from, to models.ExperimentStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case models.StatusDraft:
		return to == models.StatusActive
	case models.StatusActive:
		return to == models.StatusPaused || to == models.StatusCompleted
	case models.StatusPaused:
		return to == models.StatusActive || to == models.StatusCompleted
	}
	return false
}

// UpdateStatus moves an experiment through its lifecycle and evicts the
// cached metadata so assignment admission sees the change.
func (s *Service) UpdateStatus(ctx context.Context, id int64, status models.ExperimentStatus) (models.Experiment, error) {
	if !status.Valid() {
		return models.Experiment{}, errdefs.InvalidInput("unknown status %q", status)
	}
	current, err := s.store.GetExperimentStatus(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Experiment{}, errdefs.NotFound("experiment %d", id)
	}
	if err != nil {
		return models.Experiment{}, err
	}
	if !CanTransition(current, status) {
		return models.Experiment{}, errdefs.InvalidState("experiment %d cannot move from %s to %s", id, current, status)
	}
	exp, err := s.store.UpdateExperimentStatus(ctx, id, status)
	if errors.Is(err, store.ErrNotFound) {
		return models.Experiment{}, errdefs.NotFound("experiment %d", id)
	}
	if err != nil {
		return models.Experiment{}, fmt.Errorf("update status: %w", err)
	}
	if s.experiments != nil {
		s.experiments.Delete(ctx, cache.ExperimentKey(id))
	}
	log.Printf("[experiments] id=%d status %s -> %s", id, current, status)
	return exp, nil
}
