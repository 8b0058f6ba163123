// Package assignment hands out sticky variant assignments.
//
// Durable storage is the only authority on who is assigned where. Caches are
// consulted first but every admission decision is re-checked against storage,
// and concurrent first-time requests for one (experiment, user) key converge
// through the storage uniqueness constraint: the loser of the insert race
// re-reads the winner's row instead of failing.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ILLUVRSE/experiment-engine/internal/bucketing"
	"github.com/ILLUVRSE/experiment-engine/internal/cache"
	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

// Notifier is told about assignments that this coordinator created. It must
// not block; a slow or failing notifier never affects the returned result.
type Notifier interface {
	AssignmentCreated(ctx context.Context, a models.Assignment)
}

type Coordinator struct {
	store    store.Store
	caches   cache.Set
	notifier Notifier
	now      func() time.Time
	loads    singleflight.Group
}

// New builds a Coordinator. notifier may be nil.
func New(st store.Store, caches cache.Set, notifier Notifier) *Coordinator {
	return &Coordinator{
		store:    st,
		caches:   caches,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the user's assignment in the experiment, creating it
// when none exists. It fails with errdefs.ErrNotFound when the experiment
// does not exist and errdefs.ErrInvalidState when it is not active or has no
// variants. Storage errors are returned wrapped but otherwise unmodified.
func (c *Coordinator) GetOrCreate(ctx context.Context, experimentID int64, userID string) (models.Assignment, error) {
	ctx, span := tracer.Start(ctx, "assignment.GetOrCreate",
		trace.WithAttributes(attribute.Int64("experiment.id", experimentID)),
	)
	defer span.End()

	a, outcome, err := c.getOrCreate(ctx, experimentID, userID)
	if err != nil {
		errorsTotal.WithLabelValues(reason(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Assignment{}, err
	}
	outcomesTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.String("assignment.outcome", outcome),
		attribute.Int64("variant.id", a.VariantID),
	)
	return a, nil
}

func (c *Coordinator) getOrCreate(ctx context.Context, experimentID int64, userID string) (models.Assignment, string, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Assignment{}, "", errdefs.InvalidInput("user id is required")
	}
	key := cache.AssignmentKey(experimentID, userID)

	// A cached assignment is only a hint; storage decides.
	_, hit := c.caches.Assignments.Get(ctx, key)
	recordLookup("assignment", hit)

	existing, err := c.store.GetAssignment(ctx, experimentID, userID)
	switch {
	case err == nil:
		c.caches.Assignments.Set(ctx, key, existing)
		return existing, "existing", nil
	case !errors.Is(err, store.ErrNotFound):
		return models.Assignment{}, "", fmt.Errorf("lookup assignment: %w", err)
	}
	if hit {
		c.caches.Assignments.Delete(ctx, key)
	}

	exp, err := c.loadExperiment(ctx, experimentID)
	if err != nil {
		return models.Assignment{}, "", err
	}
	if exp.Status != models.StatusActive {
		return models.Assignment{}, "", errdefs.InvalidState("experiment %d is %s, not active", experimentID, exp.Status)
	}
	if len(exp.Variants) == 0 {
		return models.Assignment{}, "", errdefs.InvalidState("experiment %d has no variants", experimentID)
	}

	variantID, err := bucketing.Allocate(bucketing.Hash(userID, experimentID), shares(exp.Variants))
	if err != nil {
		return models.Assignment{}, "", fmt.Errorf("allocate variant: %w", err)
	}

	created, err := c.store.InsertAssignment(ctx, store.AssignmentInput{
		ExperimentID: experimentID,
		UserID:       userID,
		VariantID:    variantID,
		AssignedAt:   c.now(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		winner, err := c.store.GetAssignment(ctx, experimentID, userID)
		if err != nil {
			return models.Assignment{}, "", fmt.Errorf("reread assignment after conflict: %w", err)
		}
		c.caches.Assignments.Set(ctx, key, winner)
		return winner, "conflict_recovered", nil
	}
	if err != nil {
		return models.Assignment{}, "", fmt.Errorf("create assignment: %w", err)
	}

	c.caches.Assignments.Set(ctx, key, created)
	if c.notifier != nil {
		c.notifier.AssignmentCreated(ctx, created)
	}
	return created, "created", nil
}

// loadExperiment serves the experiment from cache when possible. A cached
// copy still has its status re-read from storage, since status gates
// admission and may have changed since the entry was written.
func (c *Coordinator) loadExperiment(ctx context.Context, id int64) (models.Experiment, error) {
	key := cache.ExperimentKey(id)
	if exp, ok := c.caches.Experiments.Get(ctx, key); ok {
		recordLookup("experiment", true)
		status, err := c.store.GetExperimentStatus(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			c.caches.Experiments.Delete(ctx, key)
			return models.Experiment{}, errdefs.NotFound("experiment %d", id)
		}
		if err != nil {
			return models.Experiment{}, fmt.Errorf("lookup experiment status: %w", err)
		}
		exp.Status = status
		return exp, nil
	}
	recordLookup("experiment", false)

	// The shared load outlives any one waiter; each caller stops waiting
	// when its own context ends.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(key, func() (interface{}, error) {
		exp, err := c.store.GetExperiment(loadCtx, id)
		if err != nil {
			return nil, err
		}
		c.caches.Experiments.Set(loadCtx, key, exp)
		return exp, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return models.Experiment{}, fmt.Errorf("lookup experiment: %w", ctx.Err())
	}
	v, err := res.Val, res.Err
	if errors.Is(err, store.ErrNotFound) {
		return models.Experiment{}, errdefs.NotFound("experiment %d", id)
	}
	if err != nil {
		return models.Experiment{}, fmt.Errorf("lookup experiment: %w", err)
	}
	return v.(models.Experiment), nil
}

// shares orders the traffic table by variant id so allocation does not depend
// on the order storage or a cache returned the variants in.
func shares(variants []models.Variant) []bucketing.Share {
	out := make([]bucketing.Share, 0, len(variants))
	for _, v := range variants {
		out = append(out, bucketing.Share{VariantID: v.ID, Percentage: v.TrafficPercentage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

func reason(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errdefs.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, errdefs.ErrInvalidInput):
		return "invalid_input"
	default:
		return "storage"
	}
}
