// Package results computes experiment reports: per-variant metrics over
// assignment-qualified events, pairwise significance tests against the
// baseline, the sample-ratio-mismatch diagnostic and optional time series.
// Reports are recomputed from storage on every call.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

var tracer = otel.Tracer("experiment-engine.results")

var computeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "experiment_results_compute_duration_seconds",
	Help:    "Time to compute an experiment results report",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"outcome"})

type Service struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// GetExperimentResults builds the report for an experiment. It fails with
// errdefs.ErrNotFound when the experiment, or the variant named by the
// filter, does not exist; errdefs.ErrInvalidState when the experiment has no
// variants; errdefs.ErrInvalidInput for malformed filters.
func (s *Service) GetExperimentResults(ctx context.Context, experimentID int64, f Filters) (Report, error) {
	ctx, span := tracer.Start(ctx, "results.GetExperimentResults",
		trace.WithAttributes(
			attribute.Int64("experiment.id", experimentID),
			attribute.String("results.group_by", string(f.GroupBy)),
		),
	)
	defer span.End()

	start := time.Now()
	report, err := s.build(ctx, experimentID, f)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	computeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return report, err
}

func (s *Service) build(ctx context.Context, experimentID int64, f Filters) (Report, error) {
	if err := f.normalize(); err != nil {
		return Report{}, err
	}
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, store.ErrNotFound) {
		return Report{}, errdefs.NotFound("experiment %d", experimentID)
	}
	if err != nil {
		return Report{}, fmt.Errorf("load experiment: %w", err)
	}
	if len(exp.Variants) == 0 {
		return Report{}, errdefs.InvalidState("experiment %d has no variants", experimentID)
	}
	variants := exp.Variants
	if f.VariantID != nil {
		variants = nil
		for _, v := range exp.Variants {
			if v.ID == *f.VariantID {
				variants = []models.Variant{v}
			}
		}
		if variants == nil {
			return Report{}, errdefs.NotFound("variant %d in experiment %d", *f.VariantID, experimentID)
		}
	}

	var (
		counts map[int64]int64
		events []models.QualifiedEvent
		stamps []store.AssignmentStamp
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		counts, err = s.store.CountAssignmentsByVariant(gctx, experimentID)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = s.store.ListQualifiedEvents(gctx, experimentID, f.eventFilter())
		return err
	})
	if f.GroupBy != GroupByNone {
		g.Go(func() error {
			var err error
			stamps, err = s.store.ListAssignmentStamps(gctx, experimentID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("load results data: %w", err)
	}

	metrics := aggregate(variants, counts, events, f.PrimaryEventType)
	report := Report{
		Experiment:  exp,
		Variants:    metrics,
		Comparisons: compareAll(metrics),
		SRM:         sampleRatio(variants, metrics),
		GeneratedAt: s.now(),
	}
	report.Experiment.Variants = variants
	if len(report.Comparisons) > 0 {
		first := report.Comparisons[0]
		report.Comparison = &first
	}

	report.Summary.DateRange = DateRange{Start: f.Start, End: f.End}
	for _, m := range metrics {
		report.Summary.TotalAssigned += m.AssignedCount
		report.Summary.TotalEvents += m.EventCount
	}
	if f.PrimaryEventType != "" {
		primary := f.PrimaryEventType
		report.Summary.PrimaryEventType = &primary
	}
	if f.GroupBy != GroupByNone {
		groupBy := string(f.GroupBy)
		report.Summary.GroupBy = &groupBy
		report.Timeseries = timeseries(f.GroupBy, variants, stamps, events, f.PrimaryEventType)
	}
	return report, nil
}
