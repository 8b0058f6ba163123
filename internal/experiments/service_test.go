package experiments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/experiment-engine/internal/cache"
	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

func twoWay(name string) CreateInput {
	return CreateInput{
		Name: name,
		Variants: []VariantInput{
			{Name: "control", TrafficPercentage: 50},
			{Name: "treatment", TrafficPercentage: 50},
		},
	}
}

func TestCreateDefaultsToDraft(t *testing.T) {
	svc := New(store.NewMemoryStore(), nil)
	exp, err := svc.Create(context.Background(), twoWay("  checkout  "))
	require.NoError(t, err)
	assert.Equal(t, "checkout", exp.Name)
	assert.Equal(t, models.StatusDraft, exp.Status)
	require.Len(t, exp.Variants, 2)
	assert.Equal(t, "control", exp.Variants[0].Name)
}

func TestCreateValidation(t *testing.T) {
	svc := New(store.NewMemoryStore(), nil)
	cases := map[string]CreateInput{
		"missing name":   {Variants: []VariantInput{{Name: "a", TrafficPercentage: 100}}},
		"no variants":    {Name: "x"},
		"negative share": {Name: "x", Variants: []VariantInput{{Name: "a", TrafficPercentage: -10}, {Name: "b", TrafficPercentage: 110}}},
		"short sum":      {Name: "x", Variants: []VariantInput{{Name: "a", TrafficPercentage: 40}, {Name: "b", TrafficPercentage: 40}}},
		"duplicate name": {Name: "x", Variants: []VariantInput{{Name: "a", TrafficPercentage: 50}, {Name: "a", TrafficPercentage: 50}}},
		"blank variant":  {Name: "x", Variants: []VariantInput{{Name: " ", TrafficPercentage: 100}}},
		"bad status":     {Name: "x", Status: "running", Variants: []VariantInput{{Name: "a", TrafficPercentage: 100}}},
	}
	for name, in := range cases {
		_, err := svc.Create(context.Background(), in)
		assert.ErrorIs(t, err, errdefs.ErrInvalidInput, name)
	}
}

func TestCreateToleratesRounding(t *testing.T) {
	svc := New(store.NewMemoryStore(), nil)
	_, err := svc.Create(context.Background(), CreateInput{
		Name: "thirds",
		Variants: []VariantInput{
			{Name: "a", TrafficPercentage: 33.33},
			{Name: "b", TrafficPercentage: 33.33},
			{Name: "c", TrafficPercentage: 33.33},
		},
	})
	assert.NoError(t, err)
}

func TestCreateDuplicateNameIsInvalidInput(t *testing.T) {
	svc := New(store.NewMemoryStore(), nil)
	_, err := svc.Create(context.Background(), twoWay("dup"))
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), twoWay("dup"))
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestGetMissing(t *testing.T) {
	svc := New(store.NewMemoryStore(), nil)
	_, err := svc.Get(context.Background(), 99)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]models.ExperimentStatus{
		{models.StatusDraft, models.StatusActive},
		{models.StatusActive, models.StatusPaused},
		{models.StatusPaused, models.StatusActive},
		{models.StatusActive, models.StatusCompleted},
		{models.StatusPaused, models.StatusCompleted},
		{models.StatusActive, models.StatusActive},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	denied := [][2]models.ExperimentStatus{
		{models.StatusDraft, models.StatusPaused},
		{models.StatusDraft, models.StatusCompleted},
		{models.StatusCompleted, models.StatusActive},
		{models.StatusPaused, models.StatusDraft},
		{models.StatusActive, models.StatusDraft},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestUpdateStatusEvictsCachedExperiment(t *testing.T) {
	ctx := context.Background()
	experiments := cache.NewLocal[models.Experiment](10, time.Minute)
	svc := New(store.NewMemoryStore(), experiments)

	exp, err := svc.Create(ctx, twoWay("evict"))
	require.NoError(t, err)
	experiments.Set(ctx, cache.ExperimentKey(exp.ID), exp)

	updated, err := svc.UpdateStatus(ctx, exp.ID, models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, updated.Status)

	_, ok := experiments.Get(ctx, cache.ExperimentKey(exp.ID))
	assert.False(t, ok)
}

func TestUpdateStatusErrors(t *testing.T) {
	ctx := context.Background()
	svc := New(store.NewMemoryStore(), nil)

	_, err := svc.UpdateStatus(ctx, 5, models.StatusActive)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	exp, err := svc.Create(ctx, twoWay("lifecycle"))
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, exp.ID, "archived")
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)

	_, err = svc.UpdateStatus(ctx, exp.ID, models.StatusCompleted)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	_, err = svc.UpdateStatus(ctx, exp.ID, models.StatusActive)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, exp.ID, models.StatusCompleted)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, exp.ID, models.StatusActive)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}
