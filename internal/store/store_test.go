package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGCreateExperiment(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO experiments").
		WithArgs("checkout", nil, "draft").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(1), now, now))
	mock.ExpectQuery("INSERT INTO variants").
		WithArgs(int64(1), "control", 50.0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), now))
	mock.ExpectQuery("INSERT INTO variants").
		WithArgs(int64(1), "treatment", 50.0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(12), now))
	mock.ExpectCommit()

	exp, err := s.CreateExperiment(context.Background(), ExperimentInput{
		Name:     "checkout",
		Variants: []VariantInput{{Name: "control", TrafficPercentage: 50}, {Name: "treatment", TrafficPercentage: 50}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), exp.ID)
	assert.Equal(t, models.StatusDraft, exp.Status)
	require.Len(t, exp.Variants, 2)
	assert.Equal(t, int64(12), exp.Variants[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateExperimentDuplicateName(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO experiments").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.CreateExperiment(context.Background(), ExperimentInput{Name: "dup"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetExperiment(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, name, description, status, created_at, updated_at FROM experiments").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "status", "created_at", "updated_at"}).
			AddRow(int64(3), "exp", "about", "active", now, now))
	mock.ExpectQuery("FROM variants").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "experiment_id", "name", "traffic_percentage", "created_at"}).
			AddRow(int64(5), int64(3), "A", 50.0, now).
			AddRow(int64(6), int64(3), "B", 50.0, now))

	exp, err := s.GetExperiment(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, exp.Status)
	require.NotNil(t, exp.Description)
	assert.Equal(t, "about", *exp.Description)
	require.Len(t, exp.Variants, 2)
	assert.Equal(t, "A", exp.Variants[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetExperimentNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("FROM experiments").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

	_, err := s.GetExperiment(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGUpdateExperimentStatusMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE experiments SET status").
		WithArgs(int64(4), "active").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.UpdateExperimentStatus(context.Background(), 4, models.StatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetAssignment(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("FROM user_assignments a").
		WithArgs(int64(1), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "variant_id", "name", "assigned_at"}).AddRow(id.String(), int64(2), "B", now))

	a, err := s.GetAssignment(context.Background(), 1, "u1")
	require.NoError(t, err)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, int64(2), a.VariantID)
	assert.Equal(t, "B", a.VariantName)
}

func TestPGInsertAssignment(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("WITH ins AS").
		WithArgs(sqlmock.AnyArg(), int64(1), "u1", int64(2), now).
		WillReturnRows(sqlmock.NewRows([]string{"name", "assigned_at"}).AddRow("B", now))

	a, err := s.InsertAssignment(context.Background(), AssignmentInput{ExperimentID: 1, UserID: "u1", VariantID: 2, AssignedAt: now})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, "B", a.VariantName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGInsertAssignmentConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("WITH ins AS").
		WillReturnRows(sqlmock.NewRows([]string{"name", "assigned_at"}))

	_, err := s.InsertAssignment(context.Background(), AssignmentInput{ExperimentID: 1, UserID: "u1", VariantID: 2})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPGCountAssignmentsByVariant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT variant_id, COUNT").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"variant_id", "count"}).AddRow(int64(1), int64(10)).AddRow(int64(2), int64(7)))

	counts, err := s.CountAssignmentsByVariant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 10, 2: 7}, counts)
}

func TestPGInsertEvents(t *testing.T) {
	s, mock := newMock(t)
	expID := int64(1)
	ts := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), "u1", "purchase", ts, nil, &expID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), "u2", "click", ts, []byte(`{"k":"v"}`), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := s.InsertEvents(context.Background(), []EventInput{
		{UserID: "u1", EventType: "purchase", Timestamp: ts, ExperimentID: &expID},
		{UserID: "u2", EventType: "click", Timestamp: ts, Properties: []byte(`{"k":"v"}`)},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEqual(t, uuid.Nil, out[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGListQualifiedEventsAppliesFilters(t *testing.T) {
	s, mock := newMock(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	variant := int64(7)
	evID := uuid.New()
	expID := int64(1)

	mock.ExpectQuery(`e\.ts >= a\.assigned_at.*e\.ts >= \$2 AND e\.event_type = \$3 AND a\.variant_id = \$4`).
		WithArgs(int64(1), start, "purchase", variant).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "event_type", "ts", "properties", "experiment_id", "assigned_at", "variant_id"}).
			AddRow(evID.String(), "u1", "purchase", start.Add(time.Hour), nil, expID, start, variant))

	out, err := s.ListQualifiedEvents(context.Background(), 1, EventFilter{Start: &start, EventType: "purchase", VariantID: &variant})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, evID, out[0].ID)
	require.NotNil(t, out[0].ExperimentID)
	assert.Equal(t, expID, *out[0].ExperimentID)
	assert.Equal(t, variant, out[0].VariantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))

	ctx := context.Background()
	s := NewPGStore(db)
	exp, err := s.CreateExperiment(ctx, ExperimentInput{
		Name:     "integration-" + uuid.NewString(),
		Status:   models.StatusActive,
		Variants: []VariantInput{{Name: "A", TrafficPercentage: 50}, {Name: "B", TrafficPercentage: 50}},
	})
	require.NoError(t, err)

	first, err := s.InsertAssignment(ctx, AssignmentInput{ExperimentID: exp.ID, UserID: "u1", VariantID: exp.Variants[0].ID})
	require.NoError(t, err)
	_, err = s.InsertAssignment(ctx, AssignmentInput{ExperimentID: exp.ID, UserID: "u1", VariantID: exp.Variants[1].ID})
	require.ErrorIs(t, err, ErrDuplicate)

	got, err := s.GetAssignment(ctx, exp.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.VariantID, got.VariantID)

	_, err = s.InsertEvents(ctx, []EventInput{
		{UserID: "u1", EventType: "purchase", Timestamp: first.AssignedAt.Add(-time.Hour), ExperimentID: &exp.ID},
		{UserID: "u1", EventType: "purchase", Timestamp: first.AssignedAt.Add(time.Hour), ExperimentID: &exp.ID},
	})
	require.NoError(t, err)
	events, err := s.ListQualifiedEvents(ctx, exp.ID, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
