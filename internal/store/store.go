package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a uniqueness conflict: an experiment name already
	// taken, or an assignment already present for (experiment, user).
	ErrDuplicate = errors.New("duplicate")
)

// Store is the durable system of record. Every accessor returns plain value
// structs that stay valid after the call returns.
type Store interface {
	CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error)
	GetExperiment(ctx context.Context, id int64) (models.Experiment, error)
	GetExperimentStatus(ctx context.Context, id int64) (models.ExperimentStatus, error)
	UpdateExperimentStatus(ctx context.Context, id int64, status models.ExperimentStatus) (models.Experiment, error)
	GetAssignment(ctx context.Context, experimentID int64, userID string) (models.Assignment, error)
	InsertAssignment(ctx context.Context, in AssignmentInput) (models.Assignment, error)
	CountAssignmentsByVariant(ctx context.Context, experimentID int64) (map[int64]int64, error)
	ListAssignmentStamps(ctx context.Context, experimentID int64) ([]AssignmentStamp, error)
	InsertEvents(ctx context.Context, in []EventInput) ([]models.Event, error)
	ListQualifiedEvents(ctx context.Context, experimentID int64, filter EventFilter) ([]models.QualifiedEvent, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type ExperimentInput struct {
	Name        string
	Description *string
	Status      models.ExperimentStatus
	Variants    []VariantInput
}

type VariantInput struct {
	Name              string
	TrafficPercentage float64
}

type AssignmentInput struct {
	ID           uuid.UUID
	ExperimentID int64
	UserID       string
	VariantID    int64
	AssignedAt   time.Time
}

type EventInput struct {
	ID           uuid.UUID
	UserID       string
	EventType    string
	Timestamp    time.Time
	Properties   json.RawMessage
	ExperimentID *int64
}

// EventFilter narrows ListQualifiedEvents. Nil or empty fields do not filter;
// set fields compose conjunctively. Start and End bound the event timestamp
// inclusively.
type EventFilter struct {
	Start     *time.Time
	End       *time.Time
	EventType string
	VariantID *int64
}

// AssignmentStamp is the projection of an assignment used for time bucketing.
type AssignmentStamp struct {
	VariantID  int64
	AssignedAt time.Time
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *PGStore) CreateExperiment(ctx context.Context, in ExperimentInput) (models.Experiment, error) {
	if in.Status == "" {
		in.Status = models.StatusDraft
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Experiment{}, fmt.Errorf("begin create experiment: %w", err)
	}
	defer tx.Rollback()

	exp := models.Experiment{Name: in.Name, Description: in.Description, Status: in.Status}
	const insertExperiment = `
		INSERT INTO experiments (name, description, status)
		VALUES ($1,$2,$3)
		RETURNING id, created_at, updated_at
	`
	if err := tx.QueryRowContext(ctx, insertExperiment, in.Name, in.Description, string(in.Status)).Scan(&exp.ID, &exp.CreatedAt, &exp.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return models.Experiment{}, ErrDuplicate
		}
		return models.Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}

	const insertVariant = `
		INSERT INTO variants (experiment_id, name, traffic_percentage)
		VALUES ($1,$2,$3)
		RETURNING id, created_at
	`
	exp.Variants = make([]models.Variant, 0, len(in.Variants))
	for _, v := range in.Variants {
		variant := models.Variant{ExperimentID: exp.ID, Name: v.Name, TrafficPercentage: v.TrafficPercentage}
		if err := tx.QueryRowContext(ctx, insertVariant, exp.ID, v.Name, v.TrafficPercentage).Scan(&variant.ID, &variant.CreatedAt); err != nil {
			return models.Experiment{}, fmt.Errorf("insert variant: %w", err)
		}
		exp.Variants = append(exp.Variants, variant)
	}
	if err := tx.Commit(); err != nil {
		return models.Experiment{}, fmt.Errorf("commit create experiment: %w", err)
	}
	return exp, nil
}

func (s *PGStore) GetExperiment(ctx context.Context, id int64) (models.Experiment, error) {
	const query = `
		SELECT id, name, description, status, created_at, updated_at
		FROM experiments
		WHERE id=$1
	`
	var (
		exp    models.Experiment
		desc   sql.NullString
		status string
	)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exp.ID, &exp.Name, &desc, &status, &exp.CreatedAt, &exp.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Experiment{}, ErrNotFound
		}
		return models.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	exp.Status = models.ExperimentStatus(status)
	if desc.Valid {
		exp.Description = &desc.String
	}
	variants, err := s.listVariants(ctx, id)
	if err != nil {
		return models.Experiment{}, err
	}
	exp.Variants = variants
	return exp, nil
}

func (s *PGStore) listVariants(ctx context.Context, experimentID int64) ([]models.Variant, error) {
	const query = `
		SELECT id, experiment_id, name, traffic_percentage, created_at
		FROM variants
		WHERE experiment_id=$1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()
	variants := []models.Variant{}
	for rows.Next() {
		var v models.Variant
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Name, &v.TrafficPercentage, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	return variants, nil
}

func (s *PGStore) GetExperimentStatus(ctx context.Context, id int64) (models.ExperimentStatus, error) {
	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id=$1`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get experiment status: %w", err)
	}
	return models.ExperimentStatus(status), nil
}

func (s *PGStore) UpdateExperimentStatus(ctx context.Context, id int64, status models.ExperimentStatus) (models.Experiment, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE experiments SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return models.Experiment{}, fmt.Errorf("update experiment status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.Experiment{}, ErrNotFound
	}
	return s.GetExperiment(ctx, id)
}

func (s *PGStore) GetAssignment(ctx context.Context, experimentID int64, userID string) (models.Assignment, error) {
	const query = `
		SELECT a.id, a.variant_id, v.name, a.assigned_at
		FROM user_assignments a
		JOIN variants v ON v.id = a.variant_id
		WHERE a.experiment_id=$1 AND a.user_id=$2
	`
	a := models.Assignment{ExperimentID: experimentID, UserID: userID}
	if err := s.db.QueryRowContext(ctx, query, experimentID, userID).Scan(&a.ID, &a.VariantID, &a.VariantName, &a.AssignedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Assignment{}, ErrNotFound
		}
		return models.Assignment{}, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// InsertAssignment relies on the (experiment_id, user_id) unique index. When
// another writer already holds the key no row is returned and ErrDuplicate is
// reported; the existing row is left untouched.
func (s *PGStore) InsertAssignment(ctx context.Context, in AssignmentInput) (models.Assignment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.AssignedAt.IsZero() {
		in.AssignedAt = time.Now().UTC()
	}
	const query = `
		WITH ins AS (
			INSERT INTO user_assignments (id, experiment_id, user_id, variant_id, assigned_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (experiment_id, user_id) DO NOTHING
			RETURNING variant_id, assigned_at
		)
		SELECT v.name, ins.assigned_at
		FROM ins
		JOIN variants v ON v.id = ins.variant_id
	`
	a := models.Assignment{ID: in.ID, ExperimentID: in.ExperimentID, UserID: in.UserID, VariantID: in.VariantID}
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.ExperimentID, in.UserID, in.VariantID, in.AssignedAt).Scan(&a.VariantName, &a.AssignedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return models.Assignment{}, ErrDuplicate
		}
		return models.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	return a, nil
}

func (s *PGStore) CountAssignmentsByVariant(ctx context.Context, experimentID int64) (map[int64]int64, error) {
	const query = `
		SELECT variant_id, COUNT(*)
		FROM user_assignments
		WHERE experiment_id=$1
		GROUP BY variant_id
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}
	defer rows.Close()
	counts := map[int64]int64{}
	for rows.Next() {
		var variantID, n int64
		if err := rows.Scan(&variantID, &n); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		counts[variantID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}
	return counts, nil
}

func (s *PGStore) ListAssignmentStamps(ctx context.Context, experimentID int64) ([]AssignmentStamp, error) {
	const query = `
		SELECT variant_id, assigned_at
		FROM user_assignments
		WHERE experiment_id=$1
		ORDER BY assigned_at
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list assignment stamps: %w", err)
	}
	defer rows.Close()
	var stamps []AssignmentStamp
	for rows.Next() {
		var st AssignmentStamp
		if err := rows.Scan(&st.VariantID, &st.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment stamp: %w", err)
		}
		stamps = append(stamps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assignment stamps: %w", err)
	}
	return stamps, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// InsertEvents writes the batch in one transaction. Rows whose id already
// exists are skipped so redelivered batches are harmless.
func (s *PGStore) InsertEvents(ctx context.Context, in []EventInput) ([]models.Event, error) {
	if len(in) == 0 {
		return []models.Event{}, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert events: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO events (id, user_id, event_type, ts, properties, experiment_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`
	out := make([]models.Event, 0, len(in))
	for _, ev := range in {
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, query, ev.ID, ev.UserID, ev.EventType, ev.Timestamp, nullableJSON(ev.Properties), ev.ExperimentID); err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		out = append(out, models.Event{
			ID:           ev.ID,
			UserID:       ev.UserID,
			EventType:    ev.EventType,
			Timestamp:    ev.Timestamp,
			Properties:   ev.Properties,
			ExperimentID: ev.ExperimentID,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert events: %w", err)
	}
	return out, nil
}

// ListQualifiedEvents joins events to assignments of the same experiment and
// user, keeping only events at or after the assignment time.
func (s *PGStore) ListQualifiedEvents(ctx context.Context, experimentID int64, filter EventFilter) ([]models.QualifiedEvent, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT e.id, e.user_id, e.event_type, e.ts, e.properties, e.experiment_id, a.assigned_at, a.variant_id
		FROM events e
		JOIN user_assignments a
		  ON a.user_id = e.user_id
		 AND a.experiment_id = e.experiment_id
		 AND e.ts >= a.assigned_at
		WHERE a.experiment_id = $1`)
	args := []interface{}{experimentID}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		fmt.Fprintf(&sb, " AND %s $%d", clause, len(args))
	}
	if filter.Start != nil {
		add("e.ts >=", *filter.Start)
	}
	if filter.End != nil {
		add("e.ts <=", *filter.End)
	}
	if filter.EventType != "" {
		add("e.event_type =", filter.EventType)
	}
	if filter.VariantID != nil {
		add("a.variant_id =", *filter.VariantID)
	}
	sb.WriteString(" ORDER BY e.ts")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list qualified events: %w", err)
	}
	defer rows.Close()
	var out []models.QualifiedEvent
	for rows.Next() {
		var (
			qe    models.QualifiedEvent
			props []byte
			expID sql.NullInt64
		)
		if err := rows.Scan(&qe.ID, &qe.UserID, &qe.EventType, &qe.Timestamp, &props, &expID, &qe.AssignedAt, &qe.VariantID); err != nil {
			return nil, fmt.Errorf("scan qualified event: %w", err)
		}
		if len(props) > 0 {
			qe.Properties = append(json.RawMessage(nil), props...)
		}
		if expID.Valid {
			id := expID.Int64
			qe.ExperimentID = &id
		}
		out = append(out, qe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list qualified events: %w", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
