package results

import (
	"encoding/json"
	"math"
	"time"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

// Report is the full results document for one experiment.
type Report struct {
	Experiment  models.Experiment `json:"experiment"`
	Summary     Summary           `json:"summary"`
	Variants    []VariantMetrics  `json:"variants"`
	Comparison  *Comparison       `json:"comparison"`
	Comparisons []Comparison      `json:"comparisons"`
	SRM         *SRM              `json:"srm"`
	Timeseries  []TimeseriesRow   `json:"timeseries"`
	GeneratedAt time.Time         `json:"generated_at"`
}

type DateRange struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

type Summary struct {
	TotalAssigned    int64     `json:"total_assigned"`
	TotalEvents      int64     `json:"total_events"`
	DateRange        DateRange `json:"date_range"`
	PrimaryEventType *string   `json:"primary_event_type"`
	GroupBy          *string   `json:"group_by"`
}

// VariantMetrics holds the per-variant figures. The Primary* fields are nil
// unless a primary event type was requested; when requested they are always
// set, with zero rates for variants that have no assignments.
type VariantMetrics struct {
	VariantID             int64            `json:"variant_id"`
	VariantName           string           `json:"variant_name"`
	AssignedCount         int64            `json:"assigned_count"`
	EventCount            int64            `json:"event_count"`
	EventsByType          map[string]int64 `json:"events_by_type"`
	ConversionRate        float64          `json:"conversion_rate"`
	UniqueUsersWithEvents int64            `json:"unique_users_with_events"`

	PrimaryEventType             *string  `json:"primary_event_type"`
	PrimaryEventCount            *int64   `json:"primary_event_count"`
	PrimaryUniqueUsers           *int64   `json:"primary_unique_users"`
	PrimaryConversionRate        *float64 `json:"primary_conversion_rate"`
	PrimaryEventsPerAssignedUser *float64 `json:"primary_events_per_assigned_user"`
}

// converted returns the converter count comparisons are based on.
func (m VariantMetrics) converted() int64 {
	if m.PrimaryUniqueUsers != nil {
		return *m.PrimaryUniqueUsers
	}
	return m.UniqueUsersWithEvents
}

type Interval struct {
	DiffLow  float64 `json:"diff_low"`
	DiffHigh float64 `json:"diff_high"`
}

// Comparison tests one treatment variant against the baseline.
type Comparison struct {
	BaselineVariantID       int64     `json:"baseline_variant_id"`
	TreatmentVariantID      int64     `json:"treatment_variant_id"`
	Baseline                string    `json:"baseline"`
	Treatment               string    `json:"treatment"`
	MetricEventType         *string   `json:"metric_event_type"`
	BaselineConversionRate  float64   `json:"baseline_conversion_rate"`
	TreatmentConversionRate float64   `json:"treatment_conversion_rate"`
	LiftPercentage          Percent   `json:"lift_percentage"`
	Alpha                   float64   `json:"alpha"`
	BaselineAssigned        int64     `json:"baseline_assigned"`
	TreatmentAssigned       int64     `json:"treatment_assigned"`
	BaselineConverted       int64     `json:"baseline_converted"`
	TreatmentConverted      int64     `json:"treatment_converted"`
	ZScore                  *float64  `json:"z_score"`
	PValue                  *float64  `json:"p_value"`
	Significant             *bool     `json:"significant"`
	CI95                    *Interval `json:"conversion_rate_diff_ci_95"`
}

type SRMVariant struct {
	VariantID          int64   `json:"variant_id"`
	VariantName        string  `json:"variant_name"`
	ObservedCount      int64   `json:"observed_count"`
	ExpectedPercentage float64 `json:"expected_percentage"`
	ObservedPercentage float64 `json:"observed_percentage"`
}

// SRM is the sample-ratio-mismatch diagnostic.
type SRM struct {
	ChiSquare        float64      `json:"chi_square"`
	DegreesOfFreedom int          `json:"degrees_of_freedom"`
	PValue           float64      `json:"p_value"`
	Alpha            float64      `json:"alpha"`
	Flagged          bool         `json:"flagged"`
	Variants         []SRMVariant `json:"variants"`
}

type BucketMetrics struct {
	VariantID      int64   `json:"variant_id"`
	VariantName    string  `json:"variant_name"`
	Assigned       int64   `json:"assigned"`
	Events         int64   `json:"events"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

type TimeseriesRow struct {
	Bucket   time.Time       `json:"bucket"`
	GroupBy  Granularity     `json:"group_by"`
	Variants []BucketMetrics `json:"variants"`
}

// Percent is a percentage that may be infinite. JSON has no infinity, so
// infinities are written as the strings "Infinity" and "-Infinity".
type Percent float64

func (p Percent) MarshalJSON() ([]byte, error) {
	f := float64(p)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(f):
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (p *Percent) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"Infinity"`:
		*p = Percent(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*p = Percent(math.Inf(-1))
		return nil
	case "null":
		*p = Percent(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = Percent(f)
	return nil
}
