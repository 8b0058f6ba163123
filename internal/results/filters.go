package results

import (
	"strconv"
	"strings"
	"time"

	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

// Granularity is the time-series bucket width. The zero value disables the
// time series.
type Granularity string

const (
	GroupByNone Granularity = ""
	GroupByHour Granularity = "hour"
	GroupByDay  Granularity = "day"
)

func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case GroupByNone, GroupByHour, GroupByDay:
		return g, nil
	}
	return GroupByNone, errdefs.InvalidInput("group_by must be 'hour' or 'day', got %q", s)
}

// Truncate floors t to the start of its bucket in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GroupByHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case GroupByDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Filters select which qualified events feed a report. Start and End bound
// event timestamps inclusively. VariantID restricts the report to a single
// variant. PrimaryEventType adds the primary metric block and makes it the
// basis of comparisons.
type Filters struct {
	Start            *time.Time
	End              *time.Time
	EventType        string
	VariantID        *int64
	PrimaryEventType string
	GroupBy          Granularity
}

// normalize rejects malformed filters and canonicalizes GroupBy so that
// bucketing and the echoed group_by only ever see hour, day or none.
func (f *Filters) normalize() error {
	if f.Start != nil && f.End != nil && f.Start.After(*f.End) {
		return errdefs.InvalidInput("start_date %s is after end_date %s", f.Start.Format(time.RFC3339), f.End.Format(time.RFC3339))
	}
	g, err := ParseGranularity(string(f.GroupBy))
	if err != nil {
		return err
	}
	f.GroupBy = g
	return nil
}

func (f Filters) eventFilter() store.EventFilter {
	return store.EventFilter{
		Start:     f.Start,
		End:       f.End,
		EventType: f.EventType,
		VariantID: f.VariantID,
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 timestamps, naive timestamps (read as UTC) and
// bare dates. An empty string yields nil.
func ParseTime(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errdefs.InvalidInput("%s: unparsable time %q", field, s)
}

// ParseID parses a positive integer identifier. An empty string yields nil.
func ParseID(field, s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return nil, errdefs.InvalidInput("%s: invalid id %q", field, s)
	}
	return &id, nil
}
