package results

import (
	"sort"
	"time"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/stats"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

const (
	rateDecimals  = 4
	liftDecimals  = 2
	zDecimals     = 6
	pDecimals     = 8
	ciDecimals    = 6
	chiDecimals   = 6
	shareDecimals = 4
)

type userSet map[string]struct{}

type variantAcc struct {
	events       int64
	byType       map[string]int64
	users        userSet
	primaryCount int64
	primaryUsers userSet
}

// aggregate reduces qualified events into per-variant metrics, in the order
// of variants. Events for variants outside the list are ignored.
func aggregate(variants []models.Variant, counts map[int64]int64, events []models.QualifiedEvent, primary string) []VariantMetrics {
	accs := make(map[int64]*variantAcc, len(variants))
	for _, v := range variants {
		accs[v.ID] = &variantAcc{byType: map[string]int64{}, users: userSet{}, primaryUsers: userSet{}}
	}
	for _, ev := range events {
		acc, ok := accs[ev.VariantID]
		if !ok {
			continue
		}
		acc.events++
		acc.byType[ev.EventType]++
		acc.users[ev.UserID] = struct{}{}
		if primary != "" && ev.EventType == primary {
			acc.primaryCount++
			acc.primaryUsers[ev.UserID] = struct{}{}
		}
	}

	out := make([]VariantMetrics, 0, len(variants))
	for _, v := range variants {
		acc := accs[v.ID]
		assigned := counts[v.ID]
		unique := int64(len(acc.users))
		m := VariantMetrics{
			VariantID:             v.ID,
			VariantName:           v.Name,
			AssignedCount:         assigned,
			EventCount:            acc.events,
			EventsByType:          acc.byType,
			ConversionRate:        stats.Round(stats.Rate(unique, assigned), rateDecimals),
			UniqueUsersWithEvents: unique,
		}
		if primary != "" {
			eventType := primary
			count := acc.primaryCount
			users := int64(len(acc.primaryUsers))
			rate := stats.Round(stats.Rate(users, assigned), rateDecimals)
			perUser := stats.Round(stats.Rate(count, assigned), rateDecimals)
			m.PrimaryEventType = &eventType
			m.PrimaryEventCount = &count
			m.PrimaryUniqueUsers = &users
			m.PrimaryConversionRate = &rate
			m.PrimaryEventsPerAssignedUser = &perUser
		}
		out = append(out, m)
	}
	return out
}

// compare tests treatment against baseline. Rates are recomputed from the
// integer counts so display rounding never feeds the statistics.
func compare(baseline, treatment VariantMetrics) Comparison {
	x1, n1 := baseline.converted(), baseline.AssignedCount
	x2, n2 := treatment.converted(), treatment.AssignedCount
	p1, p2 := stats.Rate(x1, n1), stats.Rate(x2, n2)

	c := Comparison{
		BaselineVariantID:       baseline.VariantID,
		TreatmentVariantID:      treatment.VariantID,
		Baseline:                baseline.VariantName,
		Treatment:               treatment.VariantName,
		MetricEventType:         baseline.PrimaryEventType,
		BaselineConversionRate:  stats.Round(p1, rateDecimals),
		TreatmentConversionRate: stats.Round(p2, rateDecimals),
		LiftPercentage:          Percent(stats.Round(stats.Lift(p1, p2), liftDecimals)),
		Alpha:                   stats.SignificanceAlpha,
		BaselineAssigned:        n1,
		TreatmentAssigned:       n2,
		BaselineConverted:       x1,
		TreatmentConverted:      x2,
	}
	if zt := stats.TwoProportionZTest(x1, n1, x2, n2, stats.SignificanceAlpha); zt != nil {
		z := stats.Round(zt.Z, zDecimals)
		p := stats.Round(zt.PValue, pDecimals)
		sig := zt.Significant
		c.ZScore, c.PValue, c.Significant = &z, &p, &sig
	}
	if ci := stats.DiffConfidenceInterval(x1, n1, x2, n2); ci != nil {
		c.CI95 = &Interval{
			DiffLow:  stats.Round(ci.Low, ciDecimals),
			DiffHigh: stats.Round(ci.High, ciDecimals),
		}
	}
	return c
}

// compareAll compares every variant after the first against the first.
func compareAll(metrics []VariantMetrics) []Comparison {
	if len(metrics) < 2 {
		return nil
	}
	out := make([]Comparison, 0, len(metrics)-1)
	for _, m := range metrics[1:] {
		out = append(out, compare(metrics[0], m))
	}
	return out
}

// sampleRatio returns nil unless there are at least two variants and at
// least one assignment.
func sampleRatio(variants []models.Variant, metrics []VariantMetrics) *SRM {
	if len(variants) < 2 || len(variants) != len(metrics) {
		return nil
	}
	var total int64
	observed := make([]int64, len(metrics))
	shares := make([]float64, len(variants))
	for i := range metrics {
		observed[i] = metrics[i].AssignedCount
		shares[i] = variants[i].TrafficPercentage
		total += observed[i]
	}
	if total == 0 {
		return nil
	}
	res := stats.SampleRatioMismatch(observed, shares)
	srm := &SRM{
		ChiSquare:        stats.Round(res.ChiSquare, chiDecimals),
		DegreesOfFreedom: res.DegreesOfFreedom,
		PValue:           stats.Round(res.PValue, pDecimals),
		Alpha:            stats.SRMAlpha,
		Flagged:          res.Flagged,
		Variants:         make([]SRMVariant, 0, len(variants)),
	}
	for i, v := range variants {
		srm.Variants = append(srm.Variants, SRMVariant{
			VariantID:          v.ID,
			VariantName:        v.Name,
			ObservedCount:      observed[i],
			ExpectedPercentage: v.TrafficPercentage,
			ObservedPercentage: stats.Round(float64(observed[i])/float64(total)*100, shareDecimals),
		})
	}
	return srm
}

type bucketKey struct {
	bucket  int64
	variant int64
}

// timeseries groups assignments and qualified events into calendar buckets.
// It emits one row per bucket that holds any assignment or event, ordered by
// time; every row lists every variant, with zeros where a variant has no data.
// Conversions count distinct users with a converting event in the bucket:
// events of the primary type when one is set, any event otherwise.
func timeseries(g Granularity, variants []models.Variant, stamps []store.AssignmentStamp, events []models.QualifiedEvent, primary string) []TimeseriesRow {
	known := make(map[int64]bool, len(variants))
	for _, v := range variants {
		known[v.ID] = true
	}
	buckets := map[int64]time.Time{}
	assigned := map[bucketKey]int64{}
	counted := map[bucketKey]int64{}
	converters := map[bucketKey]userSet{}

	for _, st := range stamps {
		if !known[st.VariantID] {
			continue
		}
		b := g.Truncate(st.AssignedAt)
		buckets[b.Unix()] = b
		assigned[bucketKey{b.Unix(), st.VariantID}]++
	}
	for _, ev := range events {
		if !known[ev.VariantID] {
			continue
		}
		b := g.Truncate(ev.Timestamp)
		buckets[b.Unix()] = b
		key := bucketKey{b.Unix(), ev.VariantID}
		counted[key]++
		if primary == "" || ev.EventType == primary {
			if converters[key] == nil {
				converters[key] = userSet{}
			}
			converters[key][ev.UserID] = struct{}{}
		}
	}

	order := make([]int64, 0, len(buckets))
	for k := range buckets {
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	rows := make([]TimeseriesRow, 0, len(order))
	for _, k := range order {
		row := TimeseriesRow{Bucket: buckets[k], GroupBy: g, Variants: make([]BucketMetrics, 0, len(variants))}
		for _, v := range variants {
			key := bucketKey{k, v.ID}
			conv := int64(len(converters[key]))
			row.Variants = append(row.Variants, BucketMetrics{
				VariantID:      v.ID,
				VariantName:    v.Name,
				Assigned:       assigned[key],
				Events:         counted[key],
				Conversions:    conv,
				ConversionRate: stats.Round(stats.Rate(conv, assigned[key]), rateDecimals),
			})
		}
		rows = append(rows, row)
	}
	return rows
}
