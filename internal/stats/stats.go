// Package stats holds the numeric routines behind experiment comparisons:
// two-proportion z-tests, difference confidence intervals, lift and the
// sample-ratio-mismatch chi-square check. Degenerate inputs yield defined
// sentinels (zero, nil or +Inf), never errors or NaN.
package stats

import "math"

const (
	// SignificanceAlpha is the threshold applied to z-test p-values.
	SignificanceAlpha = 0.05
	// SRMAlpha is the stricter threshold applied to the SRM p-value.
	SRMAlpha = 0.01
	// Z95 is the two-sided 95% critical value of the standard normal.
	Z95 = 1.96
)

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// Rate returns x/n, or 0 when n is 0.
func Rate(x, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return float64(x) / float64(n)
}

// Lift is the relative change from p1 to p2 in percent. When p1 is 0 it is 0
// if p2 is also 0 and +Inf otherwise.
func Lift(p1, p2 float64) float64 {
	if p1 > 0 {
		return (p2 - p1) / p1 * 100
	}
	if p2 == 0 {
		return 0
	}
	return math.Inf(1)
}

type ZTest struct {
	Z           float64
	PValue      float64
	Significant bool
}

// TwoProportionZTest compares x1/n1 against x2/n2 using the pooled standard
// error. It returns nil when either group is empty or the pooled standard
// error is zero.
func TwoProportionZTest(x1, n1, x2, n2 int64, alpha float64) *ZTest {
	if n1 <= 0 || n2 <= 0 {
		return nil
	}
	p1, p2 := Rate(x1, n1), Rate(x2, n2)
	pool := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(math.Max(pool*(1-pool)*(1/float64(n1)+1/float64(n2)), 0))
	if se == 0 {
		return nil
	}
	z := (p2 - p1) / se
	p := 2 * (1 - NormalCDF(math.Abs(z)))
	return &ZTest{Z: z, PValue: p, Significant: p < alpha}
}

type Interval struct {
	Low  float64
	High float64
}

// DiffConfidenceInterval is the 95% interval for p2-p1 using the unpooled
// standard error. It returns nil when either group is empty or the standard
// error is zero.
func DiffConfidenceInterval(x1, n1, x2, n2 int64) *Interval {
	if n1 <= 0 || n2 <= 0 {
		return nil
	}
	p1, p2 := Rate(x1, n1), Rate(x2, n2)
	se := math.Sqrt(math.Max(p1*(1-p1)/float64(n1)+p2*(1-p2)/float64(n2), 0))
	if se == 0 {
		return nil
	}
	d := p2 - p1
	return &Interval{Low: d - Z95*se, High: d + Z95*se}
}

// ChiSquarePValue approximates the upper tail of the chi-square distribution
// with df degrees of freedom using the Wilson-Hilferty cube-root transform.
func ChiSquarePValue(chi2 float64, df int) float64 {
	if df < 1 {
		df = 1
	}
	if chi2 <= 0 {
		chi2 = 0
	}
	k := float64(df)
	v := 2 / (9 * k)
	z := (math.Cbrt(chi2/k) - (1 - v)) / math.Sqrt(v)
	return 1 - NormalCDF(z)
}

type SRMResult struct {
	ChiSquare        float64
	DegreesOfFreedom int
	PValue           float64
	Flagged          bool
}

// SampleRatioMismatch tests observed assignment counts against configured
// traffic shares given in percent. Terms with an expected count of zero are
// skipped.
func SampleRatioMismatch(observed []int64, sharesPct []float64) SRMResult {
	var total int64
	for _, n := range observed {
		total += n
	}
	chi2 := 0.0
	for i, n := range observed {
		if i >= len(sharesPct) {
			break
		}
		expected := float64(total) * sharesPct[i] / 100
		if expected <= 0 {
			continue
		}
		d := float64(n) - expected
		chi2 += d * d / expected
	}
	df := len(observed) - 1
	if df < 1 {
		df = 1
	}
	p := ChiSquarePValue(chi2, df)
	return SRMResult{ChiSquare: chi2, DegreesOfFreedom: df, PValue: p, Flagged: p < SRMAlpha}
}

// Round rounds v half away from zero to the given number of decimals.
// Infinities and NaN are returned unchanged.
func Round(v float64, decimals int) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
