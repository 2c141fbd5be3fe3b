package evaluation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Significance level for every test.
const Alpha = 0.05

// maxExactWilcoxon is the largest sample the exact signed-rank
// distribution is enumerated for.
const maxExactWilcoxon = 50

// TestResult is a two-sided hypothesis test outcome. Non-finite values
// serialize as null.
type TestResult struct {
	Statistic   float64
	PValue      float64
	Significant bool
}

// MarshalJSON encodes infinities as null.
func (r TestResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Statistic   *float64 `json:"statistic"`
		PValue      *float64 `json:"p_value"`
		Significant bool     `json:"significant"`
	}{finite(r.Statistic), finite(r.PValue), r.Significant})
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func newResult(statistic, p float64) TestResult {
	return TestResult{Statistic: statistic, PValue: p, Significant: p < Alpha}
}

// EffectSize is Cohen's d with its qualitative bucket.
type EffectSize struct {
	CohensD        float64 `json:"cohens_d"`
	Interpretation string  `json:"interpretation"`
}

// Comparison is the paired comparison of two models' absolute errors.
type Comparison struct {
	Model1          string     `json:"model1"`
	Model2          string     `json:"model2"`
	Model1MeanError float64    `json:"model1_mean_error"`
	Model2MeanError float64    `json:"model2_mean_error"`
	TTest           TestResult `json:"paired_t_test"`
	Wilcoxon        TestResult `json:"wilcoxon_test"`
	Effect          EffectSize `json:"effect_size"`
}

// PairedTTest tests whether the mean of a-b is zero. When every difference
// is identical the statistic is 0 with p=1 for a zero difference and ±Inf
// with p=0 otherwise.
func PairedTTest(a, b []float64) (TestResult, error) {
	d, err := diffs(a, b)
	if err != nil {
		return TestResult{}, err
	}
	n := len(d)
	if n < 2 {
		return TestResult{}, fmt.Errorf("%w: %d pairs", ErrTooFewSamples, n)
	}
	mean, sd := stat.MeanStdDev(d, nil)
	if sd == 0 {
		if mean == 0 {
			return newResult(0, 1), nil
		}
		return newResult(math.Copysign(math.Inf(1), mean), 0), nil
	}
	t := mean / (sd / math.Sqrt(float64(n)))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	return newResult(t, math.Min(1, 2*dist.CDF(-math.Abs(t)))), nil
}

// WilcoxonSignedRank runs the two-sided signed-rank test on a-b. Zero
// differences are dropped; the statistic is min(W+, W-). Samples of at most
// 50 with no zero differences and no tied magnitudes use the exact null
// distribution, others the tie-corrected normal approximation.
func WilcoxonSignedRank(a, b []float64) (TestResult, error) {
	all, err := diffs(a, b)
	if err != nil {
		return TestResult{}, err
	}
	var d []float64
	for _, v := range all {
		if v != 0 {
			d = append(d, v)
		}
	}
	n := len(d)
	if n == 0 {
		return newResult(0, 1), nil
	}

	mags := make([]float64, n)
	for i, v := range d {
		mags[i] = math.Abs(v)
	}
	ranks := averageRanks(mags)
	var wPlus, wMinus float64
	for i, v := range d {
		if v > 0 {
			wPlus += ranks[i]
		} else {
			wMinus += ranks[i]
		}
	}
	w := math.Min(wPlus, wMinus)

	tieTerm := tieCorrection(mags)
	zeros := len(all) - n
	if n <= maxExactWilcoxon && zeros == 0 && tieTerm == 0 {
		return newResult(w, exactSignedRankP(n, int(w))), nil
	}

	nf := float64(n)
	mean := nf * (nf + 1) / 4
	variance := nf*(nf+1)*(2*nf+1)/24 - tieTerm/48
	if variance <= 0 {
		return newResult(w, 1), nil
	}
	z := (w - mean) / math.Sqrt(variance)
	return newResult(w, math.Min(1, 2*distuv.UnitNormal.CDF(-math.Abs(z)))), nil
}

// tieCorrection returns Σ(t³ - t) over groups of tied values.
func tieCorrection(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	total := 0.0
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[i] {
			j++
		}
		if t := float64(j - i + 1); t > 1 {
			total += t*t*t - t
		}
		i = j + 1
	}
	return total
}

// exactSignedRankP returns the two-sided p-value P(W <= w)*2 under the null,
// counting sign assignments of ranks 1..n by rank sum.
func exactSignedRankP(n, w int) float64 {
	maxSum := n * (n + 1) / 2
	counts := make([]float64, maxSum+1)
	counts[0] = 1
	for r := 1; r <= n; r++ {
		for s := maxSum; s >= r; s-- {
			counts[s] += counts[s-r]
		}
	}
	tail := 0.0
	for s := 0; s <= w && s <= maxSum; s++ {
		tail += counts[s]
	}
	return math.Min(1, 2*tail/math.Pow(2, float64(n)))
}

// CohensD is (mean(a) - mean(b)) / sqrt((var(a) + var(b)) / 2) with
// population variances. Zero pooled spread gives d=0.
func CohensD(a, b []float64) (EffectSize, error) {
	if len(a) != len(b) {
		return EffectSize{}, fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return EffectSize{}, ErrEmptyInput
	}
	m1, s1 := stat.PopMeanStdDev(a, nil)
	m2, s2 := stat.PopMeanStdDev(b, nil)
	pooled := math.Sqrt((s1*s1 + s2*s2) / 2)
	d := 0.0
	if pooled > 0 {
		d = (m1 - m2) / pooled
	}
	return EffectSize{CohensD: d, Interpretation: Interpret(d)}, nil
}

// Interpret buckets |d| as negligible, small, medium or large.
func Interpret(d float64) string {
	switch abs := math.Abs(d); {
	case abs < 0.2:
		return "negligible"
	case abs < 0.5:
		return "small"
	case abs < 0.8:
		return "medium"
	default:
		return "large"
	}
}

func diffs(a, b []float64) ([]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return nil, ErrEmptyInput
	}
	d := make([]float64, len(a))
	for i := range a {
		d[i] = a[i] - b[i]
	}
	return d, nil
}
