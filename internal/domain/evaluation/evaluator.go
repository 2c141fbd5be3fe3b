package evaluation

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Thresholds that trigger improvement suggestions.
const (
	EnsembleR2Threshold      = 0.7
	ErrorReductionWithin5Pct = 80.0
)

type result struct {
	actual    []float64
	predicted []float64
	metrics   Metrics
}

// Evaluator collects predictions per named model and scores them.
type Evaluator struct {
	mu      sync.RWMutex
	results map[string]result
	now     func() time.Time
}

// New returns an empty evaluator.
func New() *Evaluator {
	return &Evaluator{results: make(map[string]result), now: time.Now}
}

// Add scores one model's predictions, replacing any earlier set under name.
func (e *Evaluator) Add(name string, actual, predicted []float64) (Metrics, error) {
	m, err := Compute(actual, predicted)
	if err != nil {
		return Metrics{}, fmt.Errorf("%s: %w", name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[name] = result{
		actual:    append([]float64(nil), actual...),
		predicted: append([]float64(nil), predicted...),
		metrics:   m,
	}
	return m, nil
}

// Metrics returns the scorecard of one model.
func (e *Evaluator) Metrics(name string) (Metrics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.results[name]
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return r.metrics, nil
}

// All returns every scorecard keyed by model.
func (e *Evaluator) All() map[string]Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Metrics, len(e.results))
	for name, r := range e.results {
		out[name] = r.metrics
	}
	return out
}

// Rank returns the ranked comparison of every model.
func (e *Evaluator) Rank() []Ranking { return Rank(e.All()) }

// Compare runs the paired tests between two models' absolute errors. Both
// must have been evaluated on the same number of samples.
func (e *Evaluator) Compare(model1, model2 string) (Comparison, error) {
	e.mu.RLock()
	r1, ok1 := e.results[model1]
	r2, ok2 := e.results[model2]
	e.mu.RUnlock()
	if !ok1 {
		return Comparison{}, fmt.Errorf("%w: %s", ErrUnknownModel, model1)
	}
	if !ok2 {
		return Comparison{}, fmt.Errorf("%w: %s", ErrUnknownModel, model2)
	}
	if len(r1.actual) != len(r2.actual) {
		return Comparison{}, fmt.Errorf("%w: %s has %d samples, %s has %d",
			ErrLengthMismatch, model1, len(r1.actual), model2, len(r2.actual))
	}

	e1, _ := AbsErrors(r1.actual, r1.predicted)
	e2, _ := AbsErrors(r2.actual, r2.predicted)
	c := Comparison{
		Model1:          model1,
		Model2:          model2,
		Model1MeanError: stat.Mean(e1, nil),
		Model2MeanError: stat.Mean(e2, nil),
	}
	var err error
	if c.TTest, err = PairedTTest(e1, e2); err != nil {
		return Comparison{}, err
	}
	if c.Wilcoxon, err = WilcoxonSignedRank(e1, e2); err != nil {
		return Comparison{}, err
	}
	if c.Effect, err = CohensD(e1, e2); err != nil {
		return Comparison{}, err
	}
	return c, nil
}

// Recommendations names the best-ranked model and flags weak spots.
func (e *Evaluator) Recommendations() []string {
	ranked := e.Rank()
	if len(ranked) == 0 {
		return nil
	}
	best := ranked[0]
	out := []string{fmt.Sprintf("Use %s for production deployment based on overall performance.", best.Model)}
	if best.Metrics.R2 < EnsembleR2Threshold {
		out = append(out, "Consider ensemble methods or feature engineering to improve R².")
	}
	if best.Metrics.Within5 < ErrorReductionWithin5Pct {
		out = append(out, "Focus on reducing prediction errors to within 5 mph for practical use.")
	}
	return out
}

// Report bundles every evaluation artifact.
type Report struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	Models          map[string]Metrics `json:"models"`
	Ranking         []Ranking          `json:"ranking"`
	Comparisons     []Comparison       `json:"comparisons,omitempty"`
	Recommendations []string           `json:"recommendations"`
}

// Report scores every model and compares every pair evaluated on the same
// number of samples.
func (e *Evaluator) Report() (*Report, error) {
	all := e.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	r := &Report{
		GeneratedAt:     e.now().UTC(),
		Models:          all,
		Ranking:         Rank(all),
		Recommendations: e.Recommendations(),
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if all[names[i]].N != all[names[j]].N || all[names[i]].N < 2 {
				continue
			}
			c, err := e.Compare(names[i], names[j])
			if err != nil {
				return nil, err
			}
			r.Comparisons = append(r.Comparisons, c)
		}
	}
	return r, nil
}

// JSON encodes the report with indentation.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
