// Package evaluation scores denormalized predictions: regression and
// traffic-specific accuracy metrics, a ranked comparison across models and
// paired significance tests between two models' absolute errors.
package evaluation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// mapeEpsilon is the float64 machine epsilon used as the MAPE denominator
// floor.
const mapeEpsilon = 2.220446049250313e-16

// Metrics is the full scorecard for one model.
type Metrics struct {
	N                 int      `json:"n"`
	MAE               float64  `json:"mae"`
	MSE               float64  `json:"mse"`
	RMSE              float64  `json:"rmse"`
	R2                float64  `json:"r2"`
	MAPE              float64  `json:"mape"`
	Within5           float64  `json:"threshold_accuracy_5mph"`
	Within10          float64  `json:"threshold_accuracy_10mph"`
	DirectionAccuracy *float64 `json:"direction_accuracy"`
	MeanActual        float64  `json:"mean_actual"`
	MeanPredicted     float64  `json:"mean_predicted"`
	StdActual         float64  `json:"std_actual"`
	StdPredicted      float64  `json:"std_predicted"`
}

// Compute scores predicted against actual. Direction accuracy is nil for
// fewer than two samples. Standard deviations are population values.
func Compute(actual, predicted []float64) (Metrics, error) {
	if len(actual) != len(predicted) {
		return Metrics{}, fmt.Errorf("%w: %d actual, %d predicted", ErrLengthMismatch, len(actual), len(predicted))
	}
	n := len(actual)
	if n == 0 {
		return Metrics{}, ErrEmptyInput
	}
	nf := float64(n)

	var absSum, sqSum, pctSum float64
	var within5, within10 int
	for i, a := range actual {
		e := math.Abs(a - predicted[i])
		absSum += e
		sqSum += e * e
		pctSum += e / math.Max(math.Abs(a), mapeEpsilon)
		if e <= 5 {
			within5++
		}
		if e <= 10 {
			within10++
		}
	}

	m := Metrics{
		N:        n,
		MAE:      absSum / nf,
		MSE:      sqSum / nf,
		MAPE:     pctSum / nf * 100,
		Within5:  float64(within5) / nf * 100,
		Within10: float64(within10) / nf * 100,
	}
	m.RMSE = math.Sqrt(m.MSE)
	m.MeanActual, m.StdActual = stat.PopMeanStdDev(actual, nil)
	m.MeanPredicted, m.StdPredicted = stat.PopMeanStdDev(predicted, nil)
	m.R2 = rSquared(actual, m.MeanActual, sqSum)
	m.DirectionAccuracy = directionAccuracy(actual, predicted)
	return m, nil
}

// rSquared is 1 - SSres/SStot. A constant actual scores 1 when fitted
// exactly and 0 otherwise.
func rSquared(actual []float64, mean, ssRes float64) float64 {
	ssTot := 0.0
	for _, a := range actual {
		ssTot += (a - mean) * (a - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

func directionAccuracy(actual, predicted []float64) *float64 {
	if len(actual) < 2 {
		return nil
	}
	da := make([]float64, len(actual)-1)
	dp := make([]float64, len(predicted)-1)
	floats.SubTo(da, actual[1:], actual[:len(actual)-1])
	floats.SubTo(dp, predicted[1:], predicted[:len(predicted)-1])
	match := 0
	for i := range da {
		if (da[i] > 0) == (dp[i] > 0) {
			match++
		}
	}
	v := float64(match) / float64(len(da)) * 100
	return &v
}

// AbsErrors returns |actual - predicted| elementwise.
func AbsErrors(actual, predicted []float64) ([]float64, error) {
	if len(actual) != len(predicted) {
		return nil, fmt.Errorf("%w: %d actual, %d predicted", ErrLengthMismatch, len(actual), len(predicted))
	}
	out := make([]float64, len(actual))
	for i := range actual {
		out[i] = math.Abs(actual[i] - predicted[i])
	}
	return out, nil
}
