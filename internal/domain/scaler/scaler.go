// Package scaler provides per-column standardization and min-max scaling
// with a serializable fitted state.
package scaler

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Kinds of scaler.
const (
	KindStandard = "standard"
	KindMinMax   = "minmax"
)

var (
	ErrEmptyInput    = errors.New("scaler fit on empty input")
	ErrDimension     = errors.New("scaler dimension mismatch")
	ErrUnknownKind   = errors.New("unknown scaler kind")
	ErrRaggedColumns = errors.New("rows have different widths")
)

// State is the fitted, serializable form of a scaler. x' = (x - Shift) / Scale.
type State struct {
	Kind  string    `json:"kind"`
	Shift []float64 `json:"shift"`
	Scale []float64 `json:"scale"`
}

// Scaler is a fitted per-column affine transform.
type Scaler struct {
	state State
}

// FitStandard fits zero-mean unit-variance scaling with population std. A
// constant column gets scale 1.
func FitStandard(rows [][]float64) (*Scaler, error) {
	cols, err := columns(rows)
	if err != nil {
		return nil, err
	}
	st := State{Kind: KindStandard, Shift: make([]float64, len(cols)), Scale: make([]float64, len(cols))}
	for j, col := range cols {
		mean, std := stat.PopMeanStdDev(col, nil)
		st.Shift[j] = mean
		st.Scale[j] = safeScale(std)
	}
	return &Scaler{state: st}, nil
}

// FitMinMax fits scaling onto [0, 1]. A constant column gets scale 1.
func FitMinMax(rows [][]float64) (*Scaler, error) {
	cols, err := columns(rows)
	if err != nil {
		return nil, err
	}
	st := State{Kind: KindMinMax, Shift: make([]float64, len(cols)), Scale: make([]float64, len(cols))}
	for j, col := range cols {
		lo, hi := floats.Min(col), floats.Max(col)
		st.Shift[j] = lo
		st.Scale[j] = safeScale(hi - lo)
	}
	return &Scaler{state: st}, nil
}

// FromState rebuilds a scaler from its serialized form.
func FromState(st State) (*Scaler, error) {
	if st.Kind != KindStandard && st.Kind != KindMinMax {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, st.Kind)
	}
	if len(st.Shift) == 0 || len(st.Shift) != len(st.Scale) {
		return nil, fmt.Errorf("%w: shift %d scale %d", ErrDimension, len(st.Shift), len(st.Scale))
	}
	for _, s := range st.Scale {
		if s == 0 {
			return nil, fmt.Errorf("%w: zero scale", ErrDimension)
		}
	}
	return &Scaler{state: State{
		Kind:  st.Kind,
		Shift: append([]float64(nil), st.Shift...),
		Scale: append([]float64(nil), st.Scale...),
	}}, nil
}

// State returns a copy of the fitted state.
func (s *Scaler) State() State {
	return State{
		Kind:  s.state.Kind,
		Shift: append([]float64(nil), s.state.Shift...),
		Scale: append([]float64(nil), s.state.Scale...),
	}
}

// Dim returns the number of columns.
func (s *Scaler) Dim() int { return len(s.state.Shift) }

// Transform scales one row into a new slice.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != s.Dim() {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimension, len(x), s.Dim())
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.state.Shift[j]) / s.state.Scale[j]
	}
	return out, nil
}

// Inverse undoes Transform on one row.
func (s *Scaler) Inverse(x []float64) ([]float64, error) {
	if len(x) != s.Dim() {
		return nil, fmt.Errorf("%w: got %d want %d", ErrDimension, len(x), s.Dim())
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = v*s.state.Scale[j] + s.state.Shift[j]
	}
	return out, nil
}

// TransformAll scales every row.
func (s *Scaler) TransformAll(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		t, err := s.Transform(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// TransformScalar scales a value of a one-column scaler.
func (s *Scaler) TransformScalar(v float64) float64 {
	return (v - s.state.Shift[0]) / s.state.Scale[0]
}

// InverseScalar undoes TransformScalar.
func (s *Scaler) InverseScalar(v float64) float64 {
	return v*s.state.Scale[0] + s.state.Shift[0]
}

func columns(rows [][]float64) ([][]float64, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmptyInput
	}
	width := len(rows[0])
	cols := make([][]float64, width)
	for j := range cols {
		cols[j] = make([]float64, len(rows))
	}
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: row %d has %d, want %d", ErrRaggedColumns, i, len(r), width)
		}
		for j, v := range r {
			cols[j][i] = v
		}
	}
	return cols, nil
}

func safeScale(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}
