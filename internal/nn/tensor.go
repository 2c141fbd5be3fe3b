// Package nn is a small reverse-mode automatic differentiation engine over
// row-major float64 matrices, with the layers, optimizer and scheduler the
// speed models need.
//
// A Tape records every operation executed through it. Operations are
// appended in creation order, which is a topological order, so Backward
// simply walks the tape in reverse. Shape mismatches are programming errors
// and panic, following gonum/mat.
package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	ErrMissingParam  = errors.New("missing parameter")
	ErrNotScalar     = errors.New("loss must be a 1x1 tensor that requires grad")
)

// Tensor is a Rows x Cols matrix stored row-major, with an optional gradient.
type Tensor struct {
	Rows, Cols int
	Data       []float64
	Grad       []float64

	requiresGrad bool
	backward     func()
}

// New wraps data as a constant tensor. data is used directly.
func New(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("nn: data length %d for %dx%d tensor", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// Zeros returns a constant zero tensor.
func Zeros(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows builds a constant tensor from equal-length rows.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		panic("nn: FromRows with no rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for _, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("nn: ragged row of %d, want %d", len(r), cols))
		}
		data = append(data, r...)
	}
	return New(len(rows), cols, data)
}

// Param returns a trainable leaf tensor.
func Param(rows, cols int, data []float64) *Tensor {
	t := New(rows, cols, data)
	t.requiresGrad = true
	t.Grad = make([]float64, len(data))
	return t
}

// Uniform returns a trainable tensor drawn from U(-bound, bound).
func Uniform(rows, cols int, bound float64, rng *rand.Rand) *Tensor {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
	return Param(rows, cols, data)
}

// Filled returns a trainable tensor with every element set to v.
func Filled(rows, cols int, v float64) *Tensor {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return Param(rows, cols, data)
}

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// At returns element (i, j).
func (t *Tensor) At(i, j int) float64 { return t.Data[i*t.Cols+j] }

// Row returns a view of row i.
func (t *Tensor) Row(i int) []float64 { return t.Data[i*t.Cols : (i+1)*t.Cols] }

// Item returns the single value of a 1x1 tensor.
func (t *Tensor) Item() float64 {
	if t.Rows != 1 || t.Cols != 1 {
		panic(fmt.Sprintf("nn: Item on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

// ZeroGrad clears the gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) dense() *mat.Dense { return mat.NewDense(t.Rows, t.Cols, t.Data) }

func (t *Tensor) gradDense() *mat.Dense { return mat.NewDense(t.Rows, t.Cols, t.Grad) }

// Tape records operations for one forward pass.
type Tape struct {
	train bool
	rng   *rand.Rand
	nodes []*Tensor
}

// NewTape returns a tape. In training mode gradients are recorded and
// dropout is active; otherwise the tape is a plain forward evaluator.
func NewTape(train bool, rng *rand.Rand) *Tape {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Tape{train: train, rng: rng}
}

// Training reports whether the tape records gradients.
func (tp *Tape) Training() bool { return tp.train }

// Len returns the number of recorded differentiable nodes.
func (tp *Tape) Len() int { return len(tp.nodes) }

// Backward propagates d(loss)/d(x) into every tensor that requires grad.
// Gradients accumulate; callers zero parameter gradients between steps.
func (tp *Tape) Backward(loss *Tensor) error {
	if loss == nil || loss.Len() != 1 || !loss.requiresGrad {
		return ErrNotScalar
	}
	loss.Grad[0] = 1
	for i := len(tp.nodes) - 1; i >= 0; i-- {
		if n := tp.nodes[i]; n.backward != nil {
			n.backward()
		}
	}
	return nil
}

// result allocates an op output and registers it on the tape when any
// parent needs a gradient.
func (tp *Tape) result(rows, cols int, parents ...*Tensor) *Tensor {
	out := &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	if !tp.train {
		return out
	}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			out.Grad = make([]float64, rows*cols)
			tp.nodes = append(tp.nodes, out)
			break
		}
	}
	return out
}

func mustSameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("nn: %s on %dx%d and %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
