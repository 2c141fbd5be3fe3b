package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MatMul returns a·b.
func (tp *Tape) MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("nn: MatMul %dx%d by %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := tp.result(a.Rows, b.Cols, a, b)
	out.dense().Mul(a.dense(), b.dense())
	if out.requiresGrad {
		out.backward = func() {
			g := mat.NewDense(out.Rows, out.Cols, out.Grad)
			if a.requiresGrad {
				var tmp mat.Dense
				tmp.Mul(g, b.dense().T())
				ga := a.gradDense()
				ga.Add(ga, &tmp)
			}
			if b.requiresGrad {
				var tmp mat.Dense
				tmp.Mul(a.dense().T(), g)
				gb := b.gradDense()
				gb.Add(gb, &tmp)
			}
		}
	}
	return out
}

// MatMulT returns a·bᵀ.
func (tp *Tape) MatMulT(a, b *Tensor) *Tensor {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("nn: MatMulT %dx%d by (%dx%d)ᵀ", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := tp.result(a.Rows, b.Rows, a, b)
	out.dense().Mul(a.dense(), b.dense().T())
	if out.requiresGrad {
		out.backward = func() {
			g := mat.NewDense(out.Rows, out.Cols, out.Grad)
			if a.requiresGrad {
				var tmp mat.Dense
				tmp.Mul(g, b.dense())
				ga := a.gradDense()
				ga.Add(ga, &tmp)
			}
			if b.requiresGrad {
				var tmp mat.Dense
				tmp.Mul(g.T(), a.dense())
				gb := b.gradDense()
				gb.Add(gb, &tmp)
			}
		}
	}
	return out
}

// Add returns a+b elementwise.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	mustSameShape("Add", a, b)
	out := tp.result(a.Rows, a.Cols, a, b)
	floats.AddTo(out.Data, a.Data, b.Data)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				floats.Add(a.Grad, out.Grad)
			}
			if b.requiresGrad {
				floats.Add(b.Grad, out.Grad)
			}
		}
	}
	return out
}

// AddBias adds the 1 x Cols row b to every row of a.
func (tp *Tape) AddBias(a, b *Tensor) *Tensor {
	if b.Rows != 1 || b.Cols != a.Cols {
		panic(fmt.Sprintf("nn: AddBias %dx%d with %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := tp.result(a.Rows, a.Cols, a, b)
	for i := 0; i < a.Rows; i++ {
		floats.AddTo(out.Row(i), a.Row(i), b.Data)
	}
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				floats.Add(a.Grad, out.Grad)
			}
			if b.requiresGrad {
				for i := 0; i < out.Rows; i++ {
					floats.Add(b.Grad, out.Grad[i*out.Cols:(i+1)*out.Cols])
				}
			}
		}
	}
	return out
}

// Mul returns a*b elementwise.
func (tp *Tape) Mul(a, b *Tensor) *Tensor {
	mustSameShape("Mul", a, b)
	out := tp.result(a.Rows, a.Cols, a, b)
	floats.MulTo(out.Data, a.Data, b.Data)
	if out.requiresGrad {
		out.backward = func() {
			for i, g := range out.Grad {
				if a.requiresGrad {
					a.Grad[i] += g * b.Data[i]
				}
				if b.requiresGrad {
					b.Grad[i] += g * a.Data[i]
				}
			}
		}
	}
	return out
}

// Scale returns s*a.
func (tp *Tape) Scale(a *Tensor, s float64) *Tensor {
	out := tp.result(a.Rows, a.Cols, a)
	floats.ScaleTo(out.Data, s, a.Data)
	if out.requiresGrad {
		out.backward = func() { floats.AddScaled(a.Grad, s, out.Grad) }
	}
	return out
}

// unary applies f elementwise; df receives the input and the output.
func (tp *Tape) unary(a *Tensor, f func(float64) float64, df func(x, y float64) float64) *Tensor {
	out := tp.result(a.Rows, a.Cols, a)
	for i, x := range a.Data {
		out.Data[i] = f(x)
	}
	if out.requiresGrad {
		out.backward = func() {
			for i, g := range out.Grad {
				a.Grad[i] += g * df(a.Data[i], out.Data[i])
			}
		}
	}
	return out
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Sigmoid applies the logistic function.
func (tp *Tape) Sigmoid(a *Tensor) *Tensor {
	return tp.unary(a, sigmoid, func(_, y float64) float64 { return y * (1 - y) })
}

// Tanh applies the hyperbolic tangent.
func (tp *Tape) Tanh(a *Tensor) *Tensor {
	return tp.unary(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// ReLU applies max(0, x).
func (tp *Tape) ReLU(a *Tensor) *Tensor {
	return tp.unary(a,
		func(x float64) float64 { return math.Max(0, x) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// SliceCols returns columns [from, to) of a.
func (tp *Tape) SliceCols(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Cols || from >= to {
		panic(fmt.Sprintf("nn: SliceCols [%d,%d) of %d columns", from, to, a.Cols))
	}
	w := to - from
	out := tp.result(a.Rows, w, a)
	for i := 0; i < a.Rows; i++ {
		copy(out.Row(i), a.Row(i)[from:to])
	}
	if out.requiresGrad {
		out.backward = func() {
			for i := 0; i < a.Rows; i++ {
				floats.Add(a.Grad[i*a.Cols+from:i*a.Cols+to], out.Grad[i*w:(i+1)*w])
			}
		}
	}
	return out
}

// ConcatCols joins tensors with equal row counts side by side.
func (tp *Tape) ConcatCols(xs ...*Tensor) *Tensor {
	rows, cols := xs[0].Rows, 0
	for _, x := range xs {
		if x.Rows != rows {
			panic(fmt.Sprintf("nn: ConcatCols rows %d and %d", rows, x.Rows))
		}
		cols += x.Cols
	}
	out := tp.result(rows, cols, xs...)
	off := 0
	for _, x := range xs {
		for i := 0; i < rows; i++ {
			copy(out.Data[i*cols+off:i*cols+off+x.Cols], x.Row(i))
		}
		off += x.Cols
	}
	if out.requiresGrad {
		out.backward = func() {
			off := 0
			for _, x := range xs {
				if x.requiresGrad {
					for i := 0; i < rows; i++ {
						floats.Add(x.Grad[i*x.Cols:(i+1)*x.Cols], out.Grad[i*cols+off:i*cols+off+x.Cols])
					}
				}
				off += x.Cols
			}
		}
	}
	return out
}

// ConcatRows stacks tensors with equal column counts.
func (tp *Tape) ConcatRows(xs ...*Tensor) *Tensor {
	rows, cols := 0, xs[0].Cols
	for _, x := range xs {
		if x.Cols != cols {
			panic(fmt.Sprintf("nn: ConcatRows cols %d and %d", cols, x.Cols))
		}
		rows += x.Rows
	}
	out := tp.result(rows, cols, xs...)
	off := 0
	for _, x := range xs {
		copy(out.Data[off:], x.Data)
		off += len(x.Data)
	}
	if out.requiresGrad {
		out.backward = func() {
			off := 0
			for _, x := range xs {
				if x.requiresGrad {
					floats.Add(x.Grad, out.Grad[off:off+len(x.Data)])
				}
				off += len(x.Data)
			}
		}
	}
	return out
}

// RowOf returns row i of a as a 1 x Cols tensor.
func (tp *Tape) RowOf(a *Tensor, i int) *Tensor {
	out := tp.result(1, a.Cols, a)
	copy(out.Data, a.Row(i))
	if out.requiresGrad {
		out.backward = func() { floats.Add(a.Grad[i*a.Cols:(i+1)*a.Cols], out.Grad) }
	}
	return out
}

// SoftmaxRows normalizes each row into a probability distribution.
func (tp *Tape) SoftmaxRows(a *Tensor) *Tensor {
	out := tp.result(a.Rows, a.Cols, a)
	for i := 0; i < a.Rows; i++ {
		softmaxInto(out.Row(i), a.Row(i))
	}
	if out.requiresGrad {
		out.backward = func() {
			for i := 0; i < a.Rows; i++ {
				y := out.Row(i)
				g := out.Grad[i*out.Cols : (i+1)*out.Cols]
				dot := floats.Dot(g, y)
				ga := a.Grad[i*a.Cols : (i+1)*a.Cols]
				for j := range y {
					ga[j] += y[j] * (g[j] - dot)
				}
			}
		}
	}
	return out
}

func softmaxInto(dst, src []float64) {
	m := floats.Max(src)
	sum := 0.0
	for j, x := range src {
		dst[j] = math.Exp(x - m)
		sum += dst[j]
	}
	floats.Scale(1/sum, dst)
}

// Dropout zeroes each element with probability p during training and
// rescales survivors by 1/(1-p). Outside training it is the identity.
func (tp *Tape) Dropout(a *Tensor, p float64) *Tensor {
	if !tp.train || p <= 0 {
		return a
	}
	keep := 1 - p
	mask := make([]float64, len(a.Data))
	for i := range mask {
		if tp.rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	out := tp.result(a.Rows, a.Cols, a)
	floats.MulTo(out.Data, a.Data, mask)
	if out.requiresGrad {
		out.backward = func() {
			for i, g := range out.Grad {
				a.Grad[i] += g * mask[i]
			}
		}
	}
	return out
}

// MSE returns the mean squared error between pred and target as a 1x1
// tensor.
func (tp *Tape) MSE(pred *Tensor, target []float64) *Tensor {
	if len(target) != len(pred.Data) {
		panic(fmt.Sprintf("nn: MSE over %d predictions and %d targets", len(pred.Data), len(target)))
	}
	n := float64(len(target))
	out := tp.result(1, 1, pred)
	for i, p := range pred.Data {
		d := p - target[i]
		out.Data[0] += d * d
	}
	out.Data[0] /= n
	if out.requiresGrad {
		out.backward = func() {
			g := out.Grad[0]
			for i, p := range pred.Data {
				pred.Grad[i] += g * 2 * (p - target[i]) / n
			}
		}
	}
	return out
}
