package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Linear is y = xW + b.
type Linear struct {
	W, B *Tensor
}

// NewLinear registers a dense layer under prefix with weights drawn from
// U(-1/√in, 1/√in).
func NewLinear(ps *ParamSet, prefix string, in, out int, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	return &Linear{
		W: ps.Add(prefix+".weight", Uniform(in, out, bound, rng)),
		B: ps.Add(prefix+".bias", Uniform(1, out, bound, rng)),
	}
}

// Forward applies the layer to every row of x.
func (l *Linear) Forward(tp *Tape, x *Tensor) *Tensor {
	return tp.AddBias(tp.MatMul(x, l.W), l.B)
}

type lstmLayer struct {
	wx, wh, b *Tensor
}

// LSTM is a stacked unidirectional LSTM with gate order input, forget,
// cell, output.
type LSTM struct {
	Hidden  int
	Dropout float64
	layers  []lstmLayer
}

// NewLSTM registers a stack of layers under prefix.
func NewLSTM(ps *ParamSet, prefix string, in, hidden, layers int, dropout float64, rng *rand.Rand) *LSTM {
	l := &LSTM{Hidden: hidden, Dropout: dropout}
	bound := 1 / math.Sqrt(float64(hidden))
	for k := 0; k < layers; k++ {
		width := in
		if k > 0 {
			width = hidden
		}
		p := fmt.Sprintf("%s.l%d", prefix, k)
		l.layers = append(l.layers, lstmLayer{
			wx: ps.Add(p+".wx", Uniform(width, 4*hidden, bound, rng)),
			wh: ps.Add(p+".wh", Uniform(hidden, 4*hidden, bound, rng)),
			b:  ps.Add(p+".bias", Uniform(1, 4*hidden, bound, rng)),
		})
	}
	return l
}

// Forward runs steps (each B x in) through the stack and returns the top
// layer's hidden state at every step (each B x Hidden). Dropout applies
// between layers, not after the last.
func (l *LSTM) Forward(tp *Tape, steps []*Tensor) []*Tensor {
	h := l.Hidden
	inputs := steps
	for k, layer := range l.layers {
		batch := inputs[0].Rows
		hPrev, cPrev := Zeros(batch, h), Zeros(batch, h)
		outs := make([]*Tensor, len(inputs))
		for t, x := range inputs {
			z := tp.AddBias(tp.Add(tp.MatMul(x, layer.wx), tp.MatMul(hPrev, layer.wh)), layer.b)
			ig := tp.Sigmoid(tp.SliceCols(z, 0, h))
			fg := tp.Sigmoid(tp.SliceCols(z, h, 2*h))
			gg := tp.Tanh(tp.SliceCols(z, 2*h, 3*h))
			og := tp.Sigmoid(tp.SliceCols(z, 3*h, 4*h))
			cPrev = tp.Add(tp.Mul(fg, cPrev), tp.Mul(ig, gg))
			hPrev = tp.Mul(og, tp.Tanh(cPrev))
			outs[t] = hPrev
		}
		if k < len(l.layers)-1 {
			for t := range outs {
				outs[t] = tp.Dropout(outs[t], l.Dropout)
			}
		}
		inputs = outs
	}
	return inputs
}

// MultiHeadAttention is scaled dot-product attention with Heads parallel
// heads over Dim/Heads-wide projections.
type MultiHeadAttention struct {
	Dim, Heads    int
	q, k, v, proj *Linear
}

// NewMultiHeadAttention registers projections under prefix. dim must be a
// multiple of heads.
func NewMultiHeadAttention(ps *ParamSet, prefix string, dim, heads int, rng *rand.Rand) *MultiHeadAttention {
	if heads < 1 || dim%heads != 0 {
		panic(fmt.Sprintf("nn: %d heads do not divide dimension %d", heads, dim))
	}
	return &MultiHeadAttention{
		Dim:   dim,
		Heads: heads,
		q:     NewLinear(ps, prefix+".q", dim, dim, rng),
		k:     NewLinear(ps, prefix+".k", dim, dim, rng),
		v:     NewLinear(ps, prefix+".v", dim, dim, rng),
		proj:  NewLinear(ps, prefix+".out", dim, dim, rng),
	}
}

// Forward attends from each row of query over the rows of kv.
func (m *MultiHeadAttention) Forward(tp *Tape, query, kv *Tensor) *Tensor {
	q := m.q.Forward(tp, query)
	k := m.k.Forward(tp, kv)
	v := m.v.Forward(tp, kv)
	dh := m.Dim / m.Heads
	scale := 1 / math.Sqrt(float64(dh))
	heads := make([]*Tensor, m.Heads)
	for h := 0; h < m.Heads; h++ {
		lo, hi := h*dh, (h+1)*dh
		scores := tp.Scale(tp.MatMulT(tp.SliceCols(q, lo, hi), tp.SliceCols(k, lo, hi)), scale)
		weights := tp.SoftmaxRows(scores)
		heads[h] = tp.MatMul(weights, tp.SliceCols(v, lo, hi))
	}
	return m.proj.Forward(tp, tp.ConcatCols(heads...))
}

// GATLayer is a multi-head graph attention layer whose attention logits
// also see the edge affinity. Head outputs are concatenated to Out columns.
type GATLayer struct {
	In, Out, Heads int
	Slope          float64
	w              *Tensor
	src, dst       []*Tensor
	edge           *Tensor
	bias           *Tensor
}

// NewGATLayer registers a layer under prefix. out must be a multiple of
// heads.
func NewGATLayer(ps *ParamSet, prefix string, in, out, heads int, rng *rand.Rand) *GATLayer {
	if heads < 1 || out%heads != 0 {
		panic(fmt.Sprintf("nn: %d heads do not divide width %d", heads, out))
	}
	dh := out / heads
	g := &GATLayer{
		In: in, Out: out, Heads: heads, Slope: 0.2,
		w:    ps.Add(prefix+".weight", Uniform(in, out, math.Sqrt(6/float64(in+out)), rng)),
		edge: ps.Add(prefix+".edge", Uniform(1, heads, 1/math.Sqrt(float64(heads)), rng)),
		bias: ps.Add(prefix+".bias", Filled(1, out, 0)),
	}
	ab := math.Sqrt(6 / float64(dh+1))
	for h := 0; h < heads; h++ {
		g.src = append(g.src, ps.Add(fmt.Sprintf("%s.att_src%d", prefix, h), Uniform(dh, 1, ab, rng)))
		g.dst = append(g.dst, ps.Add(fmt.Sprintf("%s.att_dst%d", prefix, h), Uniform(dh, 1, ab, rng)))
	}
	return g
}

// Forward aggregates x (N x In) over nb and returns N x Out.
func (g *GATLayer) Forward(tp *Tape, x *Tensor, nb *Neighborhood) *Tensor {
	wh := tp.MatMul(x, g.w)
	dh := g.Out / g.Heads
	heads := make([]*Tensor, g.Heads)
	for h := 0; h < g.Heads; h++ {
		part := tp.SliceCols(wh, h*dh, (h+1)*dh)
		src := tp.MatMul(part, g.src[h])
		dst := tp.MatMul(part, g.dst[h])
		heads[h] = tp.EdgeAttention(part, src, dst, tp.SliceCols(g.edge, h, h+1), nb, g.Slope)
	}
	return tp.AddBias(tp.ConcatCols(heads...), g.bias)
}

// BatchNorm normalizes columns with batch statistics in training and
// running statistics otherwise.
type BatchNorm struct {
	Momentum, Eps float64
	gamma, beta   *Tensor
	runMean       *Tensor
	runVar        *Tensor
}

// NewBatchNorm registers scale, shift and running statistics under prefix.
func NewBatchNorm(ps *ParamSet, prefix string, features int) *BatchNorm {
	ones := make([]float64, features)
	for i := range ones {
		ones[i] = 1
	}
	return &BatchNorm{
		Momentum: 0.1,
		Eps:      1e-5,
		gamma:    ps.Add(prefix+".weight", Filled(1, features, 1)),
		beta:     ps.Add(prefix+".bias", Filled(1, features, 0)),
		runMean:  ps.AddBuffer(prefix+".running_mean", Zeros(1, features)),
		runVar:   ps.AddBuffer(prefix+".running_var", New(1, features, ones)),
	}
}

// Forward normalizes x. Training mode updates the running statistics with
// the unbiased batch variance.
func (b *BatchNorm) Forward(tp *Tape, x *Tensor) *Tensor {
	if !tp.Training() {
		return tp.batchNorm(x, b.gamma, b.beta, b.runMean.Data, b.runVar.Data, b.Eps, false)
	}
	n, f := x.Rows, x.Cols
	mean := make([]float64, f)
	variance := make([]float64, f)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			mean[j] += x.Data[i*f+j]
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			d := x.Data[i*f+j] - mean[j]
			variance[j] += d * d
		}
	}
	for j := range variance {
		variance[j] /= float64(n)
	}
	unbias := 1.0
	if n > 1 {
		unbias = float64(n) / float64(n-1)
	}
	for j := 0; j < f; j++ {
		b.runMean.Data[j] = (1-b.Momentum)*b.runMean.Data[j] + b.Momentum*mean[j]
		b.runVar.Data[j] = (1-b.Momentum)*b.runVar.Data[j] + b.Momentum*variance[j]*unbias
	}
	return tp.batchNorm(x, b.gamma, b.beta, mean, variance, b.Eps, true)
}
