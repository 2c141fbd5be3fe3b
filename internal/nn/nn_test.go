package nn_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/okian/speedcast/internal/nn"
	. "github.com/smartystreets/goconvey/convey"
)

// gradCheck compares analytic gradients of loss() against central
// differences for every trainable tensor in ps.
func gradCheck(ps *nn.ParamSet, loss func(tp *nn.Tape) *nn.Tensor) float64 {
	ps.ZeroGrad()
	tp := nn.NewTape(true, rand.New(rand.NewSource(3)))
	So(tp.Backward(loss(tp)), ShouldBeNil)

	const eps = 1e-6
	worst := 0.0
	for _, p := range ps.Trainable() {
		analytic := append([]float64(nil), p.Grad...)
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := loss(nn.NewTape(true, rand.New(rand.NewSource(3)))).Item()
			p.Data[i] = orig - eps
			down := loss(nn.NewTape(true, rand.New(rand.NewSource(3)))).Item()
			p.Data[i] = orig
			numeric := (up - down) / (2 * eps)
			diff := math.Abs(numeric-analytic[i]) / math.Max(1, math.Abs(numeric)+math.Abs(analytic[i]))
			worst = math.Max(worst, diff)
		}
	}
	return worst
}

func randomRows(rng *rand.Rand, rows, cols int) *nn.Tensor {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return nn.New(rows, cols, data)
}

func TestElementaryGradients(t *testing.T) {
	Convey("Elementary ops match finite differences", t, func() {
		rng := rand.New(rand.NewSource(7))
		ps := nn.NewParamSet()
		a := ps.Add("a", nn.Uniform(3, 4, 1, rng))
		b := ps.Add("b", nn.Uniform(4, 2, 1, rng))
		c := ps.Add("c", nn.Uniform(3, 4, 1, rng))
		bias := ps.Add("bias", nn.Uniform(1, 2, 1, rng))
		target := []float64{0.1, -0.2, 0.3, 0.5, -0.4, 0.0, 0.2, 0.7}

		worst := gradCheck(ps, func(tp *nn.Tape) *nn.Tensor {
			x := tp.Add(tp.Mul(a, c), tp.Scale(tp.Tanh(c), 0.5))
			y := tp.AddBias(tp.MatMul(tp.Sigmoid(x), b), bias)
			s := tp.SoftmaxRows(tp.MatMulT(x, c))
			z := tp.ConcatRows(tp.MatMul(s, tp.SliceCols(tp.ReLU(x), 1, 3)), tp.RowOf(y, 2))
			return tp.MSE(tp.ConcatCols(tp.SliceCols(z, 0, 1), tp.SliceCols(z, 1, 2)), target)
		})
		So(worst, ShouldBeLessThan, 1e-5)
	})

	Convey("Evaluation tapes record nothing", t, func() {
		rng := rand.New(rand.NewSource(1))
		w := nn.Uniform(2, 2, 1, rng)
		tp := nn.NewTape(false, nil)
		out := tp.MSE(tp.MatMul(w, w), []float64{0, 0, 0, 0})
		So(tp.Len(), ShouldEqual, 0)
		So(out.RequiresGrad(), ShouldBeFalse)
		So(tp.Backward(out), ShouldEqual, nn.ErrNotScalar)
	})

	Convey("Dropout is the identity outside training and scales survivors inside", t, func() {
		x := nn.New(1, 1000, make([]float64, 1000))
		for i := range x.Data {
			x.Data[i] = 1
		}
		So(nn.NewTape(false, nil).Dropout(x, 0.5), ShouldEqual, x)
		out := nn.NewTape(true, rand.New(rand.NewSource(2))).Dropout(x, 0.5)
		zeros := 0
		for _, v := range out.Data {
			if v == 0 {
				zeros++
			} else {
				So(v, ShouldEqual, 2)
			}
		}
		So(zeros, ShouldBeBetween, 400, 600)
	})
}

func TestLayerGradients(t *testing.T) {
	Convey("LSTM with attention matches finite differences", t, func() {
		rng := rand.New(rand.NewSource(11))
		ps := nn.NewParamSet()
		lstm := nn.NewLSTM(ps, "lstm", 3, 4, 2, 0, rng)
		attn := nn.NewMultiHeadAttention(ps, "attn", 4, 2, rng)
		head := nn.NewLinear(ps, "fc", 4, 1, rng)
		steps := []*nn.Tensor{randomRows(rng, 2, 3), randomRows(rng, 2, 3), randomRows(rng, 2, 3)}

		worst := gradCheck(ps, func(tp *nn.Tape) *nn.Tensor {
			hs := lstm.Forward(tp, steps)
			var rows []*nn.Tensor
			for b := 0; b < 2; b++ {
				var seq []*nn.Tensor
				for _, h := range hs {
					seq = append(seq, tp.RowOf(h, b))
				}
				kv := tp.ConcatRows(seq...)
				rows = append(rows, attn.Forward(tp, tp.RowOf(kv, len(seq)-1), kv))
			}
			return tp.MSE(head.Forward(tp, tp.ConcatRows(rows...)), []float64{0.3, 0.8})
		})
		So(worst, ShouldBeLessThan, 1e-5)
	})

	Convey("GAT with batch norm matches finite differences", t, func() {
		rng := rand.New(rand.NewSource(5))
		ps := nn.NewParamSet()
		gat := nn.NewGATLayer(ps, "gat", 3, 4, 2, rng)
		bn := nn.NewBatchNorm(ps, "bn", 4)
		head := nn.NewLinear(ps, "fc", 4, 1, rng)
		nb := nn.NewNeighborhood(4, []nn.Link{{I: 0, J: 1, Affinity: 0.6}, {I: 1, J: 2, Affinity: 0.2}})
		x := randomRows(rng, 4, 3)

		worst := gradCheck(ps, func(tp *nn.Tape) *nn.Tensor {
			h := tp.ReLU(bn.Forward(tp, gat.Forward(tp, x, nb)))
			return tp.MSE(head.Forward(tp, h), []float64{0.1, 0.5, 0.9, 0.4})
		})
		So(worst, ShouldBeLessThan, 1e-5)
	})

	Convey("An isolated node attends only to itself", t, func() {
		rng := rand.New(rand.NewSource(5))
		ps := nn.NewParamSet()
		gat := nn.NewGATLayer(ps, "gat", 2, 2, 1, rng)
		nb := nn.NewNeighborhood(2, nil)
		x := nn.New(2, 2, []float64{1, 2, 3, 4})
		tp := nn.NewTape(false, nil)
		out := gat.Forward(tp, x, nb)
		w, _ := ps.Get("gat.weight")
		bias, _ := ps.Get("gat.bias")
		want := tp.AddBias(tp.MatMul(x, w), bias)
		for i := range out.Data {
			So(out.Data[i], ShouldAlmostEqual, want.Data[i], 1e-12)
		}
	})

	Convey("Batch norm uses running statistics at evaluation time", t, func() {
		ps := nn.NewParamSet()
		bn := nn.NewBatchNorm(ps, "bn", 1)
		x := nn.New(2, 1, []float64{1, 3})
		train := bn.Forward(nn.NewTape(true, nil), x)
		So(train.Data[0], ShouldAlmostEqual, -1, 1e-4)
		So(train.Data[1], ShouldAlmostEqual, 1, 1e-4)

		mean, _ := ps.Get("bn.running_mean")
		variance, _ := ps.Get("bn.running_var")
		So(mean.Data[0], ShouldAlmostEqual, 0.2, 1e-12)
		So(variance.Data[0], ShouldAlmostEqual, 0.9+0.1*2, 1e-12)

		eval := bn.Forward(nn.NewTape(false, nil), x)
		So(eval.Data[0], ShouldAlmostEqual, (1-0.2)/math.Sqrt(1.1+1e-5), 1e-9)
	})
}

func TestOptimization(t *testing.T) {
	Convey("Adam drives a linear fit toward the target", t, func() {
		rng := rand.New(rand.NewSource(9))
		ps := nn.NewParamSet()
		fc := nn.NewLinear(ps, "fc", 2, 1, rng)
		x := nn.New(4, 2, []float64{0, 0, 0, 1, 1, 0, 1, 1})
		y := []float64{1, 3, 2, 4}
		opt := nn.NewAdam(ps.Trainable(), 0.05)

		var first, last float64
		for step := 0; step < 500; step++ {
			opt.ZeroGrad()
			tp := nn.NewTape(true, nil)
			loss := tp.MSE(fc.Forward(tp, x), y)
			So(tp.Backward(loss), ShouldBeNil)
			opt.Step()
			if step == 0 {
				first = loss.Item()
			}
			last = loss.Item()
		}
		So(last, ShouldBeLessThan, first/100)
	})

	Convey("Gradient clipping bounds the global norm", t, func() {
		p := nn.Param(1, 2, []float64{0, 0})
		p.Grad[0], p.Grad[1] = 3, 4
		norm := nn.ClipGradNorm([]*nn.Tensor{p}, 1)
		So(norm, ShouldEqual, 5)
		So(math.Hypot(p.Grad[0], p.Grad[1]), ShouldAlmostEqual, 1, 1e-6)

		p.Grad[0], p.Grad[1] = 0.3, 0.4
		nn.ClipGradNorm([]*nn.Tensor{p}, 1)
		So(p.Grad[0], ShouldEqual, 0.3)
	})

	Convey("Plateau reduces after more than patience bad epochs", t, func() {
		s := nn.NewPlateau(0.5, 2)
		lr, reduced := s.Step(1.0, 0.001)
		So(reduced, ShouldBeFalse)
		lr, _ = s.Step(1.0, lr)
		lr, _ = s.Step(1.0, lr)
		So(lr, ShouldEqual, 0.001)
		lr, reduced = s.Step(1.0, lr)
		So(reduced, ShouldBeTrue)
		So(lr, ShouldEqual, 0.0005)

		lr, reduced = s.Step(0.5, lr)
		So(reduced, ShouldBeFalse)
		So(lr, ShouldEqual, 0.0005)
	})
}

func TestParamSet(t *testing.T) {
	Convey("State round-trips and rejects foreign shapes", t, func() {
		rng := rand.New(rand.NewSource(1))
		ps := nn.NewParamSet()
		nn.NewLinear(ps, "fc", 3, 2, rng)
		nn.NewBatchNorm(ps, "bn", 2)
		So(ps.Count(), ShouldEqual, 3*2+2+2+2)
		So(ps.Names(), ShouldHaveLength, 6)

		state := ps.State()
		other := nn.NewParamSet()
		nn.NewLinear(other, "fc", 3, 2, rand.New(rand.NewSource(2)))
		nn.NewBatchNorm(other, "bn", 2)
		So(other.Load(state), ShouldBeNil)
		So(other.State(), ShouldResemble, state)

		wrong := nn.NewParamSet()
		nn.NewLinear(wrong, "fc", 4, 2, rng)
		nn.NewBatchNorm(wrong, "bn", 2)
		So(wrong.Load(state), ShouldWrap, nn.ErrShapeMismatch)

		missing := nn.NewParamSet()
		nn.NewLinear(missing, "other", 3, 2, rng)
		So(missing.Load(state), ShouldWrap, nn.ErrMissingParam)
	})
}
