package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	LR, Beta1, Beta2, Eps float64

	params []*Tensor
	m, v   [][]float64
	step   int
}

// NewAdam returns an optimizer over params with the usual betas.
func NewAdam(params []*Tensor, lr float64) *Adam {
	a := &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, params: params}
	for _, p := range params {
		a.m = append(a.m, make([]float64, p.Len()))
		a.v = append(a.v, make([]float64, p.Len()))
	}
	return a
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for k, p := range a.params {
		m, v := a.m[k], a.v[k]
		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			p.Data[i] -= a.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Eps)
		}
	}
}

// ZeroGrad clears the gradients of every optimized tensor.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		total += floats.Dot(p.Grad, p.Grad)
	}
	total = math.Sqrt(total)
	if total > maxNorm {
		s := maxNorm / (total + 1e-6)
		for _, p := range params {
			floats.Scale(s, p.Grad)
		}
	}
	return total
}

// Plateau halves (by Factor) the learning rate after more than Patience
// epochs without a relative improvement of Threshold in the monitored loss.
type Plateau struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	best float64
	bad  int
}

// NewPlateau returns a scheduler in min mode.
func NewPlateau(factor float64, patience int) *Plateau {
	return &Plateau{Factor: factor, Patience: patience, Threshold: 1e-4, best: math.Inf(1)}
}

// Step records metric and returns the learning rate to use next.
func (p *Plateau) Step(metric, lr float64) (float64, bool) {
	if metric < p.best*(1-p.Threshold) {
		p.best = metric
		p.bad = 0
		return lr, false
	}
	p.bad++
	if p.bad <= p.Patience {
		return lr, false
	}
	p.bad = 0
	next := math.Max(lr*p.Factor, p.MinLR)
	return next, next < lr
}
