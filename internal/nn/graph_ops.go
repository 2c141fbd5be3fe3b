package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Neighborhood lists, for every node, the nodes it attends to (itself
// included) and the affinity of each link in [0, 1].
type Neighborhood struct {
	Nbrs     [][]int
	Affinity [][]float64
}

// Link is an undirected weighted edge between nodes I and J.
type Link struct {
	I, J     int
	Affinity float64
}

// NewNeighborhood builds a neighborhood of n nodes with a self loop of
// affinity 1 on every node and both directions of every link.
func NewNeighborhood(n int, links []Link) *Neighborhood {
	nb := &Neighborhood{Nbrs: make([][]int, n), Affinity: make([][]float64, n)}
	for i := 0; i < n; i++ {
		nb.Nbrs[i] = append(nb.Nbrs[i], i)
		nb.Affinity[i] = append(nb.Affinity[i], 1)
	}
	for _, l := range links {
		if l.I == l.J {
			continue
		}
		nb.Nbrs[l.I] = append(nb.Nbrs[l.I], l.J)
		nb.Affinity[l.I] = append(nb.Affinity[l.I], l.Affinity)
		nb.Nbrs[l.J] = append(nb.Nbrs[l.J], l.I)
		nb.Affinity[l.J] = append(nb.Affinity[l.J], l.Affinity)
	}
	return nb
}

// Len returns the number of nodes.
func (nb *Neighborhood) Len() int { return len(nb.Nbrs) }

// EdgeAttention aggregates node features h (N x F) with attention weights
//
//	α_ij = softmax_j(leaky(dst_i + src_j + coef·affinity_ij))
//
// over the neighborhood of i. src and dst are N x 1 scores, coef is 1x1.
func (tp *Tape) EdgeAttention(h, src, dst, coef *Tensor, nb *Neighborhood, slope float64) *Tensor {
	n, f := h.Rows, h.Cols
	if nb.Len() != n || src.Rows != n || dst.Rows != n || src.Cols != 1 || dst.Cols != 1 || coef.Len() != 1 {
		panic(fmt.Sprintf("nn: EdgeAttention over %d nodes with %d-node neighborhood", n, nb.Len()))
	}
	out := tp.result(n, f, h, src, dst, coef)
	alpha := make([][]float64, n)
	pre := make([][]float64, n)
	for i := 0; i < n; i++ {
		nbrs := nb.Nbrs[i]
		z := make([]float64, len(nbrs))
		e := make([]float64, len(nbrs))
		for k, j := range nbrs {
			z[k] = dst.Data[i] + src.Data[j] + coef.Data[0]*nb.Affinity[i][k]
			e[k] = leaky(z[k], slope)
		}
		softmaxInto(e, e)
		alpha[i], pre[i] = e, z
		row := out.Row(i)
		for k, j := range nbrs {
			floats.AddScaled(row, e[k], h.Row(j))
		}
	}
	if out.requiresGrad {
		out.backward = func() {
			for i := 0; i < n; i++ {
				g := out.Grad[i*f : (i+1)*f]
				nbrs, a := nb.Nbrs[i], alpha[i]
				dA := make([]float64, len(nbrs))
				dot := 0.0
				for k, j := range nbrs {
					dA[k] = floats.Dot(g, h.Row(j))
					dot += a[k] * dA[k]
					if h.requiresGrad {
						floats.AddScaled(h.Grad[j*f:(j+1)*f], a[k], g)
					}
				}
				for k, j := range nbrs {
					dz := a[k] * (dA[k] - dot)
					if pre[i][k] < 0 {
						dz *= slope
					}
					if dst.requiresGrad {
						dst.Grad[i] += dz
					}
					if src.requiresGrad {
						src.Grad[j] += dz
					}
					if coef.requiresGrad {
						coef.Grad[0] += dz * nb.Affinity[i][k]
					}
				}
			}
		}
	}
	return out
}

func leaky(x, slope float64) float64 {
	if x < 0 {
		return slope * x
	}
	return x
}

// batchNorm normalizes each column of x with the given statistics. When
// fromBatch is set the statistics are treated as functions of x.
func (tp *Tape) batchNorm(x, gamma, beta *Tensor, mean, variance []float64, eps float64, fromBatch bool) *Tensor {
	n, f := x.Rows, x.Cols
	out := tp.result(n, f, x, gamma, beta)
	invStd := make([]float64, f)
	for j := range invStd {
		invStd[j] = 1 / math.Sqrt(variance[j]+eps)
	}
	xhat := make([]float64, n*f)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			xh := (x.Data[i*f+j] - mean[j]) * invStd[j]
			xhat[i*f+j] = xh
			out.Data[i*f+j] = gamma.Data[j]*xh + beta.Data[j]
		}
	}
	if out.requiresGrad {
		out.backward = func() {
			sumD := make([]float64, f)
			sumDX := make([]float64, f)
			for i := 0; i < n; i++ {
				for j := 0; j < f; j++ {
					g := out.Grad[i*f+j]
					if beta.requiresGrad {
						beta.Grad[j] += g
					}
					if gamma.requiresGrad {
						gamma.Grad[j] += g * xhat[i*f+j]
					}
					d := g * gamma.Data[j]
					sumD[j] += d
					sumDX[j] += d * xhat[i*f+j]
				}
			}
			if !x.requiresGrad {
				return
			}
			nf := float64(n)
			for i := 0; i < n; i++ {
				for j := 0; j < f; j++ {
					d := out.Grad[i*f+j] * gamma.Data[j]
					if fromBatch {
						x.Grad[i*f+j] += invStd[j] / nf * (nf*d - sumD[j] - xhat[i*f+j]*sumDX[j])
					} else {
						x.Grad[i*f+j] += d * invStd[j]
					}
				}
			}
		}
	}
	return out
}
