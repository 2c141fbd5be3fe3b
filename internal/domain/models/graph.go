package models

import (
	"fmt"
	"math/rand"

	"github.com/okian/speedcast/internal/domain/dataset"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/nn"
)

// GraphModel stacks graph attention layers, attends across nodes and
// regresses one speed per node.
type GraphModel struct {
	cfg    GraphConfig
	params *nn.ParamSet
	nb     *nn.Neighborhood
	gats   []*nn.GATLayer
	norms  []*nn.BatchNorm
	attn   *nn.MultiHeadAttention
	head   [3]*nn.Linear
}

// NewGraphModel validates cfg and builds a model over adj's nodes.
func NewGraphModel(cfg GraphConfig, adj *features.Adjacency) (*GraphModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if adj == nil || adj.Len() == 0 {
		return nil, fmt.Errorf("%w: empty adjacency", ErrInvalidConfig)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	ps := nn.NewParamSet()
	m := &GraphModel{cfg: cfg, params: ps, nb: Neighborhood(adj)}
	in := cfg.InputSize
	for l := 0; l < cfg.Layers; l++ {
		m.gats = append(m.gats, nn.NewGATLayer(ps, fmt.Sprintf("gat%d", l), in, cfg.Hidden, cfg.Heads, rng))
		m.norms = append(m.norms, nn.NewBatchNorm(ps, fmt.Sprintf("bn%d", l), cfg.Hidden))
		in = cfg.Hidden
	}
	m.attn = nn.NewMultiHeadAttention(ps, "attention", cfg.Hidden, cfg.Heads, rng)
	m.head[0] = nn.NewLinear(ps, "head0", cfg.Hidden, cfg.Hidden/2, rng)
	m.head[1] = nn.NewLinear(ps, "head1", cfg.Hidden/2, cfg.Hidden/4, rng)
	m.head[2] = nn.NewLinear(ps, "head2", cfg.Hidden/4, 1, rng)
	return m, nil
}

// Neighborhood converts adjacency edges into attention links weighted by
// 1 - distance/threshold.
func Neighborhood(adj *features.Adjacency) *nn.Neighborhood {
	links := make([]nn.Link, 0, len(adj.Edges))
	for _, e := range adj.Edges {
		w := 1.0
		if adj.Threshold > 0 {
			w = max(0, 1-e.Distance/adj.Threshold)
		}
		links = append(links, nn.Link{I: e.I, J: e.J, Affinity: w})
	}
	return nn.NewNeighborhood(adj.Len(), links)
}

// Config returns the architecture.
func (m *GraphModel) Config() GraphConfig { return m.cfg }

// Params returns the model's tensors.
func (m *GraphModel) Params() *nn.ParamSet { return m.params }

// Nodes returns the number of graph nodes the model was built for.
func (m *GraphModel) Nodes() int { return m.nb.Len() }

// Forward maps normalized node features (N x InputSize) to N x 1
// normalized speeds.
func (m *GraphModel) Forward(tp *nn.Tape, nodes [][]float64) (*nn.Tensor, error) {
	if len(nodes) != m.nb.Len() {
		return nil, fmt.Errorf("%w: snapshot has %d nodes, model has %d", ErrInvalidConfig, len(nodes), m.nb.Len())
	}
	for _, n := range nodes {
		if len(n) != m.cfg.InputSize {
			return nil, fmt.Errorf("%w: %d node features, want %d", ErrInvalidConfig, len(n), m.cfg.InputSize)
		}
	}
	x := nn.FromRows(nodes)
	for l, gat := range m.gats {
		x = gat.Forward(tp, x, m.nb)
		if x.Rows > 1 {
			x = m.norms[l].Forward(tp, x)
		}
		x = tp.Dropout(tp.ReLU(x), m.cfg.Dropout)
	}
	x = m.attn.Forward(tp, x, x)
	x = tp.Dropout(tp.ReLU(m.head[0].Forward(tp, x)), m.cfg.Dropout)
	x = tp.Dropout(tp.ReLU(m.head[1].Forward(tp, x)), m.cfg.Dropout)
	return m.head[2].Forward(tp, x), nil
}

// Loss is the node-averaged squared error over every snapshot in batch.
func (m *GraphModel) Loss(tp *nn.Tape, batch []dataset.Snapshot) (*nn.Tensor, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	preds := make([]*nn.Tensor, 0, len(batch))
	var targets []float64
	for _, s := range batch {
		p, err := m.Forward(tp, s.Nodes)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
		targets = append(targets, s.Targets...)
	}
	return tp.MSE(tp.ConcatRows(preds...), targets), nil
}

// PredictNormalized runs one eval-mode forward pass.
func (m *GraphModel) PredictNormalized(nodes [][]float64) ([]float64, error) {
	out, err := m.Forward(nn.NewTape(false, nil), nodes)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}
