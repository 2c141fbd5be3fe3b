package models

import (
	"fmt"
	"math/rand"

	"github.com/okian/speedcast/internal/domain/dataset"
	"github.com/okian/speedcast/internal/nn"
)

// SequenceModel is a stacked LSTM followed by multi-head attention from the
// last step over the whole window and a two-layer regression head.
type SequenceModel struct {
	cfg    SequenceConfig
	params *nn.ParamSet
	lstm   *nn.LSTM
	attn   *nn.MultiHeadAttention
	fc1    *nn.Linear
	fc2    *nn.Linear
}

// NewSequenceModel validates cfg and initializes weights from cfg.Seed.
func NewSequenceModel(cfg SequenceConfig) (*SequenceModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	ps := nn.NewParamSet()
	dropout := cfg.Dropout
	if cfg.Layers == 1 {
		dropout = 0
	}
	return &SequenceModel{
		cfg:    cfg,
		params: ps,
		lstm:   nn.NewLSTM(ps, "lstm", cfg.InputSize, cfg.Hidden, cfg.Layers, dropout, rng),
		attn:   nn.NewMultiHeadAttention(ps, "attention", cfg.Hidden, cfg.Heads, rng),
		fc1:    nn.NewLinear(ps, "fc1", cfg.Hidden, cfg.Hidden/2, rng),
		fc2:    nn.NewLinear(ps, "fc2", cfg.Hidden/2, cfg.OutputSize, rng),
	}, nil
}

// Config returns the architecture.
func (m *SequenceModel) Config() SequenceConfig { return m.cfg }

// Params returns the model's tensors.
func (m *SequenceModel) Params() *nn.ParamSet { return m.params }

// Forward maps a batch of normalized windows (B x L x InputSize) to B x 1
// normalized speeds.
func (m *SequenceModel) Forward(tp *nn.Tape, batch [][][]float64) (*nn.Tensor, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	length := len(batch[0])
	if length == 0 {
		return nil, fmt.Errorf("%w: empty window", ErrWindowLength)
	}
	steps := make([]*nn.Tensor, length)
	for t := 0; t < length; t++ {
		data := make([]float64, 0, len(batch)*m.cfg.InputSize)
		for b, window := range batch {
			if len(window) != length {
				return nil, fmt.Errorf("%w: window %d has %d steps, want %d", ErrWindowLength, b, len(window), length)
			}
			if len(window[t]) != m.cfg.InputSize {
				return nil, fmt.Errorf("%w: %d features, want %d", ErrInvalidConfig, len(window[t]), m.cfg.InputSize)
			}
			data = append(data, window[t]...)
		}
		steps[t] = nn.New(len(batch), m.cfg.InputSize, data)
	}

	hs := m.lstm.Forward(tp, steps)
	attended := make([]*nn.Tensor, len(batch))
	for b := range batch {
		rows := make([]*nn.Tensor, length)
		for t, h := range hs {
			rows[t] = tp.RowOf(h, b)
		}
		seq := tp.ConcatRows(rows...)
		attended[b] = m.attn.Forward(tp, tp.RowOf(seq, length-1), seq)
	}

	x := tp.Dropout(tp.ConcatRows(attended...), m.cfg.Dropout)
	x = tp.Dropout(tp.ReLU(m.fc1.Forward(tp, x)), m.cfg.Dropout)
	return m.fc2.Forward(tp, x), nil
}

// Loss is the mean squared error of a batch against its normalized targets.
func (m *SequenceModel) Loss(tp *nn.Tape, batch []dataset.Sequence) (*nn.Tensor, error) {
	inputs := make([][][]float64, len(batch))
	targets := make([]float64, len(batch))
	for i, s := range batch {
		inputs[i] = s.Inputs
		targets[i] = s.Target
	}
	pred, err := m.Forward(tp, inputs)
	if err != nil {
		return nil, err
	}
	return tp.MSE(pred, targets), nil
}

// PredictNormalized runs one eval-mode forward pass per window.
func (m *SequenceModel) PredictNormalized(windows [][][]float64) ([]float64, error) {
	out, err := m.Forward(nn.NewTape(false, nil), windows)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}
