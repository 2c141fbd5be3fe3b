package nn

import (
	"fmt"
	"sort"
)

// TensorState is the serialized form of one named tensor.
type TensorState struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// ParamSet is an ordered registry of named model tensors. Buffers are
// persisted with the weights but never trained.
type ParamSet struct {
	names     []string
	tensors   map[string]*Tensor
	trainable []*Tensor
}

// NewParamSet returns an empty set.
func NewParamSet() *ParamSet {
	return &ParamSet{tensors: make(map[string]*Tensor)}
}

// Add registers a trainable tensor under name.
func (ps *ParamSet) Add(name string, t *Tensor) *Tensor {
	ps.register(name, t)
	ps.trainable = append(ps.trainable, t)
	return t
}

// AddBuffer registers a persisted, non-trainable tensor under name.
func (ps *ParamSet) AddBuffer(name string, t *Tensor) *Tensor {
	ps.register(name, t)
	return t
}

func (ps *ParamSet) register(name string, t *Tensor) {
	if _, dup := ps.tensors[name]; dup {
		panic(fmt.Sprintf("nn: parameter %q registered twice", name))
	}
	ps.names = append(ps.names, name)
	ps.tensors[name] = t
}

// Trainable returns trainable tensors in registration order.
func (ps *ParamSet) Trainable() []*Tensor { return ps.trainable }

// Get returns the tensor registered under name.
func (ps *ParamSet) Get(name string) (*Tensor, bool) {
	t, ok := ps.tensors[name]
	return t, ok
}

// Names returns every registered name in registration order.
func (ps *ParamSet) Names() []string { return append([]string(nil), ps.names...) }

// Count returns the number of trainable scalars.
func (ps *ParamSet) Count() int {
	n := 0
	for _, t := range ps.trainable {
		n += t.Len()
	}
	return n
}

// ZeroGrad clears every trainable gradient.
func (ps *ParamSet) ZeroGrad() {
	for _, t := range ps.trainable {
		t.ZeroGrad()
	}
}

// State copies every tensor, buffers included.
func (ps *ParamSet) State() map[string]TensorState {
	out := make(map[string]TensorState, len(ps.names))
	for _, name := range ps.names {
		t := ps.tensors[name]
		out[name] = TensorState{Rows: t.Rows, Cols: t.Cols, Data: append([]float64(nil), t.Data...)}
	}
	return out
}

// Load copies state into the registered tensors. Every registered name must
// be present with a matching shape; unknown names are rejected too.
func (ps *ParamSet) Load(state map[string]TensorState) error {
	for _, name := range ps.names {
		s, ok := state[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
		t := ps.tensors[name]
		if s.Rows != t.Rows || s.Cols != t.Cols || len(s.Data) != t.Len() {
			return fmt.Errorf("%w: %s is %dx%d, checkpoint has %dx%d (%d values)",
				ErrShapeMismatch, name, t.Rows, t.Cols, s.Rows, s.Cols, len(s.Data))
		}
	}
	if len(state) != len(ps.names) {
		var extra []string
		for name := range state {
			if _, ok := ps.tensors[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		return fmt.Errorf("%w: unexpected parameters %v", ErrShapeMismatch, extra)
	}
	for _, name := range ps.names {
		copy(ps.tensors[name].Data, state[name].Data)
	}
	return nil
}
