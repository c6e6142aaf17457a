package stablelm

import (
	"github.com/headlands-org/go-stablelm/internal/nn"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// FeedForward is a gated MLP block, fused or not.
type FeedForward interface {
	Module
	Forward(x *tensor.Tensor) *tensor.Tensor
}

type MLP struct {
	Gate, Up, Down *nn.Linear
	Act            nn.Activation
}

func (*MLP) Kind() string { return "mlp" }

// Forward computes down(act(gate(x)) * up(x)).
func (m *MLP) Forward(x *tensor.Tensor) *tensor.Tensor {
	return m.Down.Forward(tensor.Mul(m.Act.Forward(m.Gate.Forward(x)), m.Up.Forward(x)))
}

// FusedMLP holds the gate and up projections stacked as one linear layer,
// gate rows first.
type FusedMLP struct {
	GateUp, Down *nn.Linear
	Act          nn.Activation
}

func (*FusedMLP) Kind() string { return "fused_mlp" }

func (m *FusedMLP) Forward(x *tensor.Tensor) *tensor.Tensor {
	parts := m.GateUp.Forward(x).Chunk(-1, 2)
	gate, up := parts[0], parts[1]
	return m.Down.Forward(tensor.Mul(m.Act.Forward(gate), up))
}
