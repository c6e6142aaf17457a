package stablelm

import (
	"fmt"

	"github.com/headlands-org/go-stablelm/internal/nn"
)

// FuseResult says whether a fusion call rewrote its module.
type FuseResult int

const (
	NotApplicable FuseResult = iota
	Fused
)

func (r FuseResult) String() string {
	switch r {
	case Fused:
		return "fused"
	case NotApplicable:
		return "not_applicable"
	}
	return fmt.Sprintf("FuseResult(%d)", int(r))
}

// FuseQKV replaces the query, key and value projections of an *Attention
// with one projection stacked in that order along the output axis. The
// result is a new *FusedAttention sharing the remaining parameters; m is
// not modified. Biases are merged only when the query projection has one.
// Any other module is returned unchanged with NotApplicable.
func FuseQKV(m Module) (Module, FuseResult) {
	a, ok := m.(*Attention)
	if !ok {
		return m, NotApplicable
	}

	qkv := nn.MergeLinear(a.Q, a.K, a.V)
	if a.Q.Bias == nil {
		qkv.Bias = nil
	}
	return &FusedAttention{QKV: qkv, AttentionParams: a.AttentionParams}, Fused
}

// FuseMLP merges the gate and up projections of an *MLP into one
// projection, gate first. Any other module is returned unchanged with
// NotApplicable.
func FuseMLP(m Module) (Module, FuseResult) {
	mlp, ok := m.(*MLP)
	if !ok {
		return m, NotApplicable
	}
	return &FusedMLP{
		GateUp: nn.MergeLinear(mlp.Gate, mlp.Up),
		Down:   mlp.Down,
		Act:    mlp.Act,
	}, Fused
}

// FusionReport counts the outcome of fusing every layer of a decoder.
type FusionReport struct {
	Layers             int
	AttentionFused     int
	AttentionSkipped   int
	FeedForwardFused   int
	FeedForwardSkipped int
}

func (r *FusionReport) record(attn, ff FuseResult) {
	r.Layers++
	if attn == Fused {
		r.AttentionFused++
	} else {
		r.AttentionSkipped++
	}
	if ff == Fused {
		r.FeedForwardFused++
	} else {
		r.FeedForwardSkipped++
	}
}
