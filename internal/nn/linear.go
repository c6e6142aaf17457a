// Package nn holds the layer building blocks of the decoder, each a thin
// wrapper that pairs weights with a kernel.
package nn

import (
	"fmt"

	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// Linear computes x @ Weightᵀ + Bias. Weight is [out, in]; Bias is [out]
// or nil.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func (m *Linear) InFeatures() int  { return m.Weight.Dim(1) }
func (m *Linear) OutFeatures() int { return m.Weight.Dim(0) }

// Forward maps the last axis of x from InFeatures to OutFeatures.
func (m *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	in, out := m.InFeatures(), m.OutFeatures()
	if x.Dim(-1) != in {
		panic(fmt.Sprintf("nn.Linear: input %v does not end in %d features", x.Shape, in))
	}

	shape := append(x.Shape[:len(x.Shape)-1:len(x.Shape)-1], out)
	y := tensor.New(shape...)

	var bias []float32
	if m.Bias != nil {
		bias = m.Bias.Data
	}
	kernels.Linear(y.Data, x.Data, m.Weight.Data, bias, x.Numel()/in, in, out)
	return y
}

// MergeLinear stacks projections that read the same input into one wider
// projection. The output features of the result are the concatenation of
// the inputs' output features, in argument order. If any input has a bias
// the merged layer has one, with zeros for inputs that lack it.
func MergeLinear(ls ...*Linear) *Linear {
	if len(ls) == 0 {
		panic("nn.MergeLinear: nothing to merge")
	}

	weights := make([]*tensor.Tensor, len(ls))
	hasBias := false
	for i, l := range ls {
		if l.InFeatures() != ls[0].InFeatures() {
			panic(fmt.Sprintf("nn.MergeLinear: in features %d != %d", l.InFeatures(), ls[0].InFeatures()))
		}
		weights[i] = l.Weight
		hasBias = hasBias || l.Bias != nil
	}

	merged := &Linear{Weight: tensor.Concat(0, weights...)}
	if hasBias {
		biases := make([]*tensor.Tensor, len(ls))
		for i, l := range ls {
			if l.Bias != nil {
				biases[i] = l.Bias
			} else {
				biases[i] = tensor.New(l.OutFeatures())
			}
		}
		merged.Bias = tensor.Concat(0, biases...)
	}
	return merged
}
