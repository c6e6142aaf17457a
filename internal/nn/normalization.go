package nn

import (
	"fmt"

	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// LayerNorm normalizes over the last axis. Bias may be nil.
type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func (m *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	n := m.Weight.Numel()
	if x.Dim(-1) != n {
		panic(fmt.Sprintf("nn.LayerNorm: input %v does not end in %d features", x.Shape, n))
	}

	var bias []float32
	if m.Bias != nil {
		bias = m.Bias.Data
	}
	y := tensor.New(x.Shape...)
	kernels.LayerNormRows(y.Data, x.Data, m.Weight.Data, bias, x.Numel()/n, n, m.Eps)
	return y
}

// HeadNorm is a bias-free LayerNorm with separate weights per attention
// head, applied to [batch, heads, seq, headDim] activations.
type HeadNorm struct {
	Weight *tensor.Tensor // [heads, headDim]
	Eps    float32
}

func (m *HeadNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	heads, headDim := m.Weight.Dim(0), m.Weight.Dim(1)
	if x.Rank() != 4 || x.Dim(1) != heads || x.Dim(3) != headDim {
		panic(fmt.Sprintf("nn.HeadNorm: input %v does not match [*, %d, *, %d]", x.Shape, heads, headDim))
	}

	batch, seq := x.Dim(0), x.Dim(2)
	y := tensor.New(x.Shape...)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			off := (b*heads + h) * seq * headDim
			gamma := m.Weight.Data[h*headDim : (h+1)*headDim]
			kernels.LayerNormRows(y.Data[off:off+seq*headDim], x.Data[off:off+seq*headDim], gamma, nil, seq, headDim, m.Eps)
		}
	}
	return y
}
