package kernels

import (
	"fmt"
	"math"
)

// AttentionShape describes the operands of ScaledDotProductAttention.
//
// Q: [Batch, Heads, QLen, HeadDim]
// K, V: [Batch, KVHeads, KVLen, HeadDim]
// mask: [Batch, 1, QLen, KVLen] additive, or nil
// output: [Batch, Heads, QLen, HeadDim]
// weights: [Batch, Heads, QLen, KVLen], or nil when not requested
type AttentionShape struct {
	Batch   int
	Heads   int
	KVHeads int
	QLen    int
	KVLen   int
	HeadDim int
}

func (s AttentionShape) validate(output, weights, Q, K, V, mask []float32) {
	if s.KVHeads <= 0 || s.Heads%s.KVHeads != 0 {
		panic(fmt.Sprintf("ScaledDotProductAttention: %d heads not divisible by %d kv heads", s.Heads, s.KVHeads))
	}
	qSize := s.Batch * s.Heads * s.QLen * s.HeadDim
	kvSize := s.Batch * s.KVHeads * s.KVLen * s.HeadDim
	if len(Q) < qSize || len(output) < qSize {
		panic("ScaledDotProductAttention: query/output buffer size mismatch")
	}
	if len(K) < kvSize || len(V) < kvSize {
		panic("ScaledDotProductAttention: key/value buffer size mismatch")
	}
	if mask != nil && len(mask) < s.Batch*s.QLen*s.KVLen {
		panic("ScaledDotProductAttention: mask buffer size mismatch")
	}
	if weights != nil && len(weights) < s.Batch*s.Heads*s.QLen*s.KVLen {
		panic("ScaledDotProductAttention: weights buffer size mismatch")
	}
}

// ScaledDotProductAttention computes softmax(Q·Kᵀ·scale + mask)·V per head.
// Query head h reads key/value head h / (Heads/KVHeads), so grouped-query
// layouts need no explicit repeat. The softmax runs in float64 and the
// probabilities are rounded to float32 before the value product.
//
// dropout, when non-nil, is applied in place to each row of probabilities
// before the value product. weights, when non-nil, receives the
// post-dropout probabilities. Heads are spread across pool.
func ScaledDotProductAttention(
	output, weights, Q, K, V, mask []float32,
	shape AttentionShape,
	scale float32,
	dropout func(row []float32),
	pool *WorkerPool,
) {
	if shape.Batch == 0 || shape.Heads == 0 || shape.QLen == 0 || shape.HeadDim == 0 {
		return
	}
	shape.validate(output, weights, Q, K, V, mask)

	if shape.KVLen == 0 {
		clear(output[:shape.Batch*shape.Heads*shape.QLen*shape.HeadDim])
		return
	}

	nTasks := shape.Batch * shape.Heads
	tasks := make([]func(), nTasks)
	for t := 0; t < nTasks; t++ {
		b, h := t/shape.Heads, t%shape.Heads
		tasks[t] = func() {
			attendHead(output, weights, Q, K, V, mask, shape, b, h, scale, dropout)
		}
	}
	pool.RunThreshold(tasks, 2)
}

func attendHead(
	output, weights, Q, K, V, mask []float32,
	s AttentionShape,
	b, h int,
	scale float32,
	dropout func(row []float32),
) {
	nRep := s.Heads / s.KVHeads
	kvh := h / nRep

	qBase := ((b*s.Heads + h) * s.QLen) * s.HeadDim
	kvBase := ((b*s.KVHeads + kvh) * s.KVLen) * s.HeadDim

	var probs []float32
	if weights == nil {
		probs = make([]float32, s.KVLen)
	}

	for i := 0; i < s.QLen; i++ {
		qRow := Q[qBase+i*s.HeadDim : qBase+(i+1)*s.HeadDim]

		row := probs
		if weights != nil {
			off := ((b*s.Heads+h)*s.QLen + i) * s.KVLen
			row = weights[off : off+s.KVLen]
		}

		for j := 0; j < s.KVLen; j++ {
			kRow := K[kvBase+j*s.HeadDim : kvBase+(j+1)*s.HeadDim]
			score := dotProduct(qRow, kRow, s.HeadDim) * scale
			if mask != nil {
				score += mask[(b*s.QLen+i)*s.KVLen+j]
			}
			row[j] = score
		}

		SoftmaxF64(row, row, s.KVLen)
		if dropout != nil {
			dropout(row)
		}

		outRow := output[qBase+i*s.HeadDim : qBase+(i+1)*s.HeadDim]
		clear(outRow)
		for j := 0; j < s.KVLen; j++ {
			axpyAccum(outRow, V[kvBase+j*s.HeadDim:kvBase+(j+1)*s.HeadDim], row[j])
		}
	}
}

// CausalMask builds the additive [batch, 1, qLen, kvLen] decoder mask.
// Query i sits at absolute position pastLen+i and may attend to keys
// [0, pastLen+i]. padding, when non-nil, is a [batch, kvLen] 0/1 mask;
// zero entries are blocked for every query. Blocked entries hold the most
// negative float32.
func CausalMask(batch, qLen, kvLen, pastLen int, padding []int) []float32 {
	if padding != nil && len(padding) != batch*kvLen {
		panic(fmt.Sprintf("CausalMask: padding length %d != %d", len(padding), batch*kvLen))
	}
	minVal := float32(-math.MaxFloat32)
	mask := make([]float32, batch*qLen*kvLen)
	for b := 0; b < batch; b++ {
		for i := 0; i < qLen; i++ {
			row := mask[(b*qLen+i)*kvLen : (b*qLen+i+1)*kvLen]
			limit := pastLen + i
			for j := range row {
				if j > limit || (padding != nil && padding[b*kvLen+j] == 0) {
					row[j] = minVal
				}
			}
		}
	}
	return mask
}
