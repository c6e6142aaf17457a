package stablelm

import (
	"fmt"
	"math"

	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/kvcache"
	"github.com/headlands-org/go-stablelm/internal/nn"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// Module is any component of the decoder graph. Fusion dispatches on the
// concrete kind.
type Module interface {
	Kind() string
}

// AttentionLayer is a self-attention block, fused or not.
type AttentionLayer interface {
	Module
	Forward(in AttentionInput) (AttentionOutput, error)
}

type AttentionInput struct {
	Hidden *tensor.Tensor // [batch, seq, hidden]

	// Mask is the additive [batch, 1, seq, kvLen] mask, or nil.
	Mask *tensor.Tensor

	// PositionIDs holds one position per token, [batch, seq]. Nil means
	// consecutive positions after the cached history.
	PositionIDs []int

	// Cache is nil when caching is off.
	Cache            kvcache.Cache
	OutputAttentions bool
}

type AttentionOutput struct {
	Hidden  *tensor.Tensor // [batch, seq, hidden]
	Weights *tensor.Tensor // [batch, heads, seq, kvLen], nil unless requested
	Cache   kvcache.Cache
}

// AttentionParams is everything an attention block holds besides its
// query/key/value projections.
type AttentionParams struct {
	O            *nn.Linear
	QNorm, KNorm *nn.HeadNorm // nil unless qk_layernorm
	Rotary       *kernels.RoPECache
	Dropout      *nn.Dropout
	Pool         *kernels.WorkerPool

	Heads, KVHeads, HeadDim int
	LayerIndex              int
}

// Attention is the block as loaded, with separate projections.
type Attention struct {
	Q, K, V *nn.Linear
	AttentionParams
}

func (*Attention) Kind() string { return "attention" }

// FusedAttention computes q, k and v with a single projection whose rows
// are the query, key and value weights in that order.
type FusedAttention struct {
	QKV *nn.Linear
	AttentionParams
}

func (*FusedAttention) Kind() string { return "fused_attention" }

func (p *AttentionParams) checkInput(in AttentionInput) (batch, seq int, err error) {
	if in.Hidden == nil || in.Hidden.Rank() != 3 {
		return 0, 0, fmt.Errorf("layer %d: hidden states must be [batch, seq, hidden]", p.LayerIndex)
	}
	batch, seq = in.Hidden.Dim(0), in.Hidden.Dim(1)
	if in.PositionIDs != nil && len(in.PositionIDs) != batch*seq {
		return 0, 0, fmt.Errorf("layer %d: %d position ids for batch %d x seq %d", p.LayerIndex, len(in.PositionIDs), batch, seq)
	}
	return batch, seq, nil
}

// Forward runs the separate-projection attention. It is the reference the
// fused block must reproduce.
func (a *Attention) Forward(in AttentionInput) (AttentionOutput, error) {
	batch, seq, err := a.checkInput(in)
	if err != nil {
		return AttentionOutput{}, err
	}

	q := a.Q.Forward(in.Hidden).Reshape(batch, seq, a.Heads, a.HeadDim).Transpose(1, 2)
	k := a.K.Forward(in.Hidden).Reshape(batch, seq, a.KVHeads, a.HeadDim).Transpose(1, 2)
	v := a.V.Forward(in.Hidden).Reshape(batch, seq, a.KVHeads, a.HeadDim).Transpose(1, 2)
	return a.attend(in, q, k, v)
}

// Forward projects once, views the result as heads and splits them
// [Heads, KVHeads, KVHeads] into query, key and value.
func (a *FusedAttention) Forward(in AttentionInput) (AttentionOutput, error) {
	batch, seq, err := a.checkInput(in)
	if err != nil {
		return AttentionOutput{}, err
	}

	qkv := a.QKV.Forward(in.Hidden).
		Reshape(batch, seq, a.Heads+2*a.KVHeads, a.HeadDim).
		Transpose(1, 2)
	parts := qkv.Split(1, a.Heads, a.KVHeads, a.KVHeads)
	return a.attend(in, parts[0], parts[1], parts[2])
}

// attend runs everything after the projections. q is
// [batch, Heads, seq, HeadDim]; k and v are [batch, KVHeads, seq, HeadDim].
// q and k are rotated in place.
func (p *AttentionParams) attend(in AttentionInput, q, k, v *tensor.Tensor) (AttentionOutput, error) {
	batch, seq := q.Dim(0), q.Dim(2)

	if p.QNorm != nil {
		q = p.QNorm.Forward(q)
	}
	if p.KNorm != nil {
		k = p.KNorm.Forward(k)
	}

	kvSeqLen := seq
	if in.Cache != nil {
		kvSeqLen += in.Cache.UsableLength(kvSeqLen, p.LayerIndex)
	}

	pos := in.PositionIDs
	if pos == nil {
		pos = defaultPositions(batch, seq, kvSeqLen-seq)
	}

	cos, sin := p.Rotary.Tables(kvSeqLen)
	p.rotate(q, k, pos)

	if in.Cache != nil {
		meta := kvcache.UpdateMeta{Cos: cos, Sin: sin, PartialRotationSize: p.Rotary.RotDim()}
		var err error
		k, v, err = in.Cache.Update(k, v, p.LayerIndex, meta)
		if err != nil {
			return AttentionOutput{}, fmt.Errorf("layer %d: %w", p.LayerIndex, err)
		}
	}

	nRep := p.Heads / p.KVHeads
	k = RepeatKV(k, nRep)
	v = RepeatKV(v, nRep)

	kvLen := k.Dim(2)
	var mask []float32
	if in.Mask != nil {
		if in.Mask.Numel() != batch*seq*kvLen {
			return AttentionOutput{}, fmt.Errorf("layer %d: mask %v does not match [%d, 1, %d, %d]", p.LayerIndex, in.Mask.Shape, batch, seq, kvLen)
		}
		mask = in.Mask.Data
	}

	out := tensor.New(batch, p.Heads, seq, p.HeadDim)
	var weights *tensor.Tensor
	var weightData []float32
	if in.OutputAttentions {
		weights = tensor.New(batch, p.Heads, seq, kvLen)
		weightData = weights.Data
	}

	shape := kernels.AttentionShape{
		Batch:   batch,
		Heads:   p.Heads,
		KVHeads: p.Heads,
		QLen:    seq,
		KVLen:   kvLen,
		HeadDim: p.HeadDim,
	}
	scale := float32(1 / math.Sqrt(float64(p.HeadDim)))
	kernels.ScaledDotProductAttention(out.Data, weightData, q.Data, k.Data, v.Data, mask, shape, scale, p.Dropout.Hook(), p.Pool)

	hidden := out.Transpose(1, 2).Reshape(batch, seq, p.Heads*p.HeadDim)
	return AttentionOutput{
		Hidden:  p.O.Forward(hidden),
		Weights: weights,
		Cache:   in.Cache,
	}, nil
}

// rotate applies RoPE in place to the first RotDim channels of every
// query and key head; the remaining channels pass through.
func (p *AttentionParams) rotate(q, k *tensor.Tensor, pos []int) {
	batch, seq := q.Dim(0), q.Dim(2)
	kernels.ApplyRoPECached(q.Data, batch, p.Heads, seq, p.HeadDim, pos, p.Rotary)
	kernels.ApplyRoPECached(k.Data, batch, p.KVHeads, seq, p.HeadDim, pos, p.Rotary)
}

// RepeatKV expands [batch, kvHeads, seq, headDim] to
// [batch, kvHeads*nRep, seq, headDim], repeating each head nRep times in
// place so query head h reads key head h/nRep.
func RepeatKV(x *tensor.Tensor, nRep int) *tensor.Tensor {
	return x.RepeatInterleave(1, nRep)
}

func defaultPositions(batch, seq, past int) []int {
	pos := make([]int, batch*seq)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			pos[b*seq+s] = past + s
		}
	}
	return pos
}
