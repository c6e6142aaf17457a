// Package kvcache stores the per-layer key/value history of a decoder
// across generation steps.
package kvcache

import (
	"errors"

	"github.com/headlands-org/go-stablelm/internal/tensor"
)

var (
	// ErrLayerOutOfOrder is returned when a layer is updated before every
	// lower layer has been seen once.
	ErrLayerOutOfOrder = errors.New("kv cache layer updated out of order")
	ErrShapeMismatch   = errors.New("kv cache shape mismatch")
)

// UpdateMeta carries rotary state alongside a cache update. Caches that
// re-rotate keys (sink caches, for instance) need it; Dynamic ignores it.
type UpdateMeta struct {
	Cos, Sin            []float32 // [seq, PartialRotationSize]
	PartialRotationSize int
}

type Cache interface {
	// Update appends key and value, both [batch, kvHeads, seq, headDim], to
	// layer and returns the layer's full history including them.
	Update(key, value *tensor.Tensor, layer int, meta UpdateMeta) (k, v *tensor.Tensor, err error)

	// UsableLength returns how many cached tokens of layer can be attended
	// to when newTokens more are added.
	UsableLength(newTokens, layer int) int

	// SeqLength returns the number of tokens cached for layer.
	SeqLength(layer int) int
}

// Past is a cache as handed to a model forward: either a *Dynamic or a
// Legacy value. A nil Past means no history.
type Past interface {
	isPast()
}

// LayerKV is one layer's key and value history, each
// [batch, kvHeads, seq, headDim].
type LayerKV struct {
	Key, Value *tensor.Tensor
}

// Legacy is the tuple-per-layer cache representation. Index i holds layer i.
type Legacy []LayerKV

func (Legacy) isPast() {}

// SeqLength returns the cached length of layer 0, or 0 when empty.
func (l Legacy) SeqLength() int {
	if len(l) == 0 || l[0].Key == nil {
		return 0
	}
	return l[0].Key.Dim(2)
}
