package stablelm

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/nn"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// tinyConfig is a two-layer GQA model: 2 query heads share 1 key/value
// head, headDim 4 with half of each head rotated.
func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = 11
	cfg.HiddenSize = 8
	cfg.IntermediateSize = 6
	cfg.NumHiddenLayers = 2
	cfg.NumAttentionHeads = 2
	cfg.NumKeyValueHeads = 1
	cfg.MaxPositionEmbeddings = 16
	cfg.PartialRotaryFactor = 0.5
	cfg.EOSTokenID = 0
	return cfg
}

func randTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * 0.5
	}
	return t
}

func randLinear(rng *rand.Rand, out, in int, bias bool) *nn.Linear {
	l := &nn.Linear{Weight: randTensor(rng, out, in)}
	if bias {
		l.Bias = randTensor(rng, out)
	}
	return l
}

func randLayerNorm(rng *rand.Rand, n int, eps float64) *nn.LayerNorm {
	w := randTensor(rng, n)
	for i := range w.Data {
		w.Data[i] += 1
	}
	return &nn.LayerNorm{Weight: w, Bias: randTensor(rng, n), Eps: float32(eps)}
}

func newTestAttention(rng *rand.Rand, cfg Config, layer int, rotary *kernels.RoPECache) *Attention {
	hd := cfg.HeadDim()
	nq, nkv := cfg.NumAttentionHeads, cfg.NumKeyValueHeads
	a := &Attention{
		Q: randLinear(rng, nq*hd, cfg.HiddenSize, cfg.UseQKVBias),
		K: randLinear(rng, nkv*hd, cfg.HiddenSize, cfg.UseQKVBias),
		V: randLinear(rng, nkv*hd, cfg.HiddenSize, cfg.UseQKVBias),
		AttentionParams: AttentionParams{
			O:          randLinear(rng, cfg.HiddenSize, nq*hd, false),
			Rotary:     rotary,
			Dropout:    &nn.Dropout{P: cfg.AttentionDropout},
			Heads:      nq,
			KVHeads:    nkv,
			HeadDim:    hd,
			LayerIndex: layer,
		},
	}
	if cfg.QKLayerNorm {
		a.QNorm = &nn.HeadNorm{Weight: randTensor(rng, nq, hd), Eps: float32(cfg.LayerNormEps)}
		a.KNorm = &nn.HeadNorm{Weight: randTensor(rng, nkv, hd), Eps: float32(cfg.LayerNormEps)}
	}
	return a
}

func newTestMLP(t *testing.T, rng *rand.Rand, cfg Config) *MLP {
	act, err := nn.NewActivation(cfg.HiddenAct)
	require.NoError(t, err)
	return &MLP{
		Gate: randLinear(rng, cfg.IntermediateSize, cfg.HiddenSize, false),
		Up:   randLinear(rng, cfg.IntermediateSize, cfg.HiddenSize, false),
		Down: randLinear(rng, cfg.HiddenSize, cfg.IntermediateSize, false),
		Act:  act,
	}
}

// newTestDecoder builds an unfused decoder with random weights.
func newTestDecoder(t *testing.T, cfg Config, seed int64) *Decoder {
	t.Helper()
	require.NoError(t, cfg.Validate())
	rng := rand.New(rand.NewSource(seed))
	rotary := kernels.NewRoPECache(cfg.RotaryDim(), float32(cfg.RopeTheta), cfg.MaxPositionEmbeddings)

	d := &Decoder{
		Config: cfg,
		Embed:  &nn.Embedding{Weight: randTensor(rng, cfg.VocabSize, cfg.HiddenSize)},
		Norm:   randLayerNorm(rng, cfg.HiddenSize, cfg.LayerNormEps),
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		layer := &DecoderLayer{
			InputNorm: randLayerNorm(rng, cfg.HiddenSize, cfg.LayerNormEps),
			Attn:      newTestAttention(rng, cfg, i, rotary),
			MLP:       newTestMLP(t, rng, cfg),
		}
		if !cfg.UseParallelResidual {
			layer.PostAttnNorm = randLayerNorm(rng, cfg.HiddenSize, cfg.LayerNormEps)
		}
		d.Layers = append(d.Layers, layer)
	}
	if cfg.TieWordEmbeddings {
		d.LMHead = &nn.Linear{Weight: d.Embed.Weight}
	} else {
		d.LMHead = randLinear(rng, cfg.VocabSize, cfg.HiddenSize, false)
	}
	return d
}

func requireClose(t *testing.T, want, got *tensor.Tensor, msgAndArgs ...interface{}) {
	t.Helper()
	require.Equal(t, want.Shape, got.Shape, msgAndArgs...)
	require.True(t, tensor.AllClose(want, got, 1e-4, 1e-5), "want %v\ngot  %v", want.Data, got.Data)
}
