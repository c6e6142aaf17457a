package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-stablelm/internal/tensor"
)

func randTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float32()*2 - 1
	}
	return t
}

func TestLinearForward(t *testing.T) {
	l := &Linear{
		Weight: tensor.FromData([]float32{
			1, 0,
			0, 1,
			1, 1,
		}, 3, 2),
		Bias: tensor.FromData([]float32{0, 0, 10}, 3),
	}
	x := tensor.FromData([]float32{2, 3, 4, 5}, 1, 2, 2)

	y := l.Forward(x)
	assert.Equal(t, []int{1, 2, 3}, y.Shape)
	assert.InDeltaSlice(t, []float32{2, 3, 15, 4, 5, 19}, y.Data, 1e-6)
	assert.Panics(t, func() { l.Forward(tensor.New(1, 3)) })
}

func TestMergeLinearEqualsConcatenatedOutputs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := &Linear{Weight: randTensor(rng, 6, 8), Bias: randTensor(rng, 6)}
	b := &Linear{Weight: randTensor(rng, 4, 8)}
	c := &Linear{Weight: randTensor(rng, 4, 8), Bias: randTensor(rng, 4)}
	x := randTensor(rng, 2, 3, 8)

	merged := MergeLinear(a, b, c)
	require.Equal(t, 14, merged.OutFeatures())
	require.Equal(t, 8, merged.InFeatures())
	require.NotNil(t, merged.Bias)
	// missing bias is zero-filled
	assert.Equal(t, make([]float32, 4), merged.Bias.Data[6:10])

	want := tensor.Concat(-1, a.Forward(x), b.Forward(x), c.Forward(x))
	got := merged.Forward(x)
	assert.True(t, tensor.AllClose(got, want, 1e-5, 1e-5))
}

func TestMergeLinearWithoutBias(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	merged := MergeLinear(&Linear{Weight: randTensor(rng, 2, 3)}, &Linear{Weight: randTensor(rng, 5, 3)})
	assert.Nil(t, merged.Bias)
	assert.Equal(t, []int{7, 3}, merged.Weight.Shape)
}

func TestMergeLinearRejectsMismatchedInputs(t *testing.T) {
	assert.Panics(t, func() {
		MergeLinear(&Linear{Weight: tensor.New(2, 3)}, &Linear{Weight: tensor.New(2, 4)})
	})
	assert.Panics(t, func() { MergeLinear() })
}

func TestLayerNormForward(t *testing.T) {
	ln := &LayerNorm{
		Weight: tensor.FromData([]float32{1, 1}, 2),
		Bias:   tensor.FromData([]float32{0, 1}, 2),
		Eps:    0,
	}
	y := ln.Forward(tensor.FromData([]float32{1, 3, -2, 2}, 2, 2))
	assert.InDeltaSlice(t, []float32{-1, 2, -1, 2}, y.Data, 1e-6)
}

func TestHeadNormUsesPerHeadWeights(t *testing.T) {
	hn := &HeadNorm{
		Weight: tensor.FromData([]float32{
			1, 1,
			2, 2,
		}, 2, 2),
		Eps: 0,
	}
	// [batch=1, heads=2, seq=1, headDim=2]
	x := tensor.FromData([]float32{0, 4, 1, 3}, 1, 2, 1, 2)
	y := hn.Forward(x)

	assert.InDeltaSlice(t, []float32{-1, 1, -2, 2}, y.Data, 1e-6)
	assert.Panics(t, func() { hn.Forward(tensor.New(1, 3, 1, 2)) })
}

func TestEmbeddingForward(t *testing.T) {
	emb := &Embedding{Weight: tensor.FromData([]float32{
		0, 0,
		1, 1,
		2, 2,
	}, 3, 2)}

	got, err := emb.Forward([]int32{2, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 0, 0, 1, 1}, got.Data)
	assert.Equal(t, 3, emb.VocabSize())

	_, err = emb.Forward([]int32{3})
	assert.ErrorContains(t, err, "outside vocabulary")
}

func TestActivation(t *testing.T) {
	act, err := NewActivation("silu")
	require.NoError(t, err)

	y := act.Forward(tensor.FromData([]float32{0, 1}, 2))
	assert.InDelta(t, 0, y.Data[0], 1e-7)
	assert.InDelta(t, 1/(1+math.Exp(-1)), y.Data[1], 1e-6)

	_, err = NewActivation("bogus")
	assert.Error(t, err)
}

func TestDropoutIsIdentityAtInference(t *testing.T) {
	assert.Nil(t, (&Dropout{P: 0.5}).Hook())
	assert.Nil(t, (&Dropout{P: 0, Training: true}).Hook())
	var nilDropout *Dropout
	assert.Nil(t, nilDropout.Hook())
}

func TestDropoutTraining(t *testing.T) {
	d := &Dropout{P: 0.5, Training: true, Rand: rand.New(rand.NewSource(3))}
	hook := d.Hook()
	require.NotNil(t, hook)

	row := make([]float32, 1000)
	for i := range row {
		row[i] = 1
	}
	hook(row)

	zeros := 0
	for _, v := range row {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected value %v after dropout", v)
		}
	}
	assert.InDelta(t, 500, zeros, 100)

	all := (&Dropout{P: 1, Training: true}).Hook()
	row = []float32{1, 2}
	all(row)
	assert.Equal(t, []float32{0, 0}, row)
}
