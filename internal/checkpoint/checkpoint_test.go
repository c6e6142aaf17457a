package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-stablelm/internal/gguf"
	"github.com/headlands-org/go-stablelm/internal/safetensors"
)

func TestNameMapping(t *testing.T) {
	tests := []struct {
		gguf, hf string
	}{
		{"token_embd.weight", "model.embed_tokens.weight"},
		{"output_norm.bias", "model.norm.bias"},
		{"output.weight", "lm_head.weight"},
		{"blk.0.attn_norm.weight", "model.layers.0.input_layernorm.weight"},
		{"blk.3.attn_q.bias", "model.layers.3.self_attn.q_proj.bias"},
		{"blk.12.attn_output.weight", "model.layers.12.self_attn.o_proj.weight"},
		{"blk.1.attn_k_norm.weight", "model.layers.1.self_attn.k_layernorm.weight"},
		{"blk.1.ffn_norm.weight", "model.layers.1.post_attention_layernorm.weight"},
		{"blk.2.ffn_gate_up.weight", "model.layers.2.mlp.gate_up_proj.weight"},
		{"blk.2.attn_qkv.weight", "model.layers.2.self_attn.qkv_proj.weight"},
	}
	for _, tt := range tests {
		hf, ok := HFName(tt.gguf)
		require.True(t, ok, tt.gguf)
		assert.Equal(t, tt.hf, hf)

		g, ok := GGUFName(tt.hf)
		require.True(t, ok, tt.hf)
		assert.Equal(t, tt.gguf, g)
	}

	_, ok := HFName("blk.0.unknown.weight")
	assert.False(t, ok)
	_, ok = GGUFName("model.layers.0.self_attn.q_layernorm.norms.0.weight")
	assert.False(t, ok)
}

func TestOpenGGUF(t *testing.T) {
	w := gguf.NewWriter()
	require.NoError(t, w.SetMetadata("general.architecture", "stablelm"))
	require.NoError(t, w.AddTensor("blk.0.attn_q.weight", gguf.DTypeF32, []int{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, w.AddTensor("rope_freqs.weight", gguf.DTypeF32, []int{2}, []float32{1, 1}))
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, w.WriteFile(path))

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, []string{"model.layers.0.self_attn.q_proj.weight", "rope_freqs.weight"}, src.Names())

	values, shape, err := Load(src, "model.layers.0.self_attn.q_proj.weight")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, values)

	_, _, err = Load(src, "model.layers.0.self_attn.k_proj.weight")
	assert.ErrorIs(t, err, ErrTensorNotFound)

	r, ok := GGUF(src)
	require.True(t, ok)
	assert.Equal(t, "stablelm", r.Architecture())
}

func TestOpenShardedDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, safetensors.Write(filepath.Join(dir, "model-00001-of-00002.safetensors"), []safetensors.Tensor{
		{Name: "model.embed_tokens.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
	}, nil))
	require.NoError(t, safetensors.Write(filepath.Join(dir, "model-00002-of-00002.safetensors"), []safetensors.Tensor{
		{Name: "lm_head.weight", Shape: []int{2, 2}, Data: []float32{5, 6, 7, 8}},
	}, nil))

	src, err := Open(dir)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, []string{"lm_head.weight", "model.embed_tokens.weight"}, src.Names())
	values, _, err := Load(src, "lm_head.weight")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 7, 8}, values)

	_, _, err = src.Float32("model.norm.weight")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestOpenDuplicateShards(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.safetensors", "b.safetensors"} {
		require.NoError(t, safetensors.Write(filepath.Join(dir, name), []safetensors.Tensor{
			{Name: "lm_head.weight", Shape: []int{1}, Data: []float32{1}},
		}, nil))
	}
	_, err := Open(dir)
	assert.ErrorContains(t, err, "more than one shard")
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	assert.ErrorContains(t, err, "no model weights")

	txt := filepath.Join(dir, "weights.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	_, err = Open(txt)
	assert.ErrorContains(t, err, "unrecognized")

	_, err = Open(filepath.Join(dir, "missing.gguf"))
	assert.Error(t, err)
}
