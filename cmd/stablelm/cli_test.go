package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-stablelm/internal/gguf"
)

// writeModel writes a two-layer model with a byte-level tokenizer: 256 byte
// tokens, "he" and an end-of-text token.
func writeModel(t *testing.T) string {
	t.Helper()
	rng := rand.New(rand.NewSource(3))

	var tokens []string
	next := rune(256)
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !(('!' <= r && r <= '~') || ('¡' <= r && r <= '¬') || ('®' <= r && r <= 'ÿ')) {
			r = next
			next++
		}
		tokens = append(tokens, string(r))
	}
	tokens = append(tokens, "he", "<|endoftext|>")
	types := make([]int32, len(tokens))
	for i := range types {
		types[i] = 1
	}
	types[len(types)-1] = 3
	vocab := len(tokens)

	w := gguf.NewWriter()
	meta := map[string]interface{}{
		"general.architecture":                  "stablelm",
		"stablelm.context_length":               uint32(32),
		"stablelm.embedding_length":             uint32(8),
		"stablelm.block_count":                  uint32(2),
		"stablelm.feed_forward_length":          uint32(6),
		"stablelm.rope.dimension_count":         uint32(2),
		"stablelm.attention.head_count":         uint32(2),
		"stablelm.attention.head_count_kv":      uint32(1),
		"stablelm.attention.layer_norm_epsilon": float32(1e-5),
		"tokenizer.ggml.model":                  "gpt2",
		"tokenizer.ggml.tokens":                 tokens,
		"tokenizer.ggml.merges":                 []string{"h e"},
		"tokenizer.ggml.token_type":             types,
		"tokenizer.ggml.eos_token_id":           uint32(vocab - 1),
	}
	for k, v := range meta {
		require.NoError(t, w.SetMetadata(k, v))
	}

	add := func(name string, offset float32, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = offset + float32(rng.NormFloat64())*0.5
		}
		require.NoError(t, w.AddTensor(name, gguf.DTypeF32, shape, data))
	}
	add("token_embd.weight", 0, vocab, 8)
	add("output_norm.weight", 1, 8)
	add("output_norm.bias", 0, 8)
	add("output.weight", 0, vocab, 8)
	for i := 0; i < 2; i++ {
		p := fmt.Sprintf("blk.%d.", i)
		add(p+"attn_norm.weight", 1, 8)
		add(p+"attn_norm.bias", 0, 8)
		add(p+"attn_q.weight", 0, 8, 8)
		add(p+"attn_k.weight", 0, 4, 8)
		add(p+"attn_v.weight", 0, 4, 8)
		add(p+"attn_output.weight", 0, 8, 8)
		add(p+"ffn_norm.weight", 1, 8)
		add(p+"ffn_norm.bias", 0, 8)
		add(p+"ffn_gate.weight", 0, 6, 8)
		add(p+"ffn_up.weight", 0, 6, 8)
		add(p+"ffn_down.weight", 0, 8, 6)
	}

	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, w.WriteFile(path))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STABLELM_NO_FUSE", "")
	t.Setenv("STABLELM_USE_CACHE", "")

	cmd := NewCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInspect(t *testing.T) {
	path := writeModel(t)

	out, err := run(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "GGUF v3")
	assert.Contains(t, out, "rotary_dim")
	assert.Contains(t, out, "model.layers.0.self_attn.q_proj.weight")
	assert.Contains(t, out, "[8 8]")
	assert.Contains(t, out, "Tensors: 26")
	assert.Contains(t, out, "... and 6 more")

	out, err = run(t, "inspect", "--limit", "0", path)
	require.NoError(t, err)
	assert.Contains(t, out, "model.norm.weight")
	assert.NotContains(t, out, "more")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func TestFuseWritesFusedCheckpoint(t *testing.T) {
	path := writeModel(t)
	dir := t.TempDir()
	fused := filepath.Join(dir, "fused.gguf")

	out, err := run(t, "fuse", path, "-o", fused)
	require.NoError(t, err)
	assert.Contains(t, out, "attention")
	assert.Contains(t, out, "wrote "+fused)

	out, err = run(t, "inspect", "--limit", "0", fused)
	require.NoError(t, err)
	assert.Contains(t, out, "model.layers.1.self_attn.qkv_proj.weight")
	assert.Contains(t, out, "model.layers.1.mlp.gate_up_proj.weight")
	assert.Contains(t, out, "[16 8]")
	assert.Contains(t, out, "[12 8]")
	assert.NotContains(t, out, "q_proj.weight")

	// the fused file carries no tokenizer, so only the ids line is compared
	want, err := run(t, "generate", path, "--tokens", "1,2,3", "-n", "4", "--ignore-eos")
	require.NoError(t, err)
	got, err := run(t, "generate", fused, "--tokens", "1,2,3", "-n", "4", "--ignore-eos")
	require.NoError(t, err)
	assert.Equal(t, firstLine(want), firstLine(got))

	half := filepath.Join(dir, "fused-f16.gguf")
	_, err = run(t, "fuse", path, "-o", half, "--type", "F16")
	require.NoError(t, err)
	out, err = run(t, "inspect", half)
	require.NoError(t, err)
	assert.Contains(t, out, "F16")

	_, err = run(t, "fuse", path, "--type", "q4_k")
	assert.ErrorContains(t, err, "unsupported tensor type")
}

func TestGenerate(t *testing.T) {
	path := writeModel(t)

	out, err := run(t, "generate", path, "--tokens", "104, 101", "-n", "3", "--ignore-eos")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.Len(t, strings.Split(lines[0], ","), 3)

	out, err = run(t, "generate", path, "-p", "he", "-n", "2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "he"))

	_, err = run(t, "generate", path)
	assert.ErrorContains(t, err, "exactly one of")
	_, err = run(t, "generate", path, "--tokens", "1,x")
	assert.ErrorContains(t, err, `invalid token id "x"`)
	_, err = run(t, "generate", path, "--tokens", " , ")
	assert.ErrorContains(t, err, "no token ids")
}

func TestTokenize(t *testing.T) {
	out, err := run(t, "tokenize", writeModel(t), "hex")
	require.NoError(t, err)
	assert.Contains(t, out, "256")
	assert.Contains(t, out, `"he"`)
	assert.Contains(t, out, `"x"`)
}

func TestEnv(t *testing.T) {
	out, err := run(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "STABLELM_NUM_THREADS")
	assert.Contains(t, out, "CPU:")
}
