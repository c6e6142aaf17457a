package lm

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-stablelm/internal/gguf"
)

const (
	testHidden = 8
	testInter  = 6
	testLayers = 2
	testCtx    = 32
)

// testTokens is a byte-level vocabulary: 256 byte tokens, three merges and
// an end-of-text token.
func testTokens() (tokens, merges []string, types []int32) {
	next := rune(256)
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !(('!' <= r && r <= '~') || ('¡' <= r && r <= '¬') || ('®' <= r && r <= 'ÿ')) {
			r = next
			next++
		}
		tokens = append(tokens, string(r))
	}
	tokens = append(tokens, "he", "ll", "hell", "<|endoftext|>")
	merges = []string{"h e", "l l", "he ll"}
	types = make([]int32, len(tokens))
	for i := range types {
		types[i] = 1
	}
	types[len(types)-1] = 3
	return tokens, merges, types
}

// writeTestModel writes a two-layer StableLM GGUF with random weights.
func writeTestModel(t *testing.T, withTokenizer bool) string {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	tokens, merges, types := testTokens()
	vocab := len(tokens)

	w := gguf.NewWriter()
	meta := map[string]interface{}{
		"general.architecture":                  "stablelm",
		"stablelm.context_length":               uint32(testCtx),
		"stablelm.embedding_length":             uint32(testHidden),
		"stablelm.block_count":                  uint32(testLayers),
		"stablelm.feed_forward_length":          uint32(testInter),
		"stablelm.rope.dimension_count":         uint32(2),
		"stablelm.attention.head_count":         uint32(2),
		"stablelm.attention.head_count_kv":      uint32(1),
		"stablelm.attention.layer_norm_epsilon": float32(1e-5),
	}
	if withTokenizer {
		meta["tokenizer.ggml.model"] = "gpt2"
		meta["tokenizer.ggml.tokens"] = tokens
		meta["tokenizer.ggml.merges"] = merges
		meta["tokenizer.ggml.token_type"] = types
		meta["tokenizer.ggml.eos_token_id"] = uint32(vocab - 1)
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
	add("token_embd.weight", 0, vocab, testHidden)
	add("output_norm.weight", 1, testHidden)
	add("output_norm.bias", 0, testHidden)
	add("output.weight", 0, vocab, testHidden)
	for i := 0; i < testLayers; i++ {
		p := fmt.Sprintf("blk.%d.", i)
		add(p+"attn_norm.weight", 1, testHidden)
		add(p+"attn_norm.bias", 0, testHidden)
		add(p+"attn_q.weight", 0, testHidden, testHidden)
		add(p+"attn_k.weight", 0, testHidden/2, testHidden)
		add(p+"attn_v.weight", 0, testHidden/2, testHidden)
		add(p+"attn_output.weight", 0, testHidden, testHidden)
		add(p+"ffn_norm.weight", 1, testHidden)
		add(p+"ffn_norm.bias", 0, testHidden)
		add(p+"ffn_gate.weight", 0, testInter, testHidden)
		add(p+"ffn_up.weight", 0, testInter, testHidden)
		add(p+"ffn_down.weight", 0, testHidden, testInter)
	}

	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, w.WriteFile(path))
	return path
}

func openTest(t *testing.T, path string, opts ...Option) Runtime {
	t.Helper()
	t.Setenv("STABLELM_NO_FUSE", "")
	rt, err := Open(path, append([]Option{WithThreads(2)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestOpenAndTokenize(t *testing.T) {
	rt := openTest(t, writeTestModel(t, true))
	assert.Equal(t, 260, rt.VocabSize())
	assert.Equal(t, testCtx, rt.MaxSeqLen())

	ids, err := rt.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, []int32{258, 'o'}, ids)

	text, err := rt.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestOpenDirectoryLoadsGGUFTokenizer(t *testing.T) {
	path := writeTestModel(t, true)
	rt := openTest(t, filepath.Dir(path))

	ids, err := rt.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, []int32{258, 'o'}, ids)
}

func TestGenerateWithAndWithoutCache(t *testing.T) {
	path := writeTestModel(t, true)
	cached := openTest(t, path, WithStopAtEOS(false))
	uncached := openTest(t, path, WithStopAtEOS(false), WithoutCache())
	ctx := context.Background()

	prompt, err := cached.Encode("hello")
	require.NoError(t, err)
	a, err := cached.GenerateTokens(ctx, prompt, 5)
	require.NoError(t, err)
	b, err := uncached.GenerateTokens(ctx, prompt, 5)
	require.NoError(t, err)
	assert.Len(t, a, 5)
	assert.Equal(t, a, b)

	text, err := cached.Generate(ctx, "hello", 5)
	require.NoError(t, err)
	want, err := cached.Decode(a)
	require.NoError(t, err)
	assert.Equal(t, want, text)
}

func TestGenerateBatchMatchesSequential(t *testing.T) {
	rt := openTest(t, writeTestModel(t, true), WithStopAtEOS(false))
	ctx := context.Background()
	prompts := []string{"hello", "hell", "he said", "ll"}

	got, err := rt.GenerateBatch(ctx, prompts, 3)
	require.NoError(t, err)
	require.Len(t, got, len(prompts))
	for i, p := range prompts {
		want, err := rt.Generate(ctx, p, 3)
		require.NoError(t, err)
		assert.Equal(t, want, got[i], "prompt %q", p)
	}

	none, err := rt.GenerateBatch(ctx, nil, 3)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLogitsFusedMatchesUnfused(t *testing.T) {
	path := writeTestModel(t, true)
	fused := openTest(t, path)
	plain := openTest(t, path, WithoutFusion())

	ids := []int32{258, 'o', ' '}
	a, err := fused.Logits(context.Background(), ids)
	require.NoError(t, err)
	b, err := plain.Logits(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, a, 260)
	assert.InDeltaSlice(t, b, a, 1e-4)
}

func TestRuntimeErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.gguf"))
	assert.ErrorContains(t, err, "load model")

	rt := openTest(t, writeTestModel(t, false))
	_, err = rt.Encode("hi")
	assert.ErrorIs(t, err, ErrNoTokenizer)
	_, err = rt.Generate(context.Background(), "hi", 2)
	assert.ErrorIs(t, err, ErrNoTokenizer)

	// token ids still work without a tokenizer
	out, err := rt.GenerateTokens(context.Background(), []int32{1, 2}, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	long := make([]int32, testCtx+1)
	_, err = rt.GenerateTokens(context.Background(), long, 1)
	assert.ErrorContains(t, err, "sequence too long")

	_, err = rt.Logits(context.Background(), []int32{int32(rt.VocabSize())})
	assert.Error(t, err)
}
