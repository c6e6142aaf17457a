package stablelm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-stablelm/internal/gguf"
)

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"hidden_size": 2048,
		"num_attention_heads": 32,
		"num_hidden_layers": 24,
		"intermediate_size": 5632,
		"vocab_size": 100352,
		"qk_layernorm": true,
		"use_cache": false
	}`), 0o644))

	cfg, err := LoadConfigJSON(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.NumKeyValueHeads)
	assert.Equal(t, 64, cfg.HeadDim())
	assert.Equal(t, 16, cfg.RotaryDim())
	assert.Equal(t, "silu", cfg.HiddenAct)
	assert.True(t, cfg.QKLayerNorm)
	assert.False(t, cfg.UseCache)
	assert.NoError(t, cfg.Validate())

	require.NoError(t, os.WriteFile(path, []byte(`{"hidden_size": "wide"}`), 0o644))
	_, err = LoadConfigJSON(path)
	assert.ErrorContains(t, err, "parse")

	_, err = LoadConfigJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"heads", func(c *Config) { c.NumAttentionHeads = 3 }, "not divisible by num_attention_heads"},
		{"kv_heads", func(c *Config) { c.NumKeyValueHeads = 0 }, "num_key_value_heads"},
		{"rotary_odd", func(c *Config) { c.PartialRotaryFactor = 0.25 }, "rotary dimension 1"},
		{"rotary_range", func(c *Config) { c.PartialRotaryFactor = 1.5 }, "partial_rotary_factor"},
		{"theta", func(c *Config) { c.RopeTheta = 0 }, "rope_theta"},
		{"dropout", func(c *Config) { c.AttentionDropout = 2 }, "attention_dropout"},
		{"sizes", func(c *Config) { c.VocabSize = 0 }, "sizes must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	assert.NoError(t, tinyConfig().Validate())
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigFromGGUFErrors(t *testing.T) {
	write := func(t *testing.T, meta map[string]interface{}) *gguf.Reader {
		t.Helper()
		w := gguf.NewWriter()
		for k, v := range meta {
			require.NoError(t, w.SetMetadata(k, v))
		}
		require.NoError(t, w.AddTensor("token_embd.weight", gguf.DTypeF32, []int{3, 2}, make([]float32, 6)))
		path := filepath.Join(t.TempDir(), "m.gguf")
		require.NoError(t, w.WriteFile(path))
		r, err := gguf.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		return r
	}

	_, err := ConfigFromGGUF(write(t, map[string]interface{}{"general.architecture": "llama"}))
	assert.ErrorContains(t, err, `unsupported architecture "llama"`)

	_, err = ConfigFromGGUF(write(t, map[string]interface{}{
		"general.architecture":      "stablelm",
		"stablelm.embedding_length": uint32(2),
	}))
	assert.ErrorContains(t, err, "stablelm.block_count not found")

	cfg, err := ConfigFromGGUF(write(t, map[string]interface{}{
		"general.architecture":          "stablelm",
		"stablelm.embedding_length":     uint32(2),
		"stablelm.block_count":          uint32(1),
		"stablelm.feed_forward_length":  uint32(4),
		"stablelm.attention.head_count": uint32(1),
		"tokenizer.ggml.tokens":         []string{"a", "b", "c", "d"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.VocabSize)
	assert.Equal(t, 1, cfg.NumKeyValueHeads)
	assert.True(t, cfg.TieWordEmbeddings)
	assert.False(t, cfg.UseQKVBias)
}
