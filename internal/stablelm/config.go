// Package stablelm implements the StableLM decoder with fused q/k/v and
// gate/up projections and a model forward that runs on kvcache.Dynamic.
package stablelm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/headlands-org/go-stablelm/internal/gguf"
)

// Config holds model hyperparameters. JSON tags follow the Hugging Face
// config.json of StableLmConfig.
type Config struct {
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads"`
	HiddenAct             string  `json:"hidden_act"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	RopeTheta             float64 `json:"rope_theta"`
	PartialRotaryFactor   float64 `json:"partial_rotary_factor"`
	LayerNormEps          float64 `json:"layer_norm_eps"`
	UseCache              bool    `json:"use_cache"`
	UseQKVBias            bool    `json:"use_qkv_bias"`
	QKLayerNorm           bool    `json:"qk_layernorm"`
	UseParallelResidual   bool    `json:"use_parallel_residual"`
	AttentionDropout      float64 `json:"attention_dropout"`
	TieWordEmbeddings     bool    `json:"tie_word_embeddings"`
	BOSTokenID            int32   `json:"bos_token_id"`
	EOSTokenID            int32   `json:"eos_token_id"`
}

// DefaultConfig returns the StableLM-3B defaults used for fields a config
// file leaves out.
func DefaultConfig() Config {
	return Config{
		VocabSize:             50304,
		HiddenSize:            2560,
		IntermediateSize:      6912,
		NumHiddenLayers:       32,
		NumAttentionHeads:     32,
		NumKeyValueHeads:      32,
		HiddenAct:             "silu",
		MaxPositionEmbeddings: 4096,
		RopeTheta:             10000,
		PartialRotaryFactor:   0.25,
		LayerNormEps:          1e-5,
		UseCache:              true,
	}
}

func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// RotaryDim is the number of rotated channels per head.
func (c Config) RotaryDim() int {
	return int(float64(c.HeadDim()) * c.PartialRotaryFactor)
}

func (c Config) Validate() error {
	var errs []error
	if c.HiddenSize <= 0 || c.NumAttentionHeads <= 0 || c.NumHiddenLayers <= 0 || c.VocabSize <= 0 || c.IntermediateSize <= 0 {
		errs = append(errs, fmt.Errorf("sizes must be positive: hidden=%d heads=%d layers=%d vocab=%d intermediate=%d",
			c.HiddenSize, c.NumAttentionHeads, c.NumHiddenLayers, c.VocabSize, c.IntermediateSize))
	} else if c.HiddenSize%c.NumAttentionHeads != 0 {
		errs = append(errs, fmt.Errorf("hidden_size %d is not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads))
	}
	if c.NumKeyValueHeads <= 0 || (c.NumAttentionHeads > 0 && c.NumAttentionHeads%c.NumKeyValueHeads != 0) {
		errs = append(errs, fmt.Errorf("num_attention_heads %d is not divisible by num_key_value_heads %d", c.NumAttentionHeads, c.NumKeyValueHeads))
	}
	if c.PartialRotaryFactor <= 0 || c.PartialRotaryFactor > 1 {
		errs = append(errs, fmt.Errorf("partial_rotary_factor %v outside (0, 1]", c.PartialRotaryFactor))
	} else if len(errs) == 0 {
		if rot := c.RotaryDim(); rot == 0 || rot%2 != 0 {
			errs = append(errs, fmt.Errorf("rotary dimension %d must be positive and even", rot))
		}
	}
	if c.RopeTheta <= 0 {
		errs = append(errs, fmt.Errorf("rope_theta %v must be positive", c.RopeTheta))
	}
	if c.AttentionDropout < 0 || c.AttentionDropout > 1 {
		errs = append(errs, fmt.Errorf("attention_dropout %v outside [0, 1]", c.AttentionDropout))
	}
	return errors.Join(errs...)
}

// LoadConfigJSON reads a Hugging Face config.json. Missing fields keep
// their DefaultConfig values; num_key_value_heads defaults to the head
// count.
func LoadConfigJSON(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.NumKeyValueHeads = 0
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	return cfg, nil
}

// ConfigFromGGUF reads the stablelm.* metadata keys written by llama.cpp's
// converter. Bias, q/k norm and tied-embedding settings are inferred from
// which tensors are present.
func ConfigFromGGUF(r *gguf.Reader) (Config, error) {
	cfg := DefaultConfig()

	arch := r.Architecture()
	if arch != "stablelm" {
		return cfg, fmt.Errorf("unsupported architecture %q", arch)
	}
	prefix := arch + "."

	required := []struct {
		key string
		dst *int
	}{
		{"embedding_length", &cfg.HiddenSize},
		{"block_count", &cfg.NumHiddenLayers},
		{"feed_forward_length", &cfg.IntermediateSize},
		{"attention.head_count", &cfg.NumAttentionHeads},
	}
	for _, f := range required {
		v, ok := r.Uint(prefix + f.key)
		if !ok {
			return cfg, fmt.Errorf("%s%s not found", prefix, f.key)
		}
		*f.dst = int(v)
	}

	cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	if v, ok := r.Uint(prefix + "attention.head_count_kv"); ok {
		cfg.NumKeyValueHeads = int(v)
	}
	if v, ok := r.Uint(prefix + "context_length"); ok {
		cfg.MaxPositionEmbeddings = int(v)
	}
	if v, ok := r.Float(prefix + "attention.layer_norm_epsilon"); ok {
		cfg.LayerNormEps = v
	}
	if v, ok := r.Float(prefix + "rope.freq_base"); ok {
		cfg.RopeTheta = v
	}
	if v, ok := r.Uint(prefix + "rope.dimension_count"); ok && cfg.NumAttentionHeads > 0 {
		cfg.PartialRotaryFactor = float64(v) / float64(cfg.HiddenSize/cfg.NumAttentionHeads)
	}
	if v, ok := r.Bool(prefix + "use_parallel_residual"); ok {
		cfg.UseParallelResidual = v
	}

	if tokens, ok := r.GetMetadata("tokenizer.ggml.tokens"); ok {
		if list, ok := tokens.([]interface{}); ok {
			cfg.VocabSize = len(list)
		}
	} else if desc, ok := r.GetTensor("token_embd.weight"); ok && len(desc.Shape) == 2 {
		cfg.VocabSize = desc.Shape[1]
	}
	if v, ok := r.Uint("tokenizer.ggml.bos_token_id"); ok && v <= math.MaxInt32 {
		cfg.BOSTokenID = int32(v)
	}
	if v, ok := r.Uint("tokenizer.ggml.eos_token_id"); ok && v <= math.MaxInt32 {
		cfg.EOSTokenID = int32(v)
	}

	cfg.UseQKVBias = r.Has("blk.0.attn_q.bias") || r.Has("blk.0.attn_qkv.bias")
	cfg.QKLayerNorm = r.Has("blk.0.attn_q_norm.weight")
	cfg.TieWordEmbeddings = !r.Has("output.weight")
	return cfg, nil
}
