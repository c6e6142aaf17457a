package stablelm

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/headlands-org/go-stablelm/internal/checkpoint"
	"github.com/headlands-org/go-stablelm/internal/gguf"
	"github.com/headlands-org/go-stablelm/internal/nn"
	"github.com/headlands-org/go-stablelm/internal/safetensors"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// StateDict lists the decoder's weights under Hugging Face names. Fused
// layers export qkv_proj and gate_up_proj; per-head norms export one
// stacked [heads, headDim] tensor.
func (d *Decoder) StateDict() ([]NamedTensor, error) {
	var out []NamedTensor
	add := func(name string, t *tensor.Tensor) {
		if t != nil {
			out = append(out, NamedTensor{Name: name, Tensor: t})
		}
	}
	addLinear := func(prefix string, l *nn.Linear) {
		add(prefix+".weight", l.Weight)
		add(prefix+".bias", l.Bias)
	}
	addNorm := func(prefix string, n *nn.LayerNorm) {
		add(prefix+".weight", n.Weight)
		add(prefix+".bias", n.Bias)
	}

	add("model.embed_tokens.weight", d.Embed.Weight)
	for i, l := range d.Layers {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		addNorm(prefix+"input_layernorm", l.InputNorm)
		if l.PostAttnNorm != nil {
			addNorm(prefix+"post_attention_layernorm", l.PostAttnNorm)
		}

		var params AttentionParams
		switch a := l.Attn.(type) {
		case *Attention:
			addLinear(prefix+"self_attn.q_proj", a.Q)
			addLinear(prefix+"self_attn.k_proj", a.K)
			addLinear(prefix+"self_attn.v_proj", a.V)
			params = a.AttentionParams
		case *FusedAttention:
			addLinear(prefix+"self_attn.qkv_proj", a.QKV)
			params = a.AttentionParams
		default:
			return nil, fmt.Errorf("layer %d: cannot export attention %s", i, l.Attn.Kind())
		}
		addLinear(prefix+"self_attn.o_proj", params.O)
		if params.QNorm != nil {
			add(prefix+"self_attn.q_layernorm.weight", params.QNorm.Weight)
		}
		if params.KNorm != nil {
			add(prefix+"self_attn.k_layernorm.weight", params.KNorm.Weight)
		}

		switch m := l.MLP.(type) {
		case *MLP:
			addLinear(prefix+"mlp.gate_proj", m.Gate)
			addLinear(prefix+"mlp.up_proj", m.Up)
			addLinear(prefix+"mlp.down_proj", m.Down)
		case *FusedMLP:
			addLinear(prefix+"mlp.gate_up_proj", m.GateUp)
			addLinear(prefix+"mlp.down_proj", m.Down)
		default:
			return nil, fmt.Errorf("layer %d: cannot export feed-forward %s", i, l.MLP.Kind())
		}
	}
	addNorm("model.norm", d.Norm)
	if !d.Config.TieWordEmbeddings {
		add("lm_head.weight", d.LMHead.Weight)
	}
	return out, nil
}

// GGUFMetadata returns the stablelm.* keys ConfigFromGGUF reads back.
func (c Config) GGUFMetadata() map[string]interface{} {
	return map[string]interface{}{
		"general.architecture":                  "stablelm",
		"stablelm.context_length":               uint32(c.MaxPositionEmbeddings),
		"stablelm.embedding_length":             uint32(c.HiddenSize),
		"stablelm.block_count":                  uint32(c.NumHiddenLayers),
		"stablelm.feed_forward_length":          uint32(c.IntermediateSize),
		"stablelm.rope.dimension_count":         uint32(c.RotaryDim()),
		"stablelm.rope.freq_base":               float32(c.RopeTheta),
		"stablelm.attention.head_count":         uint32(c.NumAttentionHeads),
		"stablelm.attention.head_count_kv":      uint32(c.NumKeyValueHeads),
		"stablelm.attention.layer_norm_epsilon": float32(c.LayerNormEps),
		"stablelm.use_parallel_residual":        c.UseParallelResidual,
		"tokenizer.ggml.bos_token_id":           uint32(c.BOSTokenID),
		"tokenizer.ggml.eos_token_id":           uint32(c.EOSTokenID),
	}
}

// WriteGGUF stores the decoder with llama.cpp tensor names. Matrices use
// dtype when their rows allow it and F32 otherwise; vectors are F32.
func (d *Decoder) WriteGGUF(path string, dtype gguf.DType) error {
	tensors, err := d.StateDict()
	if err != nil {
		return err
	}

	w := gguf.NewWriter()
	meta := d.Config.GGUFMetadata()
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		if err := w.SetMetadata(k, meta[k]); err != nil {
			return err
		}
	}

	for _, nt := range tensors {
		name, ok := checkpoint.GGUFName(nt.Name)
		if !ok {
			return fmt.Errorf("no GGUF name for %s", nt.Name)
		}
		dt := dtype
		if nt.Tensor.Rank() < 2 || (dt == gguf.DTypeQ8_0 && nt.Tensor.Dim(-1)%32 != 0) {
			dt = gguf.DTypeF32
		}
		if err := w.AddTensor(name, dt, nt.Tensor.Shape, nt.Tensor.Data); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// WriteSafetensors writes model.safetensors and config.json into dir.
func (d *Decoder) WriteSafetensors(dir string) error {
	tensors, err := d.StateDict()
	if err != nil {
		return err
	}

	st := make([]safetensors.Tensor, len(tensors))
	for i, nt := range tensors {
		st[i] = safetensors.Tensor{Name: nt.Name, Shape: nt.Tensor.Shape, Data: nt.Tensor.Data}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := safetensors.Write(filepath.Join(dir, "model.safetensors"), st, map[string]string{"format": "pt"}); err != nil {
		return err
	}

	cfg, err := json.MarshalIndent(d.Config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), cfg, 0o644)
}
