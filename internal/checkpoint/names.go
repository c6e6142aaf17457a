package checkpoint

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/headlands-org/go-stablelm/internal/gguf"
)

// GGUF block tensor names and their Hugging Face counterparts. The fused
// entries are what the fuse command writes.
var blockNames = map[string]string{
	"attn_norm":   "input_layernorm",
	"attn_q":      "self_attn.q_proj",
	"attn_k":      "self_attn.k_proj",
	"attn_v":      "self_attn.v_proj",
	"attn_qkv":    "self_attn.qkv_proj",
	"attn_output": "self_attn.o_proj",
	"attn_q_norm": "self_attn.q_layernorm",
	"attn_k_norm": "self_attn.k_layernorm",
	"ffn_norm":    "post_attention_layernorm",
	"ffn_gate":    "mlp.gate_proj",
	"ffn_up":      "mlp.up_proj",
	"ffn_gate_up": "mlp.gate_up_proj",
	"ffn_down":    "mlp.down_proj",
}

var globalNames = map[string]string{
	"token_embd":  "model.embed_tokens",
	"output_norm": "model.norm",
	"output":      "lm_head",
}

var (
	ggufBlock = regexp.MustCompile(`^blk\.(\d+)\.([a-z_]+)\.(weight|bias)$`)
	hfBlock   = regexp.MustCompile(`^model\.layers\.(\d+)\.([a-z_.]+)\.(weight|bias)$`)
)

// HFName maps a GGUF tensor name to its Hugging Face name.
func HFName(name string) (string, bool) {
	if m := ggufBlock.FindStringSubmatch(name); m != nil {
		hf, ok := blockNames[m[2]]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("model.layers.%s.%s.%s", m[1], hf, m[3]), true
	}

	base, suffix, ok := strings.Cut(name, ".")
	if !ok {
		return "", false
	}
	hf, ok := globalNames[base]
	if !ok {
		return "", false
	}
	return hf + "." + suffix, true
}

// GGUFName is the inverse of HFName.
func GGUFName(name string) (string, bool) {
	if m := hfBlock.FindStringSubmatch(name); m != nil {
		for g, hf := range blockNames {
			if hf == m[2] {
				return fmt.Sprintf("blk.%s.%s.%s", m[1], g, m[3]), true
			}
		}
		return "", false
	}

	for g, hf := range globalNames {
		if suffix, ok := strings.CutPrefix(name, hf+"."); ok {
			return g + "." + suffix, true
		}
	}
	return "", false
}

// ggufSource presents a GGUF file under Hugging Face names.
type ggufSource struct {
	r     *gguf.Reader
	names map[string]string // HF -> GGUF
	order []string
}

func newGGUFSource(r *gguf.Reader) *ggufSource {
	s := &ggufSource{r: r, names: make(map[string]string)}
	for _, name := range r.Names() {
		hf, ok := HFName(name)
		if !ok {
			// unknown tensors stay reachable under their own name
			hf = name
		}
		s.names[hf] = name
		s.order = append(s.order, hf)
	}
	slices.Sort(s.order)
	return s
}

func (s *ggufSource) Names() []string { return slices.Clone(s.order) }

func (s *ggufSource) Has(name string) bool {
	_, ok := s.names[name]
	return ok
}

func (s *ggufSource) Float32(name string) ([]float32, []int, error) {
	g, ok := s.names[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return s.r.Float32(g)
}

func (s *ggufSource) Close() error { return s.r.Close() }

// GGUF returns the underlying reader when src was opened from a GGUF file.
func GGUF(src Source) (*gguf.Reader, bool) {
	s, ok := src.(*ggufSource)
	if !ok {
		return nil, false
	}
	return s.r, true
}
