package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/headlands-org/go-stablelm/internal/checkpoint"
	"github.com/headlands-org/go-stablelm/internal/stablelm"
)

func InspectHandler(cmd *cobra.Command, args []string) error {
	path := args[0]
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	src, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	cfg, err := stablelm.ReadConfig(path, src)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out := cmd.OutOrStdout()
	if r, ok := checkpoint.GGUF(src); ok {
		h := r.Header()
		fmt.Fprintf(out, "GGUF v%d: %d tensors, %d metadata keys\n\n", h.Version, h.TensorCount, h.MetadataKVSize)
	}

	fmt.Fprintln(out, "Config:")
	table := newTable(out)
	table.AppendBulk(configRows(cfg))
	table.Render()

	names := src.Names()
	shown := names
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	fmt.Fprintf(out, "\nTensors: %d\n", len(names))
	table = newTable(out, "NAME", "TYPE", "SHAPE")
	for _, name := range shown {
		dtype, shape, err := tensorInfo(src, name)
		if err != nil {
			return err
		}
		table.Append([]string{name, dtype, fmt.Sprint(shape)})
	}
	table.Render()
	if len(shown) < len(names) {
		fmt.Fprintf(out, "... and %d more\n", len(names)-len(shown))
	}
	return nil
}

// tensorInfo reads the header only for GGUF files; other formats decode
// the tensor to learn its shape.
func tensorInfo(src checkpoint.Source, name string) (string, []int, error) {
	if r, ok := checkpoint.GGUF(src); ok {
		g, ok := checkpoint.GGUFName(name)
		if !ok {
			g = name
		}
		if desc, ok := r.GetTensor(g); ok {
			shape := slices.Clone(desc.Shape)
			slices.Reverse(shape)
			return desc.DType.String(), shape, nil
		}
	}

	_, shape, err := src.Float32(name)
	if err != nil {
		return "", nil, err
	}
	return "F32", shape, nil
}

func configRows(c stablelm.Config) [][]string {
	itoa := strconv.Itoa
	ftoa := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
	btoa := strconv.FormatBool
	return [][]string{
		{"vocab_size", itoa(c.VocabSize)},
		{"hidden_size", itoa(c.HiddenSize)},
		{"intermediate_size", itoa(c.IntermediateSize)},
		{"num_hidden_layers", itoa(c.NumHiddenLayers)},
		{"num_attention_heads", itoa(c.NumAttentionHeads)},
		{"num_key_value_heads", itoa(c.NumKeyValueHeads)},
		{"head_dim", itoa(c.HeadDim())},
		{"rotary_dim", itoa(c.RotaryDim())},
		{"hidden_act", c.HiddenAct},
		{"max_position_embeddings", itoa(c.MaxPositionEmbeddings)},
		{"rope_theta", ftoa(c.RopeTheta)},
		{"partial_rotary_factor", ftoa(c.PartialRotaryFactor)},
		{"layer_norm_eps", ftoa(c.LayerNormEps)},
		{"use_qkv_bias", btoa(c.UseQKVBias)},
		{"qk_layernorm", btoa(c.QKLayerNorm)},
		{"use_parallel_residual", btoa(c.UseParallelResidual)},
		{"tie_word_embeddings", btoa(c.TieWordEmbeddings)},
		{"use_cache", btoa(c.UseCache)},
	}
}
