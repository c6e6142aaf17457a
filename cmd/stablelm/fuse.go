package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headlands-org/go-stablelm/internal/gguf"
	"github.com/headlands-org/go-stablelm/internal/stablelm"
)

var ggufTypes = map[string]gguf.DType{
	"f32":  gguf.DTypeF32,
	"f16":  gguf.DTypeF16,
	"bf16": gguf.DTypeBF16,
	"q8_0": gguf.DTypeQ8_0,
}

func FuseHandler(cmd *cobra.Command, args []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	typeName, err := cmd.Flags().GetString("type")
	if err != nil {
		return err
	}
	dtype, ok := ggufTypes[strings.ToLower(typeName)]
	if !ok {
		return fmt.Errorf("unsupported tensor type %q", typeName)
	}

	d, err := stablelm.Load(cmd.Context(), args[0], stablelm.LoadOptions{NoFuse: true})
	if err != nil {
		return err
	}
	defer d.Close()

	fused, report := d.Fuse()

	out := cmd.OutOrStdout()
	table := newTable(out, "MODULE", "FUSED", "NOT APPLICABLE")
	table.Append([]string{"attention", strconv.Itoa(report.AttentionFused), strconv.Itoa(report.AttentionSkipped)})
	table.Append([]string{"mlp", strconv.Itoa(report.FeedForwardFused), strconv.Itoa(report.FeedForwardSkipped)})
	table.Render()

	if output == "" {
		return nil
	}
	if strings.EqualFold(filepath.Ext(output), ".gguf") {
		err = fused.WriteGGUF(output, dtype)
	} else {
		err = fused.WriteSafetensors(output)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Fprintf(out, "\nwrote %s\n", output)
	return nil
}
