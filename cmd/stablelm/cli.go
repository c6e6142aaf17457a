package main

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/headlands-org/go-stablelm/internal/envconfig"
	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stablelm",
		Short: "StableLM checkpoint tools",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	inspectCmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Show the config and tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().Int("limit", 20, "Maximum number of tensors to list (0 lists all)")

	fuseCmd := &cobra.Command{
		Use:   "fuse CHECKPOINT",
		Short: "Fuse q/k/v and gate/up projections and optionally save the result",
		Args:  cobra.ExactArgs(1),
		RunE:  FuseHandler,
	}
	fuseCmd.Flags().StringP("output", "o", "", "Write the fused model to a .gguf file or a safetensors directory")
	fuseCmd.Flags().String("type", "f32", "GGUF tensor type for matrices (f32, f16, bf16, q8_0)")

	generateCmd := &cobra.Command{
		Use:   "generate CHECKPOINT",
		Short: "Continue a prompt with greedy decoding",
		Args:  cobra.ExactArgs(1),
		RunE:  GenerateHandler,
	}
	generateCmd.Flags().StringP("prompt", "p", "", "Prompt text")
	generateCmd.Flags().String("tokens", "", "Prompt as comma-separated token ids")
	generateCmd.Flags().IntP("max-tokens", "n", 32, "Maximum number of tokens to generate")
	generateCmd.Flags().Int("threads", 0, "Worker threads (default STABLELM_NUM_THREADS or GOMAXPROCS)")
	generateCmd.Flags().Bool("no-cache", false, "Re-run the whole sequence at every step")
	generateCmd.Flags().Bool("no-fuse", false, "Keep separate q/k/v and gate/up projections")
	generateCmd.Flags().Bool("ignore-eos", false, "Keep generating after the end-of-text token")

	tokenizeCmd := &cobra.Command{
		Use:   "tokenize CHECKPOINT TEXT",
		Short: "Show the tokens of a text",
		Args:  cobra.ExactArgs(2),
		RunE:  TokenizeHandler,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment settings and CPU features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printEnv(cmd.OutOrStdout())
			return nil
		},
	}

	rootCmd.AddCommand(inspectCmd, fuseCmd, generateCmd, tokenizeCmd, envCmd)
	return rootCmd
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	if len(header) > 0 {
		table.SetHeader(header)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetAutoFormatHeaders(false)
	}
	return table
}

func printEnv(w io.Writer) {
	vars := envconfig.AsMap()
	table := newTable(w, "VARIABLE", "VALUE", "DESCRIPTION")
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		v := vars[k]
		table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
	}
	table.Render()
	fmt.Fprintf(w, "\nCPU: %s\n", kernels.Features())
}
