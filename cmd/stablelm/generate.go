package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headlands-org/go-stablelm/pkg/lm"
)

func GenerateHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	prompt, _ := flags.GetString("prompt")
	tokens, _ := flags.GetString("tokens")
	maxTokens, _ := flags.GetInt("max-tokens")
	threads, _ := flags.GetInt("threads")
	noCache, _ := flags.GetBool("no-cache")
	noFuse, _ := flags.GetBool("no-fuse")
	ignoreEOS, _ := flags.GetBool("ignore-eos")

	if (prompt == "") == (tokens == "") {
		return errors.New("exactly one of --prompt or --tokens is required")
	}

	opts := []lm.Option{lm.WithThreads(threads), lm.WithStopAtEOS(!ignoreEOS)}
	if noCache {
		opts = append(opts, lm.WithoutCache())
	}
	if noFuse {
		opts = append(opts, lm.WithoutFusion())
	}
	rt, err := lm.Open(args[0], opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	if prompt != "" {
		text, err := rt.Generate(cmd.Context(), prompt, maxTokens)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, prompt+text)
		return nil
	}

	ids, err := parseTokens(tokens)
	if err != nil {
		return err
	}
	generated, err := rt.GenerateTokens(cmd.Context(), ids, maxTokens)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatTokens(generated))
	if text, err := rt.Decode(generated); err == nil {
		fmt.Fprintln(out, text)
	} else if !errors.Is(err, lm.ErrNoTokenizer) {
		return err
	}
	return nil
}

func TokenizeHandler(cmd *cobra.Command, args []string) error {
	rt, err := lm.Open(args[0])
	if err != nil {
		return err
	}
	defer rt.Close()

	ids, err := rt.Encode(args[1])
	if err != nil {
		return err
	}

	table := newTable(cmd.OutOrStdout(), "ID", "TOKEN")
	for _, id := range ids {
		piece, err := rt.Decode([]int32{id})
		if err != nil {
			return err
		}
		table.Append([]string{strconv.Itoa(int(id)), strconv.Quote(piece)})
	}
	table.Render()
	return nil
}

func parseTokens(s string) ([]int32, error) {
	var ids []int32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", field)
		}
		ids = append(ids, int32(id))
	}
	if len(ids) == 0 {
		return nil, errors.New("no token ids given")
	}
	return ids, nil
}

func formatTokens(ids []int32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
