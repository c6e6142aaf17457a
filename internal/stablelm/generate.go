package stablelm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/headlands-org/go-stablelm/internal/kvcache"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

type GenerateOptions struct {
	MaxTokens int
	// StopAtEOS ends generation after the config's EOS token is produced.
	StopAtEOS bool
	// UseCache overrides the config's use_cache when set. Without a cache
	// every step re-runs the whole sequence.
	UseCache *bool
	// OnToken, when set, receives each generated token as it is produced.
	OnToken func(id int32)
}

// Generate extends prompt greedily and returns the new tokens. It stops
// after MaxTokens, at EOS when StopAtEOS is set, or when ctx is done.
func Generate(ctx context.Context, d *Decoder, prompt []int32, opts GenerateOptions) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, ErrEmptyInput
	}
	if opts.MaxTokens <= 0 {
		return nil, nil
	}

	forward := d.ForwardFunc()
	useCache := d.Config.UseCache
	if opts.UseCache != nil {
		useCache = *opts.UseCache
	}

	var (
		past   kvcache.Past
		out    []int32
		seq    = append([]int32(nil), prompt...)
		input  = seq
		start  = time.Now()
		scores = make([]float64, d.Config.VocabSize)
	)
	for len(out) < opts.MaxTokens {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := forward(ctx, ForwardArgs{
			InputIDs:      input,
			Batch:         1,
			SeqLen:        len(input),
			PastKeyValues: past,
			UseCache:      &useCache,
		})
		if err != nil {
			return out, fmt.Errorf("step %d: %w", len(out), err)
		}

		next := argmaxLast(res.Logits, scores)
		out = append(out, next)
		seq = append(seq, next)
		if opts.OnToken != nil {
			opts.OnToken(next)
		}
		if opts.StopAtEOS && next == d.Config.EOSTokenID {
			break
		}

		if useCache {
			past = res.PastKeyValues
			input = []int32{next}
		} else {
			input = seq
		}
	}

	slog.Debug("generated", "prompt", len(prompt), "tokens", len(out), "cache", useCache, "elapsed", time.Since(start))
	return out, nil
}

// argmaxLast returns the highest-scoring token of the last position of
// logits [1, seq, vocab]. scores is scratch space of vocab entries.
func argmaxLast(logits *tensor.Tensor, scores []float64) int32 {
	vocab := logits.Dim(-1)
	row := logits.Data[logits.Numel()-vocab:]
	for i, v := range row {
		scores[i] = float64(v)
	}
	return int32(floats.MaxIdx(scores[:vocab]))
}
