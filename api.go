package stablelm

import (
	"context"
	"fmt"

	"github.com/headlands-org/go-stablelm/pkg/lm"
)

// Option configures the runtime.
type Option = lm.Option

// Options helpers for configuring the runtime.
var (
	WithThreads    = lm.WithThreads
	WithVerbose    = lm.WithVerbose
	WithoutFusion  = lm.WithoutFusion
	WithoutCache   = lm.WithoutCache
	WithStopAtEOS  = lm.WithStopAtEOS
	ErrNoTokenizer = lm.ErrNoTokenizer
)

// Runtime wraps the underlying generation runtime and exposes a simplified API.
type Runtime struct {
	inner lm.Runtime
}

// Open loads a checkpoint from disk and returns a Runtime.
func Open(path string, opts ...Option) (*Runtime, error) {
	rt, err := lm.Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return &Runtime{inner: rt}, nil
}

// Close releases resources associated with the runtime.
func (r *Runtime) Close() error {
	return r.inner.Close()
}

// MaxSeqLen reports the context length of the loaded model.
func (r *Runtime) MaxSeqLen() int {
	return r.inner.MaxSeqLen()
}

// VocabSize reports the number of logits per position.
func (r *Runtime) VocabSize() int {
	return r.inner.VocabSize()
}

// Complete returns prompt followed by up to maxTokens greedy tokens.
func (r *Runtime) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	out, err := r.inner.Generate(ctx, prompt, maxTokens)
	if err != nil {
		return "", err
	}
	return prompt + out, nil
}

// Generate returns only the generated continuation.
func (r *Runtime) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return r.inner.Generate(ctx, prompt, maxTokens)
}

// GenerateBatch continues several prompts concurrently.
func (r *Runtime) GenerateBatch(ctx context.Context, prompts []string, maxTokens int) ([]string, error) {
	return r.inner.GenerateBatch(ctx, prompts, maxTokens)
}

// NextToken returns the most likely token following prompt, decoded.
func (r *Runtime) NextToken(ctx context.Context, prompt string) (string, error) {
	ids, err := r.inner.Encode(prompt)
	if err != nil {
		return "", err
	}
	logits, err := r.inner.Logits(ctx, ids)
	if err != nil {
		return "", err
	}
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	text, err := r.inner.Decode([]int32{int32(best)})
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return text, nil
}

// Inner exposes the underlying runtime for advanced integrations.
func (r *Runtime) Inner() lm.Runtime {
	return r.inner
}
