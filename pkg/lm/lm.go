// Package lm provides a high-level API for StableLM text generation
package lm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-stablelm/internal/gguf"
	"github.com/headlands-org/go-stablelm/internal/logutil"
	"github.com/headlands-org/go-stablelm/internal/stablelm"
	"github.com/headlands-org/go-stablelm/internal/tokenizer"
)

// ErrNoTokenizer is returned by the text methods when the checkpoint came
// without a tokenizer.
var ErrNoTokenizer = errors.New("lm: checkpoint has no tokenizer")

// Runtime is the main interface for the generation runtime
type Runtime interface {
	// Generate continues prompt greedily and returns the generated text.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)

	// GenerateBatch runs Generate for every prompt, NumThreads at a time.
	GenerateBatch(ctx context.Context, prompts []string, maxTokens int) ([]string, error)

	// GenerateTokens continues a tokenized prompt.
	GenerateTokens(ctx context.Context, prompt []int32, maxTokens int) ([]int32, error)

	// Logits returns the next-token logits after ids.
	Logits(ctx context.Context, ids []int32) ([]float32, error)

	Encode(text string) ([]int32, error)
	Decode(ids []int32) (string, error)

	// Close releases resources
	Close() error

	VocabSize() int

	// MaxSeqLen returns the maximum sequence length
	MaxSeqLen() int
}

// Options configures the runtime
type Options struct {
	// NumThreads sizes the attention worker pool and bounds GenerateBatch
	// concurrency. 0 uses STABLELM_NUM_THREADS or GOMAXPROCS.
	NumThreads int

	// Verbose logs load and generation details at debug level.
	Verbose bool

	// DisableFusion keeps the separate q/k/v and gate/up projections.
	DisableFusion bool

	// DisableCache re-runs the whole sequence at every generation step.
	DisableCache bool

	// StopAtEOS ends generation at the tokenizer's or config's EOS token.
	// Default: true
	StopAtEOS bool
}

// Option is a functional option for configuring the runtime
type Option func(*Options)

// WithThreads sets the number of threads
func WithThreads(n int) Option {
	return func(o *Options) {
		o.NumThreads = n
	}
}

// WithVerbose enables verbose logging
func WithVerbose(v bool) Option {
	return func(o *Options) {
		o.Verbose = v
	}
}

func WithoutFusion() Option {
	return func(o *Options) {
		o.DisableFusion = true
	}
}

func WithoutCache() Option {
	return func(o *Options) {
		o.DisableCache = true
	}
}

func WithStopAtEOS(stop bool) Option {
	return func(o *Options) {
		o.StopAtEOS = stop
	}
}

type lmRuntime struct {
	model   *stablelm.Decoder
	tok     *tokenizer.Tokenizer
	options Options
	logger  *slog.Logger
}

// Open loads a checkpoint (GGUF file, safetensors or PyTorch file, or a
// Hugging Face model directory) and returns a Runtime. The tokenizer is
// read from GGUF metadata or from tokenizer.json next to the weights.
func Open(path string, opts ...Option) (Runtime, error) {
	options := Options{StopAtEOS: true}
	for _, opt := range opts {
		opt(&options)
	}

	useCache := !options.DisableCache
	model, err := stablelm.Load(context.Background(), path, stablelm.LoadOptions{
		Threads:  options.NumThreads,
		NoFuse:   options.DisableFusion,
		UseCache: &useCache,
	})
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	tok, err := loadTokenizer(path)
	if err != nil {
		model.Close()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	if tok != nil && tok.EOS() >= 0 {
		model.Config.EOSTokenID = tok.EOS()
	}

	logger := slog.Default()
	if options.Verbose {
		logger = logutil.NewLogger(os.Stderr, slog.LevelDebug).With("model", filepath.Base(path))
	}
	logger.Debug("runtime ready", "vocab", model.Config.VocabSize, "tokenizer", tok != nil)
	return &lmRuntime{model: model, tok: tok, options: options, logger: logger}, nil
}

// loadTokenizer returns nil without an error when no tokenizer is found.
func loadTokenizer(path string) (*tokenizer.Tokenizer, error) {
	if strings.EqualFold(filepath.Ext(path), ".gguf") {
		r, err := gguf.Open(path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		if _, ok := r.GetMetadata("tokenizer.ggml.tokens"); !ok {
			return nil, nil
		}
		return tokenizer.LoadFromGGUF(r.GetMetadata)
	}

	dir := path
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		dir = filepath.Dir(path)
	}
	tj := filepath.Join(dir, "tokenizer.json")
	if _, err := os.Stat(tj); err == nil {
		return tokenizer.LoadJSON(tj)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	// a directory holding a GGUF file carries its vocabulary in metadata
	if info != nil && info.IsDir() {
		matches, err := filepath.Glob(filepath.Join(dir, "*.gguf"))
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			slices.Sort(matches)
			return loadTokenizer(matches[0])
		}
	}
	return nil, nil
}

func (r *lmRuntime) Encode(text string) ([]int32, error) {
	if r.tok == nil {
		return nil, ErrNoTokenizer
	}
	return r.tok.Encode(text)
}

func (r *lmRuntime) Decode(ids []int32) (string, error) {
	if r.tok == nil {
		return "", ErrNoTokenizer
	}
	return r.tok.Decode(ids)
}

func (r *lmRuntime) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ids, err := r.Encode(prompt)
	if err != nil {
		return "", fmt.Errorf("tokenize: %w", err)
	}
	out, err := r.GenerateTokens(ctx, ids, maxTokens)
	if err != nil {
		return "", err
	}
	return r.Decode(out)
}

func (r *lmRuntime) GenerateBatch(ctx context.Context, prompts []string, maxTokens int) ([]string, error) {
	if len(prompts) == 0 {
		return nil, nil
	}

	results := make([]string, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(r.model.Threads(), len(prompts))))
	for i, prompt := range prompts {
		g.Go(func() error {
			text, err := r.Generate(gctx, prompt, maxTokens)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			results[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (r *lmRuntime) GenerateTokens(ctx context.Context, prompt []int32, maxTokens int) ([]int32, error) {
	if len(prompt) > r.MaxSeqLen() {
		return nil, fmt.Errorf("sequence too long: %d > %d", len(prompt), r.MaxSeqLen())
	}
	// generation stops at the context length
	maxTokens = min(maxTokens, r.MaxSeqLen()-len(prompt))

	out, err := stablelm.Generate(ctx, r.model, prompt, stablelm.GenerateOptions{
		MaxTokens: maxTokens,
		StopAtEOS: r.options.StopAtEOS,
	})
	if err != nil {
		return out, fmt.Errorf("generate: %w", err)
	}
	r.logger.Debug("generated", "prompt", len(prompt), "tokens", len(out))
	return out, nil
}

func (r *lmRuntime) Logits(ctx context.Context, ids []int32) ([]float32, error) {
	off := false
	out, err := r.model.ForwardFunc()(ctx, stablelm.ForwardArgs{
		InputIDs: ids,
		Batch:    1,
		SeqLen:   len(ids),
		UseCache: &off,
	})
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	vocab := r.model.Config.VocabSize
	last := out.Logits.Data[len(out.Logits.Data)-vocab:]
	return append([]float32(nil), last...), nil
}

func (r *lmRuntime) Close() error {
	return r.model.Close()
}

func (r *lmRuntime) VocabSize() int {
	return r.model.Config.VocabSize
}

func (r *lmRuntime) MaxSeqLen() int {
	return r.model.Config.MaxPositionEmbeddings
}
