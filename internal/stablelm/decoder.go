package stablelm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/kvcache"
	"github.com/headlands-org/go-stablelm/internal/logutil"
	"github.com/headlands-org/go-stablelm/internal/nn"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

var (
	ErrEmptyInput      = errors.New("stablelm: empty input")
	ErrTokenOutOfRange = errors.New("stablelm: token id out of range")
)

// DecoderLayer is one transformer block.
type DecoderLayer struct {
	InputNorm *nn.LayerNorm
	Attn      AttentionLayer
	// PostAttnNorm is nil for parallel-residual models.
	PostAttnNorm *nn.LayerNorm
	MLP          FeedForward
}

func (l *DecoderLayer) forward(in AttentionInput, parallel bool) (*tensor.Tensor, AttentionOutput, error) {
	residual := in.Hidden
	normed := l.InputNorm.Forward(residual)

	in.Hidden = normed
	attn, err := l.Attn.Forward(in)
	if err != nil {
		return nil, AttentionOutput{}, err
	}

	if parallel {
		h := tensor.Add(tensor.Add(residual, attn.Hidden), l.MLP.Forward(normed))
		return h, attn, nil
	}

	h := tensor.Add(residual, attn.Hidden)
	h = tensor.Add(h, l.MLP.Forward(l.PostAttnNorm.Forward(h)))
	return h, attn, nil
}

// Decoder is a StableLM causal language model.
type Decoder struct {
	Config Config
	Embed  *nn.Embedding
	Layers []*DecoderLayer
	Norm   *nn.LayerNorm
	LMHead *nn.Linear

	// CacheOptions configure caches created by Generate and ForwardFunc.
	CacheOptions []kvcache.Option

	pool *kernels.WorkerPool
}

// Close stops the worker pool shared by the decoder's attention layers.
func (d *Decoder) Close() error {
	d.pool.Close()
	return nil
}

// Threads returns the worker pool size.
func (d *Decoder) Threads() int {
	return d.pool.Size()
}

// Fuse returns a decoder whose layers went through FuseQKV and FuseMLP.
// The receiver is left as is; both share weights that fusion does not
// replace, and the worker pool.
func (d *Decoder) Fuse() (*Decoder, FusionReport) {
	var report FusionReport

	fused := *d
	fused.Layers = make([]*DecoderLayer, len(d.Layers))
	for i, l := range d.Layers {
		attn, attnResult := FuseQKV(l.Attn)
		mlp, mlpResult := FuseMLP(l.MLP)
		report.record(attnResult, mlpResult)
		logutil.Trace("fused layer", "layer", i, "attention", attnResult, "mlp", mlpResult)

		fused.Layers[i] = &DecoderLayer{
			InputNorm:    l.InputNorm,
			Attn:         attn.(AttentionLayer),
			PostAttnNorm: l.PostAttnNorm,
			MLP:          mlp.(FeedForward),
		}
	}
	return &fused, report
}

// ForwardFunc returns the model forward: Forward wrapped by NewForward.
func (d *Decoder) ForwardFunc() ForwardFunc {
	return NewForward(d.Forward, d.Config, d.CacheOptions...)
}

// Forward is the base decoder computation. With caching on, a Legacy past
// is converted here and returned as Legacy; a *kvcache.Dynamic is updated
// in place and returned. On error the Dynamic is rolled back to its
// length before the call.
func (d *Decoder) Forward(ctx context.Context, args ForwardArgs) (*ModelOutput, error) {
	hidden, err := d.embed(args)
	if err != nil {
		return nil, err
	}
	batch, seq := hidden.Dim(0), hidden.Dim(1)

	useCache := d.Config.UseCache
	if args.UseCache != nil {
		useCache = *args.UseCache
	}

	var cache *kvcache.Dynamic
	legacyIn := false
	if useCache {
		_, legacyIn = args.PastKeyValues.(kvcache.Legacy)
		cache, err = kvcache.Normalize(args.PastKeyValues, d.CacheOptions...)
		if err != nil {
			return nil, err
		}
	}

	past := 0
	if cache != nil {
		past = cache.UsableLength(seq, 0)
	}
	kvLen := past + seq

	if args.AttentionMask != nil && len(args.AttentionMask) != batch*kvLen {
		return nil, fmt.Errorf("attention mask has %d entries, want batch %d x %d", len(args.AttentionMask), batch, kvLen)
	}
	if args.PositionIDs != nil && len(args.PositionIDs) != batch*seq {
		return nil, fmt.Errorf("%d position ids for batch %d x seq %d", len(args.PositionIDs), batch, seq)
	}
	positions := args.PositionIDs
	if positions == nil {
		positions = defaultPositions(batch, seq, past)
	}
	mask := tensor.FromData(kernels.CausalMask(batch, seq, kvLen, past, args.AttentionMask), batch, 1, seq, kvLen)

	out := &ModelOutput{}
	var layerCache kvcache.Cache
	var mark kvcache.Mark
	if cache != nil {
		layerCache = cache
		mark = cache.Mark()
	}
	// a failed forward leaves a caller's Dynamic as it was
	fail := func(err error) (*ModelOutput, error) {
		if cache != nil {
			cache.Rollback(mark)
		}
		return nil, err
	}

	for i, layer := range d.Layers {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if args.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden)
		}

		var attn AttentionOutput
		hidden, attn, err = layer.forward(AttentionInput{
			Hidden:           hidden,
			Mask:             mask,
			PositionIDs:      positions,
			Cache:            layerCache,
			OutputAttentions: args.OutputAttentions,
		}, d.Config.UseParallelResidual)
		if err != nil {
			return fail(fmt.Errorf("layer %d: %w", i, err))
		}
		if args.OutputAttentions {
			out.Attentions = append(out.Attentions, attn.Weights)
		}
	}

	hidden = d.Norm.Forward(hidden)
	if args.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}
	out.LastHidden = hidden
	out.Logits = d.LMHead.Forward(hidden)

	if cache != nil {
		if legacyIn {
			out.PastKeyValues = cache.ToLegacy()
		} else {
			out.PastKeyValues = cache
		}
	}

	slog.Debug("forward", "batch", batch, "seq", seq, "past", past, "cache", useCache)
	return out, nil
}

func (d *Decoder) embed(args ForwardArgs) (*tensor.Tensor, error) {
	if args.InputsEmbeds != nil {
		if args.InputIDs != nil {
			return nil, errors.New("specify either input ids or input embeddings, not both")
		}
		e := args.InputsEmbeds
		if e.Rank() != 3 || e.Dim(1) == 0 || e.Dim(2) != d.Config.HiddenSize {
			return nil, fmt.Errorf("%w: input embeddings %v", ErrEmptyInput, e.Shape)
		}
		return e, nil
	}

	if len(args.InputIDs) == 0 || args.Batch <= 0 || args.SeqLen <= 0 {
		return nil, ErrEmptyInput
	}
	if len(args.InputIDs) != args.Batch*args.SeqLen {
		return nil, fmt.Errorf("%d input ids for batch %d x seq %d", len(args.InputIDs), args.Batch, args.SeqLen)
	}
	vocab := d.Embed.VocabSize()
	for i, id := range args.InputIDs {
		if id < 0 || int(id) >= vocab {
			return nil, fmt.Errorf("%w: %d at index %d (vocab %d)", ErrTokenOutOfRange, id, i, vocab)
		}
	}

	e, err := d.Embed.Forward(args.InputIDs)
	if err != nil {
		return nil, err
	}
	return e.Reshape(args.Batch, args.SeqLen, d.Config.HiddenSize), nil
}
