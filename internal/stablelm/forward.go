package stablelm

import (
	"context"
	"log/slog"

	"github.com/headlands-org/go-stablelm/internal/kvcache"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// ForwardArgs are the inputs of one model forward. Exactly one of
// InputIDs and InputsEmbeds is set.
type ForwardArgs struct {
	InputIDs     []int32        // [Batch, SeqLen]
	InputsEmbeds *tensor.Tensor // [batch, seq, hidden]
	Batch        int
	SeqLen       int

	// AttentionMask is the [Batch, past+SeqLen] padding mask: 1 keeps a
	// token, 0 hides it. Nil keeps everything.
	AttentionMask []int
	PositionIDs   []int // [Batch, SeqLen]

	PastKeyValues kvcache.Past
	// UseCache overrides Config.UseCache when set.
	UseCache *bool

	OutputAttentions   bool
	OutputHiddenStates bool
}

type ModelOutput struct {
	LastHidden    *tensor.Tensor // [batch, seq, hidden]
	Logits        *tensor.Tensor // [batch, seq, vocab]
	PastKeyValues kvcache.Past   // nil unless caching

	// HiddenStates holds the input of every layer followed by the final
	// normed output. Attentions holds each layer's weights.
	HiddenStates []*tensor.Tensor
	Attentions   []*tensor.Tensor
}

// BaseForward is the plain decoder computation a ForwardFunc wraps.
type BaseForward func(ctx context.Context, args ForwardArgs) (*ModelOutput, error)

type ForwardFunc func(ctx context.Context, args ForwardArgs) (*ModelOutput, error)

// NewForward wraps base so that caching always runs on a *kvcache.Dynamic.
// The use-cache flag comes from the arguments or else cfg; when it is on,
// any other past (nil or Legacy) is converted before base is called.
func NewForward(base BaseForward, cfg Config, opts ...kvcache.Option) ForwardFunc {
	return func(ctx context.Context, args ForwardArgs) (*ModelOutput, error) {
		useCache := cfg.UseCache
		if args.UseCache != nil {
			useCache = *args.UseCache
		}

		if useCache {
			if d, ok := args.PastKeyValues.(*kvcache.Dynamic); !ok || d == nil {
				dyn, err := kvcache.Normalize(args.PastKeyValues, opts...)
				if err != nil {
					return nil, err
				}
				slog.Debug("converted past key values", "from", pastKind(args.PastKeyValues), "seq", dyn.SeenTokens())
				args.PastKeyValues = dyn
			}
		}
		args.UseCache = &useCache
		return base(ctx, args)
	}
}

func pastKind(p kvcache.Past) string {
	switch p.(type) {
	case nil:
		return "none"
	case kvcache.Legacy:
		return "legacy"
	case *kvcache.Dynamic:
		return "dynamic"
	}
	return "unknown"
}
