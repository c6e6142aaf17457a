package stablelm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-stablelm/internal/checkpoint"
	"github.com/headlands-org/go-stablelm/internal/envconfig"
	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/kvcache"
	"github.com/headlands-org/go-stablelm/internal/nn"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// LoadOptions control Load and Build. Zero values fall back to the
// STABLELM_* environment.
type LoadOptions struct {
	Threads int  // worker pool size and layer-load parallelism
	NoFuse  bool // keep separate q/k/v and gate/up projections
	KVBlock int  // cache growth step in tokens

	// UseCache overrides the config's use_cache when set.
	UseCache *bool
}

func (o LoadOptions) withEnv() LoadOptions {
	if o.Threads <= 0 {
		o.Threads = envconfig.NumThreads()
	}
	if o.KVBlock <= 0 {
		o.KVBlock = int(envconfig.KVBlock())
	}
	o.NoFuse = o.NoFuse || envconfig.NoFuse()
	return o
}

// Load opens a checkpoint (GGUF file, safetensors or PyTorch file, or a
// directory of shards), reads its config and builds a decoder. Unless
// NoFuse is set the returned decoder is fused.
func Load(ctx context.Context, path string, opts LoadOptions) (*Decoder, error) {
	src, err := checkpoint.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer src.Close()

	cfg, err := ReadConfig(path, src)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return Build(ctx, cfg, src, opts)
}

// ReadConfig reads the config of the checkpoint at path: GGUF metadata for
// GGUF sources, config.json next to the weights otherwise.
func ReadConfig(path string, src checkpoint.Source) (Config, error) {
	if r, ok := checkpoint.GGUF(src); ok {
		return ConfigFromGGUF(r)
	}
	return LoadConfigJSON(configPath(path))
}

func configPath(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, "config.json")
	}
	return filepath.Join(filepath.Dir(path), "config.json")
}

// Build creates a decoder from cfg and the tensors of src. Layers are read
// concurrently. Tensors are copied, so src may be closed afterwards.
func Build(ctx context.Context, cfg Config, src checkpoint.Source, opts LoadOptions) (*Decoder, error) {
	opts = opts.withEnv()
	cfg.UseCache = envconfig.UseCache(cfg.UseCache)
	if opts.UseCache != nil {
		cfg.UseCache = *opts.UseCache
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	start := time.Now()
	b := &builder{
		cfg:    cfg,
		src:    src,
		rotary: kernels.NewRoPECache(cfg.RotaryDim(), float32(cfg.RopeTheta), cfg.MaxPositionEmbeddings),
		pool:   kernels.NewWorkerPool(opts.Threads),
	}

	d, err := b.decoder(ctx, opts.Threads)
	if err != nil {
		b.pool.Close()
		return nil, err
	}
	d.CacheOptions = []kvcache.Option{kvcache.WithBlock(opts.KVBlock)}
	slog.Info("loaded model", "layers", cfg.NumHiddenLayers, "hidden", cfg.HiddenSize, "heads", cfg.NumAttentionHeads,
		"kv_heads", cfg.NumKeyValueHeads, "rotary_dim", cfg.RotaryDim(), "threads", d.pool.Size(), "elapsed", time.Since(start))

	if opts.NoFuse {
		return d, nil
	}
	fused, report := d.Fuse()
	slog.Info("fused projections", "layers", report.Layers, "attention", report.AttentionFused, "mlp", report.FeedForwardFused,
		"not_applicable", report.AttentionSkipped+report.FeedForwardSkipped)
	return fused, nil
}

type builder struct {
	cfg    Config
	src    checkpoint.Source
	rotary *kernels.RoPECache
	pool   *kernels.WorkerPool
}

func (b *builder) decoder(ctx context.Context, threads int) (*Decoder, error) {
	cfg := b.cfg
	embed, err := b.tensor("model.embed_tokens.weight", cfg.VocabSize, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	norm, err := b.layerNorm("model.norm")
	if err != nil {
		return nil, err
	}

	head := &nn.Linear{Weight: embed}
	if !cfg.TieWordEmbeddings || b.src.Has("lm_head.weight") {
		if head.Weight, err = b.tensor("lm_head.weight", cfg.VocabSize, cfg.HiddenSize); err != nil {
			return nil, err
		}
	}

	layers := make([]*DecoderLayer, cfg.NumHiddenLayers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(threads, 1))
	for i := range layers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			layer, err := b.layer(i)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			layers[i] = layer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Decoder{
		Config: cfg,
		Embed:  &nn.Embedding{Weight: embed},
		Layers: layers,
		Norm:   norm,
		LMHead: head,
		pool:   b.pool,
	}, nil
}

func (b *builder) tensor(name string, shape ...int) (*tensor.Tensor, error) {
	data, got, err := checkpoint.Load(b.src, name)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(got, shape) {
		return nil, fmt.Errorf("%s: shape %v, want %v", name, got, shape)
	}
	return tensor.FromData(data, shape...), nil
}

// optional loads name if present and returns nil otherwise.
func (b *builder) optional(name string, shape ...int) (*tensor.Tensor, error) {
	if !b.src.Has(name) {
		return nil, nil
	}
	return b.tensor(name, shape...)
}

func (b *builder) linear(prefix string, out, in int) (*nn.Linear, error) {
	w, err := b.tensor(prefix+".weight", out, in)
	if err != nil {
		return nil, err
	}
	bias, err := b.optional(prefix+".bias", out)
	if err != nil {
		return nil, err
	}
	return &nn.Linear{Weight: w, Bias: bias}, nil
}

func (b *builder) layerNorm(prefix string) (*nn.LayerNorm, error) {
	w, err := b.tensor(prefix+".weight", b.cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	bias, err := b.optional(prefix+".bias", b.cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	return &nn.LayerNorm{Weight: w, Bias: bias, Eps: float32(b.cfg.LayerNormEps)}, nil
}

// headNorm reads a per-head norm either stacked as one [heads, headDim]
// tensor or as one [headDim] tensor per head under prefix.norms.N.
func (b *builder) headNorm(prefix string, heads int) (*nn.HeadNorm, error) {
	hd := b.cfg.HeadDim()
	eps := float32(b.cfg.LayerNormEps)
	if b.src.Has(prefix + ".weight") {
		w, err := b.tensor(prefix+".weight", heads, hd)
		if err != nil {
			return nil, err
		}
		return &nn.HeadNorm{Weight: w, Eps: eps}, nil
	}

	parts := make([]*tensor.Tensor, heads)
	for h := range parts {
		w, err := b.tensor(fmt.Sprintf("%s.norms.%d.weight", prefix, h), hd)
		if err != nil {
			return nil, err
		}
		parts[h] = w.Reshape(1, hd)
	}
	return &nn.HeadNorm{Weight: tensor.Concat(0, parts...), Eps: eps}, nil
}

func (b *builder) layer(i int) (*DecoderLayer, error) {
	cfg := b.cfg
	prefix := fmt.Sprintf("model.layers.%d.", i)

	inputNorm, err := b.layerNorm(prefix + "input_layernorm")
	if err != nil {
		return nil, err
	}
	attn, err := b.attention(prefix+"self_attn", i)
	if err != nil {
		return nil, err
	}
	mlp, err := b.mlp(prefix + "mlp")
	if err != nil {
		return nil, err
	}

	layer := &DecoderLayer{InputNorm: inputNorm, Attn: attn, MLP: mlp}
	if !cfg.UseParallelResidual {
		if layer.PostAttnNorm, err = b.layerNorm(prefix + "post_attention_layernorm"); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

func (b *builder) attention(prefix string, index int) (AttentionLayer, error) {
	cfg := b.cfg
	hd := cfg.HeadDim()
	nq, nkv := cfg.NumAttentionHeads, cfg.NumKeyValueHeads

	params := AttentionParams{
		Rotary:     b.rotary,
		Dropout:    &nn.Dropout{P: cfg.AttentionDropout},
		Pool:       b.pool,
		Heads:      nq,
		KVHeads:    nkv,
		HeadDim:    hd,
		LayerIndex: index,
	}

	var err error
	if params.O, err = b.linear(prefix+".o_proj", cfg.HiddenSize, nq*hd); err != nil {
		return nil, err
	}
	if cfg.QKLayerNorm {
		if params.QNorm, err = b.headNorm(prefix+".q_layernorm", nq); err != nil {
			return nil, err
		}
		if params.KNorm, err = b.headNorm(prefix+".k_layernorm", nkv); err != nil {
			return nil, err
		}
	}

	// checkpoints written after fusion carry the stacked projection
	if b.src.Has(prefix + ".qkv_proj.weight") {
		qkv, err := b.linear(prefix+".qkv_proj", (nq+2*nkv)*hd, cfg.HiddenSize)
		if err != nil {
			return nil, err
		}
		return &FusedAttention{QKV: qkv, AttentionParams: params}, nil
	}

	a := &Attention{AttentionParams: params}
	if a.Q, err = b.linear(prefix+".q_proj", nq*hd, cfg.HiddenSize); err != nil {
		return nil, err
	}
	if a.K, err = b.linear(prefix+".k_proj", nkv*hd, cfg.HiddenSize); err != nil {
		return nil, err
	}
	if a.V, err = b.linear(prefix+".v_proj", nkv*hd, cfg.HiddenSize); err != nil {
		return nil, err
	}
	return a, nil
}

func (b *builder) mlp(prefix string) (FeedForward, error) {
	cfg := b.cfg
	act, err := nn.NewActivation(cfg.HiddenAct)
	if err != nil {
		return nil, err
	}
	down, err := b.linear(prefix+".down_proj", cfg.HiddenSize, cfg.IntermediateSize)
	if err != nil {
		return nil, err
	}

	if b.src.Has(prefix + ".gate_up_proj.weight") {
		gateUp, err := b.linear(prefix+".gate_up_proj", 2*cfg.IntermediateSize, cfg.HiddenSize)
		if err != nil {
			return nil, err
		}
		return &FusedMLP{GateUp: gateUp, Down: down, Act: act}, nil
	}

	gate, err := b.linear(prefix+".gate_proj", cfg.IntermediateSize, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	up, err := b.linear(prefix+".up_proj", cfg.IntermediateSize, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	return &MLP{Gate: gate, Up: up, Down: down, Act: act}, nil
}
