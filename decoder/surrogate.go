package decoder

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// SurrogateConfig declares the surrogate decoder architecture.
type SurrogateConfig struct {
	// ImageChannels of the input batch.
	ImageChannels int

	// ScoreLength of the output vector, matching the victim decoder.
	ScoreLength int

	// NumConvLayers in the fixed-width feature stack.
	NumConvLayers int

	// NumPoolLayers of channel-doubling downsampling blocks.
	NumPoolLayers int

	// InitialChannels of the feature stack.
	InitialChannels int
}

// DefaultSurrogateConfig mirrors the standard attack decoder: 5 feature
// convolutions at 64 channels and 5 downsampling blocks.
func DefaultSurrogateConfig(imageChannels, scoreLength int) SurrogateConfig {
	return SurrogateConfig{
		ImageChannels:   imageChannels,
		ScoreLength:     scoreLength,
		NumConvLayers:   5,
		NumPoolLayers:   5,
		InitialChannels: 64,
	}
}

// Validate checks the architecture is buildable.
func (cfg SurrogateConfig) Validate() error {
	if cfg.ImageChannels <= 0 || cfg.ScoreLength <= 0 {
		return errors.Errorf("surrogate config: channels=%d scoreLength=%d must be positive",
			cfg.ImageChannels, cfg.ScoreLength)
	}
	if cfg.NumConvLayers < 1 || cfg.InitialChannels < 1 {
		return errors.Errorf("surrogate config: need at least one conv layer (got %d) with positive width (got %d)",
			cfg.NumConvLayers, cfg.InitialChannels)
	}
	return nil
}

// Surrogate is one trainable approximation of the victim decoder. Its
// parameters live under its own scope of the pool's context, independent
// of every other pool member.
type Surrogate struct {
	cfg   SurrogateConfig
	scope string
}

// Scope returns the context scope holding this surrogate's parameters.
func (s *Surrogate) Scope() string { return s.scope }

// Config returns the architecture.
func (s *Surrogate) Config() SurrogateConfig { return s.cfg }

// ForwardGraph builds the surrogate's forward pass: a fixed-width
// convolutional feature stack, channel-doubling downsampling blocks, a
// global average pool, and a dense sigmoid head of ScoreLength outputs.
// ctx must be the pool's root context.
func (s *Surrogate) ForwardGraph(ctx *context.Context, batch *Node) *Node {
	ctx = ctx.In(s.scope)
	h := batch
	for i := 0; i < s.cfg.NumConvLayers; i++ {
		h = layers.Convolution(ctx.In(fmt.Sprintf("feature-%02d", i)), h).
			Filters(s.cfg.InitialChannels).
			KernelSize(3).
			PadSame().
			ChannelsAxis(images.ChannelsFirst).
			Done()
		h = activations.Relu(h)
	}
	channels := s.cfg.InitialChannels
	for i := 0; i < s.cfg.NumPoolLayers; i++ {
		if h.Shape().Dimensions[2] < 2 || h.Shape().Dimensions[3] < 2 {
			break
		}
		channels *= 2
		h = layers.Convolution(ctx.In(fmt.Sprintf("downsample-%02d", i)), h).
			Filters(channels).
			KernelSize(3).
			PadSame().
			ChannelsAxis(images.ChannelsFirst).
			Done()
		h = activations.Relu(h)
		h = MaxPool(h).ChannelsAxis(images.ChannelsFirst).Window(2).Done()
	}
	h = ReduceMean(h, 2, 3)
	h = layers.Dense(ctx.In("head"), h, true, s.cfg.ScoreLength)
	return Sigmoid(h)
}

// SetTrainable marks every parameter of the surrogate trainable or
// frozen. Frozen parameters still let gradients flow through to the
// input image.
func (s *Surrogate) SetTrainable(ctx *context.Context, trainable bool) {
	ctx.In(s.scope).EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(trainable)
	})
}

// Pool is an ordered collection of independently parameterized
// surrogates plus the ensemble weights combining their attack gradients.
type Pool struct {
	ctx        *context.Context
	backend    backends.Backend
	surrogates []*Surrogate
	weights    []float64
	execs      []*context.Exec
}

// NewPool creates size surrogates under ctx, each in its own scope, with
// uniform ensemble weights.
func NewPool(backend backends.Backend, ctx *context.Context, cfg SurrogateConfig, size int) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, errors.Errorf("surrogate pool: size must be >= 1, got %d", size)
	}
	p := &Pool{
		ctx:        ctx,
		backend:    backend,
		surrogates: make([]*Surrogate, size),
		weights:    make([]float64, size),
		execs:      make([]*context.Exec, size),
	}
	for i := range p.surrogates {
		s := &Surrogate{cfg: cfg, scope: fmt.Sprintf("surrogate-%02d", i)}
		p.surrogates[i] = s
		p.weights[i] = 1.0 / float64(size)
		exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, batch *Node) *Node {
			return s.ForwardGraph(ctx, batch)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile surrogate %d", i)
		}
		p.execs[i] = exec
	}
	return p, nil
}

// Size returns the number of pool members.
func (p *Pool) Size() int { return len(p.surrogates) }

// Context returns the context owning every member's parameters.
func (p *Pool) Context() *context.Context { return p.ctx }

// Backend returns the backend the pool executes on.
func (p *Pool) Backend() backends.Backend { return p.backend }

// Surrogate returns pool member i.
func (p *Pool) Surrogate(i int) *Surrogate { return p.surrogates[i] }

// Weights returns the ensemble weight vector. Defaults to uniform 1/N.
func (p *Pool) Weights() []float64 {
	out := make([]float64, len(p.weights))
	copy(out, p.weights)
	return out
}

// SetWeights replaces the ensemble weights. Weights must be non-negative
// and sum to 1.
func (p *Pool) SetWeights(weights []float64) error {
	if len(weights) != len(p.surrogates) {
		return errors.Errorf("surrogate pool: got %d weights for %d members", len(weights), len(p.surrogates))
	}
	var sum float64
	for i, w := range weights {
		if w < 0 {
			return errors.Errorf("surrogate pool: weight %d is negative (%g)", i, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return errors.Errorf("surrogate pool: weights sum to %g, want 1", sum)
	}
	copy(p.weights, weights)
	return nil
}

// SetTrainable toggles every member.
func (p *Pool) SetTrainable(trainable bool) {
	for _, s := range p.surrogates {
		s.SetTrainable(p.ctx, trainable)
	}
}

// Decode runs member i eagerly on an image batch. The member's exec is
// compiled once at pool construction; re-executions with new batch
// shapes recompile internally.
func (p *Pool) Decode(i int, batch *tensors.Tensor) (*tensors.Tensor, error) {
	return p.execs[i].Exec1(batch)
}
