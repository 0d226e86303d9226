package masking

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

const (
	// NormalizeEpsilon keeps the input normalization finite for images
	// with zero dynamic range.
	NormalizeEpsilon = 1e-8

	// Scope is the context scope holding the mask network parameters.
	Scope = "mask-network"
)

// Config declares the mask network architecture. The transform keeps the
// image shape unchanged: Channels in, Channels out.
type Config struct {
	// Channels is the image channel count (input and output).
	Channels int

	// HiddenChannels is the width of the intermediate layers.
	HiddenChannels int

	// Layers is the number of convolutional layers.
	Layers int

	// KernelSize is the square kernel side.
	KernelSize int
}

// DefaultConfig returns the standard 5-layer, 64-channel, 3x3 stack for
// 3-channel images.
func DefaultConfig() Config {
	return Config{Channels: 3, HiddenChannels: 64, Layers: 5, KernelSize: 3}
}

// layerChannels returns (inChannels, outChannels) for layer index i.
func (c Config) layerChannels(i int) (int, int) {
	in, out := c.HiddenChannels, c.HiddenChannels
	if i == 0 {
		in = c.Channels
	}
	if i == c.Layers-1 {
		out = c.Channels
	}
	return in, out
}

// ParamCount is the total number of float32 parameters of the stack.
func (c Config) ParamCount() int {
	total := 0
	for i := 0; i < c.Layers; i++ {
		in, out := c.layerChannels(i)
		total += out*in*c.KernelSize*c.KernelSize + out
	}
	return total
}

// LayerParams holds one layer's frozen parameters. Weight dimensions are
// [outChannels, inChannels, kernel, kernel], bias is [outChannels].
type LayerParams struct {
	Weight *tensors.Tensor
	Bias   *tensors.Tensor
}

// DeriveParams expands the secret key into the full parameter set of the
// configured stack. The derived byte stream is reinterpreted as big-endian
// uint32 values normalized to [0, 1], then each layer consumes its weights
// followed by its biases, rescaled to [-bound, bound] with
// bound = 1/sqrt(fanIn), fanIn = inChannels*kernel*kernel.
//
// The mapping is a pure function of (key, config): same inputs always
// produce bit-identical parameters.
func DeriveParams(d Deriver, key SecretKey, cfg Config) ([]LayerParams, error) {
	numParams := cfg.ParamCount()
	raw, err := d.Derive(key.Bytes(), 4*numParams)
	if err != nil {
		return nil, errors.Wrap(err, "mask parameter derivation")
	}
	unit := make([]float32, numParams)
	for i := range unit {
		v := binary.BigEndian.Uint32(raw[4*i:])
		unit[i] = float32(float64(v) / float64(math.MaxUint32))
	}

	params := make([]LayerParams, cfg.Layers)
	next := 0
	consume := func(n int, bound float32) []float32 {
		out := make([]float32, n)
		for i, v := range unit[next : next+n] {
			out[i] = v*2*bound - bound
		}
		next += n
		return out
	}
	for i := range params {
		in, out := cfg.layerChannels(i)
		fanIn := in * cfg.KernelSize * cfg.KernelSize
		bound := float32(1.0 / math.Sqrt(float64(fanIn)))
		weights := consume(out*fanIn, bound)
		biases := consume(out, bound)
		params[i] = LayerParams{
			Weight: tensors.FromFlatDataAndDimensions(weights, out, in, cfg.KernelSize, cfg.KernelSize),
			Bias:   tensors.FromFlatDataAndDimensions(biases, out),
		}
	}
	return params, nil
}

// Network is the frozen key-derived image-to-image transform. Its
// parameters live as non-trainable variables under Scope in the owning
// context, immutable after construction and safe for concurrent reads.
type Network struct {
	cfg  Config
	ctx  *context.Context
	exec *context.Exec
}

// NewNetwork derives the parameters for key and installs them as frozen
// variables in ctx, compiling an executor on backend for eager Apply calls.
func NewNetwork(backend backends.Backend, ctx *context.Context, d Deriver, key SecretKey, cfg Config) (*Network, error) {
	params, err := DeriveParams(d, key, cfg)
	if err != nil {
		return nil, err
	}
	maskCtx := ctx.In(Scope)
	for i, layer := range params {
		layerCtx := maskCtx.In(fmt.Sprintf("conv-%02d", i))
		layerCtx.VariableWithValue("weights", layer.Weight).SetTrainable(false)
		layerCtx.VariableWithValue("biases", layer.Bias).SetTrainable(false)
	}
	n := &Network{cfg: cfg, ctx: ctx}
	n.exec, err = context.NewExec(backend, ctx, func(ctx *context.Context, batch *Node) *Node {
		return n.ApplyGraph(ctx, batch)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile mask network")
	}
	return n, nil
}

// Config returns the architecture the network was built with.
func (n *Network) Config() Config { return n.cfg }

// ApplyGraph builds the masking transform for a [batch, channels, height,
// width] image node. Inputs are per-sample min-max normalized to [0, 1]
// before the convolutional stack; the final layer has no activation.
func (n *Network) ApplyGraph(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	minVal := ReduceAndKeep(x, ReduceMin, 1, 2, 3)
	maxVal := ReduceAndKeep(x, ReduceMax, 1, 2, 3)
	h := Div(Sub(x, minVal), AddScalar(Sub(maxVal, minVal), NormalizeEpsilon))

	maskCtx := ctx.In(Scope)
	for i := 0; i < n.cfg.Layers; i++ {
		layerCtx := maskCtx.In(fmt.Sprintf("conv-%02d", i))
		weights := layerCtx.GetVariable("weights").ValueGraph(g)
		biases := layerCtx.GetVariable("biases").ValueGraph(g)
		h = Convolve(h, weights).ChannelsAxis(images.ChannelsFirst).PadSame().Done()
		h = Add(h, ExpandAxes(biases, 0, 2, 3))
		if i < n.cfg.Layers-1 {
			h = activations.Relu(h)
		}
	}
	return h
}

// Apply runs the transform eagerly on an image batch, returning a new
// tensor of the same shape.
func (n *Network) Apply(images *tensors.Tensor) (*tensors.Tensor, error) {
	return n.exec.Exec1(images)
}
