// Package imaging provides pure graph transforms over image batches:
// the bounded-deviation constraint applied to watermarked and adversarial
// candidates, gaussian blurring, and uniform-noise synthesis for the
// attack image sources.
//
// Image batches are rank-4, channels-first: [batch, channels, height,
// width], values conventionally in [-1, 1]. Transforms never mutate their
// inputs.
package imaging

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ConstrainGraph bounds candidate's deviation from reference to maxDelta
// per element.
//
// The delta first has its per-sample spatial mean removed, then is
// rescaled so its per-sample min-max range matches the range of the raw
// delta, and finally is clamped elementwise to [-maxDelta, maxDelta]. A
// zero range after mean removal makes the rescale a no-op.
func ConstrainGraph(candidate, reference *Node, maxDelta float64) *Node {
	delta := Sub(candidate, reference)
	adjusted := Sub(delta, ReduceAndKeep(delta, ReduceMean, 2, 3))

	deltaRange := Sub(ReduceAndKeep(delta, ReduceMax, 2, 3), ReduceAndKeep(delta, ReduceMin, 2, 3))
	adjustedRange := Sub(ReduceAndKeep(adjusted, ReduceMax, 2, 3), ReduceAndKeep(adjusted, ReduceMin, 2, 3))
	scale := Where(
		GreaterThan(adjustedRange, ScalarZero(candidate.Graph(), candidate.DType())),
		Div(deltaRange, adjustedRange),
		OnesLike(adjustedRange))

	clipped := ClipScalar(Mul(adjusted, scale), -maxDelta, maxDelta)
	return Add(reference, clipped)
}

// Constrainer eagerly applies ConstrainGraph through a compiled executor.
type Constrainer struct {
	exec *Exec
}

// NewConstrainer compiles the constraint for the given deviation budget.
func NewConstrainer(backend backends.Backend, maxDelta float64) (*Constrainer, error) {
	exec, err := NewExecOrError(backend, func(candidate, reference *Node) *Node {
		return ConstrainGraph(candidate, reference, maxDelta)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile image constraint")
	}
	return &Constrainer{exec: exec}, nil
}

// Constrain returns a new image batch within maxDelta of reference.
func (c *Constrainer) Constrain(candidate, reference *tensors.Tensor) (*tensors.Tensor, error) {
	return c.exec.Exec1(candidate, reference)
}

// GaussianKernel builds a normalized size x size gaussian kernel tensor
// shaped for a per-channel grouped convolution over channels image
// channels: [channels, 1, size, size].
func GaussianKernel(size, channels int, sigma float64) *tensors.Tensor {
	center := float64(size-1) / 2
	plane := make([]float64, size*size)
	var sum float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dy, dx := float64(y)-center, float64(x)-center
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			plane[y*size+x] = v
			sum += v
		}
	}
	flat := make([]float32, channels*size*size)
	for c := 0; c < channels; c++ {
		for i, v := range plane {
			flat[c*size*size+i] = float32(v / sum)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, channels, 1, size, size)
}

// GaussianBlurGraph blurs each channel of x independently with a gaussian
// kernel node built by GaussianKernel, preserving shape.
func GaussianBlurGraph(x, kernel *Node) *Node {
	channels := x.Shape().Dimensions[1]
	return Convolve(x, kernel).
		ChannelsAxis(images.ChannelsFirst).
		ChannelGroupCount(channels).
		PadSame().
		Done()
}

// UniformNoiseGraph produces an image batch of the given shape with
// values uniform in [-1, 1], advancing and returning the RNG state.
func UniformNoiseGraph(rngState *Node, shape shapes.Shape) (newRngState, noise *Node) {
	newRngState, values := RandomUniform(rngState, shape)
	return newRngState, AddScalar(MulScalar(values, 2), -1)
}
