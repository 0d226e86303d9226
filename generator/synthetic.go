package generator

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/ganmark/ganmark/masking"
)

// Synthetic is a deterministic stand-in generator used by tests and the
// demo runner: a frozen dense projection of the latent vector, squashed
// to [-1, 1]. Its weights are derived from a secret key so two instances
// built from the same key are identical.
type Synthetic struct {
	desc Descriptor
	exec *Exec
}

// NewSynthetic builds a synthetic generator for the descriptor, deriving
// its frozen projection from key.
func NewSynthetic(backend backends.Backend, desc Descriptor, key masking.SecretKey) (*Synthetic, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	outDim := desc.ImageChannels * desc.ImageSize * desc.ImageSize
	weights, err := deriveDense(key, desc.LatentDim, outDim)
	if err != nil {
		return nil, err
	}
	exec, err := NewExecOrError(backend, func(latents *Node) *Node {
		g := latents.Graph()
		batch := latents.Shape().Dimensions[0]
		projected := MatMul(latents, Const(g, weights))
		image := Reshape(projected, batch, desc.ImageChannels, desc.ImageSize, desc.ImageSize)
		return Tanh(image)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile synthetic generator")
	}
	return &Synthetic{desc: desc, exec: exec}, nil
}

// Generate implements Generator.
func (s *Synthetic) Generate(latents *tensors.Tensor) (*tensors.Tensor, error) {
	return s.exec.Exec1(latents)
}

// Descriptor implements Generator.
func (s *Synthetic) Descriptor() Descriptor { return s.desc }

// deriveDense expands key into an [inDim][outDim] float32 matrix with
// fan-in scaled entries, the same normalization the mask network uses.
func deriveDense(key masking.SecretKey, inDim, outDim int) ([][]float32, error) {
	numParams := inDim * outDim
	raw, err := masking.ChaCha20Deriver{}.Derive(key.Bytes(), 4*numParams)
	if err != nil {
		return nil, errors.Wrap(err, "synthetic generator weights")
	}
	bound := float32(1.0 / math.Sqrt(float64(inDim)))
	weights := make([][]float32, inDim)
	idx := 0
	for i := range weights {
		row := make([]float32, outDim)
		for j := range row {
			v := binary.BigEndian.Uint32(raw[4*idx:])
			unit := float32(float64(v) / float64(math.MaxUint32))
			row[j] = unit*2*bound - bound
			idx++
		}
		weights[i] = row
	}
	return weights, nil
}

// Watermarked wraps a base generator with a small additive key-derived
// pattern, standing in for the watermark-embedding generator. The
// pattern amplitude is bounded by scale; outputs stay within [-1, 1].
type Watermarked struct {
	base    Generator
	exec    *Exec
	pattern *tensors.Tensor
}

// NewWatermarked derives the perturbation pattern from key and returns
// the wrapped generator.
func NewWatermarked(backend backends.Backend, base Generator, key masking.SecretKey, scale float64) (*Watermarked, error) {
	desc := base.Descriptor()
	size := desc.ImageChannels * desc.ImageSize * desc.ImageSize
	raw, err := masking.HMACDeriver{}.Derive(key.Bytes(), 4*size)
	if err != nil {
		return nil, errors.Wrap(err, "watermark pattern derivation")
	}
	flat := make([]float32, size)
	for i := range flat {
		v := binary.BigEndian.Uint32(raw[4*i:])
		flat[i] = float32(scale * (float64(v)/float64(math.MaxUint32)*2 - 1))
	}
	pattern := tensors.FromFlatDataAndDimensions(flat, 1, desc.ImageChannels, desc.ImageSize, desc.ImageSize)
	exec, err := NewExecOrError(backend, func(images, pattern *Node) *Node {
		return ClipScalar(Add(images, pattern), -1, 1)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile watermark embedding")
	}
	return &Watermarked{base: base, exec: exec, pattern: pattern}, nil
}

// Generate implements Generator.
func (w *Watermarked) Generate(latents *tensors.Tensor) (*tensors.Tensor, error) {
	images, err := w.base.Generate(latents)
	if err != nil {
		return nil, err
	}
	return w.exec.Exec1(images, w.pattern)
}

// Descriptor implements Generator.
func (w *Watermarked) Descriptor() Descriptor { return w.base.Descriptor() }
