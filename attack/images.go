package attack

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/ganmark/ganmark/generator"
	"github.com/ganmark/ganmark/imaging"
)

// Source produces attack image batches, [batch, channels, height,
// width] in [-1, 1]. Batches are freshly allocated; callers own them.
type Source interface {
	Next(batchSize int) (*tensors.Tensor, error)
}

// NewSource builds the Source for the configured mode. The generator is
// required for SourceGenerated and SourceBlurred; SourceRandom only
// needs its descriptor for the image shape.
func NewSource(backend backends.Backend, mode SourceMode, gen generator.Generator, latentSeed uint64) (Source, error) {
	desc := gen.Descriptor()
	sampler := generator.NewLatentSampler(desc.LatentDim, latentSeed)
	switch mode {
	case SourceGenerated:
		return &generatedSource{gen: gen, sampler: sampler}, nil
	case SourceRandom:
		state, err := RNGStateFromSeed(int64(latentSeed))
		if err != nil {
			return nil, errors.Wrap(err, "noise source rng")
		}
		return &noiseSource{backend: backend, desc: desc, state: state, execs: map[int]*Exec{}}, nil
	case SourceBlurred:
		exec, err := NewExecOrError(backend, imaging.GaussianBlurGraph)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compile blur")
		}
		return &blurredSource{
			base:   &generatedSource{gen: gen, sampler: sampler},
			exec:   exec,
			kernel: imaging.GaussianKernel(21, desc.ImageChannels, 7.0),
		}, nil
	}
	return nil, errors.Errorf("unknown image source mode %d", int(mode))
}

type generatedSource struct {
	gen     generator.Generator
	sampler *generator.LatentSampler
}

func (s *generatedSource) Next(batchSize int) (*tensors.Tensor, error) {
	latents := s.sampler.Sample(batchSize)
	defer latents.FinalizeAll()
	return s.gen.Generate(latents)
}

type noiseSource struct {
	backend backends.Backend
	desc    generator.Descriptor
	state   *tensors.Tensor
	execs   map[int]*Exec
}

func (s *noiseSource) Next(batchSize int) (*tensors.Tensor, error) {
	exec, ok := s.execs[batchSize]
	if !ok {
		shape := shapes.Make(dtypes.Float32, batchSize, s.desc.ImageChannels, s.desc.ImageSize, s.desc.ImageSize)
		var err error
		exec, err = NewExecOrError(s.backend, func(state *Node) (*Node, *Node) {
			return imaging.UniformNoiseGraph(state, shape)
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to compile noise source")
		}
		s.execs[batchSize] = exec
	}
	newState, noise, err := exec.Exec2(s.state)
	if err != nil {
		return nil, err
	}
	s.state.FinalizeAll()
	s.state = newState
	return noise, nil
}

type blurredSource struct {
	base   Source
	exec   *Exec
	kernel *tensors.Tensor
}

func (s *blurredSource) Next(batchSize int) (*tensors.Tensor, error) {
	batch, err := s.base.Next(batchSize)
	if err != nil {
		return nil, err
	}
	defer batch.FinalizeAll()
	return s.exec.Exec1(batch, s.kernel)
}
