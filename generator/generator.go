// Package generator defines the contract to the external image
// generator: a latent-to-image function plus a capability descriptor
// resolved once at registration, so callers never branch on model
// internals per call.
package generator

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Family tags the generator model family. It determines which call
// signature the adapter uses underneath; callers treat every family as
// the same latent -> image contract.
type Family int

const (
	// LegacyGAN generators take only a latent vector.
	LegacyGAN Family = iota
	// StyleBased generators additionally take truncation and noise-mode
	// arguments, fixed at registration time.
	StyleBased
)

// String implements fmt.Stringer.
func (f Family) String() string {
	switch f {
	case LegacyGAN:
		return "legacy-gan"
	case StyleBased:
		return "style-based"
	}
	return "unknown"
}

// Descriptor carries the capabilities of a registered generator. For
// StyleBased models TruncationPsi and NoiseMode are resolved here, once,
// and reused for every Generate call.
type Descriptor struct {
	Family        Family
	LatentDim     int
	ImageChannels int
	ImageSize     int
	TruncationPsi float64
	NoiseMode     string
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.LatentDim <= 0 {
		return errors.Errorf("generator descriptor: latent dimension must be positive, got %d", d.LatentDim)
	}
	if d.ImageChannels <= 0 || d.ImageSize <= 0 {
		return errors.Errorf("generator descriptor: invalid image shape %dx%dx%d",
			d.ImageChannels, d.ImageSize, d.ImageSize)
	}
	if d.Family == StyleBased && d.NoiseMode == "" {
		return errors.New("generator descriptor: style-based family requires a noise mode")
	}
	return nil
}

// Generator is the external image synthesis collaborator. Generate maps
// a [batch, latentDim] latent tensor to a [batch, channels, size, size]
// image batch with values in [-1, 1].
type Generator interface {
	Generate(latents *tensors.Tensor) (*tensors.Tensor, error)
	Descriptor() Descriptor
}

// LatentSampler draws standard-normal latent batches from a seeded
// stream, so runs are reproducible per seed.
type LatentSampler struct {
	dim int
	rng *rand.Rand
}

// NewLatentSampler returns a sampler for latentDim-sized vectors.
func NewLatentSampler(latentDim int, seed uint64) *LatentSampler {
	return &LatentSampler{dim: latentDim, rng: rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))}
}

// Sample returns a [batch, latentDim] tensor of N(0, 1) draws.
func (s *LatentSampler) Sample(batch int) *tensors.Tensor {
	flat := make([]float32, batch*s.dim)
	for i := range flat {
		flat[i] = float32(s.rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, s.dim)
}
