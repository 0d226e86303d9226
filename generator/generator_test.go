package generator

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganmark/ganmark/masking"
)

func testDescriptor() Descriptor {
	return Descriptor{
		Family:        LegacyGAN,
		LatentDim:     16,
		ImageChannels: 3,
		ImageSize:     8,
	}
}

func flatFloats(t *testing.T, tensor *tensors.Tensor) []float32 {
	t.Helper()
	var out []float32
	require.NoError(t, tensors.ConstFlatData(tensor, func(flat []float32) {
		out = make([]float32, len(flat))
		copy(out, flat)
	}))
	return out
}

func TestDescriptorValidate(t *testing.T) {
	require.NoError(t, testDescriptor().Validate())

	bad := testDescriptor()
	bad.LatentDim = 0
	require.Error(t, bad.Validate())

	styled := testDescriptor()
	styled.Family = StyleBased
	require.Error(t, styled.Validate())
	styled.NoiseMode = "const"
	styled.TruncationPsi = 0.7
	require.NoError(t, styled.Validate())
}

func TestSyntheticDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	desc := testDescriptor()
	key := masking.NewSecretKey(11)
	latents := NewLatentSampler(desc.LatentDim, 1).Sample(4)

	g1 := must.M1(NewSynthetic(backend, desc, key))
	g2 := must.M1(NewSynthetic(backend, desc, key))
	img1 := must.M1(g1.Generate(latents))
	img2 := must.M1(g2.Generate(latents))

	require.Equal(t, []int{4, 3, 8, 8}, img1.Shape().Dimensions)
	require.True(t, img1.Equal(img2), "same key must build identical generators")
	for _, v := range flatFloats(t, img1) {
		require.LessOrEqual(t, math.Abs(float64(v)), 1.0)
	}
}

func TestLatentSamplerReproducible(t *testing.T) {
	a := NewLatentSampler(16, 42).Sample(8)
	b := NewLatentSampler(16, 42).Sample(8)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(NewLatentSampler(16, 43).Sample(8)))
}

func TestWatermarkedBoundedPerturbation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	desc := testDescriptor()
	base := must.M1(NewSynthetic(backend, desc, masking.NewSecretKey(11)))
	wm := must.M1(NewWatermarked(backend, base, masking.NewSecretKey(2024), 0.05))

	latents := NewLatentSampler(desc.LatentDim, 7).Sample(2)
	orig := flatFloats(t, must.M1(base.Generate(latents)))
	marked := flatFloats(t, must.M1(wm.Generate(latents)))

	var maxDev, sumDev float64
	for i := range orig {
		require.LessOrEqual(t, math.Abs(float64(marked[i])), 1.0)
		dev := math.Abs(float64(marked[i] - orig[i]))
		sumDev += dev
		if dev > maxDev {
			maxDev = dev
		}
	}
	assert.LessOrEqual(t, maxDev, 0.05+1e-6)
	assert.Greater(t, sumDev, 0.0, "watermark must actually perturb the image")
}
