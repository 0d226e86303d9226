package masking

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{Channels: 3, HiddenChannels: 8, Layers: 3, KernelSize: 3}
}

func testImage(batch, channels, height, width int, seed uint64) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	flat := make([]float32, batch*channels*height*width)
	for i := range flat {
		flat[i] = float32(rng.Float64()*2 - 1)
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, channels, height, width)
}

func flatFloats(t *testing.T, tensor *tensors.Tensor) []float32 {
	var out []float32
	require.NoError(t, tensors.ConstFlatData(tensor, func(flat []float32) {
		out = make([]float32, len(flat))
		copy(out, flat)
	}))
	return out
}

func TestConfigParamCount(t *testing.T) {
	cfg := testConfig()
	// 3->8, 8->8, 8->3 with 3x3 kernels, plus biases.
	want := (8*3*9 + 8) + (8*8*9 + 8) + (3*8*9 + 3)
	require.Equal(t, want, cfg.ParamCount())
}

func TestDeriveParamsDeterministic(t *testing.T) {
	cfg := testConfig()
	key := NewSecretKey(2024)
	a := must.M1(DeriveParams(ChaCha20Deriver{}, key, cfg))
	b := must.M1(DeriveParams(ChaCha20Deriver{}, key, cfg))
	require.Len(t, a, cfg.Layers)
	for i := range a {
		require.True(t, a[i].Weight.Equal(b[i].Weight), "layer %d weights differ across derivations", i)
		require.True(t, a[i].Bias.Equal(b[i].Bias), "layer %d biases differ across derivations", i)
	}
}

func TestDeriveParamsBounds(t *testing.T) {
	cfg := testConfig()
	params := must.M1(DeriveParams(HMACDeriver{}, NewSecretKey(1), cfg))
	for i, layer := range params {
		in, out := cfg.layerChannels(i)
		fanIn := in * cfg.KernelSize * cfg.KernelSize
		bound := 1.0 / math.Sqrt(float64(fanIn))
		require.Equal(t, []int{out, in, cfg.KernelSize, cfg.KernelSize}, layer.Weight.Shape().Dimensions)
		require.Equal(t, []int{out}, layer.Bias.Shape().Dimensions)
		for _, v := range flatFloats(t, layer.Weight) {
			assert.LessOrEqual(t, math.Abs(float64(v)), bound+1e-6)
		}
	}
}

func TestNetworkDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	key := NewSecretKey(2024)
	img := testImage(2, 3, 8, 8, 17)

	n1 := must.M1(NewNetwork(backend, context.New(), ChaCha20Deriver{}, key, cfg))
	n2 := must.M1(NewNetwork(backend, context.New(), ChaCha20Deriver{}, key, cfg))

	out1 := must.M1(n1.Apply(img))
	out1Again := must.M1(n1.Apply(img))
	out2 := must.M1(n2.Apply(img))

	require.Equal(t, img.Shape().Dimensions, out1.Shape().Dimensions)
	require.True(t, out1.Equal(out1Again), "same network produced different outputs for the same image")
	require.True(t, out1.Equal(out2), "same key produced different networks")
}

func TestNetworkKeySensitivity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	img := testImage(1, 3, 8, 8, 3)

	n1 := must.M1(NewNetwork(backend, context.New(), ChaCha20Deriver{}, NewSecretKey(2024), cfg))
	n2 := must.M1(NewNetwork(backend, context.New(), ChaCha20Deriver{}, NewSecretKey(2025), cfg))

	a := flatFloats(t, must.M1(n1.Apply(img)))
	b := flatFloats(t, must.M1(n2.Apply(img)))
	var meanAbsDiff float64
	for i := range a {
		meanAbsDiff += math.Abs(float64(a[i] - b[i]))
	}
	meanAbsDiff /= float64(len(a))
	assert.Greater(t, meanAbsDiff, 1e-4, "different keys produced nearly identical masks")
}

func TestNetworkDegenerateImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	flat := make([]float32, 1*3*8*8)
	for i := range flat {
		flat[i] = 0.5
	}
	constant := tensors.FromFlatDataAndDimensions(flat, 1, 3, 8, 8)

	n := must.M1(NewNetwork(backend, context.New(), ChaCha20Deriver{}, NewSecretKey(2024), testConfig()))
	out := must.M1(n.Apply(constant))
	for _, v := range flatFloats(t, out) {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0),
			"constant image produced non-finite mask output")
	}
}
