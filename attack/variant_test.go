package attack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariant(t *testing.T) {
	for tag, want := range map[string]Variant{
		"base_baseline":   BaseBaseline,
		"base_secure":     BaseSecure,
		"combined_secure": CombinedSecure,
		"fixed_secure":    FixedSecure,
	} {
		got, err := ParseVariant(tag)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, tag, got.String())
	}
}

func TestParseVariantRejectsUnknown(t *testing.T) {
	for _, tag := range []string{"", "base", "BASE_SECURE", "secure", "base_baseline "} {
		_, err := ParseVariant(tag)
		require.Error(t, err, "tag %q must be rejected", tag)
		assert.Contains(t, err.Error(), tag)
	}
}

func TestVariantMasked(t *testing.T) {
	assert.False(t, BaseBaseline.Masked())
	assert.True(t, BaseSecure.Masked())
	assert.True(t, CombinedSecure.Masked())
	assert.True(t, FixedSecure.Masked())
}

func TestParseSourceMode(t *testing.T) {
	for tag, want := range map[string]SourceMode{
		"original": SourceGenerated,
		"random":   SourceRandom,
		"blurred":  SourceBlurred,
	} {
		got, err := ParseSourceMode(tag)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSourceMode("gaussian")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gaussian")
}

func TestClusterValidate(t *testing.T) {
	require.NoError(t, SingleProcess().Validate())
	require.Error(t, Cluster{Rank: 0, WorldSize: 0}.Validate())
	require.Error(t, Cluster{Rank: 2, WorldSize: 2}.Validate())
	require.Error(t, Cluster{Rank: 0, WorldSize: 2}.Validate())

	withReduce := Cluster{Rank: 1, WorldSize: 2, AllReduceSum: func(v []float64) ([]float64, error) { return v, nil }}
	require.NoError(t, withReduce.Validate())
	assert.False(t, withReduce.IsLeader())
	assert.True(t, SingleProcess().IsLeader())
}

func TestClusterReduceMeanLoss(t *testing.T) {
	single := SingleProcess()
	loss, err := single.ReduceMeanLoss(0.75)
	require.NoError(t, err)
	assert.Equal(t, 0.75, loss)

	// Simulated 4-way reduction: every process contributed 0.5, so the
	// sum is 2.0 and the mean 0.5.
	cluster := Cluster{Rank: 0, WorldSize: 4, AllReduceSum: func(values []float64) ([]float64, error) {
		out := make([]float64, len(values))
		for i, v := range values {
			out[i] = v * 4
		}
		return out, nil
	}}
	loss, err = cluster.ReduceMeanLoss(0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, loss, 1e-12)
}
