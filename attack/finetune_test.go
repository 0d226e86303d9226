package attack

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganmark/ganmark/decoder"
	"github.com/ganmark/ganmark/masking"
)

func tinySurrogateConfig() decoder.SurrogateConfig {
	return decoder.SurrogateConfig{
		ImageChannels:   3,
		ScoreLength:     2,
		NumConvLayers:   1,
		NumPoolLayers:   0,
		InitialChannels: 4,
	}
}

func disturbSurrogate(pool *decoder.Pool, index int, offset float32) {
	pool.Context().In(pool.Surrogate(index).Scope()).EnumerateVariablesInScope(func(v *context.Variable) {
		value := must.M1(v.Value())
		must.M(tensors.MutableFlatData(value, func(flat []float32) {
			for i := range flat {
				flat[i] += offset
			}
		}))
		v.MustSetValue(value)
	})
}

func TestPlateauScheduler(t *testing.T) {
	s := newPlateauScheduler(0.5, 2)
	assert.False(t, s.observe(1.0)) // new best
	assert.False(t, s.observe(0.9)) // new best
	assert.False(t, s.observe(0.95))
	assert.False(t, s.observe(0.95))
	assert.True(t, s.observe(0.95)) // third epoch without improvement
	assert.False(t, s.observe(0.95))
	assert.False(t, s.observe(0.5)) // improvement resets the counter
}

// The restored parameters must come from the epoch with the lowest
// loss, not the last epoch.
func TestBestEpochSnapshotRestored(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	pool := must.M1(decoder.NewPool(backend, context.New(), tinySurrogateConfig(), 1))
	batch := tinyBatch(2, 3, 4, 4, 1)

	// Materialize the parameters with a forward pass.
	must.M1(pool.Decode(0, batch)).FinalizeAll()

	state := NewTrainingState()
	require.NoError(t, state.Observe(pool, 0, 1.0)) // epoch 0

	disturbSurrogate(pool, 0, 0.25)
	require.NoError(t, state.Observe(pool, 0, 0.5)) // epoch 1, best
	wantOutput := must.M1(pool.Decode(0, batch))

	disturbSurrogate(pool, 0, 0.25)
	require.NoError(t, state.Observe(pool, 0, 0.9)) // epoch 2, worse
	lastOutput := must.M1(pool.Decode(0, batch))
	require.False(t, wantOutput.Equal(lastOutput))

	require.NoError(t, state.RestoreBest())
	restoredOutput := must.M1(pool.Decode(0, batch))

	assert.Equal(t, 1, state.BestEpoch)
	assert.Equal(t, 0.5, state.BestLoss)
	assert.Equal(t, []float64{1.0, 0.5, 0.9}, state.EpochLosses)
	require.True(t, wantOutput.Equal(restoredOutput),
		"restored parameters are not the epoch-1 snapshot")
}

func TestMaskedVictimScoresThroughMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	key := masking.NewSecretKey(2024)
	maskCfg := masking.Config{Channels: 3, HiddenChannels: 4, Layers: 2, KernelSize: 3}
	mask := must.M1(masking.NewNetwork(backend, context.New(), masking.ChaCha20Deriver{}, key, maskCfg))
	victim := must.M1(decoder.NewKeyedLinearVictim(backend, masking.NewSecretKey(7), 3, 4, 4, 2))

	batch := tinyBatch(2, 3, 4, 4, 3)
	direct := must.M1(victim.Decode(batch))
	masked := must.M1(NewMaskedVictim(mask, victim).Decode(batch))
	require.Equal(t, direct.Shape().Dimensions, masked.Shape().Dimensions)
	require.False(t, direct.Equal(masked), "masking must change what the victim sees")

	// Deterministic: the same input scores identically twice.
	again := must.M1(NewMaskedVictim(mask, victim).Decode(batch))
	require.True(t, masked.Equal(again))
}

// Once the optimizer has created the learning-rate variable, a plateau
// decay must overwrite its value, not just re-request the variable.
func TestPlateauDecayUpdatesLearningRateVariable(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	pool := must.M1(decoder.NewPool(backend, context.New(), tinySurrogateConfig(), 1))
	victim := must.M1(decoder.NewKeyedLinearVictim(backend, masking.NewSecretKey(7), 3, 4, 4, 2))
	cfg := DefaultFineTuneConfig()
	ft := must.M1(NewFineTuner(pool, 0, victim, cfg))

	lrVar := optimizers.LearningRateVar(pool.Context(), dtypes.Float32, cfg.LearningRate)
	decayed := cfg.LearningRate * cfg.PlateauFactor
	require.NoError(t, ft.setLearningRate(decayed))

	value := must.M1(lrVar.Value())
	require.InDelta(t, decayed, float64(value.Value().(float32)), 1e-9)
}

// The retained candidate must be the one its score was measured on, not
// a later step's.
func TestBestCandidateKeepsArgmin(t *testing.T) {
	first := tinyBatch(1, 3, 4, 4, 1)
	second := tinyBatch(1, 3, 4, 4, 2)
	third := tinyBatch(1, 3, 4, 4, 3)

	best := newBestCandidate()
	require.NoError(t, best.observe(first, 1.0))
	require.NoError(t, best.observe(second, 0.5))
	require.NoError(t, best.observe(third, 0.9))

	require.Equal(t, 0.5, best.score)
	require.True(t, best.tensor.Equal(tinyBatch(1, 3, 4, 4, 2)))

	// The snapshot is a clone, so releasing the observed tensor leaves
	// it intact.
	second.FinalizeAll()
	require.True(t, best.tensor.Equal(tinyBatch(1, 3, 4, 4, 2)))
}

func TestFineTuneConfigValidate(t *testing.T) {
	require.NoError(t, DefaultFineTuneConfig().Validate())

	for name, mutate := range map[string]func(*FineTuneConfig){
		"no epochs":      func(c *FineTuneConfig) { c.Epochs = 0 },
		"no batches":     func(c *FineTuneConfig) { c.NumBatches = 0 },
		"zero lr":        func(c *FineTuneConfig) { c.LearningRate = 0 },
		"plateau factor": func(c *FineTuneConfig) { c.PlateauFactor = 1.0 },
		"bad cluster":    func(c *FineTuneConfig) { c.Cluster = Cluster{Rank: 3, WorldSize: 2} },
	} {
		cfg := DefaultFineTuneConfig()
		mutate(&cfg)
		require.Errorf(t, cfg.Validate(), "case %q must fail validation", name)
	}
}

func TestFineTunerRunTracksBestEpoch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	pool := must.M1(decoder.NewPool(backend, context.New(), tinySurrogateConfig(), 1))
	victim := must.M1(decoder.NewKeyedLinearVictim(backend, masking.NewSecretKey(7), 3, 4, 4, 2))

	cfg := DefaultFineTuneConfig()
	cfg.Epochs = 2
	cfg.NumBatches = 1
	cfg.BatchSize = 2

	ft := must.M1(NewFineTuner(pool, 0, victim, cfg))
	state := must.M1(ft.Run(&fixedSource{batch: tinyBatch(2, 3, 4, 4, 42)}))

	require.Len(t, state.EpochLosses, 2)
	require.GreaterOrEqual(t, state.BestEpoch, 0)
	require.Less(t, state.BestEpoch, 2)
	for _, loss := range state.EpochLosses {
		require.False(t, loss != loss, "epoch loss is NaN")
	}
	assert.Equal(t, state.BestLoss, state.EpochLosses[state.BestEpoch])
}
