package attack

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ganmark/ganmark/decoder"
	"github.com/ganmark/ganmark/masking"
)

// Inner PGD loop constants, fixed by the fine-tuning procedure.
const (
	innerSteps            = 50
	innerAlpha            = 0.2
	innerMaxDelta         = 2.0
	innerGradNormFloor    = 1e-8
	innerPlateauTolerance = 1e-6
	innerPlateauSteps     = 5

	cosineEpsilon = 1e-8
)

// FineTuneConfig parameterizes fine-tuning a surrogate against the true
// victim decoder.
type FineTuneConfig struct {
	// Epochs of fine-tuning.
	Epochs int

	// NumBatches per epoch.
	NumBatches int

	// BatchSize per step.
	BatchSize int

	// LearningRate of the Adam optimizer.
	LearningRate float64

	// WeightDecay of the Adam optimizer.
	WeightDecay float64

	// ScaleLossWeight multiplies the norm-matching loss.
	ScaleLossWeight float64

	// FeatureLossWeight multiplies the normalized-feature matching loss.
	FeatureLossWeight float64

	// WeightPenalty multiplies the explicit L2 parameter penalty.
	WeightPenalty float64

	// ClipStepValue bounds each optimizer step elementwise.
	ClipStepValue float64

	// PlateauFactor shrinks the learning rate when the epoch loss stops
	// improving for PlateauPatience epochs.
	PlateauFactor   float64
	PlateauPatience int

	// Cluster position for loss reduction and leader-only logging.
	Cluster Cluster
}

// DefaultFineTuneConfig returns the standard fine-tuning hyperparameters.
func DefaultFineTuneConfig() FineTuneConfig {
	return FineTuneConfig{
		Epochs:            10,
		NumBatches:        10,
		BatchSize:         8,
		LearningRate:      5e-4,
		WeightDecay:       1e-4,
		ScaleLossWeight:   0.1,
		FeatureLossWeight: 0.01,
		WeightPenalty:     1e-3,
		ClipStepValue:     1.0,
		PlateauFactor:     0.5,
		PlateauPatience:   2,
		Cluster:           SingleProcess(),
	}
}

// Validate rejects unusable configurations.
func (cfg FineTuneConfig) Validate() error {
	if cfg.Epochs < 1 || cfg.NumBatches < 1 || cfg.BatchSize < 1 {
		return errors.Errorf("fine-tuning: epochs=%d batches=%d batchSize=%d must all be positive",
			cfg.Epochs, cfg.NumBatches, cfg.BatchSize)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("fine-tuning: learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.PlateauFactor <= 0 || cfg.PlateauFactor >= 1 {
		return errors.Errorf("fine-tuning: plateau factor must be in (0, 1), got %g", cfg.PlateauFactor)
	}
	if cfg.PlateauPatience < 0 {
		return errors.Errorf("fine-tuning: plateau patience must be >= 0, got %d", cfg.PlateauPatience)
	}
	return cfg.Cluster.Validate()
}

// MaskedVictim wraps a victim decoder so it scores through the secret
// masking transform, exactly as the defender would.
type MaskedVictim struct {
	mask   *masking.Network
	victim decoder.Victim
}

// NewMaskedVictim builds the wrapper.
func NewMaskedVictim(mask *masking.Network, victim decoder.Victim) *MaskedVictim {
	return &MaskedVictim{mask: mask, victim: victim}
}

// Decode implements decoder.Victim.
func (m *MaskedVictim) Decode(images *tensors.Tensor) (*tensors.Tensor, error) {
	masked, err := m.mask.Apply(images)
	if err != nil {
		return nil, err
	}
	defer masked.FinalizeAll()
	return m.victim.Decode(masked)
}

// TrainingState tracks fine-tuning progress: per-epoch losses and the
// best-epoch parameter snapshot, restored at the end of the run. It
// replaces ad hoc accumulation with one value threaded through the loop.
type TrainingState struct {
	// Epoch is the number of epochs observed so far.
	Epoch int

	// EpochLosses holds the reduced mean loss of every epoch.
	EpochLosses []float64

	// BestEpoch is the zero-based epoch with the lowest loss, -1 before
	// any observation.
	BestEpoch int

	// BestLoss is the lowest epoch loss observed.
	BestLoss float64

	snapshot map[*context.Variable]*tensors.Tensor
}

// NewTrainingState returns an empty state.
func NewTrainingState() *TrainingState {
	return &TrainingState{BestEpoch: -1, BestLoss: math.Inf(1)}
}

// Observe records one epoch's loss and snapshots the surrogate's
// parameters when the loss is the best so far.
func (st *TrainingState) Observe(pool *decoder.Pool, index int, loss float64) error {
	st.EpochLosses = append(st.EpochLosses, loss)
	epoch := st.Epoch
	st.Epoch++
	if loss >= st.BestLoss {
		return nil
	}
	st.BestLoss = loss
	st.BestEpoch = epoch

	for _, old := range st.snapshot {
		old.FinalizeAll()
	}
	st.snapshot = make(map[*context.Variable]*tensors.Tensor)
	var snapErr error
	pool.Context().In(pool.Surrogate(index).Scope()).EnumerateVariablesInScope(func(v *context.Variable) {
		if snapErr != nil || !v.Trainable {
			return
		}
		value, err := v.Value()
		if err != nil {
			snapErr = err
			return
		}
		clone, err := value.Clone()
		if err != nil {
			snapErr = errors.Wrapf(err, "failed to snapshot parameter %s", v.Name())
			return
		}
		st.snapshot[v] = clone
	})
	return snapErr
}

// RestoreBest writes the best-epoch snapshot back into the surrogate's
// parameters. A state with no snapshot is a no-op.
func (st *TrainingState) RestoreBest() error {
	for v, value := range st.snapshot {
		if err := v.SetValue(value); err != nil {
			return errors.Wrapf(err, "failed to restore parameter %s", v.Name())
		}
	}
	return nil
}

// plateauScheduler halves (by factor) the learning rate after patience
// epochs without improvement.
type plateauScheduler struct {
	factor   float64
	patience int
	best     float64
	bad      int
}

func newPlateauScheduler(factor float64, patience int) *plateauScheduler {
	return &plateauScheduler{factor: factor, patience: patience, best: math.Inf(1)}
}

// observe returns true when the learning rate should decay.
func (p *plateauScheduler) observe(loss float64) bool {
	if loss < p.best {
		p.best = loss
		p.bad = 0
		return false
	}
	p.bad++
	if p.bad > p.patience {
		p.bad = 0
		return true
	}
	return false
}

// cosineSimilarityGraph computes per-row cosine similarity of two
// [batch, n] matrices, guarded by cosineEpsilon against zero vectors.
func cosineSimilarityGraph(a, b *Node) *Node {
	dot := ReduceSum(Mul(a, b), -1)
	normProduct := Mul(
		Sqrt(ReduceSum(Square(a), -1)),
		Sqrt(ReduceSum(Square(b), -1)))
	floor := Scalar(a.Graph(), a.DType(), cosineEpsilon)
	return Div(dot, Max(normProduct, floor))
}

// normalizeRows rescales each row of a [batch, n] matrix to unit L2 norm
// with an epsilon in the denominator.
func normalizeRows(x *Node) *Node {
	norms := L2Norm(x, -1)
	return Div(x, AddScalar(norms, cosineEpsilon))
}

// FineTuner fine-tunes one pool member so its output direction and scale
// track the true victim decoder on clean and adversarially perturbed
// batches.
type FineTuner struct {
	cfg       FineTuneConfig
	pool      *decoder.Pool
	index     int
	victim    decoder.Victim
	initExec  *context.Exec
	stepExec  *context.Exec
	trainer   *train.Trainer
	state     *TrainingState
	scheduler *plateauScheduler
	lr        float64
}

// NewFineTuner compiles the inner PGD and the training step for pool
// member index. victim is the true decoder, already wrapped with the
// masking transform for secure variants.
func NewFineTuner(pool *decoder.Pool, index int, victim decoder.Victim, cfg FineTuneConfig) (*FineTuner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if victim == nil {
		return nil, errors.New("fine-tuning: a victim decoder is required")
	}
	ft := &FineTuner{
		cfg:       cfg,
		pool:      pool,
		index:     index,
		victim:    victim,
		state:     NewTrainingState(),
		scheduler: newPlateauScheduler(cfg.PlateauFactor, cfg.PlateauPatience),
		lr:        cfg.LearningRate,
	}
	surrogate := pool.Surrogate(index)
	ctx := pool.Context()

	var err error
	ft.initExec, err = context.NewExecAny(pool.Backend(), ctx, func(ctx *context.Context, images *Node) (initDir, meanNorm *Node) {
		scores := surrogate.ForwardGraph(ctx, images)
		return normalizeRows(scores), ReduceAllMean(decoder.ScoreNormGraph(scores))
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile inner pgd init")
	}
	ft.stepExec, err = context.NewExecAny(pool.Backend(), ctx, ft.innerStepGraph)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile inner pgd step")
	}

	ctx.SetParam(optimizers.ParamClipStepByValue, cfg.ClipStepValue)
	optimizer := optimizers.Adam().
		LearningRate(cfg.LearningRate).
		WeightDecay(cfg.WeightDecay).
		Done()
	lossFromGraph := func(_, predictions []*Node) *Node {
		return predictions[1]
	}
	ft.trainer = train.NewTrainer(pool.Backend(), ctx, ft.modelGraph, losses.LossFn(lossFromGraph), optimizer, nil, nil)
	return ft, nil
}

// State exposes the training state, including per-epoch losses and the
// best epoch, for inspection after Run.
func (ft *FineTuner) State() *TrainingState { return ft.state }

// innerStepGraph advances the adversarial perturbation used to build
// fine-tuning targets: gradient descent on the norm-reduction plus
// direction-change objective, per-sample normalized steps, projected to
// the inner box and the valid image range.
func (ft *FineTuner) innerStepGraph(ctx *context.Context, current, original, initDir, meanNorm *Node) *Node {
	scores := ft.pool.Surrogate(ft.index).ForwardGraph(ctx, current)
	norms := decoder.ScoreNormGraph(scores)

	normReduction := ReduceAllMean(activations.Relu(Sub(norms, meanNorm)))
	directionChange := ReduceAllMean(AddScalar(MulScalar(cosineSimilarityGraph(scores, initDir), -1), 1))
	loss := MulScalar(Add(normReduction, directionChange), -1)

	grad := Gradient(loss, current)[0]
	gradNorm := L2Norm(grad, 1, 2, 3)
	gradNorm = Max(gradNorm, Scalar(grad.Graph(), grad.DType(), innerGradNormFloor))
	next := Sub(current, MulScalar(Div(grad, gradNorm), innerAlpha))

	low := AddScalar(original, -innerMaxDelta)
	high := AddScalar(original, innerMaxDelta)
	return ClipScalar(Max(Min(next, high), low), -1, 1)
}

// bestCandidate keeps a clone of the lowest-scoring candidate seen. The
// clone is taken from the exact tensor the score was measured on.
type bestCandidate struct {
	tensor *tensors.Tensor
	score  float64
}

func newBestCandidate() *bestCandidate {
	return &bestCandidate{score: math.Inf(1)}
}

func (b *bestCandidate) observe(candidate *tensors.Tensor, score float64) error {
	if score >= b.score {
		return nil
	}
	clone, err := candidate.Clone()
	if err != nil {
		return err
	}
	if b.tensor != nil {
		b.tensor.FinalizeAll()
	}
	b.tensor = clone
	b.score = score
	return nil
}

// victimScore returns the mean per-image score norm the true decoder
// assigns to batch.
func (ft *FineTuner) victimScore(batch *tensors.Tensor) (float64, error) {
	scores, err := ft.victim.Decode(batch)
	if err != nil {
		return 0, errors.Wrap(err, "victim scoring during inner pgd")
	}
	defer scores.FinalizeAll()
	norms, err := decoder.ScoreNorms(ft.pool.Backend(), scores)
	if err != nil {
		return 0, err
	}
	var mean float64
	for _, n := range norms {
		mean += n
	}
	return mean / float64(len(norms)), nil
}

// perturb runs the inner PGD loop on one batch. Each stepped candidate
// is scored by the true decoder; the lowest-scoring one is returned.
// The loop stops early after innerPlateauSteps steps without measurable
// score change.
func (ft *FineTuner) perturb(batch *tensors.Tensor) (*tensors.Tensor, error) {
	initDir, meanNorm, err := ft.initExec.Exec2(batch)
	if err != nil {
		return nil, errors.Wrap(err, "inner pgd init failed")
	}
	defer initDir.FinalizeAll()
	defer meanNorm.FinalizeAll()

	current, err := batch.Clone()
	if err != nil {
		return nil, err
	}
	best := newBestCandidate()
	prevScore := math.Inf(1)
	plateau := 0

	for step := 0; step < innerSteps; step++ {
		next, err := ft.stepExec.Exec1(current, batch, initDir, meanNorm)
		if err != nil {
			return nil, errors.Wrapf(err, "inner pgd step %d failed", step)
		}
		current.FinalizeAll()
		current = next

		score, err := ft.victimScore(current)
		if err != nil {
			return nil, err
		}
		if err := best.observe(current, score); err != nil {
			return nil, err
		}
		if math.Abs(score-prevScore) < innerPlateauTolerance {
			plateau++
			if plateau >= innerPlateauSteps {
				break
			}
		} else {
			plateau = 0
		}
		prevScore = score
	}
	current.FinalizeAll()
	return best.tensor, nil
}

// modelGraph builds the fine-tuning objective. Inputs: clean batch,
// perturbed batch, victim scores for both. The loss aligns the
// surrogate's output direction and scale with the victim's on both
// batches, matches normalized features, and penalizes parameter norms.
func (ft *FineTuner) modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	clean, perturbed, victimClean, victimPerturbed := inputs[0], inputs[1], inputs[2], inputs[3]
	surrogate := ft.pool.Surrogate(ft.index)
	sClean := surrogate.ForwardGraph(ctx, clean)
	sPerturbed := surrogate.ForwardGraph(ctx, perturbed)

	oneMinusCos := func(a, b *Node) *Node {
		return ReduceAllMean(AddScalar(MulScalar(cosineSimilarityGraph(a, b), -1), 1))
	}
	direction := Add(oneMinusCos(sClean, victimClean), oneMinusCos(sPerturbed, victimPerturbed))

	normMSE := func(a, b *Node) *Node {
		return ReduceAllMean(Square(Sub(decoder.ScoreNormGraph(a), decoder.ScoreNormGraph(b))))
	}
	scale := Add(normMSE(sClean, victimClean), normMSE(sPerturbed, victimPerturbed))

	featureMSE := func(a, b *Node) *Node {
		return ReduceAllMean(Square(Sub(normalizeRows(a), normalizeRows(b))))
	}
	feature := Add(featureMSE(sClean, victimClean), featureMSE(sPerturbed, victimPerturbed))

	g := clean.Graph()
	penalty := ScalarZero(g, clean.DType())
	ctx.In(surrogate.Scope()).EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		penalty = Add(penalty, L2NormSquare(v.ValueGraph(g)))
	})

	loss := Add(
		Add(direction, MulScalar(scale, ft.cfg.ScaleLossWeight)),
		Add(MulScalar(feature, ft.cfg.FeatureLossWeight), MulScalar(penalty, ft.cfg.WeightPenalty)))
	return []*Node{sClean, loss}
}

// setLearningRate overwrites the optimizer's learning-rate variable.
// LearningRateVar only sets the value on first creation, so an existing
// variable, present after the first training step, must be mutated
// explicitly.
func (ft *FineTuner) setLearningRate(lr float64) error {
	lrVar := optimizers.LearningRateVar(ft.pool.Context(), dtypes.Float32, lr)
	if err := lrVar.SetValue(tensors.FromScalar(float32(lr))); err != nil {
		return errors.Wrap(err, "failed to update the learning rate")
	}
	return nil
}

// Run fine-tunes for the configured epochs over batches drawn from
// source, then restores the best-epoch parameters.
func (ft *FineTuner) Run(source Source) (*TrainingState, error) {
	for epoch := 0; epoch < ft.cfg.Epochs; epoch++ {
		epochLoss := 0.0
		for batch := 0; batch < ft.cfg.NumBatches; batch++ {
			batchLoss, err := ft.fineTuneBatch(source)
			if err != nil {
				return nil, errors.Wrapf(err, "fine-tuning failed at epoch %d batch %d", epoch, batch)
			}
			epochLoss += batchLoss
		}
		epochLoss /= float64(ft.cfg.NumBatches)
		reduced, err := ft.cfg.Cluster.ReduceMeanLoss(epochLoss)
		if err != nil {
			return nil, err
		}
		if err := ft.state.Observe(ft.pool, ft.index, reduced); err != nil {
			return nil, err
		}
		if ft.scheduler.observe(reduced) {
			ft.lr *= ft.cfg.PlateauFactor
			if err := ft.setLearningRate(ft.lr); err != nil {
				return nil, err
			}
			if ft.cfg.Cluster.IsLeader() {
				klog.Infof("fine-tuning surrogate %d: loss plateau, learning rate now %g", ft.index, ft.lr)
			}
		}
		if ft.cfg.Cluster.IsLeader() {
			klog.Infof("fine-tuning surrogate %d epoch %d/%d: mean loss=%.6f (best %.6f at epoch %d)",
				ft.index, epoch+1, ft.cfg.Epochs, reduced, ft.state.BestLoss, ft.state.BestEpoch+1)
		}
	}
	if err := ft.state.RestoreBest(); err != nil {
		return nil, err
	}
	return ft.state, nil
}

func (ft *FineTuner) fineTuneBatch(source Source) (float64, error) {
	clean, err := source.Next(ft.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "image source failed")
	}
	defer clean.FinalizeAll()

	perturbed, err := ft.perturb(clean)
	if err != nil {
		return 0, err
	}
	defer perturbed.FinalizeAll()

	victimClean, err := ft.victim.Decode(clean)
	if err != nil {
		return 0, errors.Wrap(err, "victim scoring of clean batch")
	}
	defer victimClean.FinalizeAll()
	victimPerturbed, err := ft.victim.Decode(perturbed)
	if err != nil {
		return 0, errors.Wrap(err, "victim scoring of perturbed batch")
	}
	defer victimPerturbed.FinalizeAll()

	metrics, err := ft.trainer.TrainStep(nil, []*tensors.Tensor{clean, perturbed, victimClean, victimPerturbed}, nil)
	if err != nil {
		return 0, err
	}
	loss := float64(metrics[0].Value().(float32))
	for _, m := range metrics {
		m.FinalizeAll()
	}
	return loss, nil
}
