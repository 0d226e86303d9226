package attack

import (
	"path/filepath"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ganmark/ganmark/decoder"
	"github.com/ganmark/ganmark/generator"
	"github.com/ganmark/ganmark/imaging"
)

// TrainConfig parameterizes fresh surrogate training.
type TrainConfig struct {
	// Epochs over the virtual dataset.
	Epochs int

	// DatasetSize is the number of virtual images per epoch.
	DatasetSize int

	// BatchSize per training step.
	BatchSize int

	// LearningRate of the adaptive optimizer.
	LearningRate float64

	// MaxDelta bounds the watermarked images' deviation from the
	// originals before scoring.
	MaxDelta float64

	// BinaryLabels switches from the margin loss to the alternating
	// binary-label loss: original batches labeled 0, watermarked 1.
	BinaryLabels bool

	// CheckpointDir receives a timestamped checkpoint after training
	// when non-empty. Only the cluster leader writes it.
	CheckpointDir string

	// LatentSeed makes latent sampling reproducible per process.
	LatentSeed uint64

	// Cluster position for loss reduction and leader-only logging.
	Cluster Cluster
}

// Validate rejects unusable configurations.
func (cfg TrainConfig) Validate() error {
	if cfg.Epochs < 1 || cfg.DatasetSize < 1 || cfg.BatchSize < 1 {
		return errors.Errorf("surrogate training: epochs=%d datasetSize=%d batchSize=%d must all be positive",
			cfg.Epochs, cfg.DatasetSize, cfg.BatchSize)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("surrogate training: learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.MaxDelta < 0 {
		return errors.Errorf("surrogate training: max delta must be >= 0, got %g", cfg.MaxDelta)
	}
	return cfg.Cluster.Validate()
}

// marginLossGraph builds the fresh-training objective inside the model
// graph: (max_over_batch(|s(x)| - |s(x_wm)|) + 1)^2, where x_wm is the
// watermarked batch constrained to the delta budget around x.
func marginLossGraph(s *decoder.Surrogate, ctx *context.Context, original, watermarked *Node, maxDelta float64) (scores, loss *Node) {
	bounded := imaging.ConstrainGraph(watermarked, original, maxDelta)
	scoresOriginal := s.ForwardGraph(ctx, original)
	scores = s.ForwardGraph(ctx, bounded)
	margin := ReduceAllMax(Sub(decoder.ScoreNormGraph(scoresOriginal), decoder.ScoreNormGraph(scores)))
	loss = Square(AddScalar(margin, 1))
	return scores, loss
}

// TrainSurrogate trains pool member index from scratch against paired
// original/watermarked generator outputs. It returns the final epoch's
// mean loss, reduced across the cluster.
func TrainSurrogate(pool *decoder.Pool, index int, base, watermarked generator.Generator, cfg TrainConfig) (float64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	surrogate := pool.Surrogate(index)
	if cfg.BinaryLabels && surrogate.Config().ScoreLength != 1 {
		return 0, errors.Errorf("surrogate training: binary labels need a scalar score, surrogate %d outputs %d values",
			index, surrogate.Config().ScoreLength)
	}
	sampler := generator.NewLatentSampler(base.Descriptor().LatentDim, cfg.LatentSeed+uint64(cfg.Cluster.Rank))

	var modelFn train.ModelFn
	var lossFn losses.LossFn
	var optimizer optimizers.Interface
	if cfg.BinaryLabels {
		modelFn = func(ctx *context.Context, _ any, inputs []*Node) []*Node {
			return []*Node{surrogate.ForwardGraph(ctx, inputs[0])}
		}
		lossFn = losses.BinaryCrossentropy
		optimizer = optimizers.Adam().LearningRate(cfg.LearningRate).Betas(0.5, 0.999).Done()
	} else {
		modelFn = func(ctx *context.Context, _ any, inputs []*Node) []*Node {
			scores, loss := marginLossGraph(surrogate, ctx, inputs[0], inputs[1], cfg.MaxDelta)
			return []*Node{scores, loss}
		}
		// The loss is computed inside the model graph; the trainer only
		// forwards it.
		lossFn = func(_, predictions []*Node) *Node {
			return predictions[1]
		}
		optimizer = optimizers.Adam().LearningRate(cfg.LearningRate).Done()
	}
	trainer := train.NewTrainer(pool.Backend(), pool.Context(), modelFn, lossFn, optimizer, nil, nil)

	numBatches := cfg.DatasetSize / cfg.BatchSize
	if numBatches < 1 {
		numBatches = 1
	}
	var epochLoss float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		epochLoss = 0
		for batch := 0; batch < numBatches; batch++ {
			batchLoss, err := trainBatch(trainer, sampler, base, watermarked, cfg, batch)
			if err != nil {
				return 0, errors.Wrapf(err, "surrogate %d training failed at epoch %d batch %d", index, epoch, batch)
			}
			epochLoss += batchLoss
			if cfg.Cluster.IsLeader() && (batch+1)%10 == 0 {
				klog.Infof("surrogate %d epoch %d batch %d/%d: loss=%.6f",
					index, epoch, batch+1, numBatches, batchLoss)
			}
		}
		epochLoss /= float64(numBatches)
		reduced, err := cfg.Cluster.ReduceMeanLoss(epochLoss)
		if err != nil {
			return 0, err
		}
		epochLoss = reduced
		if cfg.Cluster.IsLeader() {
			klog.Infof("surrogate %d epoch %d/%d: mean loss=%.6f", index, epoch+1, cfg.Epochs, epochLoss)
		}
	}

	if cfg.CheckpointDir != "" && cfg.Cluster.IsLeader() {
		name := decoder.CheckpointPrefix + time.Now().Format("20060102-150405") + ".ckpt"
		path := filepath.Join(cfg.CheckpointDir, name)
		if err := pool.SaveSurrogate(index, path); err != nil {
			return 0, err
		}
		klog.Infof("surrogate %d checkpoint saved to %s", index, path)
	}
	return epochLoss, nil
}

func trainBatch(trainer *train.Trainer, sampler *generator.LatentSampler, base, watermarked generator.Generator, cfg TrainConfig, batch int) (float64, error) {
	latents := sampler.Sample(cfg.BatchSize)
	defer latents.FinalizeAll()
	original, err := base.Generate(latents)
	if err != nil {
		return 0, errors.Wrap(err, "generating original batch")
	}
	defer original.FinalizeAll()

	var inputs, labels []*tensors.Tensor
	if cfg.BinaryLabels {
		// Alternate batches: originals labeled 0, watermarked labeled 1.
		if batch%2 == 0 {
			inputs = []*tensors.Tensor{original}
			labels = []*tensors.Tensor{labelTensor(cfg.BatchSize, 0)}
		} else {
			marked, err := watermarked.Generate(latents)
			if err != nil {
				return 0, errors.Wrap(err, "generating watermarked batch")
			}
			defer marked.FinalizeAll()
			inputs = []*tensors.Tensor{marked}
			labels = []*tensors.Tensor{labelTensor(cfg.BatchSize, 1)}
		}
	} else {
		marked, err := watermarked.Generate(latents)
		if err != nil {
			return 0, errors.Wrap(err, "generating watermarked batch")
		}
		defer marked.FinalizeAll()
		inputs = []*tensors.Tensor{original, marked}
	}

	metrics, err := trainer.TrainStep(nil, inputs, labels)
	if err != nil {
		return 0, err
	}
	loss := float64(metrics[0].Value().(float32))
	for _, m := range metrics {
		m.FinalizeAll()
	}
	for _, l := range labels {
		l.FinalizeAll()
	}
	return loss, nil
}

func labelTensor(batchSize int, value float32) *tensors.Tensor {
	flat := make([]float32, batchSize)
	for i := range flat {
		flat[i] = value
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, 1)
}
