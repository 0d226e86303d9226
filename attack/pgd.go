package attack

import (
	"math"

	"github.com/gomlx/gomlx/backends"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ganmark/ganmark/decoder"
	"github.com/ganmark/ganmark/masking"
)

// momentumL1Floor keeps the gradient L1 normalization finite when the
// ensemble gradient vanishes.
const momentumL1Floor = 1e-12

// EngineConfig parameterizes the ensemble PGD search.
type EngineConfig struct {
	// Variant selects how final candidates are scored.
	Variant Variant

	// NumSteps of signed-gradient descent per batch. No early stop.
	NumSteps int

	// Alphas are the step sizes swept sequentially, each with a fresh
	// attack per batch.
	Alphas []float64

	// MomentumDecay of the gradient momentum buffer.
	MomentumDecay float64

	// MaxDelta bounds the per-pixel deviation from the reference batch.
	MaxDelta float64

	// AuthKey switches final-candidate scoring from L2 score norms to
	// authenticated similarity against this [scoreLength] key vector.
	// Nil keeps norm scoring.
	AuthKey *tensors.Tensor
}

// Validate rejects unusable configurations before any compute.
func (cfg EngineConfig) Validate() error {
	if cfg.NumSteps < 1 {
		return errors.Errorf("pgd: number of steps must be >= 1, got %d", cfg.NumSteps)
	}
	if len(cfg.Alphas) == 0 {
		return errors.New("pgd: at least one alpha step size is required")
	}
	for _, alpha := range cfg.Alphas {
		if alpha <= 0 {
			return errors.Errorf("pgd: alpha step sizes must be positive, got %g", alpha)
		}
	}
	if cfg.MomentumDecay < 0 || cfg.MomentumDecay >= 1 {
		return errors.Errorf("pgd: momentum decay must be in [0, 1), got %g", cfg.MomentumDecay)
	}
	if cfg.MaxDelta < 0 {
		return errors.Errorf("pgd: max delta must be >= 0, got %g", cfg.MaxDelta)
	}
	return nil
}

// AlphaResult aggregates attack scores for one step size.
type AlphaResult struct {
	Alpha  float64
	Mean   float64
	Std    float64
	Scores []float64
}

// Engine runs the ensemble momentum PGD attack: the surrogate pool is a
// frozen differentiable proxy pushing candidates toward "looks
// watermarked", and the true victim decoder scores the final candidates,
// through the secret masking transform for the secure variants.
type Engine struct {
	cfg     EngineConfig
	backend backends.Backend
	ctx     *context.Context
	proxies []decoder.Proxy
	weights []float64
	pool    *decoder.Pool
	victim  decoder.Victim
	mask    *masking.Network
}

// NewEngine attacks with a surrogate pool as the gradient source. mask
// is required for every variant except BaseBaseline. The configuration
// is validated up front, before any compute.
func NewEngine(cfg EngineConfig, pool *decoder.Pool, victim decoder.Victim, mask *masking.Network) (*Engine, error) {
	proxies := make([]decoder.Proxy, pool.Size())
	for i := range proxies {
		proxies[i] = pool.Surrogate(i)
	}
	e, err := NewEngineWithProxies(cfg, pool.Backend(), pool.Context(), proxies, pool.Weights(), victim, mask)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return e, nil
}

// NewEngineWithProxies attacks with an arbitrary set of differentiable
// proxies and explicit ensemble weights. Weights default to uniform 1/N
// when nil.
func NewEngineWithProxies(cfg EngineConfig, backend backends.Backend, ctx *context.Context, proxies []decoder.Proxy, weights []float64, victim decoder.Victim, mask *masking.Network) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Variant.Masked() && mask == nil {
		return nil, errors.Errorf("pgd: variant %s scores through the mask network, but none was supplied", cfg.Variant)
	}
	if victim == nil {
		return nil, errors.New("pgd: a victim decoder is required for scoring")
	}
	if len(proxies) == 0 {
		return nil, errors.New("pgd: at least one proxy decoder is required")
	}
	if weights == nil {
		weights = make([]float64, len(proxies))
		for i := range weights {
			weights[i] = 1.0 / float64(len(proxies))
		}
	}
	if len(weights) != len(proxies) {
		return nil, errors.Errorf("pgd: got %d ensemble weights for %d proxies", len(weights), len(proxies))
	}
	return &Engine{
		cfg:     cfg,
		backend: backend,
		ctx:     ctx,
		proxies: proxies,
		weights: weights,
		victim:  victim,
		mask:    mask,
	}, nil
}

// stepGraph advances one PGD step. The surrogate parameters are read
// only; gradients flow exclusively into the candidate image. Alpha is a
// graph input so the sweep reuses one compiled graph per batch shape.
func (e *Engine) stepGraph(ctx *context.Context, candidate, reference, momentum, alpha *Node) (*Node, *Node) {
	var grad *Node
	for i, weight := range e.weights {
		scores := e.proxies[i].ForwardGraph(ctx, candidate)
		target := OnesLike(scores)
		loss := ReduceAllMean(losses.BinaryCrossentropy([]*Node{target}, []*Node{scores}))
		surrogateGrad := Gradient(loss, candidate)[0]
		surrogateGrad = MulScalar(surrogateGrad, weight)
		if grad == nil {
			grad = surrogateGrad
		} else {
			grad = Add(grad, surrogateGrad)
		}
	}

	l1 := ReduceAllSum(Abs(grad))
	l1 = Max(l1, Scalar(grad.Graph(), grad.DType(), momentumL1Floor))
	newMomentum := Add(MulScalar(momentum, e.cfg.MomentumDecay), Div(grad, l1))

	stepped := Sub(candidate, Mul(Sign(newMomentum), alpha))
	low := AddScalar(reference, -e.cfg.MaxDelta)
	high := AddScalar(reference, e.cfg.MaxDelta)
	return Max(Min(stepped, high), low), newMomentum
}

// score runs the victim decoder on the final candidates, through the
// mask network for the secure variants. It returns per-image L2 score
// norms, or authenticated similarities when an AuthKey is configured.
func (e *Engine) score(candidate *tensors.Tensor) ([]float64, error) {
	images := candidate
	if e.cfg.Variant.Masked() {
		masked, err := e.mask.Apply(candidate)
		if err != nil {
			return nil, errors.Wrap(err, "masking final candidates")
		}
		defer masked.FinalizeAll()
		images = masked
	}
	scores, err := e.victim.Decode(images)
	if err != nil {
		return nil, errors.Wrap(err, "victim scoring")
	}
	defer scores.FinalizeAll()
	if e.cfg.AuthKey != nil {
		return decoder.AuthenticatedScores(e.backend, scores, e.cfg.AuthKey)
	}
	return decoder.ScoreNorms(e.backend, scores)
}

// Run sweeps every configured alpha over numBatches batches from source.
// Each (alpha, batch) pair starts fresh: candidate cloned from the
// batch, momentum zeroed. Intermediate tensors are released every step
// to keep peak memory flat over long runs.
func (e *Engine) Run(source Source, batchSize, numBatches int) ([]AlphaResult, error) {
	if batchSize < 1 || numBatches < 1 {
		return nil, errors.Errorf("pgd: batch size %d and batch count %d must both be >= 1", batchSize, numBatches)
	}
	if e.pool != nil {
		e.pool.SetTrainable(false)
		defer e.pool.SetTrainable(true)
	}

	stepExec, err := context.NewExecAny(e.backend, e.ctx, e.stepGraph)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile pgd step")
	}

	results := make([]AlphaResult, 0, len(e.cfg.Alphas))
	for _, alpha := range e.cfg.Alphas {
		var scores []float64
		for batch := 0; batch < numBatches; batch++ {
			reference, err := source.Next(batchSize)
			if err != nil {
				return nil, errors.Wrapf(err, "image source failed at batch %d", batch)
			}
			batchScores, err := e.attackBatch(stepExec, reference, alpha)
			reference.FinalizeAll()
			if err != nil {
				return nil, err
			}
			scores = append(scores, batchScores...)
			klog.V(1).Infof("pgd alpha=%g batch=%d/%d images=%d", alpha, batch+1, numBatches, len(scores))
		}
		result := summarize(alpha, scores)
		klog.Infof("pgd alpha=%g: score mean=%.6f std=%.6f over %d images",
			alpha, result.Mean, result.Std, len(scores))
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) attackBatch(stepExec *context.Exec, reference *tensors.Tensor, alpha float64) ([]float64, error) {
	candidate, err := reference.Clone()
	if err != nil {
		return nil, errors.Wrap(err, "cloning attack batch")
	}
	momentum := zerosLike(reference)

	for step := 0; step < e.cfg.NumSteps; step++ {
		newCandidate, newMomentum, err := stepExec.Exec2(candidate, reference, momentum, float32(alpha))
		if err != nil {
			return nil, errors.Wrapf(err, "pgd step %d failed", step)
		}
		candidate.FinalizeAll()
		momentum.FinalizeAll()
		candidate, momentum = newCandidate, newMomentum
	}
	momentum.FinalizeAll()
	defer candidate.FinalizeAll()
	return e.score(candidate)
}

func zerosLike(t *tensors.Tensor) *tensors.Tensor {
	dims := t.Shape().Dimensions
	size := 1
	for _, d := range dims {
		size *= d
	}
	return tensors.FromFlatDataAndDimensions(make([]float32, size), dims...)
}

func summarize(alpha float64, scores []float64) AlphaResult {
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	var variance float64
	for _, s := range scores {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(scores))
	return AlphaResult{Alpha: alpha, Mean: mean, Std: math.Sqrt(variance), Scores: scores}
}
