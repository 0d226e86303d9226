// ganmark-attack probes a watermarked generator: it trains an ensemble
// of surrogate decoders against paired clean/watermarked outputs,
// optionally fine-tunes one member against the true decoder, then runs
// the ensemble momentum attack and reports the victim's detection
// scores per step size.
package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/ganmark/ganmark/attack"
	"github.com/ganmark/ganmark/decoder"
	"github.com/ganmark/ganmark/generator"
	"github.com/ganmark/ganmark/masking"
)

var (
	flagVariant  = flag.String("variant", "base_baseline", "Scoring variant: base_baseline, base_secure, combined_secure or fixed_secure.")
	flagSource   = flag.String("source", "original", "Attack image source: original, random or blurred.")
	flagEnsemble = flag.Int("ensemble", 5, "Number of surrogate decoders in the ensemble.")

	flagKeySeed    = flag.Int64("key_seed", 2024, "Seed of the secret masking key.")
	flagVictimSeed = flag.Int64("victim_seed", 7, "Seed of the victim decoder's key.")
	flagLatentSeed = flag.Uint64("latent_seed", 42, "Seed of the latent sampler.")

	flagImageSize   = flag.Int("image_size", 32, "Generated image height and width.")
	flagChannels    = flag.Int("channels", 3, "Generated image channels.")
	flagLatentDim   = flag.Int("latent_dim", 128, "Generator latent dimension.")
	flagScoreLength = flag.Int("score_length", 128, "Length of the decoder's score vector.")
	flagMarkScale   = flag.Float64("mark_scale", 0.05, "Amplitude of the synthetic watermark pattern.")

	flagTrain      = flag.Bool("train", true, "Train the surrogate ensemble before attacking.")
	flagEpochs     = flag.Int("epochs", 3, "Surrogate training epochs.")
	flagTrainSize  = flag.Int("train_size", 10000, "Virtual dataset size per training epoch.")
	flagBatchSize  = flag.Int("batch_size", 32, "Batch size for training and attacking.")
	flagLR         = flag.Float64("learning_rate", 1e-4, "Surrogate training learning rate.")
	flagBinary     = flag.Bool("binary_labels", false, "Train with alternating binary labels instead of the margin loss.")
	flagFineTune   = flag.Bool("finetune", false, "Fine-tune surrogate 0 against the true decoder after training.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load surrogate checkpoints from. If left empty, no checkpoints are created.")

	flagSteps    = flag.Int("steps", 50, "Attack steps per batch.")
	flagAlphas   = flag.String("alphas", "0.001,0.005,0.01", "Comma-separated attack step sizes, swept sequentially.")
	flagMomentum = flag.Float64("momentum", 0.9, "Momentum decay of the attack gradient buffer.")
	flagMaxDelta = flag.Float64("max_delta", 0.01, "Per-pixel deviation budget around the reference images.")
	flagBatches  = flag.Int("attack_batches", 10, "Number of attacked batches per step size.")
)

var backend = backends.MustNew()

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagBinary && *flagFineTune {
		klog.Fatal("fine-tuning matches surrogate scores against the victim's and needs -binary_labels=false")
	}
	variant := check1(attack.ParseVariant(*flagVariant))
	sourceMode := check1(attack.ParseSourceMode(*flagSource))
	alphas := check1(parseAlphas(*flagAlphas))

	desc := generator.Descriptor{
		Family:        generator.LegacyGAN,
		LatentDim:     *flagLatentDim,
		ImageChannels: *flagChannels,
		ImageSize:     *flagImageSize,
	}
	base := check1(generator.NewSynthetic(backend, desc, masking.NewSecretKey(*flagVictimSeed)))
	key := masking.NewSecretKey(*flagKeySeed)
	marked := check1(generator.NewWatermarked(backend, base, key, *flagMarkScale))
	victim := check1(decoder.NewKeyedLinearVictim(
		backend, masking.NewSecretKey(*flagVictimSeed), *flagChannels, *flagImageSize, *flagImageSize, *flagScoreLength))

	var mask *masking.Network
	if variant.Masked() {
		maskCfg := masking.DefaultConfig()
		maskCfg.Channels = *flagChannels
		mask = check1(masking.NewNetwork(backend, context.New(), masking.ChaCha20Deriver{}, key, maskCfg))
		klog.Infof("masking transform active (%s, %d parameters)", key, maskCfg.ParamCount())
	}

	surrogateCfg := decoder.DefaultSurrogateConfig(*flagChannels, *flagScoreLength)
	if *flagBinary {
		surrogateCfg.ScoreLength = 1
	}
	pool := check1(decoder.NewPool(backend, context.New(), surrogateCfg, *flagEnsemble))

	if !loadCheckpoints(pool) && *flagTrain {
		trainPool(pool, base, marked)
	}
	if *flagFineTune {
		fineTune(pool, variant, mask, victim, marked)
	}

	engineCfg := attack.EngineConfig{
		Variant:       variant,
		NumSteps:      *flagSteps,
		Alphas:        alphas,
		MomentumDecay: *flagMomentum,
		MaxDelta:      *flagMaxDelta,
	}
	engine := check1(attack.NewEngine(engineCfg, pool, victim, mask))
	source := check1(attack.NewSource(backend, sourceMode, marked, *flagLatentSeed))
	results := check1(engine.Run(source, *flagBatchSize, *flagBatches))

	fmt.Printf("\nvariant=%s source=%s steps=%d delta=%g\n", variant, sourceMode, *flagSteps, *flagMaxDelta)
	fmt.Printf("%10s %14s %14s\n", "alpha", "mean score", "std")
	for _, r := range results {
		fmt.Printf("%10g %14.6f %14.6f\n", r.Alpha, r.Mean, r.Std)
	}
}

// loadCheckpoints restores as many pool members as there are saved
// checkpoints, oldest first. Returns true when every member was loaded.
func loadCheckpoints(pool *decoder.Pool) bool {
	if *flagCheckpoint == "" {
		return false
	}
	names, err := decoder.FindCheckpoints(*flagCheckpoint)
	if err != nil {
		klog.Warningf("No surrogate checkpoints loaded: %v", err)
		return false
	}
	loaded := 0
	for i := 0; i < pool.Size() && i < len(names); i++ {
		check(pool.LoadSurrogate(i, filepath.Join(*flagCheckpoint, names[i])))
		loaded++
	}
	if loaded > 0 {
		klog.Infof("Loaded %d of %d surrogates from %s", loaded, pool.Size(), *flagCheckpoint)
	}
	return loaded == pool.Size()
}

func trainPool(pool *decoder.Pool, base, marked generator.Generator) {
	bar := progressbar.Default(int64(pool.Size()), "training surrogates")
	for i := 0; i < pool.Size(); i++ {
		cfg := attack.TrainConfig{
			Epochs:        *flagEpochs,
			DatasetSize:   *flagTrainSize,
			BatchSize:     *flagBatchSize,
			LearningRate:  *flagLR,
			MaxDelta:      *flagMaxDelta,
			BinaryLabels:  *flagBinary,
			CheckpointDir: *flagCheckpoint,
			LatentSeed:    *flagLatentSeed + uint64(i),
			Cluster:       attack.SingleProcess(),
		}
		loss := check1(attack.TrainSurrogate(pool, i, base, marked, cfg))
		klog.Infof("surrogate %d trained, final loss %.6f", i, loss)
		check(bar.Add(1))
	}
	check(bar.Finish())
}

func fineTune(pool *decoder.Pool, variant attack.Variant, mask *masking.Network, victim decoder.Victim, marked generator.Generator) {
	if variant.Masked() {
		victim = attack.NewMaskedVictim(mask, victim)
	}
	cfg := attack.DefaultFineTuneConfig()
	cfg.BatchSize = *flagBatchSize
	ft := check1(attack.NewFineTuner(pool, 0, victim, cfg))
	source := check1(attack.NewSource(backend, attack.SourceGenerated, marked, *flagLatentSeed))
	state := check1(ft.Run(source))
	klog.Infof("fine-tuning done: best epoch %d, loss %.6f", state.BestEpoch+1, state.BestLoss)
}

func parseAlphas(csv string) ([]float64, error) {
	parts := strings.Split(csv, ",")
	alphas := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid alpha %q: %w", p, err)
		}
		alphas = append(alphas, v)
	}
	return alphas, nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
