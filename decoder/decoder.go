// Package decoder holds the watermark-decoder contracts: the victim
// decoder the defender trained (a black or white box depending on the
// attack mode), and the attacker-trained surrogate pool used as its
// differentiable proxy.
package decoder

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Victim is the defender's watermark-detection network. Decode maps a
// [batch, channels, height, width] image batch to a [batch, scoreLength]
// score matrix.
type Victim interface {
	Decode(images *tensors.Tensor) (*tensors.Tensor, error)
}

// ScoreNormGraph reduces a [batch, scoreLength] score matrix to the
// per-image L2 norm, shape [batch].
func ScoreNormGraph(scores *Node) *Node {
	return Reshape(L2Norm(scores, -1), scores.Shape().Dimensions[0])
}

// AuthenticatedScoreGraph compares decoded scores against a fixed
// authentication vector: 1 - |k - kAuth| / sqrt(len(kAuth)), per image.
// A score near 1 means the image still authenticates as watermarked.
func AuthenticatedScoreGraph(scores, authKey *Node) *Node {
	scoreLen := authKey.Shape().Size()
	dist := ScoreNormGraph(Sub(scores, InsertAxes(authKey, 0)))
	return AddScalar(MulScalar(dist, -1.0/math.Sqrt(float64(scoreLen))), 1)
}

// ScoreNorms eagerly computes per-image L2 score norms as a Go slice.
func ScoreNorms(backend backends.Backend, scores *tensors.Tensor) ([]float64, error) {
	normed, err := NewExecOrError(backend, ScoreNormGraph)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile score norm")
	}
	out, err := normed.Exec1(scores)
	if err != nil {
		return nil, err
	}
	return floats(out)
}

// AuthenticatedScores eagerly computes per-image authenticated
// similarities against authKey, a [scoreLength] vector.
func AuthenticatedScores(backend backends.Backend, scores, authKey *tensors.Tensor) ([]float64, error) {
	authed, err := NewExecOrError(backend, AuthenticatedScoreGraph)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile authenticated score")
	}
	out, err := authed.Exec1(scores, authKey)
	if err != nil {
		return nil, err
	}
	return floats(out)
}

func floats(out *tensors.Tensor) ([]float64, error) {
	defer out.FinalizeAll()
	var values []float64
	err := tensors.ConstFlatData(out, func(flat []float32) {
		values = make([]float64, len(flat))
		for i, v := range flat {
			values[i] = float64(v)
		}
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}
