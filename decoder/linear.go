package decoder

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/ganmark/ganmark/masking"
)

// Proxy is any decoder with a differentiable forward pass, usable as a
// gradient source in the ensemble attack. Surrogate implements it; so
// does KeyedLinearVictim for sanity scenarios.
type Proxy interface {
	ForwardGraph(ctx *context.Context, images *Node) *Node
}

// KeyedLinearVictim is a deterministic single-layer victim decoder whose
// weights are derived from a secret key: flattened image times a frozen
// matrix, through a sigmoid. It serves as the stand-in victim for demo
// runs and as a known scorer in sanity scenarios.
type KeyedLinearVictim struct {
	weights     *tensors.Tensor
	scoreLength int
	exec        *Exec
}

// NewKeyedLinearVictim derives the [channels*height*width, scoreLength]
// projection from key.
func NewKeyedLinearVictim(backend backends.Backend, key masking.SecretKey, channels, height, width, scoreLength int) (*KeyedLinearVictim, error) {
	inDim := channels * height * width
	raw, err := masking.ChaCha20Deriver{}.Derive(key.Bytes(), 4*inDim*scoreLength)
	if err != nil {
		return nil, errors.Wrap(err, "linear victim weights")
	}
	bound := float32(1.0 / math.Sqrt(float64(inDim)))
	flat := make([]float32, inDim*scoreLength)
	for i := range flat {
		v := binary.BigEndian.Uint32(raw[4*i:])
		unit := float32(float64(v) / float64(math.MaxUint32))
		flat[i] = unit*2*bound - bound
	}
	v := &KeyedLinearVictim{
		weights:     tensors.FromFlatDataAndDimensions(flat, inDim, scoreLength),
		scoreLength: scoreLength,
	}
	v.exec, err = NewExecOrError(backend, func(images, weights *Node) *Node {
		return v.forward(images, weights)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile linear victim")
	}
	return v, nil
}

func (v *KeyedLinearVictim) forward(images, weights *Node) *Node {
	batch := images.Shape().Dimensions[0]
	flat := Reshape(images, batch, images.Shape().Size()/batch)
	return Sigmoid(MatMul(flat, weights))
}

// Decode implements Victim.
func (v *KeyedLinearVictim) Decode(images *tensors.Tensor) (*tensors.Tensor, error) {
	return v.exec.Exec1(images, v.weights)
}

// ForwardGraph implements Proxy, letting the linear victim double as its
// own attack proxy in white-box sanity scenarios.
func (v *KeyedLinearVictim) ForwardGraph(_ *context.Context, images *Node) *Node {
	return v.forward(images, Const(images.Graph(), v.weights))
}

// ScoreLength returns the victim's output width.
func (v *KeyedLinearVictim) ScoreLength() int { return v.scoreLength }
