package attack

import "github.com/pkg/errors"

// Cluster describes this process's position in a multi-process
// data-parallel run. It is passed explicitly to every component that
// reduces losses or decides whether to log, never read from ambient
// process state.
type Cluster struct {
	// Rank of this process, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of worker processes.
	WorldSize int

	// AllReduceSum sums the values elementwise across all processes.
	// Every process must call it with the same length; all block until
	// the reduction completes. Nil in single-process runs.
	AllReduceSum func(values []float64) ([]float64, error)
}

// SingleProcess is the default one-worker cluster.
func SingleProcess() Cluster {
	return Cluster{Rank: 0, WorldSize: 1}
}

// Validate checks rank and world size are coherent.
func (c Cluster) Validate() error {
	if c.WorldSize < 1 {
		return errors.Errorf("cluster: world size must be >= 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.Errorf("cluster: rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	if c.WorldSize > 1 && c.AllReduceSum == nil {
		return errors.Errorf("cluster: world size %d requires an AllReduceSum implementation", c.WorldSize)
	}
	return nil
}

// IsLeader reports whether this process is the designated logger.
func (c Cluster) IsLeader() bool { return c.Rank == 0 }

// ReduceMeanLoss sums an epoch loss across all processes and divides by
// the world size. Single-process runs return the loss unchanged.
func (c Cluster) ReduceMeanLoss(loss float64) (float64, error) {
	if c.WorldSize == 1 {
		return loss, nil
	}
	summed, err := c.AllReduceSum([]float64{loss})
	if err != nil {
		return 0, errors.Wrap(err, "epoch loss reduction failed")
	}
	return summed[0] / float64(c.WorldSize), nil
}
