package nn

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/headlands-org/go-stablelm/internal/kernels"
	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// Activation is an element-wise nonlinearity selected by its config name.
type Activation struct {
	Name string
	fn   kernels.ActivationFunc
}

func NewActivation(name string) (Activation, error) {
	fn, ok := kernels.Activation(name)
	if !ok {
		return Activation{}, fmt.Errorf("unsupported activation %q", name)
	}
	return Activation{Name: name, fn: fn}, nil
}

func (a Activation) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.New(x.Shape...)
	a.fn(y.Data, x.Data, x.Numel())
	return y
}

// Dropout zeroes probabilities with rate P and rescales the survivors,
// but only while Training is set. At inference it is the identity.
type Dropout struct {
	P        float64
	Training bool
	Rand     *rand.Rand
}

// Hook returns the in-place row transform for the attention kernel, or
// nil when dropout is inactive.
func (d *Dropout) Hook() func(row []float32) {
	if d == nil || !d.Training || d.P <= 0 {
		return nil
	}
	rng := d.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if d.P >= 1 {
		return func(row []float32) { clear(row) }
	}

	scale := float32(1 / (1 - d.P))
	var mu sync.Mutex // rows arrive from parallel heads
	return func(row []float32) {
		keep := make([]bool, len(row))
		mu.Lock()
		for i := range keep {
			keep[i] = rng.Float64() >= d.P
		}
		mu.Unlock()
		for i := range row {
			if keep[i] {
				row[i] *= scale
			} else {
				row[i] = 0
			}
		}
	}
}
