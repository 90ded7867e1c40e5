package primitives

import (
	"fmt"
	"math/rand"

	"github.com/muchq/vdnn/tensor"
)

// Dropout applies inverted dropout with a per-call mask the size of the
// activation; ReservedBytes accounts for that mask as the layer's reserved
// scratch space. A dedicated *rand.Rand keeps masks reproducible for a
// given seed.
type Dropout struct {
	Rate float64
	rng  *rand.Rand

	mask []float64
}

func NewDropout(seed int64, rate float64) *Dropout {
	return &Dropout{Rate: rate, rng: rand.New(rand.NewSource(seed))}
}

func (d *Dropout) Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor {
	if !training || d.Rate <= 0 {
		d.mask = nil
		return input.Copy()
	}
	keep := 1.0 - d.Rate
	out := input.Copy()
	d.mask = make([]float64, len(input.Data))
	for i := range out.Data {
		if d.rng.Float64() < keep {
			d.mask[i] = 1.0 / keep
			out.Data[i] *= d.mask[i]
		} else {
			d.mask[i] = 0
			out.Data[i] = 0
		}
	}
	return out
}

func (d *Dropout) Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor {
	if d.mask == nil {
		return gradOutput.Copy()
	}
	out := gradOutput.Copy()
	for i := range out.Data {
		out.Data[i] *= d.mask[i]
	}
	return out
}

func (d *Dropout) ApplySGD(lr float64) {}

func (d *Dropout) Params() []*tensor.Tensor { return nil }
func (d *Dropout) Grads() []*tensor.Tensor  { return nil }

// ReservedBytes is the dropout reserved-space size: a mask flag per
// activation element, at the precision the registry was built with.
func (d *Dropout) ReservedBytes(precision tensor.Precision, activationElements int) uint64 {
	return uint64(activationElements) * precision.Size()
}

func (d *Dropout) Name() string { return fmt.Sprintf("Dropout(rate=%.2f)", d.Rate) }
