package primitives

import (
	"fmt"
	"math"

	"github.com/muchq/vdnn/tensor"
)

// ActivationKind selects which pointwise nonlinearity an Activation op
// applies. One op type covers all three functions so the registry's
// Activation layer kind has a single concrete Go type regardless of which
// function it runs.
type ActivationKind int

const (
	ReLU ActivationKind = iota
	Sigmoid
	Tanh
)

func (k ActivationKind) String() string {
	switch k {
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	default:
		return fmt.Sprintf("ActivationKind(%d)", int(k))
	}
}

// Activation is a fused, compute-trailing pointwise nonlinearity. It
// carries no parameters; its gradient buffer aliases the following
// layer's during backward.
type Activation struct {
	Kind ActivationKind

	cache *tensor.Tensor
}

func NewActivation(kind ActivationKind) *Activation {
	return &Activation{Kind: kind}
}

func (a *Activation) Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor {
	var out *tensor.Tensor
	switch a.Kind {
	case ReLU:
		out = input.Apply(func(v float64) float64 {
			if v > 0 {
				return v
			}
			return 0
		})
		a.cache = input
	case Sigmoid:
		out = input.Apply(func(v float64) float64 { return 1.0 / (1.0 + math.Exp(-v)) })
		a.cache = out
	case Tanh:
		out = input.Apply(math.Tanh)
		a.cache = out
	default:
		panic(fmt.Sprintf("primitives: unknown activation kind %d", a.Kind))
	}
	return out
}

func (a *Activation) Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor {
	out := gradOutput.Copy()
	switch a.Kind {
	case ReLU:
		for i := range out.Data {
			if a.cache.Data[i] <= 0 {
				out.Data[i] = 0
			}
		}
	case Sigmoid:
		for i := range out.Data {
			s := a.cache.Data[i]
			out.Data[i] *= s * (1 - s)
		}
	case Tanh:
		for i := range out.Data {
			th := a.cache.Data[i]
			out.Data[i] *= 1 - th*th
		}
	}
	return out
}

func (a *Activation) ApplySGD(lr float64) {}

func (a *Activation) Params() []*tensor.Tensor { return nil }
func (a *Activation) Grads() []*tensor.Tensor  { return nil }

func (a *Activation) Name() string { return fmt.Sprintf("Activation(%s)", a.Kind) }
