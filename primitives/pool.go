package primitives

import (
	"fmt"

	"github.com/muchq/vdnn/tensor"
)

// Pool is a max-pooling layer. It carries no parameters and needs no
// algorithm selection or workspace.
type Pool struct {
	PoolH, PoolW, Stride int

	indices    []int
	inputShape []int
}

func NewPool(poolH, poolW, stride int) *Pool {
	return &Pool{PoolH: poolH, PoolW: poolW, Stride: stride}
}

func (p *Pool) Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor {
	if len(input.Shape) != 4 {
		panic(fmt.Sprintf("primitives: Pool expects 4D input, got %v", input.Shape))
	}
	p.inputShape = input.Shape
	output, indices := tensor.MaxPool2DIndices(input, p.PoolH, p.PoolW, p.Stride)
	p.indices = indices
	return output
}

func (p *Pool) Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor {
	if p.inputShape == nil {
		panic("primitives: Pool Backward called before Forward")
	}
	gradInput := tensor.New(p.inputShape...)
	for i, idx := range p.indices {
		if idx >= 0 && idx < len(gradInput.Data) {
			gradInput.Data[idx] += gradOutput.Data[i]
		}
	}
	return gradInput
}

func (p *Pool) ApplySGD(lr float64) {}

func (p *Pool) Params() []*tensor.Tensor { return nil }
func (p *Pool) Grads() []*tensor.Tensor  { return nil }

func (p *Pool) Name() string {
	return fmt.Sprintf("Pool(pool=%dx%d,stride=%d)", p.PoolH, p.PoolW, p.Stride)
}
