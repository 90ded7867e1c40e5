package primitives

import (
	"fmt"
	"math/rand"

	"github.com/muchq/vdnn/tensor"
)

// Dense is a fully-connected layer: a (batch, features) x (features, out)
// matmul with an optional broadcast bias.
type Dense struct {
	InputSize, OutputSize int
	UseBias               bool

	W, B     *tensor.Tensor
	GradW    *tensor.Tensor
	GradB    *tensor.Tensor

	input      *tensor.Tensor
	inputShape []int
}

func NewDense(rng *rand.Rand, inputSize, outputSize int, useBias bool) *Dense {
	d := &Dense{InputSize: inputSize, OutputSize: outputSize, UseBias: useBias}
	d.W = tensor.HeInit(rng, inputSize, inputSize, outputSize)
	d.GradW = tensor.New(inputSize, outputSize)
	if useBias {
		d.B = tensor.New(outputSize)
		d.GradB = tensor.New(outputSize)
	}
	return d
}

// Forward flattens any trailing dimensions beyond batch before the matmul,
// so a Dense layer can sit directly after a Conv/Pool/BatchNorm stage
// without a dedicated reshape layer.
func (d *Dense) Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor {
	d.inputShape = input.Shape
	if len(input.Shape) > 2 {
		input = input.Reshape(input.Shape[0], d.InputSize)
	}
	if len(input.Shape) != 2 {
		panic(fmt.Sprintf("primitives: Dense expects 2D (batch, features) input, got %v", input.Shape))
	}
	d.input = input
	out := input.MatMul(d.W)
	if d.UseBias {
		out = out.Add(d.B)
	}
	return out
}

func (d *Dense) Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor {
	if d.input == nil {
		panic("primitives: Dense Backward called before Forward")
	}
	gradW := d.input.Transpose().MatMul(gradOutput)
	for i := range d.GradW.Data {
		d.GradW.Data[i] += gradW.Data[i]
	}
	if d.UseBias {
		batch := gradOutput.Shape[0]
		for b := 0; b < batch; b++ {
			for o := 0; o < d.OutputSize; o++ {
				d.GradB.Data[o] += gradOutput.Get(b, o)
			}
		}
	}
	gradInput := gradOutput.MatMul(d.W.Transpose())
	if len(d.inputShape) > 2 {
		gradInput = gradInput.Reshape(d.inputShape...)
	}
	return gradInput
}

func (d *Dense) ApplySGD(lr float64) {
	for i := range d.W.Data {
		d.W.Data[i] -= lr * d.GradW.Data[i]
		d.GradW.Data[i] = 0
	}
	if d.UseBias {
		for i := range d.B.Data {
			d.B.Data[i] -= lr * d.GradB.Data[i]
			d.GradB.Data[i] = 0
		}
	}
}

func (d *Dense) Params() []*tensor.Tensor {
	if d.UseBias {
		return []*tensor.Tensor{d.W, d.B}
	}
	return []*tensor.Tensor{d.W}
}

func (d *Dense) Grads() []*tensor.Tensor {
	if d.UseBias {
		return []*tensor.Tensor{d.GradW, d.GradB}
	}
	return []*tensor.Tensor{d.GradW}
}

func (d *Dense) Name() string {
	return fmt.Sprintf("Dense(in=%d,out=%d)", d.InputSize, d.OutputSize)
}
