package primitives

import (
	"fmt"
	"math"

	"github.com/muchq/vdnn/tensor"
)

// BatchNorm normalizes per channel over (batch, height, width), with
// learned scale/shift and running statistics for inference. AllocationBytes
// accounts for the persistent running-statistics buffers.
type BatchNorm struct {
	Channels int
	Eps      float64
	Momentum float64

	Gamma, Beta         *tensor.Tensor
	GradGamma, GradBeta *tensor.Tensor
	RunningMean, RunningVar *tensor.Tensor

	input       *tensor.Tensor
	normalized  *tensor.Tensor
	batchMean   []float64
	batchVar    []float64
}

func NewBatchNorm(channels int, eps, momentum float64) *BatchNorm {
	bn := &BatchNorm{Channels: channels, Eps: eps, Momentum: momentum}
	bn.Gamma = tensor.New(channels)
	bn.Beta = tensor.New(channels)
	for i := range bn.Gamma.Data {
		bn.Gamma.Data[i] = 1
	}
	bn.GradGamma = tensor.New(channels)
	bn.GradBeta = tensor.New(channels)
	bn.RunningMean = tensor.New(channels)
	bn.RunningVar = tensor.New(channels)
	for i := range bn.RunningVar.Data {
		bn.RunningVar.Data[i] = 1
	}
	return bn
}

// AllocationBytes is the persistent running-statistics footprint, at the
// registry's precision.
func (bn *BatchNorm) AllocationBytes(precision tensor.Precision) uint64 {
	return 2 * uint64(bn.Channels) * precision.Size()
}

func (bn *BatchNorm) Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor {
	if len(input.Shape) != 4 {
		panic(fmt.Sprintf("primitives: BatchNorm expects 4D NCHW input, got %v", input.Shape))
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	bn.input = input
	out := tensor.New(n, c, h, w)

	if training {
		bn.batchMean = make([]float64, c)
		bn.batchVar = make([]float64, c)
		count := float64(n * h * w)
		for ci := 0; ci < c; ci++ {
			sum := 0.0
			for ni := 0; ni < n; ni++ {
				for hi := 0; hi < h; hi++ {
					for wi := 0; wi < w; wi++ {
						sum += input.Get4D(ni, ci, hi, wi)
					}
				}
			}
			mean := sum / count
			varSum := 0.0
			for ni := 0; ni < n; ni++ {
				for hi := 0; hi < h; hi++ {
					for wi := 0; wi < w; wi++ {
						d := input.Get4D(ni, ci, hi, wi) - mean
						varSum += d * d
					}
				}
			}
			variance := varSum / count
			bn.batchMean[ci] = mean
			bn.batchVar[ci] = variance
			bn.RunningMean.Data[ci] = bn.Momentum*bn.RunningMean.Data[ci] + (1-bn.Momentum)*mean
			bn.RunningVar.Data[ci] = bn.Momentum*bn.RunningVar.Data[ci] + (1-bn.Momentum)*variance
		}
	}

	mean, variance := bn.batchMean, bn.batchVar
	if !training {
		mean, variance = bn.RunningMean.Data, bn.RunningVar.Data
	}

	bn.normalized = tensor.New(n, c, h, w)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			std := math.Sqrt(variance[ci] + bn.Eps)
			for hi := 0; hi < h; hi++ {
				for wi := 0; wi < w; wi++ {
					norm := (input.Get4D(ni, ci, hi, wi) - mean[ci]) / std
					bn.normalized.Set4D(ni, ci, hi, wi, norm)
					out.Set4D(ni, ci, hi, wi, norm*bn.Gamma.Data[ci]+bn.Beta.Data[ci])
				}
			}
		}
	}
	return out
}

func (bn *BatchNorm) Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor {
	if bn.input == nil {
		panic("primitives: BatchNorm Backward called before Forward")
	}
	n, c, h, w := bn.input.Shape[0], bn.input.Shape[1], bn.input.Shape[2], bn.input.Shape[3]
	count := float64(n * h * w)
	gradInput := tensor.New(n, c, h, w)

	for ci := 0; ci < c; ci++ {
		std := math.Sqrt(bn.batchVar[ci] + bn.Eps)
		var sumGrad, sumGradNorm float64
		for ni := 0; ni < n; ni++ {
			for hi := 0; hi < h; hi++ {
				for wi := 0; wi < w; wi++ {
					g := gradOutput.Get4D(ni, ci, hi, wi)
					sumGrad += g
					sumGradNorm += g * bn.normalized.Get4D(ni, ci, hi, wi)
				}
			}
		}
		bn.GradGamma.Data[ci] += sumGradNorm
		bn.GradBeta.Data[ci] += sumGrad

		for ni := 0; ni < n; ni++ {
			for hi := 0; hi < h; hi++ {
				for wi := 0; wi < w; wi++ {
					g := gradOutput.Get4D(ni, ci, hi, wi)
					norm := bn.normalized.Get4D(ni, ci, hi, wi)
					dx := bn.Gamma.Data[ci] / std * (g - sumGrad/count - norm*sumGradNorm/count)
					gradInput.Set4D(ni, ci, hi, wi, dx)
				}
			}
		}
	}
	return gradInput
}

func (bn *BatchNorm) ApplySGD(lr float64) {
	for i := range bn.Gamma.Data {
		bn.Gamma.Data[i] -= lr * bn.GradGamma.Data[i]
		bn.GradGamma.Data[i] = 0
	}
	for i := range bn.Beta.Data {
		bn.Beta.Data[i] -= lr * bn.GradBeta.Data[i]
		bn.GradBeta.Data[i] = 0
	}
}

func (bn *BatchNorm) Params() []*tensor.Tensor { return []*tensor.Tensor{bn.Gamma, bn.Beta} }
func (bn *BatchNorm) Grads() []*tensor.Tensor  { return []*tensor.Tensor{bn.GradGamma, bn.GradBeta} }

func (bn *BatchNorm) Name() string { return fmt.Sprintf("BatchNorm(channels=%d)", bn.Channels) }
