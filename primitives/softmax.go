package primitives

import (
	"fmt"
	"math"

	"github.com/muchq/vdnn/tensor"
)

// Softmax is the terminal layer of a classification network: a row-wise
// softmax over a 2D (batch, classes) tensor, fused with cross-entropy loss
// so the training path can produce the initial gradient directly from
// integer labels.
type Softmax struct {
	Eps float64

	probs *tensor.Tensor
}

func NewSoftmax(eps float64) *Softmax {
	return &Softmax{Eps: eps}
}

func (s *Softmax) Forward(input *tensor.Tensor, workspace *tensor.Tensor, training bool) *tensor.Tensor {
	if len(input.Shape) != 2 {
		panic(fmt.Sprintf("primitives: Softmax expects 2D (batch, classes) input, got %v", input.Shape))
	}
	out := input.Copy()
	batch, classes := input.Shape[0], input.Shape[1]
	for b := 0; b < batch; b++ {
		start := b * classes
		end := start + classes
		max := out.Data[start]
		for i := start; i < end; i++ {
			if out.Data[i] > max {
				max = out.Data[i]
			}
		}
		sum := 0.0
		for i := start; i < end; i++ {
			out.Data[i] = math.Exp(out.Data[i] - max)
			sum += out.Data[i]
		}
		for i := start; i < end; i++ {
			out.Data[i] /= sum
		}
	}
	s.probs = out
	return out
}

// Backward passes the upstream gradient through unchanged. The combined
// Softmax+CrossEntropy gradient with respect to the logits is produced by
// LossGrad at the loss boundary, so by the time Backward runs the gradient
// already is d(loss)/d(logits).
func (s *Softmax) Backward(gradOutput *tensor.Tensor, workspace *tensor.Tensor) *tensor.Tensor {
	return gradOutput
}

// LossGrad computes the gradient of cross-entropy loss with respect to the
// pre-softmax logits, given integer class labels. The combined
// Softmax+CrossEntropy gradient simplifies to (probs - onehot(label))/batch.
func (s *Softmax) LossGrad(labels []int, batchSize int) *tensor.Tensor {
	classes := s.probs.Shape[1]
	grad := s.probs.Copy()
	for b, label := range labels {
		grad.Data[b*classes+label] -= 1
	}
	for i := range grad.Data {
		grad.Data[i] /= float64(batchSize)
	}
	return grad
}

// Loss computes mean cross-entropy loss against integer labels using the
// cached forward probabilities.
func (s *Softmax) Loss(labels []int) float64 {
	classes := s.probs.Shape[1]
	total := 0.0
	for b, label := range labels {
		p := s.probs.Data[b*classes+label]
		total -= math.Log(p + s.Eps)
	}
	return total / float64(len(labels))
}

// CorrectCount returns the number of rows where argmax(probs) == labels[row].
func (s *Softmax) CorrectCount(labels []int) int {
	classes := s.probs.Shape[1]
	correct := 0
	for b, label := range labels {
		argmax := 0
		best := s.probs.Data[b*classes]
		for c := 1; c < classes; c++ {
			v := s.probs.Data[b*classes+c]
			if v > best {
				best, argmax = v, c
			}
		}
		if argmax == label {
			correct++
		}
	}
	return correct
}

func (s *Softmax) ApplySGD(lr float64) {}

func (s *Softmax) Params() []*tensor.Tensor { return nil }
func (s *Softmax) Grads() []*tensor.Tensor  { return nil }

func (s *Softmax) Name() string { return "Softmax" }
